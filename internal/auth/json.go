package auth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jsonCookie mirrors the browser-export JSON cookie shape. Extensions
// disagree on field names, so both domain/host and
// expirationDate/expires are accepted.
type jsonCookie struct {
	Domain         string   `json:"domain"`
	Host           string   `json:"host"`
	HostOnly       bool     `json:"hostOnly"`
	Path           string   `json:"path"`
	Secure         bool     `json:"secure"`
	Name           string   `json:"name"`
	Value          string   `json:"value"`
	ExpirationDate *float64 `json:"expirationDate"`
	Expires        *float64 `json:"expires"`
}

type jsonCookieFile struct {
	Cookies []jsonCookie `json:"cookies"`
}

// ParseJSON parses a browser-export cookie payload: either a bare JSON
// array or a {"cookies": [...]} wrapper. Entries already expired at
// `now` are dropped with a warning (session cookies, expiry 0, are
// kept).
func ParseJSON(data []byte, now time.Time) (ParseResult, error) {
	var raw []jsonCookie
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapped jsonCookieFile
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return ParseResult{}, fmt.Errorf("failed to parse JSON cookie file: %w", err)
		}
		raw = wrapped.Cookies
	}

	var result ParseResult
	for i, c := range raw {
		domain := c.Domain
		if domain == "" {
			domain = c.Host
		}
		if domain == "" || c.Name == "" {
			result.Warnings = append(result.Warnings, ParseWarning{
				Line:   i + 1,
				Reason: "missing domain or name",
			})
			continue
		}

		var expires int64
		if c.ExpirationDate != nil {
			expires = int64(*c.ExpirationDate)
		} else if c.Expires != nil {
			expires = int64(*c.Expires)
		}
		if expires > 0 && expires <= now.Unix() {
			result.Warnings = append(result.Warnings, ParseWarning{
				Line:   i + 1,
				Reason: fmt.Sprintf("cookie %q for %s is expired", c.Name, domain),
			})
			continue
		}

		path := c.Path
		if path == "" {
			path = "/"
		}
		tailMatch := !c.HostOnly && strings.HasPrefix(domain, ".")

		result.Cookies = append(result.Cookies, NewEntry(domain, tailMatch, path, c.Secure, expires, c.Name, c.Value))
	}

	if len(result.Cookies) == 0 && len(raw) > 0 {
		return result, fmt.Errorf("no usable cookies found in JSON file (%d entries rejected)", len(result.Warnings))
	}
	return result, nil
}

// LooksLikeJSON reports whether a cookie payload is JSON rather than
// Netscape format.
func LooksLikeJSON(data []byte) bool {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	return strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{")
}
