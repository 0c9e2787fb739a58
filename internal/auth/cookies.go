// Package auth manages authentication cookies: parsing browser-export
// cookie files, persisting them encrypted at rest, and loading them
// into an HTTP cookie jar.
package auth

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Entry is one cookie. The value is deliberately unexported so it
// cannot leak through struct printing; every rendering path redacts it.
type Entry struct {
	Domain    string
	TailMatch bool
	Path      string
	Secure    bool
	Expires   int64 // unix seconds, 0 = session cookie
	Name      string

	value string
}

// NewEntry builds a cookie entry.
func NewEntry(domain string, tailMatch bool, path string, secure bool, expires int64, name, value string) Entry {
	return Entry{
		Domain:    domain,
		TailMatch: tailMatch,
		Path:      path,
		Secure:    secure,
		Expires:   expires,
		Name:      name,
		value:     value,
	}
}

// Value returns the cookie value. Sensitive; never log the result.
func (e Entry) Value() string {
	return e.value
}

// String renders the entry with the value redacted.
func (e Entry) String() string {
	return fmt.Sprintf("Entry{Domain:%s TailMatch:%t Path:%s Secure:%t Expires:%d Name:%s Value:[REDACTED]}",
		e.Domain, e.TailMatch, e.Path, e.Secure, e.Expires, e.Name)
}

// LogValue redacts the value in slog output.
func (e Entry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("domain", e.Domain),
		slog.String("name", e.Name),
		slog.String("value", "[REDACTED]"),
	)
}

// ParseWarning records a malformed line that was skipped.
type ParseWarning struct {
	Line   int
	Reason string
}

// ParseResult holds parsed cookies plus warnings for skipped lines.
type ParseResult struct {
	Cookies  []Entry
	Warnings []ParseWarning
}

// UniqueDomains returns the number of distinct cookie domains.
func (r ParseResult) UniqueDomains() int {
	seen := make(map[string]struct{}, len(r.Cookies))
	for _, c := range r.Cookies {
		seen[c.Domain] = struct{}{}
	}
	return len(seen)
}

// ParseNetscape parses a Netscape cookies.txt stream: seven
// TAB-separated fields per line, `#` comments and blank lines ignored.
// Malformed lines become warnings; a file whose cookie lines are all
// malformed is an error (a file with only comments and blank lines is
// not). Error text never contains cookie values.
func ParseNetscape(r io.Reader) (ParseResult, error) {
	var result ParseResult
	nonBlank := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		nonBlank++

		entry, reason := parseNetscapeLine(line)
		if reason != "" {
			result.Warnings = append(result.Warnings, ParseWarning{Line: lineNumber, Reason: reason})
			continue
		}
		result.Cookies = append(result.Cookies, entry)
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read cookie file: %w", err)
	}

	if len(result.Cookies) == 0 && nonBlank > 0 {
		return result, fmt.Errorf("no valid cookies found in file (%d lines failed to parse)", len(result.Warnings))
	}
	return result, nil
}

func parseNetscapeLine(line string) (Entry, string) {
	fields := strings.Split(line, "\t")
	if len(fields) != 7 {
		return Entry{}, fmt.Sprintf("expected 7 TAB-separated fields, found %d", len(fields))
	}

	tailMatch, ok := parseBoolField(fields[1])
	if !ok {
		return Entry{}, fmt.Sprintf("tailmatch field must be TRUE or FALSE, got %q", fields[1])
	}
	secure, ok := parseBoolField(fields[3])
	if !ok {
		return Entry{}, fmt.Sprintf("secure field must be TRUE or FALSE, got %q", fields[3])
	}
	expires, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil || expires < 0 {
		return Entry{}, fmt.Sprintf("expires field must be a non-negative integer, got %q", fields[4])
	}
	if fields[0] == "" {
		return Entry{}, "domain field is empty"
	}
	if fields[5] == "" {
		return Entry{}, "cookie name field is empty"
	}

	return NewEntry(fields[0], tailMatch, fields[2], secure, expires, fields[5], fields[6]), ""
}

func parseBoolField(value string) (bool, bool) {
	switch value {
	case "TRUE":
		return true, true
	case "FALSE":
		return false, true
	default:
		return false, false
	}
}
