package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// NewJar loads cookies into a thread-safe jar that applies domain,
// path and secure matching on outbound requests. The jar never emits a
// cookie to a host that does not match its domain.
func NewJar(logger *slog.Logger, cookies []Entry) (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to build cookie jar: %w", err)
	}

	for _, entry := range cookies {
		origin, cookie := jarCookie(entry)
		u, err := url.Parse(origin)
		if err != nil {
			logger.Warn("skipping cookie with unparseable domain",
				"domain", entry.Domain, "name", entry.Name)
			continue
		}
		jar.SetCookies(u, []*http.Cookie{cookie})
		logger.Debug("loaded cookie into jar", "domain", entry.Domain, "name", entry.Name)
	}

	return jar, nil
}

// jarCookie converts an entry to an http.Cookie plus the synthetic
// origin URL it is registered under: https for secure cookies, the
// domain with its leading dot stripped as host.
func jarCookie(entry Entry) (string, *http.Cookie) {
	scheme := "http"
	if entry.Secure {
		scheme = "https"
	}
	host := strings.TrimPrefix(entry.Domain, ".")

	path := entry.Path
	if path == "" {
		path = "/"
	}

	cookie := &http.Cookie{
		Name:   entry.Name,
		Value:  entry.Value(),
		Path:   path,
		Secure: entry.Secure,
	}
	// A Domain attribute makes the cookie match subdomains; host-only
	// cookies omit it.
	if entry.TailMatch || strings.HasPrefix(entry.Domain, ".") {
		cookie.Domain = host
	}
	if entry.Expires > 0 {
		cookie.Expires = time.Unix(entry.Expires, 0)
	}

	return scheme + "://" + host + path, cookie
}
