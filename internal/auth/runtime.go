package auth

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// LoadRuntimeJar builds the cookie jar for a run.
//
// When source is non-empty it names a cookie file ("-" reads stdin) in
// Netscape or browser-export JSON format; save additionally persists
// the parsed cookies to the encrypted store. When source is empty the
// encrypted store is consulted; a store that fails to load degrades to
// no cookies with a warning rather than failing the run.
//
// Returns a nil jar when no source is given and the store is absent,
// holds no cookie file, or fails to load. A source or store that yields
// zero cookies produces an empty, non-nil jar.
func LoadRuntimeJar(logger *slog.Logger, store *Store, source string, save bool) (http.CookieJar, error) {
	if source != "" {
		result, err := parseSource(source)
		if err != nil {
			return nil, err
		}
		for _, warning := range result.Warnings {
			logger.Warn("Skipping malformed cookie line",
				"line", warning.Line, "reason", warning.Reason)
		}
		logger.Info("Loaded cookies",
			"count", len(result.Cookies), "domains", result.UniqueDomains())

		if save && store != nil {
			path, err := store.Store(result.Cookies)
			if err != nil {
				return nil, fmt.Errorf("failed to persist cookies securely: %w", err)
			}
			logger.Info("Persisted cookies to encrypted store", "path", path)
		}
		return NewJar(logger, result.Cookies)
	}

	if store == nil {
		return nil, nil
	}
	cookies, exists, err := store.Load()
	if err != nil {
		logger.Warn("Failed to load persisted cookies; continuing without stored auth cookies",
			"error", err)
		return nil, nil
	}
	if !exists {
		return nil, nil
	}

	result := ParseResult{Cookies: cookies}
	logger.Info("Loaded encrypted persisted cookies",
		"cookies", len(cookies), "domains", result.UniqueDomains())
	return NewJar(logger, cookies)
}

func parseSource(source string) (ParseResult, error) {
	var data []byte
	var err error
	if source == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return ParseResult{}, fmt.Errorf("cannot open cookie file %q: %w", source, err)
	}

	if LooksLikeJSON(data) {
		return ParseJSON(data, time.Now())
	}
	result, err := ParseNetscape(bytes.NewReader(data))
	if err != nil {
		return ParseResult{}, fmt.Errorf("failed to parse cookie file: %w", err)
	}
	return result, nil
}
