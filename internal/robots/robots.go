// Package robots gates downloads on per-origin robots.txt policy with
// a 24 hour cache.
package robots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// TTL is how long a fetched robots.txt ruleset stays valid.
const TTL = 24 * time.Hour

const maxRobotsBody = 512 * 1024

// Decision is the outcome of a robots.txt check.
type Decision int

const (
	// Allowed means the URL may be fetched.
	Allowed Decision = iota
	// Disallowed means robots.txt forbids the URL for User-agent *.
	Disallowed
)

// Cache fetches, parses and caches robots.txt per origin. Safe for
// concurrent use; concurrent lookups for an uncached origin may each
// fetch, which is harmless.
type Cache struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	// now is swappable for TTL tests.
	now func() time.Time
}

type entry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// NewCache builds an empty robots cache.
func NewCache(logger *slog.Logger) *Cache {
	return &Cache{
		logger:  logger,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// CheckAllowed returns whether rawURL is allowed by the origin's
// robots.txt for User-agent *. Missing or expired cache entries
// trigger a fetch of <origin>/robots.txt; a 404 caches an empty
// (allow-all) ruleset, any other non-success status is an error and
// nothing is cached.
func (c *Cache) CheckAllowed(ctx context.Context, rawURL, origin string, client *http.Client) (Decision, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Disallowed, fmt.Errorf("invalid URL for robots check: %w", err)
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	now := c.now()

	c.mu.RLock()
	cached, ok := c.entries[origin]
	c.mu.RUnlock()

	if !ok || now.Sub(cached.fetchedAt) > TTL {
		group, err := c.fetch(ctx, origin, client)
		if err != nil {
			return Disallowed, err
		}
		cached = &entry{group: group, fetchedAt: now}
		c.mu.Lock()
		c.entries[origin] = cached
		c.mu.Unlock()
	}

	if cached.group != nil && !cached.group.Test(path) {
		c.logger.Debug("robots.txt disallows path", "origin", origin, "path", path)
		return Disallowed, nil
	}
	return Allowed, nil
}

func (c *Cache) fetch(ctx context.Context, origin string, client *http.Client) (*robotstxt.Group, error) {
	robotsURL := strings.TrimRight(origin, "/") + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build robots.txt request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", robotsURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return emptyGroup(), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("robots.txt returned status %d for %s", resp.StatusCode, robotsURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read robots.txt body: %w", err)
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		// An unparseable robots.txt is treated as absent rather than
		// blocking the whole origin.
		c.logger.Warn("failed to parse robots.txt; treating as empty", "origin", origin, "error", err)
		return emptyGroup(), nil
	}
	return data.FindGroup("*"), nil
}

func emptyGroup() *robotstxt.Group {
	data, _ := robotstxt.FromBytes(nil)
	return data.FindGroup("*")
}

// OriginForURL returns the scheme://host[:port] cache key for a URL.
func OriginForURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("URL %q has no origin", rawURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
