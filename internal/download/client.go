// Package download streams HTTP responses to disk with safe filename
// derivation and crash-safe temp-file renames.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/AharonR/downloader/internal/retry"
)

const (
	// DefaultConnectTimeout bounds connection establishment.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultReadTimeout bounds the whole request including body reads.
	DefaultReadTimeout = 300 * time.Second

	defaultMaxRedirects = 10
	defaultMaxURLLength = 2048

	copyBufferSize   = 32 * 1024
	progressInterval = 200 * time.Millisecond

	defaultUserAgent = "downloader/1.0 (+https://github.com/AharonR/downloader)"
)

// Options configures the streaming client.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRedirects   int
	MaxURLLength   int
	UserAgent      string
	Jar            http.CookieJar
}

// Client performs single-request streaming downloads.
type Client struct {
	logger *slog.Logger
	http   *http.Client
	opts   Options
}

// NewClient builds a streaming client. Zero option fields take the
// package defaults; Jar may be nil for cookie-less operation.
func NewClient(logger *slog.Logger, opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	if opts.MaxURLLength <= 0 {
		opts.MaxURLLength = defaultMaxURLLength
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	maxRedirects := opts.MaxRedirects
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   opts.ReadTimeout,
		Jar:       opts.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	return &Client{logger: logger, http: httpClient, opts: opts}
}

// ProgressFunc receives streaming progress: bytes written so far and
// the announced content length (nil when unknown).
type ProgressFunc func(bytesDownloaded int64, contentLength *int64)

// Request describes one download.
type Request struct {
	URL       string
	OutputDir string
	// SuggestedFilename is the resolver-supplied hint, used when the
	// response carries no Content-Disposition name.
	SuggestedFilename string
	// SuffixStart controls where collision numbering begins (1 for
	// plain names, 2 for metadata-derived names).
	SuffixStart int
	Progress    ProgressFunc
}

// Result describes a finished download.
type Result struct {
	Path        string
	Bytes       int64
	ContentType string
	FinalURL    string
	HTTPStatus  int
	Duration    time.Duration
}

// DownloadToFile performs one GET and streams the body to a file under
// req.OutputDir. The body lands in a temporary file first and is
// renamed into place only on success, so no partial artifact ever
// appears at the final path.
func (c *Client) DownloadToFile(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	parsed, err := c.validateURL(req.URL)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", req.URL, err)
	}
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	httpReq.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &retry.StatusError{
			URL:        finalURL,
			Status:     resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	name := c.deriveFilename(resp, req)

	var contentLength *int64
	if resp.ContentLength >= 0 {
		length := resp.ContentLength
		contentLength = &length
	}

	written, tmpPath, err := c.streamToTemp(ctx, resp.Body, req, contentLength)
	if err != nil {
		return nil, err
	}

	finalPath, err := c.commit(tmpPath, req.OutputDir, name, req.SuffixStart)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	c.logger.Debug("download complete",
		"url", finalURL, "path", finalPath, "bytes", written)

	return &Result{
		Path:        finalPath,
		Bytes:       written,
		ContentType: contentType,
		FinalURL:    finalURL,
		HTTPStatus:  resp.StatusCode,
		Duration:    time.Since(start),
	}, nil
}

func (c *Client) validateURL(rawURL string) (*url.URL, error) {
	if len(rawURL) > c.opts.MaxURLLength {
		return nil, fmt.Errorf("URL exceeds maximum length of %d characters", c.opts.MaxURLLength)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q (only http and https are allowed)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", rawURL)
	}
	return parsed, nil
}

// deriveFilename applies the precedence: Content-Disposition filename*
// and filename, the resolver hint, the last URL path segment, then a
// synthesized fallback. Names without a plausible extension get one
// inferred from the Content-Type.
func (c *Client) deriveFilename(resp *http.Response, req Request) string {
	var name string
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		name = parseContentDisposition(cd)
	}
	if name == "" {
		name = req.SuggestedFilename
	}
	if name == "" {
		name = fallbackFilenameFromURL(resp.Request.URL)
	}
	if plausibleExtension(name) == "" {
		name += extensionFromContentType(resp.Header.Get("Content-Type"))
	}
	return name
}

// streamToTemp copies the body to a temp file in the output directory,
// reporting progress as the stream advances. The temp file is removed
// on any failure.
func (c *Client) streamToTemp(ctx context.Context, body io.Reader, req Request, contentLength *int64) (int64, string, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return 0, "", &retry.IOError{Op: "create directory", Err: err}
	}

	tmp, err := os.CreateTemp(req.OutputDir, ".downloading-*.part")
	if err != nil {
		return 0, "", &retry.IOError{Op: "create", Err: err}
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	var written int64
	buf := make([]byte, copyBufferSize)
	lastReport := time.Now()

	report := func(force bool) {
		if req.Progress == nil {
			return
		}
		if force || time.Since(lastReport) >= progressInterval {
			req.Progress(written, contentLength)
			lastReport = time.Now()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return 0, "", err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := tmp.Write(buf[:n]); writeErr != nil {
				cleanup()
				return 0, "", &retry.IOError{Op: "write", Err: writeErr}
			}
			written += int64(n)
			report(false)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			return 0, "", readErr
		}
	}

	// A short body against a known Content-Length means the stream was
	// cut; surface it as a transport failure rather than keeping a
	// truncated artifact.
	if contentLength != nil && written != *contentLength {
		cleanup()
		return 0, "", fmt.Errorf("truncated body: got %d of %d bytes: %w",
			written, *contentLength, io.ErrUnexpectedEOF)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", &retry.IOError{Op: "close", Err: err}
	}

	report(true)
	return written, tmpPath, nil
}

// commit renames the temp file onto a unique final name. Concurrent
// workers racing for the same name lose the O_EXCL reservation and
// retry with the next suffix.
func (c *Client) commit(tmpPath, outputDir, name string, suffixStart int) (string, error) {
	if suffixStart < 1 {
		suffixStart = 1
	}
	for attempt := 0; attempt < 1000; attempt++ {
		finalPath := resolveUniquePath(outputDir, name, suffixStart)

		reserved, err := os.OpenFile(finalPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return "", &retry.IOError{Op: "reserve", Err: err}
		}
		_ = reserved.Close()

		if err := os.Rename(tmpPath, finalPath); err != nil {
			_ = os.Remove(finalPath)
			return "", &retry.IOError{Op: "rename", Err: err}
		}
		return filepath.Clean(finalPath), nil
	}
	return "", &retry.IOError{Op: "rename", Err: errors.New("could not allocate a unique filename")}
}
