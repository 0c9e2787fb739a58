// Package engine drains the persistent queue with a bounded worker
// pool, applying per-domain pacing, robots gating and retry policy,
// and committing every outcome durably.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AharonR/downloader/internal/download"
	"github.com/AharonR/downloader/internal/queue"
	"github.com/AharonR/downloader/internal/ratelimit"
	"github.com/AharonR/downloader/internal/retry"
	"github.com/AharonR/downloader/internal/robots"
	"github.com/AharonR/downloader/internal/storage"
)

const (
	// DefaultConcurrency is the worker count when none is configured.
	DefaultConcurrency = 4

	emptyPollInterval = 100 * time.Millisecond
	busyRetryInterval = 150 * time.Millisecond
	maxCommitRetries  = 20
)

// Options tunes one processing run.
type Options struct {
	GenerateSidecars bool
	CheckRobots      bool
	Robots           *robots.Cache
}

// Stats summarizes one processing run. Completed + Failed = Total
// after a normal (uninterrupted) exit.
type Stats struct {
	Total          int
	Completed      int
	Failed         int
	Retried        int
	WasInterrupted bool
}

// Process exit codes for embedders.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitPartial = 2
)

// ExitCode maps run results onto the process exit convention: success
// when everything completed, partial when some did, failure when
// nothing did.
func (s Stats) ExitCode() int {
	switch {
	case s.Completed > 0 && s.Failed == 0:
		return ExitSuccess
	case s.Completed > 0:
		return ExitPartial
	case s.Total == 0 && !s.WasInterrupted:
		return ExitSuccess
	default:
		return ExitFailure
	}
}

// Engine runs download attempts against a queue.
type Engine struct {
	logger      *slog.Logger
	concurrency int
	policy      *retry.Policy
	limiter     *ratelimit.Limiter

	robotsHTTP *http.Client

	// project tags history rows; defaults to a unique per-run label.
	project string
}

// New builds an engine with the given worker count (values < 1 take
// the default).
func New(logger *slog.Logger, concurrency int, policy *retry.Policy, limiter *ratelimit.Limiter) *Engine {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if policy == nil {
		policy = retry.NewPolicy(3)
	}
	return &Engine{
		logger:      logger,
		concurrency: concurrency,
		policy:      policy,
		limiter:     limiter,
		robotsHTTP:  &http.Client{Timeout: 30 * time.Second},
		project:     "session-" + uuid.NewString(),
	}
}

// SetProject sets the project key stamped on history rows.
func (e *Engine) SetProject(project string) {
	if project != "" {
		e.project = project
	}
}

// ProcessQueue drains the queue to completion.
func (e *Engine) ProcessQueue(ctx context.Context, q *queue.Queue, client *download.Client, outputDir string) (Stats, error) {
	return e.ProcessQueueInterruptible(ctx, q, client, outputDir, nil)
}

// ProcessQueueInterruptible drains the queue, stopping early when the
// cancel flag is set.
func (e *Engine) ProcessQueueInterruptible(ctx context.Context, q *queue.Queue, client *download.Client, outputDir string, cancel *atomic.Bool) (Stats, error) {
	return e.ProcessQueueInterruptibleWithOptions(ctx, q, client, outputDir, cancel, Options{})
}

// ProcessQueueInterruptibleWithOptions runs up to the configured number
// of concurrent workers until the queue is drained with no in-flight
// item or the cancel flag is set. A failed dequeue (other than
// contention) stops the worker that hit it; a failed queue commit is
// recorded but does not stop its worker. The first such fatal storage
// error is returned once all workers have exited.
func (e *Engine) ProcessQueueInterruptibleWithOptions(ctx context.Context, q *queue.Queue, client *download.Client, outputDir string, cancel *atomic.Bool, opts Options) (Stats, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	col := &statsCollector{}
	// The in-flight slot channel bounds concurrent HTTP streams even
	// when dequeue momentarily outruns processing.
	sem := make(chan struct{}, e.concurrency)
	var inflight atomic.Int64

	var fatalMu sync.Mutex
	var fatalErr error
	setFatal := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx, q, client, outputDir, cancel, opts, col, sem, &inflight, setFatal)
		}()
	}
	wg.Wait()

	stats := col.snapshot()
	e.logger.Info("Queue processing finished",
		"total", stats.Total, "completed", stats.Completed,
		"failed", stats.Failed, "retried", stats.Retried,
		"interrupted", stats.WasInterrupted)
	return stats, fatalErr
}

func (e *Engine) workerLoop(ctx context.Context, q *queue.Queue, client *download.Client, outputDir string, cancel *atomic.Bool, opts Options, col *statsCollector, sem chan struct{}, inflight *atomic.Int64, setFatal func(error)) {
	for {
		if canceled(ctx, cancel) {
			col.interrupted()
			return
		}

		item, err := q.Dequeue()
		if err != nil {
			if errors.Is(err, queue.ErrBusy) {
				if !sleepInterruptible(ctx, cancel, busyRetryInterval) {
					col.interrupted()
					return
				}
				continue
			}
			setFatal(fmt.Errorf("queue dequeue failed: %w", err))
			return
		}
		if item == nil {
			// Drained only when nobody is still processing: an
			// in-flight attempt may requeue its item for retry.
			if inflight.Load() == 0 {
				return
			}
			if !sleepInterruptible(ctx, cancel, emptyPollInterval) {
				col.interrupted()
				return
			}
			continue
		}

		inflight.Add(1)
		e.processItem(ctx, q, client, outputDir, cancel, opts, col, sem, item, setFatal)
		inflight.Add(-1)
	}
}

// processItem performs one full attempt: robots gate, pacing, stream,
// classify, commit. Every transition is persisted before the worker
// moves on.
func (e *Engine) processItem(ctx context.Context, q *queue.Queue, client *download.Client, outputDir string, cancel *atomic.Bool, opts Options, col *statsCollector, sem chan struct{}, item *storage.Item, setFatal func(error)) {
	start := time.Now()
	attempt := item.RetryCount + 1

	if opts.CheckRobots && opts.Robots != nil {
		if done := e.applyRobotsGate(ctx, q, opts, col, item, start, setFatal); done {
			return
		}
	}

	domain := hostOf(item.URL)
	if err := e.limiter.AwaitSlot(ctx, domain); err != nil {
		// Context canceled while pacing: abandon without committing so
		// the claim is recovered on the next open.
		col.interrupted()
		return
	}
	if canceled(ctx, cancel) {
		col.interrupted()
		return
	}

	if err := checkDiskSpace(outputDir, 0); err != nil {
		e.commitFailure(ctx, q, cancel, col, item, attempt, start, err, setFatal)
		return
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		col.interrupted()
		return
	}
	result, err := client.DownloadToFile(ctx, e.buildRequest(q, item, outputDir))
	<-sem

	if err == nil {
		e.commitSuccess(q, opts, col, item, attempt, start, result, setFatal)
		return
	}
	if ctx.Err() != nil || canceled(ctx, cancel) {
		// The stream was dropped by cancellation, not by the server.
		col.interrupted()
		return
	}
	e.commitFailure(ctx, q, cancel, col, item, attempt, start, err, setFatal)
}

// applyRobotsGate returns true when the item was consumed (disallowed
// and committed). Robots fetch errors log a warning and let the
// download proceed.
func (e *Engine) applyRobotsGate(ctx context.Context, q *queue.Queue, opts Options, col *statsCollector, item *storage.Item, start time.Time, setFatal func(error)) bool {
	origin, err := robots.OriginForURL(item.URL)
	if err != nil {
		return false
	}
	decision, err := opts.Robots.CheckAllowed(ctx, item.URL, origin, e.robotsHTTP)
	if err != nil {
		e.logger.Warn("robots.txt check failed; proceeding with download",
			"url", item.URL, "error", err)
		return false
	}
	if decision != robots.Disallowed {
		return false
	}

	msg := fmt.Sprintf("robots.txt disallows %s", item.URL)
	if err := e.commitQueueOp(func() error {
		return q.MarkFailed(item.ID, msg, item.RetryCount)
	}); err != nil {
		setFatal(err)
		return true
	}
	col.failed()
	e.insertHistory(q, item, historyRow{
		status:       storage.AttemptSkipped,
		errorMessage: msg,
		errorType:    storage.ErrorTypeNotFound,
		retryCount:   item.RetryCount,
		startedAt:    start,
	})
	e.logger.Info("Skipped by robots.txt", "id", item.ID, "url", item.URL)
	return true
}

func (e *Engine) buildRequest(q *queue.Queue, item *storage.Item, outputDir string) download.Request {
	suggested := item.SuggestedFilename
	suffixStart := 1
	if suggested == "" && item.Authors != "" && item.Year != "" && item.Title != "" {
		suggested = download.BuildPreferredFilename(item.URL, download.Metadata{
			Title:   item.Title,
			Authors: item.Authors,
			Year:    item.Year,
		})
		suffixStart = 2
	}

	return download.Request{
		URL:               item.URL,
		OutputDir:         outputDir,
		SuggestedFilename: suggested,
		SuffixStart:       suffixStart,
		Progress: func(bytes int64, contentLength *int64) {
			// Progress writes are best-effort; contention here must
			// not fail the stream.
			_ = q.UpdateProgress(item.ID, bytes, contentLength)
		},
	}
}

func (e *Engine) commitSuccess(q *queue.Queue, opts Options, col *statsCollector, item *storage.Item, attempt int, start time.Time, result *download.Result, setFatal func(error)) {
	if err := e.commitQueueOp(func() error {
		return q.MarkCompleted(item.ID, result.Path)
	}); err != nil {
		setFatal(err)
		return
	}
	col.completed()

	size := result.Bytes
	duration := result.Duration.Milliseconds()
	httpStatus := result.HTTPStatus
	e.insertHistory(q, item, historyRow{
		status:      storage.AttemptSuccess,
		finalURL:    result.FinalURL,
		filePath:    result.Path,
		fileSize:    &size,
		contentType: result.ContentType,
		retryCount:  attempt - 1,
		httpStatus:  &httpStatus,
		durationMs:  &duration,
		startedAt:   start,
	})

	if opts.GenerateSidecars {
		if err := writeSidecar(item, result); err != nil {
			e.logger.Warn("Failed to write sidecar", "id", item.ID, "error", err)
		}
	}

	e.logger.Info("Download completed",
		"id", item.ID, "url", item.URL, "path", result.Path, "bytes", result.Bytes)
}

func (e *Engine) commitFailure(ctx context.Context, q *queue.Queue, cancel *atomic.Bool, col *statsCollector, item *storage.Item, attempt int, start time.Time, cause error, setFatal func(error)) {
	kind := retry.Classify(cause)
	msg := failureMessage(cause, kind)
	decision := e.policy.Decide(cause, attempt)

	if err := e.commitQueueOp(func() error {
		return q.MarkFailed(item.ID, msg, attempt)
	}); err != nil {
		setFatal(err)
		return
	}

	if decision.Action == retry.ActionRetry {
		col.retried()
		e.logger.Warn("Attempt failed, will retry",
			"id", item.ID, "url", item.URL, "attempt", attempt,
			"backoff", decision.After.Round(time.Millisecond), "error", msg)

		interrupted := !sleepInterruptible(ctx, cancel, decision.After)
		if err := e.commitQueueOp(func() error { return q.Requeue(item.ID) }); err != nil {
			setFatal(err)
			return
		}
		if interrupted {
			col.interrupted()
		}
		return
	}

	col.failed()
	duration := time.Since(start).Milliseconds()
	row := historyRow{
		status:       storage.AttemptFailed,
		errorMessage: msg,
		errorType:    kind.ErrorType(),
		retryCount:   attempt,
		httpStatus:   httpStatusOf(cause),
		durationMs:   &duration,
		startedAt:    start,
	}
	if attempt > 1 {
		row.lastRetryAt = time.Now().UTC().Format(time.RFC3339)
	}
	e.insertHistory(q, item, row)

	e.logger.Error("Download failed",
		"id", item.ID, "url", item.URL, "attempts", attempt,
		"error_type", kind.ErrorType(), "error", msg)
}

// commitQueueOp retries transient storage contention so a busy store
// never drops a state transition; any other error is fatal.
func (e *Engine) commitQueueOp(op func() error) error {
	for i := 0; i < maxCommitRetries; i++ {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, queue.ErrBusy) {
			return err
		}
		time.Sleep(busyRetryInterval)
	}
	return fmt.Errorf("queue commit kept failing with contention after %d retries", maxCommitRetries)
}

type historyRow struct {
	status       string
	finalURL     string
	filePath     string
	fileSize     *int64
	contentType  string
	errorMessage string
	errorType    string
	retryCount   int
	lastRetryAt  string
	httpStatus   *int
	durationMs   *int64
	startedAt    time.Time
}

func (e *Engine) insertHistory(q *queue.Queue, item *storage.Item, row historyRow) {
	attempt := &storage.Attempt{
		URL:                    item.URL,
		FinalURL:               row.finalURL,
		Status:                 row.status,
		FilePath:               row.filePath,
		FileSize:               row.fileSize,
		ContentType:            row.contentType,
		ErrorMessage:           row.errorMessage,
		ErrorType:              row.errorType,
		RetryCount:             row.retryCount,
		LastRetryAt:            row.lastRetryAt,
		Project:                e.project,
		OriginalInput:          item.OriginalInput,
		HTTPStatus:             row.httpStatus,
		DurationMs:             row.durationMs,
		Title:                  item.Title,
		Authors:                item.Authors,
		DOI:                    item.DOI,
		Topics:                 item.Topics,
		ParseConfidence:        item.ParseConfidence,
		ParseConfidenceFactors: item.ParseConfidenceFactors,
		StartedAt:              row.startedAt,
		CompletedAt:            time.Now().UTC(),
	}
	if err := e.commitQueueOp(func() error { return q.InsertAttempt(attempt) }); err != nil {
		e.logger.Error("Failed to record history row", "id", item.ID, "error", err)
	}
}

func failureMessage(err error, kind retry.Kind) string {
	if kind == retry.KindAuth {
		var statusErr *retry.StatusError
		if errors.As(err, &statusErr) {
			return fmt.Sprintf("[AUTH] authentication required for %s (HTTP %d)",
				hostOf(statusErr.URL), statusErr.Status)
		}
		return "[AUTH] " + err.Error()
	}
	return err.Error()
}

func httpStatusOf(err error) *int {
	var statusErr *retry.StatusError
	if errors.As(err, &statusErr) {
		status := statusErr.Status
		return &status
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if host := u.Hostname(); host != "" {
		return host
	}
	return rawURL
}

func canceled(ctx context.Context, cancel *atomic.Bool) bool {
	if ctx.Err() != nil {
		return true
	}
	return cancel != nil && cancel.Load()
}

// sleepInterruptible sleeps for d, sampling the cancel flag. Returns
// false when the sleep was cut short by cancellation.
func sleepInterruptible(ctx context.Context, cancel *atomic.Bool, d time.Duration) bool {
	const tick = 100 * time.Millisecond
	deadline := time.Now().Add(d)
	for {
		if canceled(ctx, cancel) {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > tick {
			remaining = tick
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

type statsCollector struct {
	mu    sync.Mutex
	stats Stats
}

func (c *statsCollector) completed() {
	c.mu.Lock()
	c.stats.Completed++
	c.stats.Total++
	c.mu.Unlock()
}

func (c *statsCollector) failed() {
	c.mu.Lock()
	c.stats.Failed++
	c.stats.Total++
	c.mu.Unlock()
}

func (c *statsCollector) retried() {
	c.mu.Lock()
	c.stats.Retried++
	c.mu.Unlock()
}

func (c *statsCollector) interrupted() {
	c.mu.Lock()
	c.stats.WasInterrupted = true
	c.mu.Unlock()
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
