package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AharonR/downloader/internal/download"
	"github.com/AharonR/downloader/internal/logger"
	"github.com/AharonR/downloader/internal/queue"
	"github.com/AharonR/downloader/internal/ratelimit"
	"github.com/AharonR/downloader/internal/retry"
	"github.com/AharonR/downloader/internal/robots"
	"github.com/AharonR/downloader/internal/storage"
)

// --- Helpers ---

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), storage.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newTestEngine(concurrency, maxAttempts int) *Engine {
	policy := retry.NewPolicy(maxAttempts)
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 50 * time.Millisecond
	return New(logger.Discard(), concurrency, policy, ratelimit.New(logger.Discard(), 0, 0))
}

func newTestClient() *download.Client {
	return download.NewClient(logger.Discard(), download.Options{})
}

func enqueueURL(t *testing.T, q *queue.Queue, url string) int64 {
	t.Helper()
	id, err := q.Enqueue(queue.EnqueueRequest{URL: url, SourceType: "url", OriginalInput: url})
	require.NoError(t, err)
	return id
}

// --- Scenarios ---

// S1: happy path.
func TestProcessQueueHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PDF"))
	}))
	defer server.Close()

	q := newTestQueue(t)
	outputDir := t.TempDir()
	id := enqueueURL(t, q, server.URL+"/file.pdf")

	stats, err := newTestEngine(1, 3).ProcessQueue(context.Background(), q, newTestClient(), outputDir)
	require.NoError(t, err)

	assert.Equal(t, Stats{Total: 1, Completed: 1}, stats)

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, item.Status)
	assert.Equal(t, filepath.Join(outputDir, "file.pdf"), item.SavedPath)

	data, err := os.ReadFile(item.SavedPath)
	require.NoError(t, err)
	assert.Equal(t, "PDF", string(data))

	history, err := q.QueryAttempts(queue.AttemptQuery{Status: storage.AttemptSuccess})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, item.SavedPath, history[0].FilePath)
	require.NotNil(t, history[0].FileSize)
	assert.Equal(t, int64(3), *history[0].FileSize)
}

// S2: transient failure then success.
func TestTransientFailureThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer server.Close()

	q := newTestQueue(t)
	outputDir := t.TempDir()
	id := enqueueURL(t, q, server.URL+"/file.bin")

	stats, err := newTestEngine(1, 3).ProcessQueue(context.Background(), q, newTestClient(), outputDir)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.GreaterOrEqual(t, stats.Retried, 1)

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, item.Status)

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	files := 0
	for _, e := range entries {
		if !e.IsDir() {
			files++
		}
	}
	assert.Equal(t, 1, files, "exactly one artifact after retry")
}

// S3: Retry-After is honored.
func TestRetryAfterHonored(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer server.Close()

	q := newTestQueue(t)
	enqueueURL(t, q, server.URL+"/file.bin")

	start := time.Now()
	stats, err := newTestEngine(1, 3).ProcessQueue(context.Background(), q, newTestClient(), t.TempDir())
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, 1, stats.Completed)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond,
		"second attempt must wait out the Retry-After hint")
}

// S4: permanent failure, no retries.
func TestPermanentFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	q := newTestQueue(t)
	id := enqueueURL(t, q, server.URL+"/missing.pdf")

	stats, err := newTestEngine(1, 3).ProcessQueue(context.Background(), q, newTestClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, Stats{Total: 1, Failed: 1}, stats)
	assert.Equal(t, int32(1), calls.Load(), "404 must not be retried")

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, item.Status)
	assert.Contains(t, item.LastError, "404")
	assert.Empty(t, item.SavedPath)

	history, err := q.QueryAttempts(queue.AttemptQuery{Status: storage.AttemptFailed})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.ErrorTypeNotFound, history[0].ErrorType)
	require.NotNil(t, history[0].HTTPStatus)
	assert.Equal(t, 404, *history[0].HTTPStatus)
}

// S5: auth failure surfaces distinctly and is not retried.
func TestAuthFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	q := newTestQueue(t)
	id := enqueueURL(t, q, server.URL+"/gated.pdf")

	stats, err := newTestEngine(1, 5).ProcessQueue(context.Background(), q, newTestClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetryCount, "retry_count records only the single attempt")
	assert.Contains(t, item.LastError, "[AUTH]")

	history, err := q.QueryAttempts(queue.AttemptQuery{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.ErrorTypeAuth, history[0].ErrorType)
	require.NotNil(t, history[0].HTTPStatus)
	assert.Equal(t, 401, *history[0].HTTPStatus)
}

// S6: crash recovery then a successful re-run.
func TestCrashRecoveryAndRerun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer server.Close()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	db, err := storage.Open(dbPath, storage.DefaultOptions())
	require.NoError(t, err)
	q := queue.New(db)
	enqueueURL(t, q, server.URL+"/file.bin")
	_, err = q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, db.Close()) // simulated crash with a claimed row

	q2, err := queue.Open(dbPath, storage.DefaultOptions())
	require.NoError(t, err)
	defer q2.Close()

	stats, err := newTestEngine(1, 3).ProcessQueue(context.Background(), q2, newTestClient(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

// S8: an interrupted stream leaves no artifact; the retry leaves
// exactly one.
func TestPartialDownloadAtomicity(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("partial"))
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte("complete"))
	}))
	defer server.Close()

	q := newTestQueue(t)
	outputDir := t.TempDir()
	id := enqueueURL(t, q, server.URL+"/file.bin")

	stats, err := newTestEngine(1, 3).ProcessQueue(context.Background(), q, newTestClient(), outputDir)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Completed)
	assert.GreaterOrEqual(t, stats.Retried, 1)

	item, err := q.Get(id)
	require.NoError(t, err)
	data, err := os.ReadFile(item.SavedPath)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(data))

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	artifactCount := 0
	for _, e := range entries {
		if !e.IsDir() {
			artifactCount++
		}
	}
	assert.Equal(t, 1, artifactCount, "no partial file may survive")
}

// S10: robots deny skips the item, other paths proceed.
func TestRobotsDeny(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		_, _ = w.Write([]byte("data"))
	}))
	defer server.Close()

	q := newTestQueue(t)
	deniedID := enqueueURL(t, q, server.URL+"/private/a.pdf")
	allowedID := enqueueURL(t, q, server.URL+"/public/a.pdf")

	opts := Options{CheckRobots: true, Robots: robots.NewCache(logger.Discard())}
	stats, err := newTestEngine(1, 3).ProcessQueueInterruptibleWithOptions(
		context.Background(), q, newTestClient(), t.TempDir(), nil, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)

	denied, err := q.Get(deniedID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, denied.Status)
	assert.Contains(t, denied.LastError, "robots.txt")

	allowed, err := q.Get(allowedID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, allowed.Status)

	skipped, err := q.QueryAttempts(queue.AttemptQuery{Status: storage.AttemptSkipped})
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, storage.ErrorTypeNotFound, skipped[0].ErrorType)
}

// Count accounting across a mixed batch with concurrency.
func TestStatsAccounting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good1.bin", "/good2.bin", "/good3.bin":
			_, _ = w.Write([]byte("ok"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	q := newTestQueue(t)
	for _, path := range []string{"/good1.bin", "/good2.bin", "/good3.bin", "/bad1.bin", "/bad2.bin"} {
		enqueueURL(t, q, server.URL+path)
	}

	stats, err := newTestEngine(4, 2).ProcessQueue(context.Background(), q, newTestClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, stats.Total, stats.Completed+stats.Failed)
	assert.False(t, stats.WasInterrupted)
}

// Cancellation stops the run early and marks it interrupted.
func TestCancellationShortCircuits(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	q := newTestQueue(t)
	for i := 0; i < 10; i++ {
		enqueueURL(t, q, fmt.Sprintf("%s/file%d.bin", server.URL, i))
	}

	var cancel atomic.Bool
	done := make(chan Stats, 1)
	go func() {
		stats, _ := newTestEngine(2, 3).ProcessQueueInterruptible(
			context.Background(), q, newTestClient(), t.TempDir(), &cancel)
		done <- stats
	}()

	time.Sleep(100 * time.Millisecond)
	cancel.Store(true)
	// Let the in-flight streams finish; workers then observe the flag
	// before dequeuing anything else.
	close(release)

	select {
	case stats := <-done:
		assert.True(t, stats.WasInterrupted)
		assert.Less(t, stats.Completed, 10)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}

	pending, err := q.CountByStatus(storage.StatusPending)
	require.NoError(t, err)
	assert.Greater(t, pending, int64(0), "unprocessed items remain pending")
}

// Retry budget exhaustion leaves a terminal failure with the attempt
// count capped at the budget.
func TestRetryBudgetExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	q := newTestQueue(t)
	id := enqueueURL(t, q, server.URL+"/flaky.bin")

	stats, err := newTestEngine(1, 3).ProcessQueue(context.Background(), q, newTestClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Retried)

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)
}

// Sidecar generation writes a JSON-LD document next to the artifact.
func TestSidecarGeneration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer server.Close()

	q := newTestQueue(t)
	outputDir := t.TempDir()
	id, err := q.Enqueue(queue.EnqueueRequest{
		URL:     server.URL + "/paper.pdf",
		Title:   "A Study",
		Authors: "Smith, John",
		Year:    "2024",
		DOI:     "10.1000/xyz",
	})
	require.NoError(t, err)

	opts := Options{GenerateSidecars: true}
	stats, err := newTestEngine(1, 3).ProcessQueueInterruptibleWithOptions(
		context.Background(), q, newTestClient(), outputDir, nil, opts)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)

	item, err := q.Get(id)
	require.NoError(t, err)
	sidecarData, err := os.ReadFile(item.SavedPath + ".jsonld")
	require.NoError(t, err)
	assert.Contains(t, string(sidecarData), "schema.org")
	assert.Contains(t, string(sidecarData), "A Study")
	assert.Contains(t, string(sidecarData), "10.1000/xyz")
}

// Metadata-complete items get Author_Year_Title names with suffixes
// starting at _2.
func TestPreferredFilenameFromMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer server.Close()

	q := newTestQueue(t)
	outputDir := t.TempDir()
	id, err := q.Enqueue(queue.EnqueueRequest{
		URL:     server.URL + "/dl",
		Title:   "Deep Results",
		Authors: "Smith, John",
		Year:    "2024",
	})
	require.NoError(t, err)

	stats, err := newTestEngine(1, 3).ProcessQueue(context.Background(), q, newTestClient(), outputDir)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Smith_2024_Deep_Results.bin", filepath.Base(item.SavedPath))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitSuccess, Stats{Total: 2, Completed: 2}.ExitCode())
	assert.Equal(t, ExitPartial, Stats{Total: 2, Completed: 1, Failed: 1}.ExitCode())
	assert.Equal(t, ExitFailure, Stats{Total: 2, Failed: 2}.ExitCode())
	assert.Equal(t, ExitFailure, Stats{WasInterrupted: true}.ExitCode())
	assert.Equal(t, ExitSuccess, Stats{}.ExitCode(), "an empty run is not a failure")
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com", hostOf("https://example.com/x"))
	assert.Equal(t, "example.com", hostOf("https://example.com:8443/x"))
}
