package queue

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/AharonR/downloader/internal/storage"
)

// Typed sentinels re-exported so callers do not need to import storage
// for error checks.
var (
	ErrNotFound = storage.ErrNotFound
	ErrBusy     = storage.ErrBusy
)

// Queue is the durable FIFO-by-priority work store. All methods are
// safe for concurrent use; the underlying store serializes writers and
// surfaces lock contention as ErrBusy.
type Queue struct {
	db *storage.DB
}

// Open opens the queue database at path and recovers any rows left
// in_progress by an unclean shutdown back to pending.
func Open(path string, opts storage.Options) (*Queue, error) {
	db, err := storage.Open(path, opts)
	if err != nil {
		return nil, err
	}
	q := &Queue{db: db}
	if _, err := q.ResetInProgress(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to recover interrupted items: %w", err)
	}
	return q, nil
}

// New wraps an already-open store without running recovery. Tests use
// this to exercise crash scenarios explicitly.
func New(db *storage.DB) *Queue {
	return &Queue{db: db}
}

// Close closes the underlying store.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Checkpoint flushes the WAL before shutdown.
func (q *Queue) Checkpoint() error {
	return q.db.Checkpoint()
}

// EnqueueRequest carries one resolved download request into the queue.
type EnqueueRequest struct {
	URL               string
	SourceType        string
	OriginalInput     string
	Priority          int
	SuggestedFilename string

	Title                  string
	Authors                string
	Year                   string
	DOI                    string
	Topics                 string
	ParseConfidence        string
	ParseConfidenceFactors string
}

// Enqueue inserts a pending row and returns its id. Duplicate URLs are
// accepted; callers that skip duplicates check HasActiveURL first (the
// run command does).
func (q *Queue) Enqueue(req EnqueueRequest) (int64, error) {
	item := storage.Item{
		URL:                    req.URL,
		SourceType:             req.SourceType,
		OriginalInput:          req.OriginalInput,
		Status:                 storage.StatusPending,
		Priority:               req.Priority,
		SuggestedFilename:      req.SuggestedFilename,
		Title:                  req.Title,
		Authors:                req.Authors,
		Year:                   req.Year,
		DOI:                    req.DOI,
		Topics:                 req.Topics,
		ParseConfidence:        req.ParseConfidence,
		ParseConfidenceFactors: req.ParseConfidenceFactors,
	}
	if err := q.db.Conn.Create(&item).Error; err != nil {
		return 0, storage.ClassifyErr(err)
	}
	return item.ID, nil
}

// Dequeue atomically claims the oldest pending row with the lowest
// priority, transitioning it to in_progress. Returns (nil, nil) when no
// pending row exists. Concurrent callers never receive the same row:
// the claim is a compare-and-set on the status column, and losers move
// on to the next candidate.
func (q *Queue) Dequeue() (*storage.Item, error) {
	for {
		var item storage.Item
		err := q.db.Conn.
			Where("status = ?", storage.StatusPending).
			Order("priority ASC, id ASC").
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, storage.ClassifyErr(err)
		}

		res := q.db.Conn.Model(&storage.Item{}).
			Where("id = ? AND status = ?", item.ID, storage.StatusPending).
			Update("status", storage.StatusInProgress)
		if res.Error != nil {
			return nil, storage.ClassifyErr(res.Error)
		}
		if res.RowsAffected == 1 {
			item.Status = storage.StatusInProgress
			return &item, nil
		}
		// Another worker claimed this row between select and update;
		// retry with the next candidate.
	}
}

// MarkCompleted transitions an item to completed and records the final
// artifact path.
func (q *Queue) MarkCompleted(id int64, savedPath string) error {
	return q.updateStatus(id, map[string]any{
		"status":     storage.StatusCompleted,
		"saved_path": savedPath,
	})
}

// MarkFailed transitions an item to failed, recording the error text
// and the attempt count so retries survive process restarts.
func (q *Queue) MarkFailed(id int64, errMsg string, retryCount int) error {
	return q.updateStatus(id, map[string]any{
		"status":      storage.StatusFailed,
		"last_error":  errMsg,
		"retry_count": retryCount,
	})
}

// Requeue moves an item back to pending for another attempt.
func (q *Queue) Requeue(id int64) error {
	return q.updateStatus(id, map[string]any{"status": storage.StatusPending})
}

// Remove deletes an item in any state.
func (q *Queue) Remove(id int64) error {
	res := q.db.Conn.Delete(&storage.Item{}, id)
	if res.Error != nil {
		return storage.ClassifyErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearByStatus deletes every item in the given status and returns the
// number removed.
func (q *Queue) ClearByStatus(status string) (int64, error) {
	res := q.db.Conn.Where("status = ?", status).Delete(&storage.Item{})
	if res.Error != nil {
		return 0, storage.ClassifyErr(res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateProgress records streaming progress for an in-flight item.
// contentLength is nil when the server did not announce one.
func (q *Queue) UpdateProgress(id int64, bytesDownloaded int64, contentLength *int64) error {
	updates := map[string]any{"bytes_downloaded": bytesDownloaded}
	if contentLength != nil {
		updates["content_length"] = *contentLength
	}
	return q.updateStatus(id, updates)
}

// Get returns the item with the given id.
func (q *Queue) Get(id int64) (*storage.Item, error) {
	var item storage.Item
	if err := q.db.Conn.First(&item, id).Error; err != nil {
		return nil, storage.ClassifyErr(err)
	}
	return &item, nil
}

// ListByStatus returns all items in the given status, oldest first.
func (q *Queue) ListByStatus(status string) ([]storage.Item, error) {
	var items []storage.Item
	err := q.db.Conn.Where("status = ?", status).Order("id ASC").Find(&items).Error
	if err != nil {
		return nil, storage.ClassifyErr(err)
	}
	return items, nil
}

// ListAll returns every item, oldest first.
func (q *Queue) ListAll() ([]storage.Item, error) {
	var items []storage.Item
	if err := q.db.Conn.Order("id ASC").Find(&items).Error; err != nil {
		return nil, storage.ClassifyErr(err)
	}
	return items, nil
}

// CountByStatus returns the number of items in the given status.
func (q *Queue) CountByStatus(status string) (int64, error) {
	var count int64
	err := q.db.Conn.Model(&storage.Item{}).Where("status = ?", status).Count(&count).Error
	if err != nil {
		return 0, storage.ClassifyErr(err)
	}
	return count, nil
}

// GetInProgress returns the items currently claimed by workers.
func (q *Queue) GetInProgress() ([]storage.Item, error) {
	return q.ListByStatus(storage.StatusInProgress)
}

// ResetInProgress transitions every in_progress row back to pending and
// returns how many were recovered. Invoked at store open so a crash
// never strands claimed items.
func (q *Queue) ResetInProgress() (int64, error) {
	res := q.db.Conn.Model(&storage.Item{}).
		Where("status = ?", storage.StatusInProgress).
		Update("status", storage.StatusPending)
	if res.Error != nil {
		return 0, storage.ClassifyErr(res.Error)
	}
	return res.RowsAffected, nil
}

// HasActiveURL reports whether the URL is already pending or claimed.
func (q *Queue) HasActiveURL(url string) (bool, error) {
	var count int64
	err := q.db.Conn.Model(&storage.Item{}).
		Where("url = ? AND status IN ?", url, []string{storage.StatusPending, storage.StatusInProgress}).
		Count(&count).Error
	if err != nil {
		return false, storage.ClassifyErr(err)
	}
	return count > 0, nil
}

func (q *Queue) updateStatus(id int64, updates map[string]any) error {
	res := q.db.Conn.Model(&storage.Item{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return storage.ClassifyErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
