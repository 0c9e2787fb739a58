package queue

import (
	"strings"

	"github.com/AharonR/downloader/internal/storage"
)

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 10_000
)

// InsertAttempt appends one terminal history row. History is
// append-only; rows are never updated.
func (q *Queue) InsertAttempt(attempt *storage.Attempt) error {
	if err := q.db.Conn.Create(attempt).Error; err != nil {
		return storage.ClassifyErr(err)
	}
	return nil
}

// AttemptQuery filters history reads. Zero values mean "no filter".
type AttemptQuery struct {
	Since    string // started_at >= Since
	Until    string // started_at <= Until
	Status   string
	Project  string
	Domain   string // case-insensitive host match
	AfterID  int64  // id > AfterID
	BeforeID int64  // id < BeforeID, for pagination
	Limit    int    // 0 uses the default
}

// QueryAttempts returns history rows matching the filters, newest
// first, capped at the configured limit.
func (q *Queue) QueryAttempts(query AttemptQuery) ([]storage.Attempt, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	tx := q.db.Conn.Model(&storage.Attempt{})
	if query.Since != "" {
		tx = tx.Where("started_at >= ?", query.Since)
	}
	if query.Until != "" {
		tx = tx.Where("started_at <= ?", query.Until)
	}
	if query.Status != "" {
		tx = tx.Where("status = ?", query.Status)
	}
	if query.Project != "" {
		tx = tx.Where("project = ?", query.Project)
	}
	if query.Domain != "" {
		domain := strings.ToLower(query.Domain)
		tx = tx.Where("LOWER(url) LIKE ? OR LOWER(url) LIKE ?",
			"%://"+domain+"/%", "%://"+domain)
	}
	if query.AfterID > 0 {
		tx = tx.Where("id > ?", query.AfterID)
	}
	if query.BeforeID > 0 {
		tx = tx.Where("id < ?", query.BeforeID)
	}

	var attempts []storage.Attempt
	if err := tx.Order("id DESC").Limit(limit).Find(&attempts).Error; err != nil {
		return nil, storage.ClassifyErr(err)
	}
	return attempts, nil
}

// CountAttemptsByStatus returns the number of history rows with the
// given status.
func (q *Queue) CountAttemptsByStatus(status string) (int64, error) {
	var count int64
	err := q.db.Conn.Model(&storage.Attempt{}).Where("status = ?", status).Count(&count).Error
	if err != nil {
		return 0, storage.ClassifyErr(err)
	}
	return count, nil
}
