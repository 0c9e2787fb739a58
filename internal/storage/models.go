package storage

import (
	"time"
)

// Item statuses persisted in the queue table.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Item represents one persisted download request in the queue.
type Item struct {
	ID            int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	URL           string `gorm:"not null;index" json:"url"`
	SourceType    string `json:"source_type"`
	OriginalInput string `json:"original_input"`
	Status        string `gorm:"index;default:pending" json:"status"`
	Priority      int    `gorm:"default:0;index" json:"priority"` // lower dequeues first
	RetryCount    int    `gorm:"default:0" json:"retry_count"`
	LastError     string `json:"last_error"`

	SuggestedFilename string `json:"suggested_filename"`

	// Resolver metadata carried through to history rows.
	Title                  string `json:"title"`
	Authors                string `json:"authors"`
	Year                   string `json:"year"`
	DOI                    string `json:"doi"`
	Topics                 string `json:"topics"` // JSON array
	ParseConfidence        string `json:"parse_confidence"`
	ParseConfidenceFactors string `json:"parse_confidence_factors"` // JSON

	SavedPath       string `json:"saved_path"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	ContentLength   *int64 `json:"content_length,omitempty"` // nil when unknown

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Item
func (Item) TableName() string {
	return "queue"
}

// Attempt is one append-only download history row. Rows are never
// mutated after insert.
type Attempt struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	URL         string `gorm:"not null" json:"url"`
	FinalURL    string `json:"final_url"`
	Status      string `gorm:"index" json:"status"` // success, failed, skipped
	FilePath    string `json:"file_path"`
	FileSize    *int64 `json:"file_size,omitempty"`
	ContentType string `json:"content_type"`

	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"` // network, auth, not_found, parse_error
	RetryCount   int    `json:"retry_count"`
	LastRetryAt  string `json:"last_retry_at"`

	Project       string `gorm:"index" json:"project"`
	OriginalInput string `json:"original_input"`
	HTTPStatus    *int   `json:"http_status,omitempty"`
	DurationMs    *int64 `json:"duration_ms,omitempty"`

	Title                  string `json:"title"`
	Authors                string `json:"authors"`
	DOI                    string `json:"doi"`
	Topics                 string `json:"topics"`
	ParseConfidence        string `json:"parse_confidence"`
	ParseConfidenceFactors string `json:"parse_confidence_factors"`

	StartedAt   time.Time `gorm:"index" json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// TableName specifies the table name for Attempt
func (Attempt) TableName() string {
	return "download_log"
}

// Attempt statuses persisted in the download_log table.
const (
	AttemptSuccess = "success"
	AttemptFailed  = "failed"
	AttemptSkipped = "skipped"
)

// Error types persisted on failed history rows.
const (
	ErrorTypeNetwork    = "network"
	ErrorTypeAuth       = "auth"
	ErrorTypeNotFound   = "not_found"
	ErrorTypeParseError = "parse_error"
)
