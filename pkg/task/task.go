package task

import "time"

type Priority int
type Status string
type State string

const (
	PriorityHigh   Priority = 1 // published within the freshness window
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3 // retries and backlog
)

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// States of a task inside the Queue. A task is in exactly one of them.
const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Unfinished reports whether an item with this durable status still has
// pipeline work left. Used by crash recovery.
func (s Status) Unfinished() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusDownloaded, StatusUploading:
		return true
	}
	return false
}

// Item is the metadata the workers need to replicate one video.
type Item struct {
	ExternalID   string    `json:"external_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	SourceURL    string    `json:"source_url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	CategoryID   string    `json:"category_id,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
}

// Task is a unit of scheduling work. Only Priority and EnqueuedAt take part
// in ordering.
type Task struct {
	ID         string
	Priority   Priority
	EnqueuedAt time.Time
	Payload    Item
	RetryCount int
	MaxRetries int
}

func (t *Task) Retryable() bool {
	return t.RetryCount < t.MaxRetries
}

// Record is the durable view of an item, owned by the store.
type Record struct {
	ExternalID   string     `json:"external_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	SourceURL    string     `json:"source_url"`
	ThumbnailURL string     `json:"thumbnail_url"`
	Tags         []string   `json:"tags"`
	CategoryID   string     `json:"category_id"`
	PublishedAt  time.Time  `json:"published_at"`
	Status       Status     `json:"status"`
	ArtifactPath string     `json:"artifact_path"`
	RemoteID     string     `json:"remote_id"`
	LastError    string     `json:"last_error"`
	RetryCount   int        `json:"retry_count"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
	UploadedAt   *time.Time `json:"uploaded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Item rebuilds the worker payload from a durable record.
func (r *Record) Item() Item {
	return Item{
		ExternalID:   r.ExternalID,
		Title:        r.Title,
		Description:  r.Description,
		SourceURL:    r.SourceURL,
		ThumbnailURL: r.ThumbnailURL,
		Tags:         r.Tags,
		CategoryID:   r.CategoryID,
		PublishedAt:  r.PublishedAt,
	}
}

// NewRecord creates a queued record for a freshly detected item.
func NewRecord(it Item) *Record {
	return &Record{
		ExternalID:   it.ExternalID,
		Title:        it.Title,
		Description:  it.Description,
		SourceURL:    it.SourceURL,
		ThumbnailURL: it.ThumbnailURL,
		Tags:         it.Tags,
		CategoryID:   it.CategoryID,
		PublishedAt:  it.PublishedAt,
		Status:       StatusQueued,
	}
}

// StatusFields carries the optional columns written with a status change.
// Zero values are left untouched by the store, except that LastError is
// always written so a later success clears it.
type StatusFields struct {
	ArtifactPath string
	RemoteID     string
	LastError    string
	RetryCount   *int
	DownloadedAt *time.Time
	UploadedAt   *time.Time
}

// Counter names a daily statistics column.
type Counter string

const (
	CounterDetected   Counter = "videos_detected"
	CounterDownloaded Counter = "videos_downloaded"
	CounterUploaded   Counter = "videos_uploaded"
	CounterErrors     Counter = "errors"
)

// DailyStats is one row of per-day pipeline activity.
type DailyStats struct {
	Day        time.Time `json:"day"`
	Detected   int       `json:"videos_detected"`
	Downloaded int       `json:"videos_downloaded"`
	Uploaded   int       `json:"videos_uploaded"`
	Errors     int       `json:"errors"`
}

// Day truncates t to midnight UTC, the key of a DailyStats row.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
