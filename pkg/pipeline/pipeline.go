// Package pipeline drives detected items through download and upload.
//
// The Orchestrator owns the state machine: it dequeues work from a
// task.Queue, runs at most one download at a time, starts uploads as soon as
// their download finishes, retries failures with exponential backoff and
// reports every transition on an events.Bus and in a durable Store.
package pipeline

import (
	"context"
	"errors"
	"time"

	"channel-relay/pkg/task"
)

var (
	// ErrInvalidArtifact means a download reported success without producing
	// a usable file.
	ErrInvalidArtifact = errors.New("downloaded artifact is missing or empty")
	// ErrWorkerPanic wraps a panic recovered from a downloader or uploader.
	ErrWorkerPanic = errors.New("worker panicked")
)

// ProgressFunc receives transferred and total bytes. total is 0 when unknown.
type ProgressFunc func(done, total int64)

// Artifact is a downloaded file ready for upload.
type Artifact struct {
	Path string
	Size int64
}

// UploadMetadata is what the target channel receives alongside the file.
type UploadMetadata struct {
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Tags          []string `json:"tags,omitempty"`
	CategoryID    string   `json:"category_id,omitempty"`
	PrivacyStatus string   `json:"privacy_status"`
	MadeForKids   bool     `json:"made_for_kids"`
}

// Monitor lists items published on the source channel after since.
type Monitor interface {
	Poll(ctx context.Context, since time.Time) ([]task.Item, error)
}

// Downloader fetches an item's media. Implementations must return promptly
// once ctx is cancelled.
type Downloader interface {
	Download(ctx context.Context, item task.Item, progress ProgressFunc) (Artifact, error)
}

// Uploader publishes an artifact and returns its id on the target channel.
type Uploader interface {
	Upload(ctx context.Context, artifact Artifact, meta UploadMetadata, progress ProgressFunc) (string, error)
}

// ThumbnailSetter is implemented by uploaders that can attach a thumbnail to
// an uploaded item.
type ThumbnailSetter interface {
	SetThumbnail(ctx context.Context, remoteID, thumbnailURL string) error
}

// Store is the durable record of every item the pipeline has seen.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, rec *task.Record) error
	UpdateStatus(ctx context.Context, id string, status task.Status, fields task.StatusFields) error
	ListByStatus(ctx context.Context, statuses ...task.Status) ([]task.Record, error)
}

// StatsStore keeps per-day activity counters.
type StatsStore interface {
	IncrementStat(ctx context.Context, day time.Time, counter task.Counter, delta int) error
}
