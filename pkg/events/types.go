// Package events provides the in-process event bus that decouples pipeline
// stages from the components observing them.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	// Monitoring events
	MonitoringStarted EventType = "monitoring.started"
	MonitoringStopped EventType = "monitoring.stopped"
	MonitoringPaused  EventType = "monitoring.paused"
	MonitoringResumed EventType = "monitoring.resumed"

	// Item events
	ItemDetected EventType = "item.detected"
	ItemQueued   EventType = "item.queued"

	// Download events
	DownloadStarted   EventType = "download.started"
	DownloadProgress  EventType = "download.progress"
	DownloadCompleted EventType = "download.completed"
	DownloadFailed    EventType = "download.failed"
	DownloadCancelled EventType = "download.cancelled"

	// Upload events
	UploadStarted   EventType = "upload.started"
	UploadProgress  EventType = "upload.progress"
	UploadCompleted EventType = "upload.completed"
	UploadFailed    EventType = "upload.failed"
	UploadCancelled EventType = "upload.cancelled"

	// Status events
	StatisticsUpdated EventType = "statistics.updated"
	ErrorOccurred     EventType = "error.occurred"
	WarningOccurred   EventType = "warning.occurred"

	// Application events
	AppStarted  EventType = "app.started"
	AppShutdown EventType = "app.shutdown"
)

// AllTypes lists every event type, for subscribers that want everything.
var AllTypes = []EventType{
	MonitoringStarted, MonitoringStopped, MonitoringPaused, MonitoringResumed,
	ItemDetected, ItemQueued,
	DownloadStarted, DownloadProgress, DownloadCompleted, DownloadFailed, DownloadCancelled,
	UploadStarted, UploadProgress, UploadCompleted, UploadFailed, UploadCancelled,
	StatisticsUpdated, ErrorOccurred, WarningOccurred,
	AppStarted, AppShutdown,
}

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is an immutable record of something that happened.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
}

// String returns a payload value as a string, or "" when absent.
func (e Event) String(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Handler handles a delivered event. A returned error is logged by the bus.
type Handler func(Event) error

// Payload keys shared by publishers and subscribers.
const (
	KeyItemID       = "item_id"
	KeyTitle        = "title"
	KeyError        = "error"
	KeyAttempt      = "attempt"
	KeyArtifactPath = "artifact_path"
	KeyRemoteID     = "remote_id"
	KeyBytes        = "bytes"
	KeyTotalBytes   = "total_bytes"
	KeyComponent    = "component"
	KeyStats        = "stats"
	KeyPriority     = "priority"
	KeyDuration     = "duration_seconds"
)
