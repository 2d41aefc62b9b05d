package observability

import (
	"encoding/json"

	"channel-relay/pkg/events"
	"channel-relay/pkg/task"
)

// Attach keeps the Prometheus metrics in step with the bus.
func Attach(bus *events.Bus) {
	bus.SubscribeAll("metrics", Record)
}

// Record updates metrics for one event.
func Record(ev events.Event) error {
	switch ev.Type {
	case events.ItemDetected:
		ItemsDetected.Inc()
	case events.ItemQueued:
		ItemsQueued.WithLabelValues(ev.String(events.KeyPriority)).Inc()

	case events.DownloadCompleted:
		StageResults.WithLabelValues("download", "completed").Inc()
		observeDuration("download", ev)
	case events.DownloadFailed:
		StageResults.WithLabelValues("download", "failed").Inc()
	case events.DownloadCancelled:
		StageResults.WithLabelValues("download", "cancelled").Inc()

	case events.UploadCompleted:
		StageResults.WithLabelValues("upload", "completed").Inc()
		observeDuration("upload", ev)
	case events.UploadFailed:
		StageResults.WithLabelValues("upload", "failed").Inc()
	case events.UploadCancelled:
		StageResults.WithLabelValues("upload", "cancelled").Inc()

	case events.StatisticsUpdated:
		if s, ok := queueStats(ev.Payload[events.KeyStats]); ok {
			QueueTasks.WithLabelValues(string(task.StateQueued)).Set(float64(s.Queued))
			QueueTasks.WithLabelValues(string(task.StateProcessing)).Set(float64(s.Processing))
			QueueTasks.WithLabelValues(string(task.StateCompleted)).Set(float64(s.Completed))
			QueueTasks.WithLabelValues(string(task.StateFailed)).Set(float64(s.Failed))
		}

	case events.ErrorOccurred:
		Errors.WithLabelValues("error").Inc()
	case events.WarningOccurred:
		Errors.WithLabelValues("warning").Inc()
	}
	return nil
}

func observeDuration(stage string, ev events.Event) {
	if d, ok := ev.Payload[events.KeyDuration].(float64); ok && d >= 0 {
		StageDuration.WithLabelValues(stage).Observe(d)
	}
}

// queueStats accepts the in-process task.Stats value as well as the map it
// becomes after a trip through the broker.
func queueStats(v any) (task.Stats, bool) {
	switch s := v.(type) {
	case task.Stats:
		return s, true
	case map[string]any:
		raw, err := json.Marshal(s)
		if err != nil {
			return task.Stats{}, false
		}
		var out task.Stats
		if err := json.Unmarshal(raw, &out); err != nil {
			return task.Stats{}, false
		}
		return out, true
	}
	return task.Stats{}, false
}
