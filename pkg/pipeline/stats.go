package pipeline

import (
	"context"
	"log/slog"
	"time"

	"channel-relay/pkg/events"
	"channel-relay/pkg/task"
)

var statCounters = map[events.EventType]task.Counter{
	events.ItemDetected:      task.CounterDetected,
	events.DownloadCompleted: task.CounterDownloaded,
	events.UploadCompleted:   task.CounterUploaded,
	events.DownloadFailed:    task.CounterErrors,
	events.UploadFailed:      task.CounterErrors,
	events.ErrorOccurred:     task.CounterErrors,
}

// StatsRecorder keeps the store's daily counters in step with the bus.
type StatsRecorder struct {
	store  StatsStore
	logger *slog.Logger
}

func NewStatsRecorder(store StatsStore, logger *slog.Logger) *StatsRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsRecorder{store: store, logger: logger.With("component", "daily_stats")}
}

// Attach subscribes the recorder to every event type it counts.
func (r *StatsRecorder) Attach(bus *events.Bus) {
	for et := range statCounters {
		bus.Subscribe(et, "daily_stats", r.Handle)
	}
}

func (r *StatsRecorder) Handle(e events.Event) error {
	counter, ok := statCounters[e.Type]
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.IncrementStat(ctx, task.Day(e.Timestamp), counter, 1); err != nil {
		r.logger.Warn("failed to increment daily counter", "counter", counter, "error", err)
		return err
	}
	return nil
}
