package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"channel-relay/pkg/events"
	"channel-relay/pkg/mq"
	"channel-relay/pkg/observability"
)

// dashboard tails pipeline events from RabbitMQ, logs them and aggregates
// them into Prometheus metrics.
func main() {
	logger := observability.NewLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)

	mqClient, err := mq.New()
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	deliveries, err := mqClient.ConsumeEvents(mq.DashboardQueue)
	if err != nil {
		logger.Error("failed to consume events", "error", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Events from every relay feed one set of metrics.
	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9092"
	}
	observability.StartMetricsServer(metricsAddr)

	logger.Info("dashboard consuming", "queue", mq.DashboardQueue, "metrics_addr", metricsAddr)
	for {
		select {
		case <-ctx.Done():
			logger.Info("dashboard stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				logger.Error("delivery channel closed")
				return
			}
			ev, err := mq.DecodeEvent(d)
			if err != nil {
				logger.Error("failed to decode event", "error", err)
				// Undecodable messages go to the dead-letter queue.
				d.Nack(false, false)
				continue
			}
			logEvent(logger, ev)
			observability.Record(ev)
			d.Ack(false)
		}
	}
}

func logEvent(logger *slog.Logger, ev events.Event) {
	l := logger.With("event_type", ev.Type, "source", ev.Source, "at", ev.Timestamp)
	if id := ev.String(events.KeyItemID); id != "" {
		l = l.With("item_id", id)
	}
	switch ev.Type {
	case events.DownloadFailed, events.UploadFailed, events.ErrorOccurred:
		l.Error("pipeline event", "error", ev.String(events.KeyError), "attempt", ev.Payload[events.KeyAttempt])
	case events.WarningOccurred:
		l.Warn("pipeline event", "component", ev.String(events.KeyComponent), "error", ev.String(events.KeyError))
	default:
		l.Info("pipeline event", "payload", ev.Payload)
	}
}
