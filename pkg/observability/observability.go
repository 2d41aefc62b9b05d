package observability

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_items_detected_total",
		Help: "The total number of items reported by the source channel monitor",
	})

	ItemsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_items_queued_total",
		Help: "The total number of items queued for processing",
	}, []string{"priority"})

	StageResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_stage_results_total",
		Help: "The total number of finished download and upload attempts",
	}, []string{"stage", "outcome"}) // outcome: completed, failed, cancelled

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_stage_duration_seconds",
		Help:    "Duration of successful downloads and uploads.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"stage"})

	QueueTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_queue_tasks",
		Help: "Tasks in the queue by state",
	}, []string{"state"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Errors and warnings reported on the event bus",
	}, []string{"severity"})
)

// NewLogger creates a new structured logger. format is "json" (default) or
// "text"; level is one of debug, info, warn, error.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
