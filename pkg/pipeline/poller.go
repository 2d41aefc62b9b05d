package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"channel-relay/pkg/events"
	"channel-relay/pkg/task"
)

// ActiveHours is a daily window, in local time, during which the source
// channel is checked. The window may cross midnight. The zero value is
// always active.
type ActiveHours struct {
	start, end time.Duration
	enabled    bool
}

// ParseActiveHours parses "HH:MM" bounds. Two empty strings disable the
// window.
func ParseActiveHours(start, end string) (ActiveHours, error) {
	if start == "" && end == "" {
		return ActiveHours{}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return ActiveHours{}, fmt.Errorf("active hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return ActiveHours{}, fmt.Errorf("active hours end: %w", err)
	}
	return ActiveHours{start: s, end: e, enabled: s != e}, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether t falls inside the window.
func (a ActiveHours) Contains(t time.Time) bool {
	if !a.enabled {
		return true
	}
	off := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	if a.start < a.end {
		return off >= a.start && off < a.end
	}
	return off >= a.start || off < a.end
}

type PollerConfig struct {
	Interval    time.Duration
	Lookback    time.Duration
	ActiveHours ActiveHours
}

// DetectFunc receives each item the monitor reports.
type DetectFunc func(ctx context.Context, item task.Item) error

// Poller checks the source channel on an interval and hands every detected
// item to a DetectFunc. Poll errors are reported and retried on the next
// interval.
type Poller struct {
	monitor  Monitor
	onDetect DetectFunc
	bus      *events.Bus
	cfg      PollerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	paused   bool
	since    time.Time
	checkNow chan struct{}
}

func NewPoller(cfg PollerConfig, monitor Monitor, onDetect DetectFunc, bus *events.Bus, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		monitor:  monitor,
		onDetect: onDetect,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "monitor"),
		now:      time.Now,
		checkNow: make(chan struct{}, 1),
	}
}

func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.since.IsZero() {
		p.since = p.now().Add(-p.cfg.Lookback)
	}
	p.mu.Unlock()

	p.bus.Publish(events.MonitoringStarted, map[string]any{"interval_seconds": p.cfg.Interval.Seconds()}, "monitor")
	p.logger.Info("monitoring started", "interval", p.cfg.Interval)
	defer func() {
		p.bus.Publish(events.MonitoringStopped, nil, "monitor")
		p.logger.Info("monitoring stopped")
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.check(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.check(ctx, false)
		case <-p.checkNow:
			p.check(ctx, true)
		}
	}
}

func (p *Poller) Pause() {
	p.mu.Lock()
	changed := !p.paused
	p.paused = true
	p.mu.Unlock()
	if changed {
		p.bus.Publish(events.MonitoringPaused, nil, "monitor")
		p.logger.Info("monitoring paused")
	}
}

func (p *Poller) Resume() {
	p.mu.Lock()
	changed := p.paused
	p.paused = false
	p.mu.Unlock()
	if changed {
		p.bus.Publish(events.MonitoringResumed, nil, "monitor")
		p.logger.Info("monitoring resumed")
	}
}

func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// CheckNow requests an immediate check, ignoring active hours. Requests made
// while one is pending are merged.
func (p *Poller) CheckNow() {
	select {
	case p.checkNow <- struct{}{}:
	default:
	}
}

// check polls once. It returns the number of items handed to onDetect.
func (p *Poller) check(ctx context.Context, forced bool) int {
	p.mu.Lock()
	paused, since := p.paused, p.since
	p.mu.Unlock()

	if paused {
		p.logger.Debug("monitoring paused, skipping check")
		return 0
	}
	if !forced && !p.cfg.ActiveHours.Contains(p.now()) {
		p.logger.Debug("outside active hours, skipping check")
		return 0
	}

	items, err := p.monitor.Poll(ctx, since)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		p.logger.Error("failed to check source channel", "error", err)
		p.bus.Publish(events.ErrorOccurred, map[string]any{
			events.KeyComponent: "monitor",
			events.KeyError:     err.Error(),
		}, "monitor")
		return 0
	}

	// The watermark stops short of the oldest item that could not be
	// submitted so the next check returns it again. Items already submitted
	// are deduplicated downstream.
	newest := since
	var oldestFailed time.Time
	n := 0
	for _, it := range items {
		if it.PublishedAt.After(newest) {
			newest = it.PublishedAt
		}
		p.bus.Publish(events.ItemDetected, map[string]any{
			events.KeyItemID: it.ExternalID,
			events.KeyTitle:  it.Title,
		}, "monitor")
		if err := p.onDetect(ctx, it); err != nil {
			p.logger.Error("failed to submit detected item", "item_id", it.ExternalID, "error", err)
			if oldestFailed.IsZero() || it.PublishedAt.Before(oldestFailed) {
				oldestFailed = it.PublishedAt
			}
			continue
		}
		n++
	}
	if !oldestFailed.IsZero() {
		if limit := oldestFailed.Add(-time.Nanosecond); limit.Before(newest) {
			newest = limit
		}
	}

	p.mu.Lock()
	if newest.After(p.since) {
		p.since = newest
	}
	p.mu.Unlock()

	p.logger.Info("source channel checked", "items", len(items), "since", since)
	return n
}
