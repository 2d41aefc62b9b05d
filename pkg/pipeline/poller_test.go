package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channel-relay/pkg/events"
	"channel-relay/pkg/task"
)

func TestActiveHours(t *testing.T) {
	at := func(hh, mm int) time.Time { return time.Date(2026, 3, 1, hh, mm, 0, 0, time.Local) }

	day, err := ParseActiveHours("08:00", "22:30")
	require.NoError(t, err)
	assert.True(t, day.Contains(at(8, 0)))
	assert.True(t, day.Contains(at(22, 29)))
	assert.False(t, day.Contains(at(22, 30)))
	assert.False(t, day.Contains(at(3, 0)))

	night, err := ParseActiveHours("22:00", "06:00")
	require.NoError(t, err)
	assert.True(t, night.Contains(at(23, 15)))
	assert.True(t, night.Contains(at(2, 0)))
	assert.False(t, night.Contains(at(12, 0)))

	always, err := ParseActiveHours("", "")
	require.NoError(t, err)
	assert.True(t, always.Contains(at(4, 0)))

	_, err = ParseActiveHours("25:00", "06:00")
	assert.Error(t, err)
	_, err = ParseActiveHours("08:00", "")
	assert.Error(t, err)
}

type fakeMonitor struct {
	mu     sync.Mutex
	items  []task.Item
	err    error
	sinces []time.Time
}

func (m *fakeMonitor) Poll(_ context.Context, since time.Time) ([]task.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinces = append(m.sinces, since)
	if m.err != nil {
		return nil, m.err
	}
	var out []task.Item
	for _, it := range m.items {
		if it.PublishedAt.After(since) {
			out = append(out, it)
		}
	}
	return out, nil
}

func newTestPoller(mon Monitor, cfg PollerConfig) (*Poller, *eventRecorder, *[]string) {
	bus := events.NewBus(100, discard)
	rec := recordEvents(bus)
	var detected []string
	var mu sync.Mutex
	p := NewPoller(cfg, mon, func(_ context.Context, it task.Item) error {
		mu.Lock()
		defer mu.Unlock()
		detected = append(detected, it.ExternalID)
		return nil
	}, bus, discard)
	return p, rec, &detected
}

func TestPoller_WatermarkAdvances(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mon := &fakeMonitor{items: []task.Item{
		{ExternalID: "a", PublishedAt: base.Add(-2 * time.Hour)},
		{ExternalID: "b", PublishedAt: base.Add(-time.Hour)},
	}}
	p, rec, detected := newTestPoller(mon, PollerConfig{Lookback: 3 * time.Hour})
	p.now = func() time.Time { return base }
	p.since = base.Add(-3 * time.Hour)

	assert.Equal(t, 2, p.check(context.Background(), false))
	assert.Equal(t, 0, p.check(context.Background(), false))

	assert.Equal(t, []string{"a", "b"}, *detected)
	assert.Equal(t, base.Add(-time.Hour), mon.sinces[1])
	assert.Equal(t, 2, rec.count(events.ItemDetected))
}

func TestPoller_FailedSubmitIsRetried(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mon := &fakeMonitor{items: []task.Item{
		{ExternalID: "a", PublishedAt: base.Add(-2 * time.Hour)},
		{ExternalID: "b", PublishedAt: base.Add(-time.Hour)},
	}}
	var submitted []string
	failA := true
	p := NewPoller(PollerConfig{Lookback: 3 * time.Hour}, mon, func(_ context.Context, it task.Item) error {
		if it.ExternalID == "a" && failA {
			failA = false
			return errors.New("database is locked")
		}
		submitted = append(submitted, it.ExternalID)
		return nil
	}, events.NewBus(100, discard), discard)
	p.now = func() time.Time { return base }
	p.since = base.Add(-3 * time.Hour)

	assert.Equal(t, 1, p.check(context.Background(), false))
	assert.Equal(t, base.Add(-2*time.Hour).Add(-time.Nanosecond), p.since)

	assert.Equal(t, 2, p.check(context.Background(), false))
	assert.Equal(t, []string{"b", "a", "b"}, submitted)
	assert.Equal(t, base.Add(-time.Hour), p.since)

	assert.Equal(t, 0, p.check(context.Background(), false))
}

func TestPoller_PauseAndActiveHours(t *testing.T) {
	base := time.Date(2026, 3, 1, 3, 0, 0, 0, time.Local)
	mon := &fakeMonitor{items: []task.Item{{ExternalID: "a", PublishedAt: base}}}
	hours, err := ParseActiveHours("08:00", "20:00")
	require.NoError(t, err)
	p, rec, _ := newTestPoller(mon, PollerConfig{ActiveHours: hours})
	p.now = func() time.Time { return base }
	p.since = base.Add(-time.Hour)

	assert.Equal(t, 0, p.check(context.Background(), false))
	assert.Empty(t, mon.sinces, "outside active hours")

	assert.Equal(t, 1, p.check(context.Background(), true), "forced check ignores active hours")

	p.Pause()
	p.Pause()
	assert.True(t, p.Paused())
	assert.Equal(t, 0, p.check(context.Background(), true))
	p.Resume()
	assert.False(t, p.Paused())

	assert.Equal(t, 1, rec.count(events.MonitoringPaused))
	assert.Equal(t, 1, rec.count(events.MonitoringResumed))
}

func TestPoller_ErrorsAreReported(t *testing.T) {
	mon := &fakeMonitor{err: errors.New("quota exceeded")}
	p, rec, _ := newTestPoller(mon, PollerConfig{})
	p.since = time.Now().Add(-time.Hour)

	assert.Equal(t, 0, p.check(context.Background(), false))
	errs := rec.ofType(events.ErrorOccurred)
	require.Len(t, errs, 1)
	assert.Equal(t, "quota exceeded", errs[0].String(events.KeyError))
}

func TestPoller_RunAndCheckNow(t *testing.T) {
	mon := &fakeMonitor{}
	p, rec, _ := newTestPoller(mon, PollerConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	polls := func() int {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		return len(mon.sinces)
	}
	require.Eventually(t, func() bool { return polls() == 1 }, time.Second, 5*time.Millisecond)
	p.CheckNow()
	require.Eventually(t, func() bool { return polls() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, rec.count(events.MonitoringStarted))
	assert.Equal(t, 1, rec.count(events.MonitoringStopped))
}

func TestStatsRecorder(t *testing.T) {
	store := newMemStore()
	bus := events.NewBus(10, discard)
	NewStatsRecorder(store, discard).Attach(bus)

	bus.Publish(events.ItemDetected, nil, "test")
	bus.Publish(events.UploadCompleted, nil, "test")
	bus.Publish(events.DownloadFailed, nil, "test")
	bus.Publish(events.ErrorOccurred, nil, "test")
	bus.Publish(events.StatisticsUpdated, nil, "test")

	assert.Equal(t, map[task.Counter]int{
		task.CounterDetected: 1,
		task.CounterUploaded: 1,
		task.CounterErrors:   2,
	}, store.counters)
}
