package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channel-relay/pkg/events"
	"channel-relay/pkg/pipeline"
	"channel-relay/pkg/task"
)

type fakePipeline struct {
	cancelled []string
	completed int
	failed    int
}

func (p *fakePipeline) Snapshot() pipeline.Snapshot {
	return pipeline.Snapshot{
		Queue:        task.Stats{Queued: 2, Processing: 1},
		Downloading:  "v1",
		Uploading:    []string{},
		RetryPending: []string{"v0"},
	}
}

func (p *fakePipeline) Cancel(_ context.Context, id string) bool {
	if id != "v1" {
		return false
	}
	p.cancelled = append(p.cancelled, id)
	return true
}

func (p *fakePipeline) ClearCompleted() int {
	n := p.completed
	p.completed = 0
	return n
}

func (p *fakePipeline) ClearFailed() int {
	n := p.failed
	p.failed = 0
	return n
}

type fakeMonitor struct {
	paused bool
	checks int
}

func (m *fakeMonitor) Pause()       { m.paused = true }
func (m *fakeMonitor) Resume()      { m.paused = false }
func (m *fakeMonitor) Paused() bool { return m.paused }
func (m *fakeMonitor) CheckNow()    { m.checks++ }

type fakeHistory struct {
	err error
}

func (h *fakeHistory) Recent(_ context.Context, limit int) ([]task.Record, error) {
	return []task.Record{{ExternalID: "v1", Status: task.StatusDownloading}}, h.err
}

func (h *fakeHistory) DailyStats(_ context.Context, days int) ([]task.DailyStats, error) {
	if h.err != nil {
		return nil, h.err
	}
	return []task.DailyStats{{Day: task.Day(time.Now()), Detected: 4, Uploaded: 3}}, nil
}

type fixture struct {
	srv  *Server
	pipe *fakePipeline
	mon  *fakeMonitor
	hist *fakeHistory
	bus  *events.Bus
}

func newFixture() *fixture {
	f := &fixture{
		pipe: &fakePipeline{},
		mon:  &fakeMonitor{},
		hist: &fakeHistory{},
		bus:  events.NewBus(10, slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.srv = New(":0", Deps{Pipeline: f.pipe, Monitor: f.mon, History: f.hist, Bus: f.bus,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Header().Get("Content-Type") != "" && rec.Code != http.StatusNoContent && path != "/metrics" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStats(t *testing.T) {
	f := newFixture()
	f.mon.paused = true
	rec, body := f.do(t, http.MethodGet, "/stats?days=3")
	require.Equal(t, http.StatusOK, rec.Code)

	pipe := body["pipeline"].(map[string]any)
	assert.Equal(t, "v1", pipe["downloading"])
	assert.Equal(t, float64(2), pipe["queue"].(map[string]any)["queued"])
	assert.Equal(t, true, body["monitor_paused"])

	daily := body["daily"].([]any)
	require.Len(t, daily, 1)
	assert.Equal(t, float64(4), daily[0].(map[string]any)["videos_detected"])

	f.hist.err = errors.New("database is locked")
	rec, body = f.do(t, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "locked")
}

func TestEvents(t *testing.T) {
	f := newFixture()
	f.bus.Publish(events.ItemDetected, map[string]any{events.KeyItemID: "a"}, "test")
	f.bus.Publish(events.DownloadStarted, map[string]any{events.KeyItemID: "a"}, "test")
	f.bus.Publish(events.ItemDetected, map[string]any{events.KeyItemID: "b"}, "test")

	_, body := f.do(t, http.MethodGet, "/events")
	assert.Len(t, body["events"], 3)

	_, body = f.do(t, http.MethodGet, "/events?type=item.detected&limit=1")
	evs := body["events"].([]any)
	require.Len(t, evs, 1)
	ev := evs[0].(map[string]any)
	assert.Equal(t, "item.detected", ev["type"])
	assert.Equal(t, "b", ev["payload"].(map[string]any)["item_id"])

	rec, _ := f.do(t, http.MethodGet, "/events?type=nonsense")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestItems(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodGet, "/items?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "downloading", items[0].(map[string]any)["status"])
}

func TestControl(t *testing.T) {
	f := newFixture()

	rec, _ := f.do(t, http.MethodPost, "/control/pause")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.mon.paused)

	f.do(t, http.MethodPost, "/control/resume")
	assert.False(t, f.mon.paused)

	rec, _ = f.do(t, http.MethodPost, "/control/check")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.mon.checks)

	rec, body := f.do(t, http.MethodPost, "/control/cancel/v1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", body["cancelled"])
	assert.Equal(t, []string{"v1"}, f.pipe.cancelled)

	rec, _ = f.do(t, http.MethodPost, "/control/cancel/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearFinished(t *testing.T) {
	f := newFixture()
	f.pipe.completed, f.pipe.failed = 3, 1

	rec, body := f.do(t, http.MethodPost, "/control/clear/completed")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["cleared"])
	assert.Zero(t, f.pipe.completed)
	assert.Equal(t, 1, f.pipe.failed)

	_, body = f.do(t, http.MethodPost, "/control/clear/failed")
	assert.Equal(t, float64(1), body["cleared"])

	rec, _ = f.do(t, http.MethodPost, "/control/clear/processing")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingDependencies(t *testing.T) {
	srv := New(":0", Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/events"},
		{http.MethodGet, "/items"},
		{http.MethodPost, "/control/pause"},
		{http.MethodPost, "/control/cancel/v1"},
		{http.MethodPost, "/control/clear/completed"},
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture()
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
