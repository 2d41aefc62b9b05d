package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channel-relay/pkg/events"
	"channel-relay/pkg/task"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type memStore struct {
	mu        sync.Mutex
	recs      map[string]*task.Record
	counters  map[task.Counter]int
	existsErr error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*task.Record), counters: make(map[task.Counter]int)}
}

func (s *memStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.recs[id]
	return ok, nil
}

func (s *memStore) Create(_ context.Context, rec *task.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ExternalID]; ok {
		return fmt.Errorf("duplicate %s", rec.ExternalID)
	}
	cp := *rec
	s.recs[rec.ExternalID] = &cp
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status task.Status, f task.StatusFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return errors.New("not found")
	}
	rec.Status = status
	rec.LastError = f.LastError
	if f.ArtifactPath != "" {
		rec.ArtifactPath = f.ArtifactPath
	}
	if f.RemoteID != "" {
		rec.RemoteID = f.RemoteID
	}
	if f.RetryCount != nil {
		rec.RetryCount = *f.RetryCount
	}
	if f.DownloadedAt != nil {
		rec.DownloadedAt = f.DownloadedAt
	}
	if f.UploadedAt != nil {
		rec.UploadedAt = f.UploadedAt
	}
	return nil
}

func (s *memStore) ListByStatus(_ context.Context, statuses ...task.Status) ([]task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Record
	for _, rec := range s.recs {
		for _, st := range statuses {
			if rec.Status == st {
				out = append(out, *rec)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *memStore) IncrementStat(_ context.Context, _ time.Time, c task.Counter, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[c] += delta
	return nil
}

func (s *memStore) get(id string) task.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		return *rec
	}
	return task.Record{}
}

func (s *memStore) put(rec task.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ExternalID] = &rec
}

type fakeDownloader struct {
	dir   string
	empty bool

	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, item task.Item) error
}

func (d *fakeDownloader) Download(ctx context.Context, item task.Item, progress ProgressFunc) (Artifact, error) {
	d.mu.Lock()
	d.calls = append(d.calls, item.ExternalID)
	fn := d.fn
	d.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, item); err != nil {
			return Artifact{}, err
		}
	}
	body := []byte("video-bytes")
	if d.empty {
		body = nil
	}
	path := filepath.Join(d.dir, item.ExternalID+".mp4")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return Artifact{}, err
	}
	progress(int64(len(body)), int64(len(body)))
	return Artifact{Path: path}, nil
}

func (d *fakeDownloader) setFn(fn func(ctx context.Context, item task.Item) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fn = fn
}

func (d *fakeDownloader) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type fakeUploader struct {
	mu       sync.Mutex
	calls    []string
	lastMeta UploadMetadata
	thumbs   []string
	thumbErr error
	fn       func(ctx context.Context, art Artifact) error
}

func (u *fakeUploader) Upload(ctx context.Context, art Artifact, meta UploadMetadata, progress ProgressFunc) (string, error) {
	id := filepath.Base(art.Path)
	id = id[:len(id)-len(filepath.Ext(id))]

	u.mu.Lock()
	u.calls = append(u.calls, id)
	u.lastMeta = meta
	fn := u.fn
	u.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, art); err != nil {
			return "", err
		}
	}
	progress(art.Size, art.Size)
	return "remote-" + id, nil
}

func (u *fakeUploader) SetThumbnail(_ context.Context, remoteID, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.thumbs = append(u.thumbs, remoteID)
	return u.thumbErr
}

func (u *fakeUploader) setFn(fn func(ctx context.Context, art Artifact) error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fn = fn
}

func (u *fakeUploader) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func (u *fakeUploader) meta() UploadMetadata {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastMeta
}

type eventRecorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func recordEvents(bus *events.Bus) *eventRecorder {
	r := &eventRecorder{}
	bus.SubscribeAll("recorder", func(e events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.evs = append(r.evs, e)
		return nil
	})
	return r
}

func (r *eventRecorder) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.evs {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.evs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// lifecycle lists the non-progress events published for one item.
func (r *eventRecorder) lifecycle(id string) []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.EventType
	for _, e := range r.evs {
		if e.String(events.KeyItemID) != id {
			continue
		}
		if e.Type == events.DownloadProgress || e.Type == events.UploadProgress {
			continue
		}
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	o     *Orchestrator
	q     *task.Queue
	bus   *events.Bus
	store *memStore
	dl    *fakeDownloader
	ul    *fakeUploader
	rec   *eventRecorder
	ctx   context.Context
}

func newHarness(t *testing.T, maxRetries int, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backoff = Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
	cfg.DownloadDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		q:     task.NewQueue(3, maxRetries, discard),
		bus:   events.NewBus(1000, discard),
		store: newMemStore(),
		dl:    &fakeDownloader{dir: cfg.DownloadDir},
		ul:    &fakeUploader{},
	}
	h.rec = recordEvents(h.bus)
	h.o = NewOrchestrator(cfg, Deps{
		Queue:      h.q,
		Bus:        h.bus,
		Store:      h.store,
		Downloader: h.dl,
		Uploader:   h.ul,
		Logger:     discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	t.Cleanup(func() {
		cancel()
		h.o.shutdown()
	})
	return h
}

func (h *harness) submit(t *testing.T, id string, publishedAt time.Time) {
	t.Helper()
	ok, err := h.o.Submit(h.ctx, testItem(id, publishedAt))
	require.NoError(t, err)
	require.True(t, ok)
}

// tickUntil ticks the orchestrator until cond holds.
func (h *harness) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.o.Tick(h.ctx)
		return cond()
	}, 3*time.Second, 5*time.Millisecond)
}

func testItem(id string, publishedAt time.Time) task.Item {
	return task.Item{
		ExternalID:  id,
		Title:       "video " + id,
		Description: "description of " + id,
		SourceURL:   "http://source.test/media/" + id,
		Tags:        []string{"gaming"},
		CategoryID:  "20",
		PublishedAt: publishedAt,
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
	}
}
