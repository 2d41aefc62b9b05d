package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"channel-relay/pkg/events"
	"channel-relay/pkg/task"
)

const source = "orchestrator"

type Config struct {
	TickInterval     time.Duration
	DequeueWait      time.Duration
	FreshnessWindow  time.Duration
	Backoff          Backoff
	ProgressInterval time.Duration

	// Downloads are skipped while free space in DownloadDir is below
	// MinFreeBytes. Zero disables the check.
	DownloadDir  string
	MinFreeBytes uint64

	RemoveArtifacts   bool
	TitlePrefix       string
	DescriptionPrefix string
	PrivacyStatus     string
	MadeForKids       bool
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     2 * time.Second,
		FreshnessWindow:  time.Hour,
		Backoff:          DefaultBackoff(),
		ProgressInterval: time.Second,
		DownloadDir:      os.TempDir(),
		PrivacyStatus:    "public",
	}
}

type Deps struct {
	Queue      *task.Queue
	Bus        *events.Bus
	Store      Store
	Downloader Downloader
	Uploader   Uploader
	Logger     *slog.Logger
}

type stage string

const (
	stageDownload stage = "download"
	stageUpload   stage = "upload"
)

// worker is one running download or upload. cancelled is guarded by the
// orchestrator mutex.
type worker struct {
	task      task.Task
	stage     stage
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	started   time.Time
	done      chan struct{}
}

// Snapshot is a point-in-time view of the pipeline.
type Snapshot struct {
	Queue        task.Stats `json:"queue"`
	Downloading  string     `json:"downloading,omitempty"`
	Uploading    []string   `json:"uploading"`
	RetryPending []string   `json:"retry_pending"`
}

type Orchestrator struct {
	cfg        Config
	queue      *task.Queue
	bus        *events.Bus
	store      Store
	downloader Downloader
	uploader   Uploader
	logger     *slog.Logger

	diskFree func(ctx context.Context, path string) (uint64, error)
	now      func() time.Time

	tickMu sync.Mutex

	mu          sync.Mutex
	download    *worker
	active      map[string]*worker
	retryTimers map[string]*retryTimer
	wg          sync.WaitGroup
}

// retryTimer tracks an item between a failed attempt and its requeue. timer
// is nil while the failure is still being recorded; a Cancel in that window
// sets cancelled and handleFailure applies it.
type retryTimer struct {
	timer     *time.Timer
	reason    string
	cancelled bool
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = def.FreshnessWindow
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = def.DownloadDir
	}
	if cfg.PrivacyStatus == "" {
		cfg.PrivacyStatus = def.PrivacyStatus
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		queue:       deps.Queue,
		bus:         deps.Bus,
		store:       deps.Store,
		downloader:  deps.Downloader,
		uploader:    deps.Uploader,
		logger:      logger.With("component", source),
		diskFree:    freeSpace,
		now:         time.Now,
		active:      make(map[string]*worker),
		retryTimers: make(map[string]*retryTimer),
	}
}

func freeSpace(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Run ticks until ctx is cancelled, then stops every worker and waits for
// them to exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	o.logger.Info("orchestrator started", "tick_interval", o.cfg.TickInterval, "max_concurrent", o.queue.MaxConcurrent())
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick starts the next download if none is running, disk space allows and
// the queue hands out a task. Queue statistics are published every tick.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	defer o.publishStats()

	if ctx.Err() != nil {
		return
	}

	o.mu.Lock()
	busy := o.download != nil
	o.mu.Unlock()
	if busy {
		return
	}

	if !o.hasDiskSpace(ctx) {
		return
	}

	t, err := o.queue.Dequeue(o.cfg.DequeueWait)
	if err != nil {
		if !errors.Is(err, task.ErrEmpty) && !errors.Is(err, task.ErrAtCapacity) {
			o.logger.Error("dequeue failed", "error", err)
		}
		return
	}
	o.startDownload(ctx, t)
}

func (o *Orchestrator) hasDiskSpace(ctx context.Context) bool {
	if o.cfg.MinFreeBytes == 0 {
		return true
	}
	free, err := o.diskFree(ctx, o.cfg.DownloadDir)
	if err != nil {
		o.logger.Warn("disk usage check failed", "dir", o.cfg.DownloadDir, "error", err)
		return true
	}
	if free < o.cfg.MinFreeBytes {
		o.logger.Warn("not enough free disk space, postponing download",
			"dir", o.cfg.DownloadDir, "free_bytes", free, "min_free_bytes", o.cfg.MinFreeBytes)
		o.bus.Publish(events.WarningOccurred, map[string]any{
			events.KeyComponent: source,
			events.KeyError:     fmt.Sprintf("low disk space: %d bytes free", free),
		}, source)
		return false
	}
	return true
}

// Submit records a newly detected item and queues it. It returns false when
// the item is already known to the store or the queue.
func (o *Orchestrator) Submit(ctx context.Context, item task.Item) (bool, error) {
	id := item.ExternalID
	if id == "" {
		return false, errors.New("item has no external id")
	}

	exists, err := o.store.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check item %s: %w", id, err)
	}
	if exists {
		o.logger.Debug("item already known, skipping", "item_id", id)
		return false, nil
	}
	if err := o.store.Create(ctx, task.NewRecord(item)); err != nil {
		return false, fmt.Errorf("create item %s: %w", id, err)
	}

	prio := o.priorityFor(item)
	if !o.queue.Enqueue(id, item, prio) {
		return false, nil
	}
	o.bus.Publish(events.ItemQueued, map[string]any{
		events.KeyItemID:   id,
		events.KeyTitle:    item.Title,
		events.KeyPriority: prio.String(),
	}, source)
	return true, nil
}

func (o *Orchestrator) priorityFor(item task.Item) task.Priority {
	if !item.PublishedAt.IsZero() && o.now().Sub(item.PublishedAt) <= o.cfg.FreshnessWindow {
		return task.PriorityHigh
	}
	return task.PriorityNormal
}

// Recover re-queues every item whose durable status shows unfinished work,
// typically left behind by a crash. It returns how many were queued.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recs, err := o.store.ListByStatus(ctx, task.StatusQueued, task.StatusDownloading, task.StatusDownloaded, task.StatusUploading)
	if err != nil {
		return 0, fmt.Errorf("list unfinished items: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if !o.queue.Enqueue(rec.ExternalID, rec.Item(), task.PriorityNormal) {
			continue
		}
		n++
		if rec.Status != task.StatusQueued {
			if err := o.store.UpdateStatus(ctx, rec.ExternalID, task.StatusQueued, task.StatusFields{LastError: rec.LastError}); err != nil {
				o.logger.Error("failed to reset item status", "item_id", rec.ExternalID, "error", err)
			}
		}
		o.bus.Publish(events.ItemQueued, map[string]any{
			events.KeyItemID:   rec.ExternalID,
			events.KeyTitle:    rec.Title,
			events.KeyPriority: task.PriorityNormal.String(),
		}, source)
	}
	if n > 0 {
		o.logger.Info("recovered unfinished items", "count", n)
	}
	return n, nil
}

// Cancel stops an item wherever it is in the pipeline. A running worker is
// asked to stop and cleaned up once it exits; it keeps its slot until then.
// It reports whether the item was found.
func (o *Orchestrator) Cancel(ctx context.Context, id string) bool {
	o.mu.Lock()
	if w, ok := o.active[id]; ok {
		if !w.cancelled {
			w.cancelled = true
			w.cancel()
			o.wg.Add(1)
			go o.finishCancel(context.WithoutCancel(ctx), w)
			o.logger.Info("cancelling worker", "item_id", id, "stage", w.stage)
		}
		o.mu.Unlock()
		return true
	}
	if rt, ok := o.retryTimers[id]; ok {
		if rt.timer == nil {
			rt.cancelled = true
			o.mu.Unlock()
			o.logger.Info("cancelling item after failed attempt", "item_id", id)
			return true
		}
		rt.timer.Stop()
		delete(o.retryTimers, id)
		o.mu.Unlock()
		o.queue.Cancel(id)
		o.markCancelled(ctx, id, "")
		return true
	}
	o.mu.Unlock()

	if !o.queue.Cancel(id) {
		return false
	}
	o.markCancelled(ctx, id, "")
	return true
}

func (o *Orchestrator) finishCancel(ctx context.Context, w *worker) {
	defer o.wg.Done()
	<-w.done

	id := w.task.ID
	o.queue.Cancel(id)
	o.mu.Lock()
	if o.active[id] == w {
		delete(o.active, id)
	}
	if o.download == w {
		o.download = nil
	}
	o.mu.Unlock()
	o.markCancelled(ctx, id, w.stage)
}

func (o *Orchestrator) markCancelled(ctx context.Context, id string, st stage) {
	o.updateStatus(ctx, id, task.StatusCancelled, task.StatusFields{LastError: "cancelled"})
	payload := map[string]any{events.KeyItemID: id}
	switch st {
	case stageUpload:
		o.bus.Publish(events.UploadCancelled, payload, source)
	default:
		o.bus.Publish(events.DownloadCancelled, payload, source)
	}
	o.logger.Info("item cancelled", "item_id", id)
}

// Snapshot reports queue statistics and the ids of in-flight work.
func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{Queue: o.queue.Stats(), Uploading: []string{}, RetryPending: []string{}}

	o.mu.Lock()
	if o.download != nil {
		s.Downloading = o.download.task.ID
	}
	for id, w := range o.active {
		if w.stage == stageUpload {
			s.Uploading = append(s.Uploading, id)
		}
	}
	for id, rt := range o.retryTimers {
		if rt.timer != nil {
			s.RetryPending = append(s.RetryPending, id)
		}
	}
	o.mu.Unlock()

	sort.Strings(s.Uploading)
	sort.Strings(s.RetryPending)
	return s
}

func (o *Orchestrator) publishStats() {
	snap := o.Snapshot()
	o.bus.Publish(events.StatisticsUpdated, map[string]any{
		events.KeyStats:   snap.Queue,
		"downloading":     snap.Downloading,
		"uploading":       len(snap.Uploading),
		"retries_pending": len(snap.RetryPending),
	}, source)
}

func (o *Orchestrator) newWorker(parent context.Context, t task.Task, st stage) *worker {
	ctx, cancel := context.WithCancel(parent)
	return &worker{
		task:    t,
		stage:   st,
		parent:  parent,
		ctx:     ctx,
		cancel:  cancel,
		started: o.now(),
		done:    make(chan struct{}),
	}
}

func (o *Orchestrator) startDownload(parent context.Context, t task.Task) {
	w := o.newWorker(parent, t, stageDownload)

	o.mu.Lock()
	o.download = w
	o.active[t.ID] = w
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runDownload(w)
}

// current reports whether w is still the registered, uncancelled worker for
// its item. Callers hold o.mu.
func (o *Orchestrator) current(w *worker) bool {
	return !w.cancelled && o.active[w.task.ID] == w
}

// interrupted handles a worker that failed because the orchestrator is
// shutting down. The durable status is left as is so Recover picks the item
// up on the next start.
func (o *Orchestrator) interrupted(w *worker, logger *slog.Logger) bool {
	if w.parent.Err() == nil {
		return false
	}
	o.mu.Lock()
	if o.active[w.task.ID] == w {
		delete(o.active, w.task.ID)
	}
	if o.download == w {
		o.download = nil
	}
	o.mu.Unlock()
	logger.Info("worker interrupted by shutdown", "stage", w.stage)
	return true
}

func (o *Orchestrator) onDownloadDone(w *worker, art Artifact, err error, logger *slog.Logger) {
	id := w.task.ID
	if err != nil && o.interrupted(w, logger) {
		return
	}

	o.mu.Lock()
	if !o.current(w) {
		o.mu.Unlock()
		logger.Debug("ignoring result of stale download worker")
		return
	}
	o.download = nil
	var up *worker
	var rt *retryTimer
	if err == nil {
		up = o.newWorker(w.parent, w.task, stageUpload)
		o.active[id] = up
	} else {
		delete(o.active, id)
		rt = &retryTimer{reason: err.Error()}
		o.retryTimers[id] = rt
	}
	o.mu.Unlock()

	if err != nil {
		o.handleFailure(w, rt, logger)
		return
	}

	now := o.now()
	o.updateStatus(w.parent, id, task.StatusDownloaded, task.StatusFields{ArtifactPath: art.Path, DownloadedAt: &now})
	o.bus.Publish(events.DownloadCompleted, map[string]any{
		events.KeyItemID:       id,
		events.KeyTitle:        w.task.Payload.Title,
		events.KeyArtifactPath: art.Path,
		events.KeyBytes:        art.Size,
		events.KeyDuration:     now.Sub(w.started).Seconds(),
	}, source)
	logger.Info("download completed", "path", art.Path, "bytes", art.Size)

	o.wg.Add(1)
	go o.runUpload(up, art)
}

func (o *Orchestrator) onUploadDone(w *worker, art Artifact, remoteID string, err error, logger *slog.Logger) {
	id := w.task.ID
	if err != nil && o.interrupted(w, logger) {
		return
	}

	o.mu.Lock()
	if !o.current(w) {
		o.mu.Unlock()
		logger.Debug("ignoring result of stale upload worker")
		return
	}
	delete(o.active, id)
	var rt *retryTimer
	if err != nil {
		rt = &retryTimer{reason: err.Error()}
		o.retryTimers[id] = rt
	}
	o.mu.Unlock()

	if o.cfg.RemoveArtifacts {
		o.removeArtifact(art, logger)
	}

	if err != nil {
		o.handleFailure(w, rt, logger)
		return
	}

	now := o.now()
	o.updateStatus(w.parent, id, task.StatusCompleted, task.StatusFields{RemoteID: remoteID, UploadedAt: &now})
	o.queue.MarkCompleted(id)
	o.bus.Publish(events.UploadCompleted, map[string]any{
		events.KeyItemID:   id,
		events.KeyTitle:    w.task.Payload.Title,
		events.KeyRemoteID: remoteID,
		events.KeyDuration: now.Sub(w.started).Seconds(),
	}, source)
	logger.Info("upload completed", "remote_id", remoteID)
}

// handleFailure reports a failed attempt and applies the retry policy. rt
// was registered in place of the worker, so the item is never untracked
// while its failure is recorded. A retryable task stays in processing until
// its backoff delay has passed; its durable status goes from failed back to
// queued as soon as the retry is scheduled, so a restart during backoff
// still recovers it.
func (o *Orchestrator) handleFailure(w *worker, rt *retryTimer, logger *slog.Logger) {
	id := w.task.ID
	attempt := w.task.RetryCount + 1

	failed := events.DownloadFailed
	if w.stage == stageUpload {
		failed = events.UploadFailed
	}
	o.bus.Publish(failed, map[string]any{
		events.KeyItemID:  id,
		events.KeyTitle:   w.task.Payload.Title,
		events.KeyError:   rt.reason,
		events.KeyAttempt: attempt,
	}, source)
	o.updateStatus(w.parent, id, task.StatusFailed, task.StatusFields{LastError: rt.reason, RetryCount: &w.task.RetryCount})

	if !w.task.Retryable() {
		o.mu.Lock()
		delete(o.retryTimers, id)
		cancelled := rt.cancelled
		if !cancelled {
			o.queue.MarkFailed(id, rt.reason)
		}
		o.mu.Unlock()
		if cancelled {
			o.cancelFailed(w)
			return
		}
		logger.Error("giving up on item", "stage", w.stage, "attempts", attempt, "error", rt.reason)
		return
	}

	o.updateStatus(w.parent, id, task.StatusQueued, task.StatusFields{LastError: rt.reason, RetryCount: &attempt})

	delay := o.cfg.Backoff.Delay(attempt)
	o.mu.Lock()
	if rt.cancelled {
		delete(o.retryTimers, id)
		o.mu.Unlock()
		o.cancelFailed(w)
		return
	}
	rt.timer = time.AfterFunc(delay, func() { o.requeue(id) })
	o.mu.Unlock()

	logger.Warn("attempt failed, retrying after backoff",
		"stage", w.stage, "attempt", attempt, "max_retries", w.task.MaxRetries, "delay", delay, "error", rt.reason)
}

// cancelFailed finishes a Cancel that arrived while a failure was recorded.
func (o *Orchestrator) cancelFailed(w *worker) {
	o.queue.Cancel(w.task.ID)
	o.markCancelled(w.parent, w.task.ID, w.stage)
}

func (o *Orchestrator) requeue(id string) {
	o.mu.Lock()
	rt, ok := o.retryTimers[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.retryTimers, id)
	o.mu.Unlock()

	if out := o.queue.MarkFailed(id, rt.reason); out != task.FailRetrying {
		o.logger.Warn("retry not requeued", "item_id", id, "outcome", out)
	}
}

func (o *Orchestrator) removeArtifact(art Artifact, logger *slog.Logger) {
	if art.Path == "" {
		return
	}
	if err := os.Remove(art.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove artifact", "path", art.Path, "error", err)
	}
}

func (o *Orchestrator) updateStatus(ctx context.Context, id string, status task.Status, fields task.StatusFields) {
	if err := o.store.UpdateStatus(context.WithoutCancel(ctx), id, status, fields); err != nil {
		o.logger.Error("failed to update item status", "item_id", id, "status", status, "error", err)
		o.bus.Publish(events.ErrorOccurred, map[string]any{
			events.KeyItemID:    id,
			events.KeyComponent: "store",
			events.KeyError:     err.Error(),
		}, source)
	}
}

// shutdown waits for every worker to exit, then stops pending retries and
// empties the queue. Durable statuses of unfinished items already say queued
// or in progress, so Recover picks them up on the next start.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	for _, w := range o.active {
		w.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	pending := len(o.retryTimers)
	for _, rt := range o.retryTimers {
		if rt.timer != nil {
			rt.timer.Stop()
		}
	}
	o.retryTimers = make(map[string]*retryTimer)
	o.mu.Unlock()

	unfinished := o.queue.ProcessingTasks()
	ids := make([]string, len(unfinished))
	for i, t := range unfinished {
		ids[i] = t.ID
	}
	sort.Strings(ids)
	stats := o.queue.Stats()
	o.queue.DrainAll()
	o.logger.Info("orchestrator stopped",
		"pending_retries", pending, "queued", stats.Queued, "unfinished", ids)
}

// ClearCompleted forgets completed tasks. The store keeps their records.
func (o *Orchestrator) ClearCompleted() int {
	return o.queue.ClearCompleted()
}

// ClearFailed forgets permanently failed and cancelled tasks.
func (o *Orchestrator) ClearFailed() int {
	return o.queue.ClearFailed()
}

func (o *Orchestrator) metadata(item task.Item) UploadMetadata {
	desc := item.Description
	if o.cfg.DescriptionPrefix != "" {
		desc = strings.TrimRight(o.cfg.DescriptionPrefix, "\n") + "\n\n" + desc
	}
	return UploadMetadata{
		Title:         o.cfg.TitlePrefix + item.Title,
		Description:   desc,
		Tags:          item.Tags,
		CategoryID:    item.CategoryID,
		PrivacyStatus: o.cfg.PrivacyStatus,
		MadeForKids:   o.cfg.MadeForKids,
	}
}
