package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"channel-relay/pkg/events"
	"channel-relay/pkg/task"
)

func (o *Orchestrator) runDownload(w *worker) {
	defer o.wg.Done()
	defer close(w.done)

	id := w.task.ID
	logger := o.logger.With("item_id", id, "attempt", w.task.RetryCount+1)
	logger.Info("download started", "title", w.task.Payload.Title)

	o.updateStatus(w.parent, id, task.StatusDownloading, task.StatusFields{RetryCount: &w.task.RetryCount})
	o.bus.Publish(events.DownloadStarted, map[string]any{
		events.KeyItemID:  id,
		events.KeyTitle:   w.task.Payload.Title,
		events.KeyAttempt: w.task.RetryCount + 1,
	}, source)

	art, err := o.callDownloader(w)
	if err == nil {
		art, err = validateArtifact(art)
	}
	o.onDownloadDone(w, art, err, logger)
}

func (o *Orchestrator) callDownloader(w *worker) (art Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("downloader panicked", "item_id", w.task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	if err := w.ctx.Err(); err != nil {
		return Artifact{}, err
	}
	return o.downloader.Download(w.ctx, w.task.Payload, o.progress(w, events.DownloadProgress))
}

func validateArtifact(art Artifact) (Artifact, error) {
	if art.Path == "" {
		return art, ErrInvalidArtifact
	}
	fi, err := os.Stat(art.Path)
	if err != nil {
		return art, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if fi.IsDir() || fi.Size() == 0 {
		return art, ErrInvalidArtifact
	}
	art.Size = fi.Size()
	return art, nil
}

func (o *Orchestrator) runUpload(w *worker, art Artifact) {
	defer o.wg.Done()
	defer close(w.done)

	id := w.task.ID
	logger := o.logger.With("item_id", id, "attempt", w.task.RetryCount+1)
	logger.Info("upload started", "path", art.Path)

	o.updateStatus(w.parent, id, task.StatusUploading, task.StatusFields{ArtifactPath: art.Path})
	o.bus.Publish(events.UploadStarted, map[string]any{
		events.KeyItemID:       id,
		events.KeyTitle:        w.task.Payload.Title,
		events.KeyArtifactPath: art.Path,
	}, source)

	remoteID, err := o.callUploader(w, art)
	if err == nil {
		o.setThumbnail(w, remoteID, logger)
	}
	o.onUploadDone(w, art, remoteID, err, logger)
}

func (o *Orchestrator) callUploader(w *worker, art Artifact) (remoteID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("uploader panicked", "item_id", w.task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	if err := w.ctx.Err(); err != nil {
		return "", err
	}
	remoteID, err = o.uploader.Upload(w.ctx, art, o.metadata(w.task.Payload), o.progress(w, events.UploadProgress))
	if err == nil && remoteID == "" {
		err = errors.New("uploader returned no remote id")
	}
	return remoteID, err
}

// setThumbnail is best effort: a failure is reported as a warning and never
// fails the upload.
func (o *Orchestrator) setThumbnail(w *worker, remoteID string, logger *slog.Logger) {
	ts, ok := o.uploader.(ThumbnailSetter)
	if !ok || w.task.Payload.ThumbnailURL == "" || w.ctx.Err() != nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
			}
		}()
		return ts.SetThumbnail(w.ctx, remoteID, w.task.Payload.ThumbnailURL)
	}()
	if err != nil {
		logger.Warn("failed to set thumbnail", "remote_id", remoteID, "error", err)
		o.bus.Publish(events.WarningOccurred, map[string]any{
			events.KeyItemID:    w.task.ID,
			events.KeyComponent: "thumbnail",
			events.KeyError:     err.Error(),
		}, source)
	}
}

// progress returns a ProgressFunc that publishes at most one event per
// ProgressInterval, plus the final one.
func (o *Orchestrator) progress(w *worker, et events.EventType) ProgressFunc {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(done, total int64) {
		now := o.now()
		mu.Lock()
		final := total > 0 && done >= total
		if !final && now.Sub(last) < o.cfg.ProgressInterval {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()

		o.bus.Publish(et, map[string]any{
			events.KeyItemID:     w.task.ID,
			events.KeyBytes:      done,
			events.KeyTotalBytes: total,
		}, source)
	}
}
