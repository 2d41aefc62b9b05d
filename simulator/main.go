package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"channel-relay/pkg/observability"
	"channel-relay/pkg/task"
)

// channel is a fake source and target channel in one process.
type channel struct {
	baseURL     string
	mediaSize   int
	failureRate float64
	logger      *slog.Logger

	mu       sync.Mutex
	items    []task.Item
	uploaded map[string]string
}

func main() {
	logger := observability.NewLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)

	addr := envOr("ADDR", ":8090")
	publishEvery := 30 * time.Second
	if v := os.Getenv("PUBLISH_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			publishEvery = d
		}
	}
	ch := &channel{
		baseURL:     envOr("BASE_URL", "http://localhost"+addr),
		mediaSize:   1 << 20,
		failureRate: 0.1,
		logger:      logger,
		uploaded:    make(map[string]string),
	}
	if v := os.Getenv("MEDIA_SIZE_KB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ch.mediaSize = n << 10
		}
	}
	if v := os.Getenv("FAILURE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			ch.failureRate = f
		}
	}

	go ch.publishLoop(publishEvery)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /feed", ch.handleFeed)
	mux.HandleFunc("GET /media/{id}", ch.handleMedia)
	mux.HandleFunc("POST /upload", ch.handleUpload)
	mux.HandleFunc("POST /upload/{id}/thumbnail", ch.handleThumbnail)

	logger.Info("simulator listening", "addr", addr, "publish_every", publishEvery, "failure_rate", ch.failureRate)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("simulator failed", "error", err)
		os.Exit(1)
	}
}

func (c *channel) publishLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		c.publish()
	}
}

func (c *channel) publish() {
	id := uuid.NewString()[:8]
	it := task.Item{
		ExternalID:   id,
		Title:        fmt.Sprintf("Episode %s", id),
		Description:  "Simulated upload " + id,
		SourceURL:    c.baseURL + "/media/" + id,
		ThumbnailURL: c.baseURL + "/media/" + id + "?thumb=1",
		Tags:         []string{"simulated"},
		PublishedAt:  time.Now().UTC(),
	}
	c.mu.Lock()
	c.items = append(c.items, it)
	c.mu.Unlock()
	c.logger.Info("published item", "item_id", id)
}

func (c *channel) fail(w http.ResponseWriter, what string) bool {
	if mrand.Float64() >= c.failureRate {
		return false
	}
	c.logger.Warn("injecting failure", "request", what)
	http.Error(w, "simulated failure", http.StatusServiceUnavailable)
	return true
}

func (c *channel) handleFeed(w http.ResponseWriter, r *http.Request) {
	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	if err != nil {
		since = time.Time{}
	}
	c.mu.Lock()
	out := []task.Item{}
	for _, it := range c.items {
		if it.PublishedAt.After(since) {
			out = append(out, it)
		}
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"items": out})
}

func (c *channel) handleMedia(w http.ResponseWriter, r *http.Request) {
	if c.fail(w, "media") {
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.Itoa(c.mediaSize))
	// Throttle so cancellation and progress are observable.
	chunk := make([]byte, 64<<10)
	for sent := 0; sent < c.mediaSize; sent += len(chunk) {
		n := min(len(chunk), c.mediaSize-sent)
		rand.Read(chunk[:n])
		if _, err := w.Write(chunk[:n]); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (c *channel) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var title string
	var size int64
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "metadata":
			var meta struct {
				Title string `json:"title"`
			}
			if err := json.NewDecoder(part).Decode(&meta); err != nil {
				http.Error(w, "bad metadata", http.StatusBadRequest)
				return
			}
			title = meta.Title
		case "media":
			size, _ = io.Copy(io.Discard, part)
		}
	}
	if c.fail(w, "upload") {
		return
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.uploaded[id] = title
	c.mu.Unlock()
	c.logger.Info("received upload", "remote_id", id, "title", title, "bytes", size)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (c *channel) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c.mu.Lock()
	_, ok := c.uploaded[id]
	c.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
