// Package statusapi serves the relay's read-mostly HTTP surface: health,
// pipeline statistics, recent events, Prometheus metrics and a few control
// endpoints for the monitor.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"channel-relay/pkg/events"
	"channel-relay/pkg/pipeline"
	"channel-relay/pkg/task"
)

const maxEventLimit = 500

// Pipeline is the orchestrator surface the API needs.
type Pipeline interface {
	Snapshot() pipeline.Snapshot
	Cancel(ctx context.Context, id string) bool
	ClearCompleted() int
	ClearFailed() int
}

// Monitor controls the source poller.
type Monitor interface {
	Pause()
	Resume()
	Paused() bool
	CheckNow()
}

// History reads the durable store.
type History interface {
	Recent(ctx context.Context, limit int) ([]task.Record, error)
	DailyStats(ctx context.Context, days int) ([]task.DailyStats, error)
}

type Deps struct {
	Pipeline Pipeline
	Monitor  Monitor
	History  History
	Bus      *events.Bus
	Logger   *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger.With("component", "statusapi")}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())
	r.GET("/healthz", s.health)
	r.GET("/stats", s.stats)
	r.GET("/events", s.events)
	r.GET("/items", s.items)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	control := r.Group("/control")
	control.POST("/pause", s.pause)
	control.POST("/resume", s.resume)
	control.POST("/check", s.checkNow)
	control.POST("/cancel/:id", s.cancel)
	control.POST("/clear/:which", s.clear)

	s.engine = r
	s.http = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	resp := gin.H{}
	if s.deps.Pipeline != nil {
		resp["pipeline"] = s.deps.Pipeline.Snapshot()
	}
	if s.deps.Monitor != nil {
		resp["monitor_paused"] = s.deps.Monitor.Paused()
	}
	if s.deps.History != nil {
		days := queryInt(c, "days", 7, 1, 90)
		daily, err := s.deps.History.DailyStats(c.Request.Context(), days)
		if err != nil {
			s.logger.Error("failed to load daily stats", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["daily"] = daily
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) events(c *gin.Context) {
	if s.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not configured"})
		return
	}
	var t events.EventType
	if raw := c.Query("type"); raw != "" {
		t = events.EventType(raw)
		if !t.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type: " + raw})
			return
		}
	}
	limit := queryInt(c, "limit", 100, 1, maxEventLimit)
	c.JSON(http.StatusOK, gin.H{"events": s.deps.Bus.History(t, limit)})
}

func (s *Server) items(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store not configured"})
		return
	}
	limit := queryInt(c, "limit", 50, 1, maxEventLimit)
	recs, err := s.deps.History.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list items", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": recs})
}

func (s *Server) pause(c *gin.Context) {
	if !s.requireMonitor(c) {
		return
	}
	s.deps.Monitor.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resume(c *gin.Context) {
	if !s.requireMonitor(c) {
		return
	}
	s.deps.Monitor.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) checkNow(c *gin.Context) {
	if !s.requireMonitor(c) {
		return
	}
	s.deps.Monitor.CheckNow()
	c.JSON(http.StatusAccepted, gin.H{"message": "check scheduled"})
}

func (s *Server) cancel(c *gin.Context) {
	if s.deps.Pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not configured"})
		return
	}
	id := c.Param("id")
	if !s.deps.Pipeline.Cancel(c.Request.Context(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active or queued item " + id})
		return
	}
	s.logger.Info("item cancelled via API", "item_id", id)
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

// clear drops finished tasks from the in-memory queue. Durable records are
// untouched.
func (s *Server) clear(c *gin.Context) {
	if s.deps.Pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not configured"})
		return
	}
	var n int
	switch which := c.Param("which"); which {
	case "completed":
		n = s.deps.Pipeline.ClearCompleted()
	case "failed":
		n = s.deps.Pipeline.ClearFailed()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown collection " + which})
		return
	}
	s.logger.Info("cleared finished tasks via API", "collection", c.Param("which"), "count", n)
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (s *Server) requireMonitor(c *gin.Context) bool {
	if s.deps.Monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor not configured"})
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return max(lo, min(v, hi))
}
