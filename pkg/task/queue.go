package task

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrEmpty means nothing became available within the wait window.
	ErrEmpty = errors.New("task queue is empty")
	// ErrAtCapacity means the processing set is at the concurrency ceiling.
	ErrAtCapacity = errors.New("task queue at processing capacity")
)

type FailOutcome int

const (
	FailNotFound FailOutcome = iota
	FailRetrying
	FailPermanent
)

func (o FailOutcome) String() string {
	switch o {
	case FailRetrying:
		return "retrying"
	case FailPermanent:
		return "permanently_failed"
	default:
		return "not_found"
	}
}

type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Queue holds pending work ordered by (priority, enqueue time), hands it out
// under a concurrency ceiling and tracks retries. All four collections are
// guarded by mu; a task id is never in more than one of them.
type Queue struct {
	mu         sync.Mutex
	pending    taskHeap
	queued     map[string]*entry
	processing map[string]*Task
	completed  map[string]*Task
	failed     map[string]*Task
	seq        uint64

	maxConcurrent int
	maxRetries    int

	notify chan struct{}
	now    func() time.Time
	logger *slog.Logger
}

// NewQueue creates a queue. maxRetries is the retry budget given to every
// enqueued task.
func NewQueue(maxConcurrent, maxRetries int, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		queued:        make(map[string]*entry),
		processing:    make(map[string]*Task),
		completed:     make(map[string]*Task),
		failed:        make(map[string]*Task),
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		notify:        make(chan struct{}, 1),
		now:           time.Now,
		logger:        logger.With("component", "task_queue"),
	}
}

func (q *Queue) MaxConcurrent() int { return q.maxConcurrent }

// Enqueue adds a task. It returns false when the id is already queued,
// processing or completed. Ids that failed permanently may be enqueued again.
func (q *Queue) Enqueue(id string, item Item, priority Priority) bool {
	if id == "" {
		q.logger.Error("cannot enqueue task without id")
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[id]; ok {
		q.logger.Warn("task already processing", "item_id", id)
		return false
	}
	if _, ok := q.completed[id]; ok {
		q.logger.Warn("task already completed", "item_id", id)
		return false
	}
	if _, ok := q.queued[id]; ok {
		q.logger.Warn("task already queued", "item_id", id)
		return false
	}
	delete(q.failed, id)

	t := &Task{
		ID:         id,
		Priority:   priority,
		EnqueuedAt: q.now(),
		Payload:    item,
		MaxRetries: q.maxRetries,
	}
	q.pushLocked(t)
	q.logger.Info("task enqueued", "item_id", id, "priority", priority.String())
	return true
}

// Dequeue moves the best pending task into processing and returns a copy.
// It returns ErrAtCapacity at once when the ceiling is reached and ErrEmpty
// when nothing arrives within wait.
func (q *Queue) Dequeue(wait time.Duration) (Task, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		if len(q.processing) >= q.maxConcurrent {
			q.mu.Unlock()
			return Task{}, ErrAtCapacity
		}
		if q.pending.Len() > 0 {
			e := heap.Pop(&q.pending).(*entry)
			delete(q.queued, e.task.ID)
			q.processing[e.task.ID] = e.task
			t := *e.task
			q.mu.Unlock()
			q.logger.Info("task dequeued", "item_id", t.ID, "priority", t.Priority.String(), "retry_count", t.RetryCount)
			return t, nil
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Task{}, ErrEmpty
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// MarkCompleted moves a processing task to completed.
func (q *Queue) MarkCompleted(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.processing[id]
	if !ok {
		q.logger.Warn("cannot complete task: not processing", "item_id", id)
		return false
	}
	delete(q.processing, id)
	q.completed[id] = t
	q.logger.Info("task completed", "item_id", id)
	return true
}

// MarkFailed either requeues a processing task at the lowest priority or,
// once its retries are spent, moves it to failed.
func (q *Queue) MarkFailed(id, reason string) FailOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.processing[id]
	if !ok {
		q.logger.Warn("cannot fail task: not processing", "item_id", id)
		return FailNotFound
	}
	delete(q.processing, id)

	if t.Retryable() {
		t.RetryCount++
		t.Priority = PriorityLow
		t.EnqueuedAt = q.now()
		q.pushLocked(t)
		q.logger.Info("task requeued for retry", "item_id", id, "attempt", t.RetryCount, "max_retries", t.MaxRetries, "reason", reason)
		return FailRetrying
	}

	q.failed[id] = t
	q.logger.Error("task failed permanently", "item_id", id, "retry_count", t.RetryCount, "reason", reason)
	return FailPermanent
}

// Cancel removes a task. A processing task goes straight to failed with no
// retry; a queued task is dropped. It reports whether anything was found.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.processing[id]; ok {
		delete(q.processing, id)
		q.failed[id] = t
		q.logger.Info("cancelled processing task", "item_id", id)
		return true
	}
	if e, ok := q.queued[id]; ok {
		heap.Remove(&q.pending, e.index)
		delete(q.queued, id)
		q.logger.Info("removed task from queue", "item_id", id)
		return true
	}
	return false
}

// Lookup returns a copy of the task and the collection it is in.
func (q *Queue) Lookup(id string) (Task, State, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.queued[id]; ok {
		return *e.task, StateQueued, true
	}
	if t, ok := q.processing[id]; ok {
		return *t, StateProcessing, true
	}
	if t, ok := q.completed[id]; ok {
		return *t, StateCompleted, true
	}
	if t, ok := q.failed[id]; ok {
		return *t, StateFailed, true
	}
	return Task{}, "", false
}

func (q *Queue) ProcessingTasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, len(q.processing))
	for _, t := range q.processing {
		out = append(out, *t)
	}
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Queued:     q.pending.Len(),
		Processing: len(q.processing),
		Completed:  len(q.completed),
		Failed:     len(q.failed),
	}
}

func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.completed)
	q.completed = make(map[string]*Task)
	q.logger.Info("cleared completed tasks", "count", n)
	return n
}

func (q *Queue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.failed)
	q.failed = make(map[string]*Task)
	q.logger.Info("cleared failed tasks", "count", n)
	return n
}

// DrainAll empties every collection.
func (q *Queue) DrainAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = nil
	q.queued = make(map[string]*entry)
	q.processing = make(map[string]*Task)
	q.completed = make(map[string]*Task)
	q.failed = make(map[string]*Task)
	q.logger.Warn("drained all task collections")
}

func (q *Queue) pushLocked(t *Task) {
	q.seq++
	e := &entry{task: t, seq: q.seq}
	heap.Push(&q.pending, e)
	q.queued[t.ID] = e

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// checkInvariant panics if an id is present in more than one collection.
// A queue in that state must not keep running.
func (q *Queue) checkInvariant() {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]State)
	mark := func(id string, s State) {
		if prev, ok := seen[id]; ok {
			panic(fmt.Sprintf("task %s is both %s and %s", id, prev, s))
		}
		seen[id] = s
	}
	if len(q.queued) != q.pending.Len() {
		panic(fmt.Sprintf("queued index has %d ids, heap has %d", len(q.queued), q.pending.Len()))
	}
	for id := range q.queued {
		mark(id, StateQueued)
	}
	for id := range q.processing {
		mark(id, StateProcessing)
	}
	for id := range q.completed {
		mark(id, StateCompleted)
	}
	for id := range q.failed {
		mark(id, StateFailed)
	}
}

type entry struct {
	task  *Task
	seq   uint64
	index int
}

// taskHeap orders by priority, then enqueue time, then insertion order for
// identical timestamps.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.EnqueuedAt.Equal(b.task.EnqueuedAt) {
		return a.task.EnqueuedAt.Before(b.task.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
