package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemoryQueue is an in-process Queue with a manual clock. Tests (and
// single-node mode) drive it by calling RunDue with the simulated time;
// nothing executes until then. Failed tasks follow the same retry-lane and
// backoff rules as the redis queue.
type MemoryQueue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	pending  []*Task
	failures []*Task // tasks that exhausted the attempt budget
	log      zerolog.Logger
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(log zerolog.Logger) *MemoryQueue {
	return &MemoryQueue{
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// Register binds a handler to a task name
func (q *MemoryQueue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Submit enqueues a task
func (q *MemoryQueue) Submit(_ context.Context, name string, args []interface{}, kwargs map[string]interface{}, opts ...SubmitOption) (string, error) {
	t := &Task{
		ID:      uuid.NewString(),
		Name:    name,
		Args:    args,
		Kwargs:  kwargs,
		Lane:    LaneDefault,
		ETA:     time.Now().UTC(),
		Attempt: 1,
	}
	for _, opt := range opts {
		opt(t)
	}
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	return t.ID, nil
}

// Resubmit enqueues a copy of an already-delivered task, simulating
// at-least-once duplicate delivery
func (q *MemoryQueue) Resubmit(t *Task) {
	dup := *t
	q.mu.Lock()
	q.pending = append(q.pending, &dup)
	q.mu.Unlock()
}

// RunDue executes every pending task whose ETA is at or before now,
// including tasks enqueued by the handlers themselves, and returns the
// number of executions. Retry-lane tasks run after default-lane tasks due
// at the same sweep.
func (q *MemoryQueue) RunDue(ctx context.Context, now time.Time) int {
	executed := 0
	for {
		t := q.popDue(now)
		if t == nil {
			return executed
		}
		executed++
		q.deliver(ctx, t)
	}
}

// Pending returns a snapshot of not-yet-delivered tasks
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.pending))
	for _, t := range q.pending {
		out = append(out, *t)
	}
	return out
}

// Failures returns tasks that exhausted their retry budget
func (q *MemoryQueue) Failures() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.failures))
	for _, t := range q.failures {
		out = append(out, *t)
	}
	return out
}

func (q *MemoryQueue) popDue(now time.Time) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	// stable order: default lane first, then by ETA, then submission order
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Lane != q.pending[j].Lane {
			return q.pending[i].Lane == LaneDefault
		}
		return q.pending[i].ETA.Before(q.pending[j].ETA)
	})
	for i, t := range q.pending {
		if !t.ETA.After(now) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return t
		}
	}
	return nil
}

func (q *MemoryQueue) deliver(ctx context.Context, t *Task) {
	q.mu.Lock()
	h, ok := q.handlers[t.Name]
	q.mu.Unlock()
	if !ok {
		q.log.Error().Str("task", t.Name).Msg("no handler registered for task")
		return
	}
	if err := h(ctx, t); err != nil {
		q.retry(t, err)
	}
}

func (q *MemoryQueue) retry(t *Task, cause error) {
	if t.Attempt >= MaxAttempts {
		q.log.Error().
			Err(cause).
			Str("task", t.Name).
			Str("task_id", t.ID).
			Int("attempts", t.Attempt).
			Msg("task exhausted retry budget")
		q.mu.Lock()
		q.failures = append(q.failures, t)
		q.mu.Unlock()
		return
	}
	next := *t
	next.Attempt = t.Attempt + 1
	next.Lane = LaneRetry
	next.ETA = t.ETA.Add(backoffFor(t.Attempt))
	q.log.Warn().
		Err(cause).
		Str("task", t.Name).
		Int("attempt", next.Attempt).
		Time("eta", next.ETA).
		Msg("task failed, re-submitting on retry lane")
	q.mu.Lock()
	q.pending = append(q.pending, &next)
	q.mu.Unlock()
}
