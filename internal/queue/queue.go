// Package queue provides the task queue abstraction used by the escalation
// engine: delayed at-least-once delivery over named lanes, with a dedicated
// retry lane so re-submitted work never starves first attempts. Handlers
// must be idempotent; re-delivery is possible.
package queue

import (
	"context"
	"math"
	"time"
)

// Lane names. Retry is reserved for re-submissions after a handler failure.
const (
	LaneDefault = "default"
	LaneRetry   = "retry"
)

// Retry policy for failed handlers: exponential backoff, bounded attempts.
const (
	MaxAttempts    = 5
	backoffBase    = 2 * time.Second
	backoffCeiling = 10 * time.Minute
)

// Task is one unit of work submitted to a lane
type Task struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Args    []interface{}          `json:"args,omitempty"`
	Kwargs  map[string]interface{} `json:"kwargs,omitempty"`
	Lane    string                 `json:"lane"`
	ETA     time.Time              `json:"eta"`
	Attempt int                    `json:"attempt"`
}

// Handler processes a delivered task. A returned error re-submits the task
// on the retry lane until the attempt budget is exhausted.
type Handler func(ctx context.Context, task *Task) error

// SubmitOption adjusts a task before submission
type SubmitOption func(*Task)

// WithDelay schedules the task delaySeconds from now
func WithDelay(delaySeconds int) SubmitOption {
	return func(t *Task) {
		t.ETA = time.Now().UTC().Add(time.Duration(delaySeconds) * time.Second)
	}
}

// WithETA schedules the task for a specific instant
func WithETA(eta time.Time) SubmitOption {
	return func(t *Task) {
		t.ETA = eta.UTC()
	}
}

// WithLane targets a specific lane
func WithLane(lane string) SubmitOption {
	return func(t *Task) {
		t.Lane = lane
	}
}

// Queue submits tasks and dispatches them to registered handlers
type Queue interface {
	// Register binds a handler to a task name. Must be called before the
	// queue starts delivering.
	Register(name string, h Handler)

	// Submit enqueues a task and returns its id
	Submit(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}, opts ...SubmitOption) (string, error)
}

// backoffFor returns the retry delay for a given attempt (1-based)
func backoffFor(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
	if d > backoffCeiling {
		return backoffCeiling
	}
	return d
}

// KwargUint reads an unsigned integer keyword argument. JSON decoding turns
// numbers into float64, so both forms are accepted.
func KwargUint(t *Task, key string) (uint64, bool) {
	v, ok := t.Kwargs[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	}
	return 0, false
}

// KwargString reads a string keyword argument
func KwargString(t *Task, key string) (string, bool) {
	v, ok := t.Kwargs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// KwargBool reads a boolean keyword argument
func KwargBool(t *Task, key string) bool {
	v, ok := t.Kwargs[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
