package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemoryQueue_DelayedDelivery(t *testing.T) {
	q := NewMemoryQueue(zerolog.Nop())
	now := time.Now().UTC()

	var delivered []string
	q.Register("echo", func(_ context.Context, task *Task) error {
		name, _ := KwargString(task, "tag")
		delivered = append(delivered, name)
		return nil
	})

	if _, err := q.Submit(context.Background(), "echo", nil, map[string]interface{}{"tag": "later"}, WithETA(now.Add(time.Hour))); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := q.Submit(context.Background(), "echo", nil, map[string]interface{}{"tag": "sooner"}, WithETA(now.Add(time.Minute))); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if n := q.RunDue(context.Background(), now); n != 0 {
		t.Fatalf("nothing should be due yet, ran %d", n)
	}
	if n := q.RunDue(context.Background(), now.Add(2*time.Minute)); n != 1 {
		t.Fatalf("expected 1 due task, ran %d", n)
	}
	if n := q.RunDue(context.Background(), now.Add(2*time.Hour)); n != 1 {
		t.Fatalf("expected 1 more due task, ran %d", n)
	}
	if len(delivered) != 2 || delivered[0] != "sooner" || delivered[1] != "later" {
		t.Errorf("wrong delivery order: %v", delivered)
	}
}

func TestMemoryQueue_RetryUntilExhausted(t *testing.T) {
	q := NewMemoryQueue(zerolog.Nop())
	now := time.Now().UTC()

	attempts := 0
	q.Register("flaky", func(_ context.Context, _ *Task) error {
		attempts++
		return errors.New("downstream unavailable")
	})
	if _, err := q.Submit(context.Background(), "flaky", nil, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// run far enough in the future that every backoff has elapsed
	q.RunDue(context.Background(), now.Add(time.Hour))

	if attempts != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, attempts)
	}
	failures := q.Failures()
	if len(failures) != 1 {
		t.Fatalf("expected 1 permanent failure, got %d", len(failures))
	}
	if failures[0].Attempt != MaxAttempts {
		t.Errorf("failure recorded with attempt %d", failures[0].Attempt)
	}
	if len(q.Pending()) != 0 {
		t.Error("exhausted task still pending")
	}
}

func TestMemoryQueue_RetrySucceedsAfterTransientFailure(t *testing.T) {
	q := NewMemoryQueue(zerolog.Nop())
	now := time.Now().UTC()

	attempts := 0
	q.Register("transient", func(_ context.Context, _ *Task) error {
		attempts++
		if attempts < 3 {
			return errors.New("try again")
		}
		return nil
	})
	if _, err := q.Submit(context.Background(), "transient", nil, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	q.RunDue(context.Background(), now.Add(time.Hour))
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(q.Failures()) != 0 {
		t.Error("successful retry must not record a failure")
	}
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	if got := backoffFor(1); got != 2*time.Second {
		t.Errorf("attempt 1: got %v", got)
	}
	if got := backoffFor(2); got != 4*time.Second {
		t.Errorf("attempt 2: got %v", got)
	}
	if got := backoffFor(3); got != 8*time.Second {
		t.Errorf("attempt 3: got %v", got)
	}
	if got := backoffFor(20); got != backoffCeiling {
		t.Errorf("large attempt must hit the ceiling, got %v", got)
	}
}

func TestMemoryLocker_TTLExpiry(t *testing.T) {
	now := time.Now().UTC()
	locker := NewMemoryLocker(func() time.Time { return now })

	ok, err := locker.TryLock(context.Background(), "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquisition should succeed: ok=%v err=%v", ok, err)
	}
	ok, _ = locker.TryLock(context.Background(), "sweep", time.Minute)
	if ok {
		t.Fatal("second acquisition should fail while held")
	}

	now = now.Add(2 * time.Minute)
	ok, _ = locker.TryLock(context.Background(), "sweep", time.Minute)
	if !ok {
		t.Fatal("acquisition should succeed after expiry")
	}

	// an unrelated name is independent
	ok, _ = locker.TryLock(context.Background(), "other", time.Minute)
	if !ok {
		t.Fatal("unrelated lock should be free")
	}
}
