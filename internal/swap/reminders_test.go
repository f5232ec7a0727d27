package swap

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagerbell/pagerbell/internal/database"
	"github.com/pagerbell/pagerbell/internal/queue"
)

func reminderTasks(q *queue.MemoryQueue) []queue.Task {
	var out []queue.Task
	for _, t := range q.Pending() {
		if t.Name == TaskReminder {
			out = append(out, t)
		}
	}
	return out
}

func TestReminderJob_FiresAtOffsetOnce(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	q := queue.NewMemoryQueue(zerolog.Nop())
	locker := queue.NewMemoryLocker(func() time.Time { return now })

	req := &database.ShiftSwapRequest{
		PublicID:      database.NewPublicID(),
		ScheduleID:    1,
		BeneficiaryID: 10,
		SwapStart:     now.Add(24 * time.Hour).Add(30 * time.Minute),
		SwapEnd:       now.Add(48 * time.Hour),
	}
	if err := db.Create(req).Error; err != nil {
		t.Fatalf("failed to create swap: %v", err)
	}

	job := NewReminderJob(db, q, locker, zerolog.Nop())
	job.SetClock(func() time.Time { return now })

	// 24h30m out: inside the 1d offset's tolerance window? No - the offset
	// point lies 30m in the future, nothing fires yet
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := reminderTasks(q); len(got) != 0 {
		t.Fatalf("premature reminder: %d", len(got))
	}

	// cross the 1d point: exactly one reminder
	later := now.Add(45 * time.Minute)
	job.SetClock(func() time.Time { return later })
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	got := reminderTasks(q)
	if len(got) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(got))
	}
	if offset, _ := queue.KwargString(&got[0], "offset"); offset != "1d" {
		t.Errorf("wrong offset label: %s", offset)
	}

	// an overlapping sweep inside the marker TTL must not double-send
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := reminderTasks(q); len(got) != 1 {
		t.Fatalf("duplicate reminder sent: %d", len(got))
	}
}

func TestReminderJob_SkipsTakenRequests(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	q := queue.NewMemoryQueue(zerolog.Nop())
	locker := queue.NewMemoryLocker(func() time.Time { return now })

	benefactor := uint(20)
	req := &database.ShiftSwapRequest{
		PublicID:      database.NewPublicID(),
		ScheduleID:    1,
		BeneficiaryID: 10,
		BenefactorID:  &benefactor,
		SwapStart:     now.Add(12 * time.Hour).Add(10 * time.Minute),
		SwapEnd:       now.Add(24 * time.Hour),
	}
	if err := db.Create(req).Error; err != nil {
		t.Fatalf("failed to create swap: %v", err)
	}

	job := NewReminderJob(db, q, locker, zerolog.Nop())
	job.SetClock(func() time.Time { return now.Add(15 * time.Minute) })
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := reminderTasks(q); len(got) != 0 {
		t.Fatalf("taken request still reminded: %d", len(got))
	}
}

func TestReminderJob_StaleOffsetOutsideTolerance(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	q := queue.NewMemoryQueue(zerolog.Nop())
	locker := queue.NewMemoryLocker(func() time.Time { return now })

	// the 12h point passed 3 hours ago; the sweep was down, the reminder
	// is dropped instead of sent late
	req := &database.ShiftSwapRequest{
		PublicID:      database.NewPublicID(),
		ScheduleID:    1,
		BeneficiaryID: 10,
		SwapStart:     now.Add(9 * time.Hour),
		SwapEnd:       now.Add(24 * time.Hour),
	}
	if err := db.Create(req).Error; err != nil {
		t.Fatalf("failed to create swap: %v", err)
	}

	job := NewReminderJob(db, q, locker, zerolog.Nop())
	job.SetClock(func() time.Time { return now })
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := reminderTasks(q); len(got) != 0 {
		t.Fatalf("stale reminder sent: %d", len(got))
	}
}
