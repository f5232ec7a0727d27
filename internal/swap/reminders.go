package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
	"github.com/pagerbell/pagerbell/internal/queue"
)

// TaskReminder delivers one follow-up nudge for an open swap request
const TaskReminder = "swap.reminder"

// reminderTolerance is how long past its offset a reminder may still fire.
// A sweep delayed beyond the tolerance drops that reminder rather than
// sending it confusingly late.
const reminderTolerance = time.Hour

// reminderMarkerTTL keeps the sent-marker alive long enough to cover
// overlapping sweeps across instances
const reminderMarkerTTL = 2 * time.Hour

// reminderOffset is one point on the follow-up ladder before swap start
type reminderOffset struct {
	label  string
	before time.Duration
}

var reminderOffsets = []reminderOffset{
	{"4w", 4 * 7 * 24 * time.Hour},
	{"3w", 3 * 7 * 24 * time.Hour},
	{"2w", 2 * 7 * 24 * time.Hour},
	{"1w", 7 * 24 * time.Hour},
	{"3d", 3 * 24 * time.Hour},
	{"2d", 2 * 24 * time.Hour},
	{"1d", 24 * time.Hour},
	{"12h", 12 * time.Hour},
}

// ReminderJob periodically nudges about still-open swap requests at fixed
// offsets before their start. A short-TTL marker per (request, offset)
// keeps concurrent sweeps from double-sending.
type ReminderJob struct {
	db     *gorm.DB
	queue  queue.Queue
	locker queue.Locker
	log    zerolog.Logger
	now    func() time.Time
}

// NewReminderJob creates the swap reminder job
func NewReminderJob(db *gorm.DB, q queue.Queue, locker queue.Locker, log zerolog.Logger) *ReminderJob {
	return &ReminderJob{
		db:     db,
		queue:  q,
		locker: locker,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the job's clock; used by tests
func (j *ReminderJob) SetClock(now func() time.Time) {
	j.now = now
}

// Name implements the periodic job interface
func (j *ReminderJob) Name() string {
	return "swap-reminders"
}

// Run sweeps open future swap requests and submits one reminder task per
// due (request, offset) pair
func (j *ReminderJob) Run(ctx context.Context) error {
	now := j.now()

	var reqs []database.ShiftSwapRequest
	err := j.db.WithContext(ctx).
		Where("benefactor_id IS NULL AND swap_start > ?", now).
		Find(&reqs).Error
	if err != nil {
		return err
	}

	for _, req := range reqs {
		for _, offset := range reminderOffsets {
			remindAt := req.SwapStart.Add(-offset.before)
			if now.Before(remindAt) || now.After(remindAt.Add(reminderTolerance)) {
				continue
			}
			marker := fmt.Sprintf("swap-reminder:%d:%s", req.ID, offset.label)
			acquired, err := j.locker.TryLock(ctx, marker, reminderMarkerTTL)
			if err != nil {
				return err
			}
			if !acquired {
				continue
			}
			_, err = j.queue.Submit(ctx, TaskReminder, nil, map[string]interface{}{
				"swap_id": req.ID,
				"offset":  offset.label,
			})
			if err != nil {
				return err
			}
			j.log.Debug().
				Uint("swap_id", req.ID).
				Str("offset", offset.label).
				Msg("swap reminder scheduled")
		}
	}
	return nil
}
