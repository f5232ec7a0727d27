package oncall

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
)

// cachedWindow is how far ahead the refresh job materializes final events
const cachedWindow = 30 * 24 * time.Hour

// RefreshJob re-resolves every schedule's final events into its cache
// column and refreshes the gap flag. Readers that only need the near-future
// timeline use the cache instead of re-expanding calendars.
type RefreshJob struct {
	db       *gorm.DB
	resolver *Resolver
	log      zerolog.Logger
	now      func() time.Time
}

// NewRefreshJob creates the schedule cache refresh job
func NewRefreshJob(db *gorm.DB, resolver *Resolver, log zerolog.Logger) *RefreshJob {
	return &RefreshJob{
		db:       db,
		resolver: resolver,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the job's clock; used by tests
func (j *RefreshJob) SetClock(now func() time.Time) {
	j.now = now
}

// Name implements the periodic job interface
func (j *RefreshJob) Name() string {
	return "schedule-refresh"
}

// Run refreshes all schedules. One broken schedule is logged and skipped;
// it never blocks the rest of the sweep.
func (j *RefreshJob) Run(ctx context.Context) error {
	var schedules []database.OnCallSchedule
	if err := j.db.WithContext(ctx).Find(&schedules).Error; err != nil {
		return err
	}
	for i := range schedules {
		if err := j.Refresh(ctx, &schedules[i]); err != nil {
			j.log.Error().Err(err).Uint("schedule_id", schedules[i].ID).Msg("failed to refresh schedule cache")
		}
	}
	return nil
}

// Refresh recomputes one schedule's cached final events and gap flag
func (j *RefreshJob) Refresh(ctx context.Context, schedule *database.OnCallSchedule) error {
	now := j.now()
	events, err := j.resolver.ResolveRange(ctx, schedule, now, now.Add(cachedWindow))
	if err != nil {
		return err
	}

	hasGaps := false
	for _, ev := range events {
		if ev.IsGap {
			hasGaps = true
			break
		}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return j.db.WithContext(ctx).Model(schedule).Updates(map[string]interface{}{
		"cached_final_events": database.JSON(raw),
		"cached_at":           now,
		"has_gaps":            hasGaps,
	}).Error
}

// CachedFinalEvents decodes a schedule's cached timeline; a nil slice means
// the cache was never filled
func CachedFinalEvents(schedule *database.OnCallSchedule) ([]Event, error) {
	if len(schedule.CachedFinalEvents) == 0 {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal([]byte(schedule.CachedFinalEvents), &events); err != nil {
		return nil, err
	}
	return events, nil
}
