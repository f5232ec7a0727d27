package escalation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
)

// watchdogTolerance is how far past the estimated finish time an escalation
// may run before the watchdog reports it
const watchdogTolerance = 5 * time.Minute

// Watchdog sweeps for escalations that overran their estimated finish time,
// which indicates lost or stuck tasks. It only reports: it never force-moves
// an escalation forward, since a late task may still arrive and the
// generation token keeps duplicate execution safe.
type Watchdog struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

// NewWatchdog creates an escalation watchdog
func NewWatchdog(db *gorm.DB, log zerolog.Logger) *Watchdog {
	return &Watchdog{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the watchdog's clock; used by tests
func (w *Watchdog) SetClock(now func() time.Time) {
	w.now = now
}

// Name implements the periodic job interface
func (w *Watchdog) Name() string {
	return "escalation-watchdog"
}

// Run reports every unfinished escalation whose estimated finish time lies
// more than the tolerance in the past
func (w *Watchdog) Run(ctx context.Context) error {
	deadline := w.now().Add(-watchdogTolerance)

	var stuck []database.AlertGroup
	err := w.db.WithContext(ctx).
		Where("is_escalation_finished = ? AND estimated_finish_at IS NOT NULL AND estimated_finish_at < ?", false, deadline).
		Find(&stuck).Error
	if err != nil {
		return err
	}
	for _, ag := range stuck {
		w.log.Error().
			Uint("alert_group_id", ag.ID).
			Str("integration", ag.IntegrationSlug).
			Time("estimated_finish_at", *ag.EstimatedFinishAt).
			Uint64("generation", ag.Generation).
			Msg("escalation overran its estimated finish time")
	}
	if len(stuck) > 0 {
		w.log.Warn().Int("count", len(stuck)).Msg("watchdog found overdue escalations")
	}
	return nil
}

// FindStuck returns the overdue alert groups without logging; used by tests
// and diagnostics
func (w *Watchdog) FindStuck(ctx context.Context) ([]database.AlertGroup, error) {
	deadline := w.now().Add(-watchdogTolerance)
	var stuck []database.AlertGroup
	err := w.db.WithContext(ctx).
		Where("is_escalation_finished = ? AND estimated_finish_at IS NOT NULL AND estimated_finish_at < ?", false, deadline).
		Find(&stuck).Error
	return stuck, err
}
