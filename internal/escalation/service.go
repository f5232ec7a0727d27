package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
)

// Service is the lifecycle front door for alert groups: ingestion,
// operator actions and escalation restarts. Every state transition bumps
// the generation token, so escalation work scheduled before the action
// silently expires.
type Service struct {
	db        *gorm.DB
	builder   *Builder
	executor  *Executor
	observers *ObserverRegistry
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates an escalation service
func NewService(db *gorm.DB, builder *Builder, executor *Executor, observers *ObserverRegistry, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		builder:   builder,
		executor:  executor,
		observers: observers,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service's clock; used by tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// IngestAlert groups an incoming alert event by integration and fingerprint.
// An open group swallows the event as a duplicate; otherwise a new group is
// created, its snapshot built and escalation scheduled.
func (s *Service) IngestAlert(ctx context.Context, integrationSlug, fingerprint, title string) (*database.AlertGroup, bool, error) {
	existing, err := database.FindFiringAlertGroup(s.db, integrationSlug, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.log.Debug().
			Uint("alert_group_id", existing.ID).
			Str("fingerprint", fingerprint).
			Msg("alert grouped into existing alert group")
		return existing, false, nil
	}

	ag := &database.AlertGroup{
		PublicID:        database.NewPublicID(),
		IntegrationSlug: integrationSlug,
		Fingerprint:     fingerprint,
		Title:           title,
		State:           database.AlertGroupStateFiring,
		FiringAt:        s.now(),
	}
	if err := s.db.Create(ag).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create alert group: %w", err)
	}
	s.observers.Created(ag)

	if _, _, err := s.builder.Build(ctx, ag); err != nil {
		if errors.Is(err, ErrNoEscalationConfigured) {
			// configuration error: surface it on the group's log, never retry
			s.log.Warn().
				Uint("alert_group_id", ag.ID).
				Str("integration", integrationSlug).
				Msg("alert group created without escalation: no chain configured")
			rec := &database.AlertGroupLogRecord{
				AlertGroupID: ag.ID,
				Type:         database.LogRecordEscalationFailed,
				Reason:       "no escalation chain configured",
				ErrorCode:    "escalation_not_configured",
			}
			if logErr := database.AddLogRecord(s.db, rec); logErr == nil {
				s.observers.LogUpdated(ag, rec)
			}
			return ag, true, nil
		}
		return nil, false, err
	}

	if err := s.executor.StartEscalation(ctx, ag, StartDelaySeconds); err != nil {
		return nil, false, err
	}
	return ag, true, nil
}

// Acknowledge pauses escalation by invalidating scheduled steps
func (s *Service) Acknowledge(ctx context.Context, id uint, userID *uint) (*database.AlertGroup, error) {
	now := s.now()
	ag, err := database.BumpGeneration(s.db, id, map[string]interface{}{
		"state":               database.AlertGroupStateAcknowledged,
		"acknowledged_at":     now,
		"estimated_finish_at": nil,
	})
	if err != nil {
		return nil, err
	}
	s.logAction(ag, userID, "acknowledged")
	return ag, nil
}

// Unacknowledge returns the group to firing and resumes escalation from the
// step after the last executed one
func (s *Service) Unacknowledge(ctx context.Context, id uint, userID *uint) (*database.AlertGroup, error) {
	ag, err := database.BumpGeneration(s.db, id, map[string]interface{}{
		"state":           database.AlertGroupStateFiring,
		"acknowledged_at": nil,
	})
	if err != nil {
		return nil, err
	}
	s.logAction(ag, userID, "unacknowledged")
	if !ag.IsEscalationFinished {
		if err := s.executor.StartEscalation(ctx, ag, StartDelaySeconds); err != nil {
			return nil, err
		}
	}
	return ag, nil
}

// Resolve stops escalation permanently for this firing cycle
func (s *Service) Resolve(ctx context.Context, id uint, userID *uint) (*database.AlertGroup, error) {
	now := s.now()
	ag, err := database.BumpGeneration(s.db, id, map[string]interface{}{
		"state":               database.AlertGroupStateResolved,
		"resolved_at":         now,
		"estimated_finish_at": nil,
	})
	if err != nil {
		return nil, err
	}
	s.logAction(ag, userID, "resolved")
	return ag, nil
}

// Silence pauses escalation without acknowledging
func (s *Service) Silence(ctx context.Context, id uint, userID *uint) (*database.AlertGroup, error) {
	now := s.now()
	ag, err := database.BumpGeneration(s.db, id, map[string]interface{}{
		"state":               database.AlertGroupStateSilenced,
		"silenced_at":         now,
		"estimated_finish_at": nil,
	})
	if err != nil {
		return nil, err
	}
	s.logAction(ag, userID, "silenced")
	return ag, nil
}

// Unsilence returns the group to firing and resumes escalation
func (s *Service) Unsilence(ctx context.Context, id uint, userID *uint) (*database.AlertGroup, error) {
	ag, err := database.BumpGeneration(s.db, id, map[string]interface{}{
		"state":       database.AlertGroupStateFiring,
		"silenced_at": nil,
	})
	if err != nil {
		return nil, err
	}
	s.logAction(ag, userID, "unsilenced")
	if !ag.IsEscalationFinished {
		if err := s.executor.StartEscalation(ctx, ag, StartDelaySeconds); err != nil {
			return nil, err
		}
	}
	return ag, nil
}

// Restart rewinds the escalation cursor to before step 0 and schedules a
// fresh run under a new generation. The snapshot itself stays frozen.
func (s *Service) Restart(ctx context.Context, id uint, userID *uint) (*database.AlertGroup, error) {
	ag, err := database.GetAlertGroup(s.db, id)
	if err != nil {
		return nil, err
	}
	snap, err := LoadSnapshot(ag)
	if err != nil {
		return nil, err
	}
	snap.LastActiveOrder = -1
	snap.NextStepETA = nil
	raw, err := snap.Encode()
	if err != nil {
		return nil, err
	}
	ag, err = database.BumpGeneration(s.db, id, map[string]interface{}{
		"state":                   database.AlertGroupStateFiring,
		"raw_escalation_snapshot": raw,
		"is_escalation_finished":  false,
		"acknowledged_at":         nil,
		"resolved_at":             nil,
		"silenced_at":             nil,
	})
	if err != nil {
		return nil, err
	}
	s.logAction(ag, userID, "escalation restarted")
	if err := s.executor.StartEscalation(ctx, ag, StartDelaySeconds); err != nil {
		return nil, err
	}
	return ag, nil
}

func (s *Service) logAction(ag *database.AlertGroup, userID *uint, reason string) {
	rec := &database.AlertGroupLogRecord{
		AlertGroupID: ag.ID,
		Type:         database.LogRecordEscalationTriggered,
		AuthorID:     userID,
		Reason:       reason,
	}
	if err := database.AddLogRecord(s.db, rec); err != nil {
		s.log.Error().Err(err).Uint("alert_group_id", ag.ID).Msg("failed to write action log record")
		return
	}
	s.observers.LogUpdated(ag, rec)
}
