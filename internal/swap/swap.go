// Package swap implements shift swap requests: voluntary exchanges of
// (part of) an on-call shift between a beneficiary and a benefactor.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
)

// Status is the derived lifecycle state of a swap request. It is computed
// from the row on every read, never stored.
type Status string

const (
	StatusOpen    Status = "open"
	StatusTaken   Status = "taken"
	StatusPastDue Status = "past_due"
	StatusDeleted Status = "deleted"
)

var (
	// ErrSwapNotFound is returned when a swap request id does not exist
	ErrSwapNotFound = errors.New("shift swap request not found")
	// ErrNotOpenForTaking is returned when taking a swap that is taken,
	// past due or deleted
	ErrNotOpenForTaking = errors.New("shift swap request is not open for taking")
	// ErrBeneficiaryCannotTakeOwnRequest rejects a beneficiary volunteering
	// for their own swap
	ErrBeneficiaryCannotTakeOwnRequest = errors.New("beneficiary cannot take their own shift swap request")
	// ErrNotOpenForDeleting is returned when deleting a swap that was
	// already taken or deleted
	ErrNotOpenForDeleting = errors.New("shift swap request is not open for deleting")
	// ErrInvalidSwapWindow rejects creation with a malformed window
	ErrInvalidSwapWindow = errors.New("swap end must be after swap start, in the future")
)

// StatusOf derives a request's status. Precedence is fixed: deletion wins
// over everything, a taken request stays taken past its start, and only an
// untaken request whose window has started is past due.
func StatusOf(r *database.ShiftSwapRequest, now time.Time) Status {
	switch {
	case r.DeletedAt.Valid:
		return StatusDeleted
	case r.BenefactorID != nil:
		return StatusTaken
	case !r.SwapStart.After(now):
		return StatusPastDue
	default:
		return StatusOpen
	}
}

// Service manages the swap request lifecycle
type Service struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

// NewService creates a swap service
func NewService(db *gorm.DB, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service's clock; used by tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create opens a new swap request for a future window
func (s *Service) Create(ctx context.Context, scheduleID, beneficiaryID uint, start, end time.Time, description string) (*database.ShiftSwapRequest, error) {
	now := s.now()
	if !end.After(start) || !start.After(now) {
		return nil, ErrInvalidSwapWindow
	}
	req := &database.ShiftSwapRequest{
		PublicID:      database.NewPublicID(),
		ScheduleID:    scheduleID,
		BeneficiaryID: beneficiaryID,
		SwapStart:     start.UTC(),
		SwapEnd:       end.UTC(),
		Description:   description,
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, fmt.Errorf("failed to create shift swap request: %w", err)
	}
	s.log.Info().
		Uint("swap_id", req.ID).
		Uint("beneficiary_id", beneficiaryID).
		Time("swap_start", req.SwapStart).
		Msg("shift swap request created")
	return req, nil
}

// Get loads a swap request including soft-deleted rows
func (s *Service) Get(ctx context.Context, id uint) (*database.ShiftSwapRequest, error) {
	var req database.ShiftSwapRequest
	err := s.db.WithContext(ctx).Unscoped().First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSwapNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Take assigns the benefactor to an open request. The beneficiary check
// runs before the status check, so a beneficiary poking their own past-due
// request still gets the ownership error. The assignment is a guarded
// update: a concurrent taker losing the race gets ErrNotOpenForTaking.
func (s *Service) Take(ctx context.Context, id, benefactorID uint) (*database.ShiftSwapRequest, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.BeneficiaryID == benefactorID {
		return nil, ErrBeneficiaryCannotTakeOwnRequest
	}
	if StatusOf(req, s.now()) != StatusOpen {
		return nil, ErrNotOpenForTaking
	}

	res := s.db.WithContext(ctx).Model(&database.ShiftSwapRequest{}).
		Where("id = ? AND benefactor_id IS NULL AND deleted_at IS NULL", id).
		Update("benefactor_id", benefactorID)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotOpenForTaking
	}
	s.log.Info().Uint("swap_id", id).Uint("benefactor_id", benefactorID).Msg("shift swap request taken")
	return s.Get(ctx, id)
}

// Delete soft-deletes a request that was never taken
func (s *Service) Delete(ctx context.Context, id uint) error {
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch StatusOf(req, s.now()) {
	case StatusTaken, StatusDeleted:
		return ErrNotOpenForDeleting
	}
	res := s.db.WithContext(ctx).
		Where("benefactor_id IS NULL").
		Delete(&database.ShiftSwapRequest{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotOpenForDeleting
	}
	s.log.Info().Uint("swap_id", id).Msg("shift swap request deleted")
	return nil
}

// OpenRequests returns the not-yet-started, untaken requests of a schedule
func (s *Service) OpenRequests(ctx context.Context, scheduleID uint) ([]database.ShiftSwapRequest, error) {
	var reqs []database.ShiftSwapRequest
	err := s.db.WithContext(ctx).
		Where("schedule_id = ? AND benefactor_id IS NULL AND swap_start > ?", scheduleID, s.now()).
		Order("swap_start ASC").
		Find(&reqs).Error
	return reqs, err
}
