package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
	"github.com/pagerbell/pagerbell/internal/queue"
	"github.com/pagerbell/pagerbell/internal/swap"
)

// SwapReminderHandler delivers the swap reminder tasks the reminder job
// schedules. A request that got taken or deleted between scheduling and
// delivery is silently skipped.
type SwapReminderHandler struct {
	db         *gorm.DB
	dispatcher *SlackDispatcher
	log        zerolog.Logger
}

// NewSwapReminderHandler creates the reminder task handler
func NewSwapReminderHandler(db *gorm.DB, dispatcher *SlackDispatcher, log zerolog.Logger) *SwapReminderHandler {
	return &SwapReminderHandler{db: db, dispatcher: dispatcher, log: log}
}

// Register binds the handler to the queue
func (h *SwapReminderHandler) Register(q queue.Queue) {
	q.Register(swap.TaskReminder, h.handle)
}

func (h *SwapReminderHandler) handle(ctx context.Context, t *queue.Task) error {
	swapID, ok := queue.KwargUint(t, "swap_id")
	if !ok {
		h.log.Error().Msg("swap reminder task missing swap_id")
		return nil
	}
	offset, _ := queue.KwargString(t, "offset")

	var req database.ShiftSwapRequest
	if err := h.db.WithContext(ctx).First(&req, uint(swapID)).Error; err != nil {
		h.log.Debug().Uint64("swap_id", swapID).Msg("swap request gone, dropping reminder")
		return nil
	}
	if req.BenefactorID != nil {
		return nil
	}

	var beneficiary database.User
	if err := h.db.WithContext(ctx).First(&beneficiary, req.BeneficiaryID).Error; err != nil {
		h.log.Warn().Err(err).Uint64("swap_id", swapID).Msg("swap beneficiary not found, dropping reminder")
		return nil
	}

	text := fmt.Sprintf(
		"shift swap request of @%s starting %s is still open (%s before start), anyone able to take it?",
		beneficiary.Username,
		req.SwapStart.Format("2006-01-02 15:04 MST"),
		offset,
	)
	return h.dispatcher.post(ctx, h.dispatcher.channel, text)
}
