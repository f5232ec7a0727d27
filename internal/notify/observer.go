package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagerbell/pagerbell/internal/database"
)

const observerTimeout = 10 * time.Second

// SlackObserver mirrors the alert group lifecycle into the alerts channel.
// It implements the escalation observer interface: notification-only, a
// delivery failure is logged and dropped, never bubbled into the engine.
type SlackObserver struct {
	dispatcher *SlackDispatcher
	log        zerolog.Logger
}

// NewSlackObserver creates the channel mirror observer
func NewSlackObserver(dispatcher *SlackDispatcher, log zerolog.Logger) *SlackObserver {
	return &SlackObserver{dispatcher: dispatcher, log: log}
}

// OnCreated announces a freshly created alert group
func (o *SlackObserver) OnCreated(ag *database.AlertGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()
	text := fmt.Sprintf(":fire: new alert group *%s* [%s]", ag.Title, ag.IntegrationSlug)
	if err := o.dispatcher.post(ctx, o.dispatcher.channel, text); err != nil {
		o.log.Warn().Err(err).Uint("alert_group_id", ag.ID).Msg("failed to announce alert group")
	}
}

// OnActionTriggered is a no-op: step notifications already reach their
// targets through the dispatcher tasks
func (o *SlackObserver) OnActionTriggered(ag *database.AlertGroup, rec *database.AlertGroupLogRecord) {
}

// OnLogUpdated mirrors operator actions (records without a step order) into
// the channel
func (o *SlackObserver) OnLogUpdated(ag *database.AlertGroup, rec *database.AlertGroupLogRecord) {
	if rec.StepOrder != nil || rec.Reason == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()
	text := fmt.Sprintf("alert group *%s*: %s", ag.Title, rec.Reason)
	if err := o.dispatcher.post(ctx, o.dispatcher.channel, text); err != nil {
		o.log.Warn().Err(err).Uint("alert_group_id", ag.ID).Msg("failed to mirror log record")
	}
}
