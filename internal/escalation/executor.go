package escalation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
	"github.com/pagerbell/pagerbell/internal/queue"
)

// Task names handled by the executor
const (
	TaskEscalate    = "escalation.step"
	TaskNotifyUser  = "escalation.notify_user"
	TaskNotifyGroup = "escalation.notify_group"
	TaskNotifyAll   = "escalation.notify_all"
	TaskWebhook     = "escalation.webhook"
)

const (
	// StartDelaySeconds absorbs multi-step operator actions (un-ack
	// immediately followed by ack) before step 0 fires
	StartDelaySeconds = 10

	// defaultWaitDelay applies to wait steps with no configured delay
	defaultWaitDelay = 5 * time.Minute

	// nextStepDelay is the inter-step delay when a step yields no ETA
	nextStepDelay = 15 * time.Second

	// maxEscalationRepeats bounds repeat_escalation steps
	maxEscalationRepeats = 5
)

// Escalation failure codes recorded on log records
const (
	ErrCodeWaitNotConfigured     = "wait_step_not_configured"
	ErrCodeNoRecipients          = "notify_no_recipients"
	ErrCodeScheduleNotSelected   = "schedule_not_selected"
	ErrCodeScheduleNoValidUsers  = "schedule_no_valid_users"
	ErrCodeGroupNotConfigured    = "group_step_not_configured"
	ErrCodeTimeWindowUnset       = "notify_if_time_not_configured"
	ErrCodeWebhookNotConfigured  = "webhook_not_configured"
	ErrCodeUnspecifiedStep       = "unspecified_step"
	ErrCodeUserDeliveryExhausted = "user_delivery_exhausted"
)

// Dispatcher delivers notifications. Implementations live outside the
// engine; delivery failures are retried by the task queue's retry lane.
type Dispatcher interface {
	DeliverToUser(ctx context.Context, user *database.User, ag *database.AlertGroup, important bool, reason string) error
	DeliverToGroup(ctx context.Context, group *database.NotificationGroup, ag *database.AlertGroup) error
	DeliverToAll(ctx context.Context, channel string, ag *database.AlertGroup) error
	DeliverWebhook(ctx context.Context, url string, ag *database.AlertGroup) error
}

// stepResult carries what one executed step decided
type stepResult struct {
	ETA                time.Time
	Stop               bool
	StartFromBeginning bool
	Stay               bool // reschedule the same step instead of advancing
}

// Executor walks an alert group's snapshot one scheduled task at a time.
// Every task payload carries the generation token captured at scheduling;
// a mismatch at execution time means the alert group was acknowledged,
// resolved, silenced or restarted since, and the task is a silent no-op.
// All handlers are safe to run concurrently with duplicates of themselves.
type Executor struct {
	db         *gorm.DB
	queue      queue.Queue
	dispatcher Dispatcher
	observers  *ObserverRegistry
	log        zerolog.Logger
	now        func() time.Time
}

// NewExecutor creates an escalation executor
func NewExecutor(db *gorm.DB, q queue.Queue, dispatcher Dispatcher, observers *ObserverRegistry, log zerolog.Logger) *Executor {
	return &Executor{
		db:         db,
		queue:      q,
		dispatcher: dispatcher,
		observers:  observers,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the executor's clock; used by tests
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// RegisterTasks binds the executor's handlers to the queue
func (e *Executor) RegisterTasks() {
	e.queue.Register(TaskEscalate, e.handleEscalate)
	e.queue.Register(TaskNotifyUser, e.handleNotifyUser)
	e.queue.Register(TaskNotifyGroup, e.handleNotifyGroup)
	e.queue.Register(TaskNotifyAll, e.handleNotifyAll)
	e.queue.Register(TaskWebhook, e.handleWebhook)
}

// StartEscalation schedules step 0 (or the step after the current cursor,
// on restart) for an alert group, binding the task to the group's current
// generation token.
func (e *Executor) StartEscalation(ctx context.Context, ag *database.AlertGroup, delaySeconds int) error {
	_, err := e.queue.Submit(ctx, TaskEscalate, nil, map[string]interface{}{
		"alert_group_id": ag.ID,
		"generation":     ag.Generation,
	}, queue.WithDelay(delaySeconds))
	if err != nil {
		return fmt.Errorf("failed to schedule escalation: %w", err)
	}
	return nil
}

func (e *Executor) handleEscalate(ctx context.Context, t *queue.Task) error {
	ag, gen, ok := e.loadForTask(t)
	if !ok {
		return nil
	}
	if ag.IsEscalationFinished {
		e.log.Debug().Uint("alert_group_id", ag.ID).Msg("escalation already finished, skipping step")
		return nil
	}

	snap, err := LoadSnapshot(ag)
	if err != nil {
		e.log.Warn().Err(err).Uint("alert_group_id", ag.ID).Msg("cannot execute escalation step without snapshot")
		return nil
	}

	pol := snap.NextPolicy()
	if pol == nil {
		e.addLogRecord(ag, &database.AlertGroupLogRecord{
			AlertGroupID: ag.ID,
			Type:         database.LogRecordEscalationFinished,
			Reason:       "escalation finished",
		})
		_, err := database.UpdateWithGeneration(e.db, ag.ID, gen, map[string]interface{}{
			"is_escalation_finished": true,
			"estimated_finish_at":    nil,
		})
		return err
	}

	res := e.executeStep(ctx, ag, snap, pol)

	if !res.Stay {
		if res.StartFromBeginning {
			snap.LastActiveOrder = -1
		} else {
			snap.LastActiveOrder = pol.Order
		}
	}
	snap.NextStepETA = &res.ETA

	raw, err := snap.Encode()
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"raw_escalation_snapshot": raw,
		"estimated_finish_at":     res.ETA,
	}
	if res.Stop {
		updates["is_escalation_finished"] = true
		updates["estimated_finish_at"] = nil
	}
	applied, err := database.UpdateWithGeneration(e.db, ag.ID, gen, updates)
	if err != nil {
		return err
	}
	if !applied {
		// the group was acted on while this step ran; its new generation
		// owns the escalation now
		e.log.Debug().Uint("alert_group_id", ag.ID).Msg("generation changed during step execution, not rescheduling")
		return nil
	}
	if res.Stop {
		return nil
	}
	_, err = e.queue.Submit(ctx, TaskEscalate, nil, map[string]interface{}{
		"alert_group_id": ag.ID,
		"generation":     gen,
	}, queue.WithETA(res.ETA))
	return err
}

func (e *Executor) executeStep(ctx context.Context, ag *database.AlertGroup, snap *Snapshot, pol *PolicySnapshot) stepResult {
	res := stepResult{ETA: e.now().Add(nextStepDelay)}

	switch pol.Step {
	case database.StepWait:
		delay := defaultWaitDelay
		if pol.WaitDelaySeconds > 0 {
			delay = time.Duration(pol.WaitDelaySeconds) * time.Second
		} else {
			e.stepFailed(ag, pol, ErrCodeWaitNotConfigured)
		}
		res.ETA = e.now().Add(delay)
		if pol.WaitDelaySeconds > 0 {
			eta := res.ETA
			e.stepTriggered(ag, pol, nil, "wait", &eta)
		}

	case database.StepNotifyUsers:
		e.notifyUsers(ctx, ag, pol, pol.NotifyUserIDs, "escalation policy")

	case database.StepNotifyUsersQueue:
		if len(pol.NotifyUserIDs) == 0 {
			e.stepFailed(ag, pol, ErrCodeNoRecipients)
			break
		}
		next := nextInRotation(pol.NotifyUserIDs, pol.LastNotifiedUserID)
		pol.LastNotifiedUserID = next
		// best effort: keep the live policy's cursor in sync for future
		// alert groups
		if err := e.db.Model(&database.EscalationPolicy{}).
			Where("id = ?", pol.PolicyID).
			Update("last_notified_user_id", next).Error; err != nil {
			e.log.Error().Err(err).Uint("policy_id", pol.PolicyID).Msg("failed to persist rotation cursor")
		}
		e.notifyUsers(ctx, ag, pol, []uint{next}, "escalation policy (round robin)")

	case database.StepNotifySchedule:
		if pol.ScheduleID == 0 {
			e.stepFailed(ag, pol, ErrCodeScheduleNotSelected)
			break
		}
		if len(pol.NotifyUserIDs) == 0 {
			e.stepFailed(ag, pol, ErrCodeScheduleNoValidUsers)
			break
		}
		reason := fmt.Sprintf("user is on duty by schedule (%s)", pol.ScheduleName)
		e.notifyUsers(ctx, ag, pol, pol.NotifyUserIDs, reason)

	case database.StepNotifyGroup:
		if pol.GroupID == 0 {
			e.stepFailed(ag, pol, ErrCodeGroupNotConfigured)
			break
		}
		e.stepTriggered(ag, pol, nil, fmt.Sprintf("notify group %s", pol.GroupName), nil)
		e.submitDispatch(ctx, TaskNotifyGroup, ag, pol, map[string]interface{}{
			"group_id": pol.GroupID,
		})

	case database.StepNotifyIfTime:
		if pol.FromTime == "" || pol.ToTime == "" {
			e.stepFailed(ag, pol, ErrCodeTimeWindowUnset)
			break
		}
		from, errFrom := ParseClockTime(pol.FromTime)
		to, errTo := ParseClockTime(pol.ToTime)
		if errFrom != nil || errTo != nil {
			e.stepFailed(ag, pol, ErrCodeTimeWindowUnset)
			break
		}
		now := e.now()
		eta := NextEligibleTime(from, to, now)
		if eta.After(now) {
			// outside the window: hold this step, re-run it at the ETA
			e.stepTriggered(ag, pol, nil, "notify if time", &eta)
			res.ETA = eta
			res.Stay = true
		} else {
			e.stepTriggered(ag, pol, nil, "notify if time", nil)
		}

	case database.StepFinalNotifyAll:
		e.stepTriggered(ag, pol, nil, "notify all", nil)
		e.submitDispatch(ctx, TaskNotifyAll, ag, pol, map[string]interface{}{
			"channel": snap.ChannelFilter.NotificationChannel,
		})
		res.Stop = true

	case database.StepFinalResolve:
		e.stepTriggered(ag, pol, nil, "final resolve", nil)
		now := e.now()
		if _, err := database.BumpGeneration(e.db, ag.ID, map[string]interface{}{
			"state":                  database.AlertGroupStateResolved,
			"resolved_at":            now,
			"is_escalation_finished": true,
			"estimated_finish_at":    nil,
		}); err != nil {
			e.log.Error().Err(err).Uint("alert_group_id", ag.ID).Msg("failed to resolve alert group by last step")
		}
		res.Stop = true

	case database.StepRepeatEscalation:
		if pol.RepeatCount < maxEscalationRepeats {
			pol.RepeatCount++
			e.stepTriggered(ag, pol, nil, "repeat escalation", nil)
			res.StartFromBeginning = true
		}

	case database.StepCustomWebhook:
		if pol.WebhookURL == "" {
			e.stepFailed(ag, pol, ErrCodeWebhookNotConfigured)
			break
		}
		e.stepTriggered(ag, pol, nil, "custom webhook", nil)
		e.submitDispatch(ctx, TaskWebhook, ag, pol, map[string]interface{}{
			"url": pol.WebhookURL,
		})

	default:
		e.stepFailed(ag, pol, ErrCodeUnspecifiedStep)
	}

	return res
}

// notifyUsers logs one triggered record per target user and schedules the
// per-user delivery tasks. A failure delivering to one user never blocks
// the others; retries happen on the queue's retry lane.
func (e *Executor) notifyUsers(ctx context.Context, ag *database.AlertGroup, pol *PolicySnapshot, userIDs []uint, reason string) {
	if len(userIDs) == 0 {
		e.stepFailed(ag, pol, ErrCodeNoRecipients)
		return
	}
	for _, userID := range userIDs {
		uid := userID
		e.stepTriggered(ag, pol, &uid, reason, nil)
		e.submitDispatch(ctx, TaskNotifyUser, ag, pol, map[string]interface{}{
			"user_id":   userID,
			"important": pol.Important,
			"reason":    reason,
		})
	}
}

func (e *Executor) submitDispatch(ctx context.Context, taskName string, ag *database.AlertGroup, pol *PolicySnapshot, kwargs map[string]interface{}) {
	kwargs["alert_group_id"] = ag.ID
	kwargs["generation"] = ag.Generation
	kwargs["step_order"] = pol.Order
	if _, err := e.queue.Submit(ctx, taskName, nil, kwargs); err != nil {
		e.log.Error().Err(err).Str("task", taskName).Uint("alert_group_id", ag.ID).Msg("failed to submit dispatch task")
	}
}

func (e *Executor) handleNotifyUser(ctx context.Context, t *queue.Task) error {
	ag, _, ok := e.loadForTask(t)
	if !ok {
		return nil
	}
	userID, _ := queue.KwargUint(t, "user_id")
	reason, _ := queue.KwargString(t, "reason")
	important := queue.KwargBool(t, "important")

	var user database.User
	if err := e.db.First(&user, uint(userID)).Error; err != nil {
		e.log.Warn().Err(err).Uint64("user_id", userID).Msg("notify target user not found, skipping")
		return nil
	}
	if err := e.dispatcher.DeliverToUser(ctx, &user, ag, important, reason); err != nil {
		if t.Attempt >= queue.MaxAttempts {
			// final attempt: record the permanent per-step failure; this
			// user's notification path stops here, siblings are unaffected
			uid := uint(userID)
			stepOrder := stepOrderOf(t)
			e.addLogRecord(ag, &database.AlertGroupLogRecord{
				AlertGroupID: ag.ID,
				Type:         database.LogRecordEscalationFailed,
				AuthorID:     &uid,
				Reason:       reason,
				StepOrder:    stepOrder,
				ErrorCode:    ErrCodeUserDeliveryExhausted,
			})
		}
		return err
	}
	return nil
}

func (e *Executor) handleNotifyGroup(ctx context.Context, t *queue.Task) error {
	ag, _, ok := e.loadForTask(t)
	if !ok {
		return nil
	}
	groupID, _ := queue.KwargUint(t, "group_id")
	var group database.NotificationGroup
	if err := e.db.Preload("Users").First(&group, uint(groupID)).Error; err != nil {
		e.log.Warn().Err(err).Uint64("group_id", groupID).Msg("notify target group not found, skipping")
		return nil
	}
	return e.dispatcher.DeliverToGroup(ctx, &group, ag)
}

func (e *Executor) handleNotifyAll(ctx context.Context, t *queue.Task) error {
	ag, _, ok := e.loadForTask(t)
	if !ok {
		return nil
	}
	channel, _ := queue.KwargString(t, "channel")
	return e.dispatcher.DeliverToAll(ctx, channel, ag)
}

func (e *Executor) handleWebhook(ctx context.Context, t *queue.Task) error {
	ag, _, ok := e.loadForTask(t)
	if !ok {
		return nil
	}
	url, _ := queue.KwargString(t, "url")
	return e.dispatcher.DeliverWebhook(ctx, url, ag)
}

// loadForTask loads the task's alert group and verifies the generation
// token captured at scheduling. A missing group or token mismatch means the
// task is stale; the caller must treat it as a silent no-op.
func (e *Executor) loadForTask(t *queue.Task) (*database.AlertGroup, uint64, bool) {
	agID, ok := queue.KwargUint(t, "alert_group_id")
	if !ok {
		e.log.Error().Str("task", t.Name).Msg("task payload missing alert_group_id")
		return nil, 0, false
	}
	gen, ok := queue.KwargUint(t, "generation")
	if !ok {
		e.log.Error().Str("task", t.Name).Msg("task payload missing generation token")
		return nil, 0, false
	}
	ag, err := database.GetAlertGroup(e.db, uint(agID))
	if err != nil {
		e.log.Warn().Err(err).Uint64("alert_group_id", agID).Msg("alert group not found for task, skipping")
		return nil, 0, false
	}
	if ag.Generation != gen {
		e.log.Debug().
			Uint("alert_group_id", ag.ID).
			Uint64("scheduled_generation", gen).
			Uint64("current_generation", ag.Generation).
			Msg("stale generation token, skipping task")
		return nil, 0, false
	}
	return ag, gen, true
}

func (e *Executor) stepTriggered(ag *database.AlertGroup, pol *PolicySnapshot, authorID *uint, reason string, eta *time.Time) {
	order := pol.Order
	e.addLogRecord(ag, &database.AlertGroupLogRecord{
		AlertGroupID: ag.ID,
		Type:         database.LogRecordEscalationTriggered,
		AuthorID:     authorID,
		Reason:       reason,
		StepOrder:    &order,
		EtaAt:        eta,
	})
}

func (e *Executor) stepFailed(ag *database.AlertGroup, pol *PolicySnapshot, errorCode string) {
	order := pol.Order
	e.addLogRecord(ag, &database.AlertGroupLogRecord{
		AlertGroupID: ag.ID,
		Type:         database.LogRecordEscalationFailed,
		StepOrder:    &order,
		ErrorCode:    errorCode,
	})
}

func (e *Executor) addLogRecord(ag *database.AlertGroup, rec *database.AlertGroupLogRecord) {
	if err := database.AddLogRecord(e.db, rec); err != nil {
		e.log.Error().Err(err).Uint("alert_group_id", ag.ID).Msg("failed to write log record")
		return
	}
	if e.observers != nil {
		e.observers.LogUpdated(ag, rec)
		if rec.Type == database.LogRecordEscalationTriggered {
			e.observers.ActionTriggered(ag, rec)
		}
	}
}

// nextInRotation picks the user after last in the id-sorted rotation; an
// unknown last falls back to the first user
func nextInRotation(userIDs []uint, last uint) uint {
	sorted := make([]uint, len(userIDs))
	copy(sorted, userIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	lastIdx := -1
	for i, id := range sorted {
		if id == last {
			lastIdx = i
			break
		}
	}
	return sorted[(lastIdx+1)%len(sorted)]
}

func stepOrderOf(t *queue.Task) *int {
	if v, ok := queue.KwargUint(t, "step_order"); ok {
		order := int(v)
		return &order
	}
	return nil
}
