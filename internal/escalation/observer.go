package escalation

import (
	"github.com/rs/zerolog"

	"github.com/pagerbell/pagerbell/internal/database"
)

// AlertGroupObserver receives alert group lifecycle callbacks. Observers are
// notification-only: they cannot veto or reorder engine actions, and a
// panicking observer never takes the engine or its sibling observers down.
type AlertGroupObserver interface {
	OnCreated(ag *database.AlertGroup)
	OnActionTriggered(ag *database.AlertGroup, rec *database.AlertGroupLogRecord)
	OnLogUpdated(ag *database.AlertGroup, rec *database.AlertGroupLogRecord)
}

// ObserverRegistry fans lifecycle events out to registered observers in
// registration order
type ObserverRegistry struct {
	observers []AlertGroupObserver
	log       zerolog.Logger
}

// NewObserverRegistry creates an empty registry
func NewObserverRegistry(log zerolog.Logger) *ObserverRegistry {
	return &ObserverRegistry{log: log}
}

// Register appends an observer. Registration happens at startup, before any
// events fire; the registry is not safe for concurrent registration.
func (r *ObserverRegistry) Register(o AlertGroupObserver) {
	r.observers = append(r.observers, o)
}

// Created notifies observers that an alert group was created
func (r *ObserverRegistry) Created(ag *database.AlertGroup) {
	for _, o := range r.observers {
		r.safeCall("on_created", func() { o.OnCreated(ag) })
	}
}

// ActionTriggered notifies observers that an escalation step fired
func (r *ObserverRegistry) ActionTriggered(ag *database.AlertGroup, rec *database.AlertGroupLogRecord) {
	for _, o := range r.observers {
		r.safeCall("on_action_triggered", func() { o.OnActionTriggered(ag, rec) })
	}
}

// LogUpdated notifies observers that a log record was appended
func (r *ObserverRegistry) LogUpdated(ag *database.AlertGroup, rec *database.AlertGroupLogRecord) {
	for _, o := range r.observers {
		r.safeCall("on_log_updated", func() { o.OnLogUpdated(ag, rec) })
	}
}

func (r *ObserverRegistry) safeCall(event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("event", event).Msg("observer panicked")
		}
	}()
	fn()
}
