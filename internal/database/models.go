package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSON is a custom type for JSON/JSONB columns storing raw documents
type JSON json.RawMessage

// Scan implements the sql.Scanner interface
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = JSON(v)
	default:
		return errors.New("unsupported type for JSON column")
	}
	return nil
}

// Value implements the driver.Valuer interface
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// MarshalJSON returns the raw document
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw document
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

// NewPublicID generates a public identifier for externally visible records
func NewPublicID() string {
	return uuid.NewString()
}

// User is a minimal notification target. Full user administration lives
// outside the engine; the engine only needs identity and contact handles
// to resolve calendar members and attribute log records.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PublicID  string    `gorm:"uniqueIndex;size:36" json:"public_id"`
	Username  string    `gorm:"uniqueIndex;size:128;not null" json:"username"`
	Email     string    `gorm:"size:255" json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationGroup is a named set of users targeted by notify-group steps
type NotificationGroup struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Users     []User    `gorm:"many2many:notification_group_users;" json:"users,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AlertGroupState is the lifecycle state of an alert group
type AlertGroupState string

const (
	AlertGroupStateFiring       AlertGroupState = "firing"
	AlertGroupStateAcknowledged AlertGroupState = "acknowledged"
	AlertGroupStateResolved     AlertGroupState = "resolved"
	AlertGroupStateSilenced     AlertGroupState = "silenced"
)

// AlertGroup is a deduplicated cluster of raw alert events undergoing
// escalation. Generation is a monotonically increasing token: every
// acknowledge/resolve/silence/un-silence/restart bumps it, which invalidates
// all previously scheduled escalation work referencing the old value.
// Alert groups are never deleted, only archived.
type AlertGroup struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	PublicID        string          `gorm:"uniqueIndex;size:36" json:"public_id"`
	IntegrationSlug string          `gorm:"size:64;index;not null" json:"integration_slug"`
	Fingerprint     string          `gorm:"size:255;index;not null" json:"fingerprint"`
	Title           string          `gorm:"size:512" json:"title"`
	State           AlertGroupState `gorm:"size:16;index;default:firing" json:"state"`

	Generation uint64 `gorm:"not null;default:0" json:"generation"`

	// RawEscalationSnapshot is the frozen escalation plan. Once written it is
	// never rebuilt; duplicate build attempts are no-ops.
	RawEscalationSnapshot JSON `gorm:"type:jsonb" json:"raw_escalation_snapshot,omitempty"`
	HasSnapshot           bool `gorm:"default:false" json:"has_snapshot"`

	IsEscalationFinished bool       `gorm:"default:false" json:"is_escalation_finished"`
	EstimatedFinishAt    *time.Time `gorm:"index" json:"estimated_finish_at,omitempty"`

	FiringAt       time.Time  `json:"firing_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	SilencedAt     *time.Time `json:"silenced_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogRecordType classifies alert group log records
type LogRecordType string

const (
	LogRecordEscalationTriggered LogRecordType = "escalation_triggered"
	LogRecordEscalationFailed    LogRecordType = "escalation_failed"
	LogRecordEscalationFinished  LogRecordType = "escalation_finished"
)

// AlertGroupLogRecord is the per-step audit trail of an escalation
type AlertGroupLogRecord struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	AlertGroupID uint          `gorm:"index;not null" json:"alert_group_id"`
	Type         LogRecordType `gorm:"size:32;not null" json:"type"`
	AuthorID     *uint         `gorm:"index" json:"author_id,omitempty"`
	Reason       string        `gorm:"size:512" json:"reason"`
	StepOrder    *int          `json:"step_order,omitempty"`
	ErrorCode    string        `gorm:"size:64" json:"error_code,omitempty"`
	EtaAt        *time.Time    `json:"eta_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// EscalationChain is a user-editable ordered list of escalation policies.
// Live edits never affect already-triggered alert groups; those follow
// their frozen snapshot.
type EscalationChain struct {
	ID        uint               `gorm:"primaryKey" json:"id"`
	Name      string             `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Policies  []EscalationPolicy `gorm:"foreignKey:ChainID" json:"policies,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// EscalationStep enumerates the step kinds of an escalation policy
type EscalationStep string

const (
	StepWait             EscalationStep = "wait"
	StepNotifyUsers      EscalationStep = "notify_users"
	StepNotifyUsersQueue EscalationStep = "notify_users_queue"
	StepNotifySchedule   EscalationStep = "notify_schedule"
	StepNotifyGroup      EscalationStep = "notify_group"
	StepNotifyIfTime     EscalationStep = "notify_if_time"
	StepFinalNotifyAll   EscalationStep = "final_notify_all"
	StepFinalResolve     EscalationStep = "final_resolve"
	StepRepeatEscalation EscalationStep = "repeat_escalation"
	StepCustomWebhook    EscalationStep = "custom_webhook"
)

// EscalationPolicy is one step of an escalation chain
type EscalationPolicy struct {
	ID      uint           `gorm:"primaryKey" json:"id"`
	ChainID uint           `gorm:"index;not null" json:"chain_id"`
	OrderNo int            `gorm:"not null" json:"order_no"`
	Step    EscalationStep `gorm:"size:32;not null" json:"step"`

	WaitDelaySeconds int  `json:"wait_delay_seconds,omitempty"`
	Important        bool `gorm:"default:false" json:"important"`

	// Clock-time window for notify_if_time, "15:04:05" without a date
	FromTime string `gorm:"size:8" json:"from_time,omitempty"`
	ToTime   string `gorm:"size:8" json:"to_time,omitempty"`

	NotifyScheduleID *uint  `json:"notify_schedule_id,omitempty"`
	NotifyGroupID    *uint  `json:"notify_group_id,omitempty"`
	WebhookURL       string `gorm:"size:1024" json:"webhook_url,omitempty"`

	Users []User `gorm:"many2many:escalation_policy_users;" json:"users,omitempty"`

	// Round-robin cursor for notify_users_queue
	LastNotifiedUserID *uint `json:"last_notified_user_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelFilter routes alert groups of an integration to an escalation chain
// and a notification channel. The lowest order filter of an integration is
// its default route.
type ChannelFilter struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	IntegrationSlug     string    `gorm:"size:64;index;not null" json:"integration_slug"`
	OrderNo             int       `gorm:"not null;default:0" json:"order_no"`
	RouteName           string    `gorm:"size:128" json:"route_name"`
	NotificationChannel string    `gorm:"size:128" json:"notification_channel"`
	EscalationChainID   *uint     `gorm:"index" json:"escalation_chain_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// OnCallSchedule is a named rotation built from layered calendar sources:
// a primary recurring calendar, an optional overrides calendar and zero or
// more ad-hoc shifts. The merged calendar is cached and refreshed by a
// background job.
type OnCallSchedule struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	PublicID string `gorm:"uniqueIndex;size:36" json:"public_id"`
	Name     string `gorm:"uniqueIndex;size:200;not null" json:"name"`

	PrimaryICal   string `gorm:"type:text" json:"primary_ical,omitempty"`
	OverridesICal string `gorm:"type:text" json:"overrides_ical,omitempty"`

	CachedFinalEvents JSON       `gorm:"type:jsonb" json:"cached_final_events,omitempty"`
	CachedAt          *time.Time `json:"cached_at,omitempty"`

	HasGaps bool `gorm:"default:false" json:"has_gaps"`

	Shifts       []CustomShift      `gorm:"foreignKey:ScheduleID" json:"shifts,omitempty"`
	SwapRequests []ShiftSwapRequest `gorm:"foreignKey:ScheduleID" json:"swap_requests,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShiftSource records which editor authored a custom shift
type ShiftSource string

const (
	ShiftSourceWeb ShiftSource = "web"
	ShiftSourceAPI ShiftSource = "api"
)

// CustomShift is an ad-hoc recurring shift definition layered on top of a
// schedule's calendar sources. Priority decides which occurrence wins when
// shifts overlap; higher wins.
type CustomShift struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	PublicID   string      `gorm:"uniqueIndex;size:36" json:"public_id"`
	ScheduleID uint        `gorm:"index;not null" json:"schedule_id"`
	Source     ShiftSource `gorm:"size:16;default:api" json:"source"`
	Priority   int         `gorm:"default:0" json:"priority"`

	Start           time.Time  `json:"start"`
	DurationSeconds int        `gorm:"not null" json:"duration_seconds"`
	RotationStart   time.Time  `json:"rotation_start"`
	Until           *time.Time `json:"until,omitempty"`
	RRule           string     `gorm:"size:512" json:"rrule,omitempty"`

	UserIDs JSON `gorm:"type:jsonb" json:"user_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShiftSwapRequest is a voluntary exchange of (part of) an on-call shift.
// Status is derived from the row, never stored; see the swap package.
type ShiftSwapRequest struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	PublicID   string `gorm:"uniqueIndex;size:36" json:"public_id"`
	ScheduleID uint   `gorm:"index;not null" json:"schedule_id"`

	// BeneficiaryID is the user relieved from (part of) their shift
	BeneficiaryID uint `gorm:"index;not null" json:"beneficiary_id"`
	// BenefactorID is the user taking the shift workload on, once taken
	BenefactorID *uint `gorm:"index" json:"benefactor_id,omitempty"`

	SwapStart   time.Time `gorm:"index;not null" json:"swap_start"`
	SwapEnd     time.Time `gorm:"not null" json:"swap_end"`
	Description string    `gorm:"size:3000" json:"description,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// TaskFailure is the permanent record written when a task exhausts its
// retry budget
type TaskFailure struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    string    `gorm:"size:36;index" json:"task_id"`
	TaskName  string    `gorm:"size:128;index" json:"task_name"`
	Payload   JSON      `gorm:"type:jsonb" json:"payload,omitempty"`
	LastError string    `gorm:"size:1024" json:"last_error"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}
