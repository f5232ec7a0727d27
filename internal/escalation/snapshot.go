// Package escalation implements the frozen escalation plan (snapshot) and
// the time-stepped state machine that walks it: each delayed step is a new
// scheduled task, cancellation is cooperative through the alert group's
// generation token, and a watchdog flags escalations that overran their
// estimated finish time.
package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pagerbell/pagerbell/internal/database"
)

// ErrNoSnapshot is returned when an alert group has no stored snapshot
var ErrNoSnapshot = errors.New("alert group has no escalation snapshot")

// ChannelFilterSnapshot freezes the route an alert group matched at trigger
// time, so later route edits or deletions cannot affect a running escalation.
type ChannelFilterSnapshot struct {
	ChannelFilterID     uint   `json:"channel_filter_id"`
	RouteName           string `json:"route_name"`
	NotificationChannel string `json:"notification_channel"`
}

// PolicySnapshot is an immutable copy of one escalation policy step with all
// notification targets resolved by value. Once part of a stored snapshot it
// is only ever mutated through the snapshot itself (round-robin cursor,
// repeat counter), never rebuilt from the live policy.
type PolicySnapshot struct {
	PolicyID uint                    `json:"policy_id"`
	Order    int                     `json:"order"`
	Step     database.EscalationStep `json:"step"`

	WaitDelaySeconds int  `json:"wait_delay_seconds,omitempty"`
	Important        bool `json:"important,omitempty"`

	FromTime string `json:"from_time,omitempty"`
	ToTime   string `json:"to_time,omitempty"`

	// NotifyUserIDs holds the concrete targets: schedule membership is
	// resolved to user ids as of snapshot time, group/user targets are
	// copied by value.
	NotifyUserIDs []uint `json:"notify_user_ids,omitempty"`

	ScheduleID   uint   `json:"schedule_id,omitempty"`
	ScheduleName string `json:"schedule_name,omitempty"`
	GroupID      uint   `json:"group_id,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`

	LastNotifiedUserID uint `json:"last_notified_user_id,omitempty"`
	RepeatCount        int  `json:"repeat_count,omitempty"`
}

// Snapshot is the frozen escalation plan of one alert group plus the
// executor's cursor state. It serializes into the alert group row.
type Snapshot struct {
	ChannelFilter ChannelFilterSnapshot `json:"channel_filter"`
	ChainID       uint                  `json:"chain_id"`
	ChainName     string                `json:"chain_name"`
	Policies      []PolicySnapshot      `json:"policies"`

	// LastActiveOrder indexes the last executed policy, -1 before step 0
	LastActiveOrder int        `json:"last_active_order"`
	NextStepETA     *time.Time `json:"next_step_eta,omitempty"`
}

// NextPolicy returns the policy the executor should run next, or nil when
// the plan is exhausted
func (s *Snapshot) NextPolicy() *PolicySnapshot {
	idx := s.LastActiveOrder + 1
	if idx < 0 || idx >= len(s.Policies) {
		return nil
	}
	return &s.Policies[idx]
}

// Encode serializes the snapshot for storage on the alert group row
func (s *Snapshot) Encode() (database.JSON, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode escalation snapshot: %w", err)
	}
	return database.JSON(raw), nil
}

// LoadSnapshot decodes the stored snapshot of an alert group
func LoadSnapshot(ag *database.AlertGroup) (*Snapshot, error) {
	if !ag.HasSnapshot || len(ag.RawEscalationSnapshot) == 0 {
		return nil, ErrNoSnapshot
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(ag.RawEscalationSnapshot), &s); err != nil {
		return nil, fmt.Errorf("failed to decode escalation snapshot: %w", err)
	}
	return &s, nil
}
