package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
)

// ErrNoEscalationConfigured is returned when the triggering integration has
// no route with an escalation chain. It is a configuration error: surfaced
// to the caller, never retried.
var ErrNoEscalationConfigured = errors.New("no escalation chain configured for integration")

// ScheduleResolver captures on-call membership at snapshot time
type ScheduleResolver interface {
	UsersOnCallNow(ctx context.Context, scheduleID uint) ([]uint, error)
	ScheduleName(ctx context.Context, scheduleID uint) (string, error)
}

// Builder freezes the live escalation chain of an alert group's route into
// an immutable snapshot. Building is idempotent: once an alert group holds
// a snapshot, later attempts return the stored one untouched.
type Builder struct {
	db       *gorm.DB
	resolver ScheduleResolver
	log      zerolog.Logger
}

// NewBuilder creates a snapshot builder
func NewBuilder(db *gorm.DB, resolver ScheduleResolver, log zerolog.Logger) *Builder {
	return &Builder{db: db, resolver: resolver, log: log}
}

// Build resolves the live chain and channel filter into a snapshot and
// persists it atomically with the alert group. The second return value is
// true when this call created the snapshot, false when one already existed.
func (b *Builder) Build(ctx context.Context, ag *database.AlertGroup) (*Snapshot, bool, error) {
	if ag.HasSnapshot {
		b.log.Debug().Uint("alert_group_id", ag.ID).Msg("snapshot already built, skipping")
		snap, err := LoadSnapshot(ag)
		return snap, false, err
	}

	filter, err := b.defaultRoute(ag.IntegrationSlug)
	if err != nil {
		return nil, false, err
	}

	var chain database.EscalationChain
	err = b.db.Preload("Policies", func(db *gorm.DB) *gorm.DB {
		return db.Order("order_no ASC")
	}).Preload("Policies.Users").First(&chain, *filter.EscalationChainID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrNoEscalationConfigured
		}
		return nil, false, fmt.Errorf("failed to load escalation chain: %w", err)
	}

	snap := &Snapshot{
		ChannelFilter: ChannelFilterSnapshot{
			ChannelFilterID:     filter.ID,
			RouteName:           filter.RouteName,
			NotificationChannel: filter.NotificationChannel,
		},
		ChainID:         chain.ID,
		ChainName:       chain.Name,
		LastActiveOrder: -1,
	}

	for i, pol := range chain.Policies {
		ps := PolicySnapshot{
			PolicyID:         pol.ID,
			Order:            i,
			Step:             pol.Step,
			WaitDelaySeconds: pol.WaitDelaySeconds,
			Important:        pol.Important,
			FromTime:         pol.FromTime,
			ToTime:           pol.ToTime,
			WebhookURL:       pol.WebhookURL,
		}
		if pol.LastNotifiedUserID != nil {
			ps.LastNotifiedUserID = *pol.LastNotifiedUserID
		}

		switch pol.Step {
		case database.StepNotifyUsers, database.StepNotifyUsersQueue:
			for _, u := range pol.Users {
				ps.NotifyUserIDs = append(ps.NotifyUserIDs, u.ID)
			}
		case database.StepNotifySchedule:
			if pol.NotifyScheduleID != nil {
				ps.ScheduleID = *pol.NotifyScheduleID
				ps.ScheduleName, ps.NotifyUserIDs = b.resolveSchedule(ctx, *pol.NotifyScheduleID)
			}
		case database.StepNotifyGroup:
			if pol.NotifyGroupID != nil {
				ps.GroupID = *pol.NotifyGroupID
				var group database.NotificationGroup
				if err := b.db.Preload("Users").First(&group, *pol.NotifyGroupID).Error; err == nil {
					ps.GroupName = group.Name
					for _, u := range group.Users {
						ps.NotifyUserIDs = append(ps.NotifyUserIDs, u.ID)
					}
				}
			}
		}
		snap.Policies = append(snap.Policies, ps)
	}

	raw, err := snap.Encode()
	if err != nil {
		return nil, false, err
	}
	wrote, err := database.AttachSnapshot(b.db, ag.ID, raw)
	if err != nil {
		return nil, false, err
	}
	if !wrote {
		// lost a build race; the stored snapshot wins
		b.log.Debug().Uint("alert_group_id", ag.ID).Msg("concurrent snapshot build detected, using stored snapshot")
		fresh, err := database.GetAlertGroup(b.db, ag.ID)
		if err != nil {
			return nil, false, err
		}
		*ag = *fresh
		snap, err = LoadSnapshot(ag)
		return snap, false, err
	}

	ag.RawEscalationSnapshot = raw
	ag.HasSnapshot = true
	return snap, true, nil
}

func (b *Builder) defaultRoute(integrationSlug string) (*database.ChannelFilter, error) {
	var filter database.ChannelFilter
	err := b.db.Where("integration_slug = ? AND escalation_chain_id IS NOT NULL", integrationSlug).
		Order("order_no ASC").
		First(&filter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoEscalationConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel filter: %w", err)
	}
	return &filter, nil
}

// resolveSchedule degrades to an empty membership on resolver failure: a
// partial snapshot is preferred over an error that blocks escalation.
func (b *Builder) resolveSchedule(ctx context.Context, scheduleID uint) (string, []uint) {
	name, err := b.resolver.ScheduleName(ctx, scheduleID)
	if err != nil {
		b.log.Warn().Err(err).Uint("schedule_id", scheduleID).Msg("failed to load schedule for snapshot")
		return "", nil
	}
	users, err := b.resolver.UsersOnCallNow(ctx, scheduleID)
	if err != nil {
		b.log.Warn().Err(err).Uint("schedule_id", scheduleID).Msg("failed to resolve on-call users for snapshot")
		return name, nil
	}
	return name, users
}
