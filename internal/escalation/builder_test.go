package escalation

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// stubResolver returns a fixed on-call membership
type stubResolver struct {
	users []uint
	name  string
	err   error
}

func (s *stubResolver) UsersOnCallNow(_ context.Context, _ uint) ([]uint, error) {
	return s.users, s.err
}

func (s *stubResolver) ScheduleName(_ context.Context, _ uint) (string, error) {
	return s.name, s.err
}

func seedChain(t *testing.T, db *gorm.DB, policies ...database.EscalationPolicy) *database.EscalationChain {
	t.Helper()
	chain := &database.EscalationChain{Name: "critical"}
	if err := db.Create(chain).Error; err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}
	for i := range policies {
		policies[i].ChainID = chain.ID
		policies[i].OrderNo = i
		if err := db.Create(&policies[i]).Error; err != nil {
			t.Fatalf("failed to create policy: %v", err)
		}
	}
	filter := &database.ChannelFilter{
		IntegrationSlug:     "webhook",
		RouteName:           "default",
		NotificationChannel: "#alerts",
		EscalationChainID:   &chain.ID,
	}
	if err := db.Create(filter).Error; err != nil {
		t.Fatalf("failed to create channel filter: %v", err)
	}
	return chain
}

func newAlertGroup(t *testing.T, db *gorm.DB) *database.AlertGroup {
	t.Helper()
	ag := &database.AlertGroup{
		PublicID:        database.NewPublicID(),
		IntegrationSlug: "webhook",
		Fingerprint:     "fp-1",
		Title:           "disk full",
		State:           database.AlertGroupStateFiring,
	}
	if err := db.Create(ag).Error; err != nil {
		t.Fatalf("failed to create alert group: %v", err)
	}
	return ag
}

func TestBuilder_NoChainConfigured(t *testing.T) {
	db := setupTestDB(t)
	builder := NewBuilder(db, &stubResolver{}, zerolog.Nop())
	ag := newAlertGroup(t, db)

	_, _, err := builder.Build(context.Background(), ag)
	if !errors.Is(err, ErrNoEscalationConfigured) {
		t.Fatalf("expected ErrNoEscalationConfigured, got %v", err)
	}
}

func TestBuilder_FreezesScheduleMembership(t *testing.T) {
	db := setupTestDB(t)
	scheduleID := uint(7)
	seedChain(t, db, database.EscalationPolicy{
		Step:             database.StepNotifySchedule,
		NotifyScheduleID: &scheduleID,
	})

	resolver := &stubResolver{users: []uint{1, 2}, name: "primary"}
	builder := NewBuilder(db, resolver, zerolog.Nop())
	ag := newAlertGroup(t, db)

	snap, created, err := builder.Build(context.Background(), ag)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected snapshot to be created")
	}
	if got := snap.Policies[0].NotifyUserIDs; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected frozen users [1 2], got %v", got)
	}
	if snap.Policies[0].ScheduleName != "primary" {
		t.Errorf("expected schedule name frozen, got %q", snap.Policies[0].ScheduleName)
	}

	// the rotation changes; the frozen snapshot must not
	resolver.users = []uint{3}
	fresh, err := database.GetAlertGroup(db, ag.ID)
	if err != nil {
		t.Fatalf("failed to reload alert group: %v", err)
	}
	again, created, err := builder.Build(context.Background(), fresh)
	if err != nil {
		t.Fatalf("unexpected error on rebuild: %v", err)
	}
	if created {
		t.Error("rebuild must not create a second snapshot")
	}
	if got := again.Policies[0].NotifyUserIDs; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("snapshot membership changed on rebuild: %v", got)
	}
}

func TestBuilder_ResolverFailureDegradesToEmpty(t *testing.T) {
	db := setupTestDB(t)
	scheduleID := uint(7)
	seedChain(t, db, database.EscalationPolicy{
		Step:             database.StepNotifySchedule,
		NotifyScheduleID: &scheduleID,
	})

	builder := NewBuilder(db, &stubResolver{err: errors.New("calendar service down")}, zerolog.Nop())
	ag := newAlertGroup(t, db)

	snap, _, err := builder.Build(context.Background(), ag)
	if err != nil {
		t.Fatalf("resolver failure must not fail the build: %v", err)
	}
	if len(snap.Policies[0].NotifyUserIDs) != 0 {
		t.Errorf("expected empty membership, got %v", snap.Policies[0].NotifyUserIDs)
	}
}

func TestBuilder_LowestOrderRouteWins(t *testing.T) {
	db := setupTestDB(t)
	chain := seedChain(t, db, database.EscalationPolicy{Step: database.StepFinalResolve})

	// a second, higher-order route must not shadow the default
	other := &database.EscalationChain{Name: "secondary"}
	if err := db.Create(other).Error; err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}
	filter := &database.ChannelFilter{
		IntegrationSlug:   "webhook",
		OrderNo:           5,
		RouteName:         "low-priority",
		EscalationChainID: &other.ID,
	}
	if err := db.Create(filter).Error; err != nil {
		t.Fatalf("failed to create channel filter: %v", err)
	}

	builder := NewBuilder(db, &stubResolver{}, zerolog.Nop())
	snap, _, err := builder.Build(context.Background(), newAlertGroup(t, db))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.ChainID != chain.ID {
		t.Errorf("expected default route chain %d, got %d", chain.ID, snap.ChainID)
	}
}
