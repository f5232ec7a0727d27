package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
	"github.com/pagerbell/pagerbell/internal/escalation"
	"github.com/pagerbell/pagerbell/internal/oncall"
	"github.com/pagerbell/pagerbell/internal/queue"
	"github.com/pagerbell/pagerbell/internal/registry"
	"github.com/pagerbell/pagerbell/internal/swap"
)

// noopDispatcher swallows deliveries; the HTTP tests only exercise routing
type noopDispatcher struct{}

func (noopDispatcher) DeliverToUser(_ context.Context, _ *database.User, _ *database.AlertGroup, _ bool, _ string) error {
	return nil
}

func (noopDispatcher) DeliverToGroup(_ context.Context, _ *database.NotificationGroup, _ *database.AlertGroup) error {
	return nil
}

func (noopDispatcher) DeliverToAll(_ context.Context, _ string, _ *database.AlertGroup) error {
	return nil
}

func (noopDispatcher) DeliverWebhook(_ context.Context, _ string, _ *database.AlertGroup) error {
	return nil
}

func setupServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	nop := zerolog.Nop()
	q := queue.NewMemoryQueue(nop)
	resolver := oncall.NewResolver(db, nop)
	observers := escalation.NewObserverRegistry(nop)
	builder := escalation.NewBuilder(db, resolver, nop)
	executor := escalation.NewExecutor(db, q, noopDispatcher{}, observers, nop)
	executor.RegisterTasks()
	escalations := escalation.NewService(db, builder, executor, observers, nop)
	swaps := swap.NewService(db, nop)

	return NewServer(registry.Default(), escalations, resolver, swaps, nop), db
}

func seedRoute(t *testing.T, db *gorm.DB) {
	t.Helper()
	chain := &database.EscalationChain{Name: "critical"}
	if err := db.Create(chain).Error; err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}
	policy := &database.EscalationPolicy{ChainID: chain.ID, Step: database.StepFinalResolve}
	if err := db.Create(policy).Error; err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	filter := &database.ChannelFilter{IntegrationSlug: "webhook", EscalationChainID: &chain.ID}
	if err := db.Create(filter).Error; err != nil {
		t.Fatalf("failed to create channel filter: %v", err)
	}
}

func TestAlertWebhook(t *testing.T) {
	server, db := setupServer(t)
	seedRoute(t, db)
	mux := server.Mux()

	// unknown integration
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/alert/nagios", strings.NewReader(`{"fingerprint":"x"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown integration: got %d", rec.Code)
	}

	// missing fingerprint
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/alert/webhook", strings.NewReader(`{"title":"no fp"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing fingerprint: got %d", rec.Code)
	}

	// first alert creates a group
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/alert/webhook", strings.NewReader(`{"fingerprint":"fp-1","title":"disk full"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first alert: got %d, body %s", rec.Code, rec.Body.String())
	}

	// the duplicate folds into the open group
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/alert/webhook", strings.NewReader(`{"fingerprint":"fp-1","title":"disk full"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate alert: got %d", rec.Code)
	}

	var count int64
	db.Model(&database.AlertGroup{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 alert group, got %d", count)
	}
}

func TestAlertGroupActions(t *testing.T) {
	server, db := setupServer(t)
	seedRoute(t, db)
	mux := server.Mux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/alert/webhook", strings.NewReader(`{"fingerprint":"fp-2"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingestion failed: %d", rec.Code)
	}

	var ag database.AlertGroup
	if err := db.First(&ag).Error; err != nil {
		t.Fatalf("failed to load alert group: %v", err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alert-groups/1/acknowledge?user_id=7", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge: got %d", rec.Code)
	}

	reloaded, err := database.GetAlertGroup(db, ag.ID)
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if reloaded.State != database.AlertGroupStateAcknowledged {
		t.Errorf("expected acknowledged, got %s", reloaded.State)
	}
	if reloaded.Generation != ag.Generation+1 {
		t.Errorf("acknowledge must bump the generation token: %d -> %d", ag.Generation, reloaded.Generation)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alert-groups/9999/resolve", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing group: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alert-groups/1/defenestrate", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown action: got %d", rec.Code)
	}
}

func TestScheduleQualityEndpoint(t *testing.T) {
	server, db := setupServer(t)
	mux := server.Mux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/schedules/42/quality", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing schedule: got %d", rec.Code)
	}

	schedule := &database.OnCallSchedule{PublicID: database.NewPublicID(), Name: "empty"}
	if err := db.Create(schedule).Error; err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/schedules/1/quality?date=2026-08-01&days=7", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("quality report: got %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "total_score") {
		t.Errorf("report body missing total_score: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/schedules/1/quality?days=banana", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid days: got %d", rec.Code)
	}
}
