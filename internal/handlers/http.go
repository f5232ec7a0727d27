// Package handlers exposes the engine over HTTP: alert ingestion webhooks,
// alert group actions, schedule quality reports and shift swap endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagerbell/pagerbell/internal/database"
	"github.com/pagerbell/pagerbell/internal/escalation"
	"github.com/pagerbell/pagerbell/internal/oncall"
	"github.com/pagerbell/pagerbell/internal/registry"
	"github.com/pagerbell/pagerbell/internal/swap"
)

// Server wires the HTTP routes to the engine services
type Server struct {
	registry    *registry.Registry
	escalations *escalation.Service
	resolver    *oncall.Resolver
	swaps       *swap.Service
	log         zerolog.Logger
}

// NewServer creates the HTTP server facade
func NewServer(reg *registry.Registry, escalations *escalation.Service, resolver *oncall.Resolver, swaps *swap.Service, log zerolog.Logger) *Server {
	return &Server{
		registry:    reg,
		escalations: escalations,
		resolver:    resolver,
		swaps:       swaps,
		log:         log,
	}
}

// Mux returns the route table
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/webhook/alert/", s.handleAlertWebhook)
	mux.HandleFunc("/api/alert-groups/", s.handleAlertGroupAction)
	mux.HandleFunc("/api/schedules/", s.handleScheduleQuality)
	mux.HandleFunc("/api/swap-requests", s.handleSwapCreate)
	mux.HandleFunc("/api/swap-requests/", s.handleSwapAction)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// alertPayload is the generic inbound alert body
type alertPayload struct {
	Fingerprint string `json:"fingerprint"`
	Title       string `json:"title"`
}

// handleAlertWebhook ingests an alert for an integration
// Route: POST /webhook/alert/{slug}
func (s *Server) handleAlertWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhook/alert/"), "/")
	if _, err := s.registry.Lookup(slug); err != nil {
		s.log.Warn().Str("integration", slug).Msg("alert for unknown integration rejected")
		http.Error(w, "Unknown integration", http.StatusNotFound)
		return
	}

	var payload alertPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if payload.Fingerprint == "" {
		http.Error(w, "Missing fingerprint", http.StatusBadRequest)
		return
	}

	ag, created, err := s.escalations.IngestAlert(r.Context(), slug, payload.Fingerprint, payload.Title)
	if err != nil {
		s.log.Error().Err(err).Str("integration", slug).Msg("alert ingestion failed")
		http.Error(w, "Ingestion failed", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ag)
}

// handleAlertGroupAction applies an operator action
// Route: POST /api/alert-groups/{id}/{action}
func (s *Server) handleAlertGroupAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/alert-groups/"), "/"), "/")
	if len(parts) != 2 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "Invalid alert group id", http.StatusBadRequest)
		return
	}
	userID := userIDParam(r)

	var action func() (interface{}, error)
	switch parts[1] {
	case "acknowledge":
		action = func() (interface{}, error) { return s.escalations.Acknowledge(r.Context(), uint(id), userID) }
	case "unacknowledge":
		action = func() (interface{}, error) { return s.escalations.Unacknowledge(r.Context(), uint(id), userID) }
	case "resolve":
		action = func() (interface{}, error) { return s.escalations.Resolve(r.Context(), uint(id), userID) }
	case "silence":
		action = func() (interface{}, error) { return s.escalations.Silence(r.Context(), uint(id), userID) }
	case "unsilence":
		action = func() (interface{}, error) { return s.escalations.Unsilence(r.Context(), uint(id), userID) }
	case "restart":
		action = func() (interface{}, error) { return s.escalations.Restart(r.Context(), uint(id), userID) }
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}

	ag, err := action()
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

// handleScheduleQuality scores a schedule's rotation
// Route: GET /api/schedules/{id}/quality?date=2026-08-01&days=30
func (s *Server) handleScheduleQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/schedules/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "quality" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "Invalid schedule id", http.StatusBadRequest)
		return
	}

	date := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := r.URL.Query().Get("date"); raw != "" {
		date, err = time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "Invalid date", http.StatusBadRequest)
			return
		}
	}
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days <= 0 {
			http.Error(w, "Invalid days", http.StatusBadRequest)
			return
		}
	}

	report, err := s.resolver.QualityReport(r.Context(), uint(id), date, days)
	if err != nil {
		if errors.Is(err, oncall.ErrScheduleNotFound) {
			http.Error(w, "Schedule not found", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Uint64("schedule_id", id).Msg("quality report failed")
		http.Error(w, "Quality report failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// swapCreatePayload is the body of a swap request creation
type swapCreatePayload struct {
	ScheduleID    uint      `json:"schedule_id"`
	BeneficiaryID uint      `json:"beneficiary_id"`
	SwapStart     time.Time `json:"swap_start"`
	SwapEnd       time.Time `json:"swap_end"`
	Description   string    `json:"description"`
}

// handleSwapCreate opens a swap request
// Route: POST /api/swap-requests
func (s *Server) handleSwapCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload swapCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	req, err := s.swaps.Create(r.Context(), payload.ScheduleID, payload.BeneficiaryID, payload.SwapStart, payload.SwapEnd, payload.Description)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleSwapAction takes or deletes a swap request
// Routes: POST /api/swap-requests/{id}/take, DELETE /api/swap-requests/{id}
func (s *Server) handleSwapAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/swap-requests/"), "/"), "/")
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "Invalid swap request id", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := s.swaps.Delete(r.Context(), uint(id)); err != nil {
			s.writeActionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "take":
		benefactorID := userIDParam(r)
		if benefactorID == nil {
			http.Error(w, "Missing user_id", http.StatusBadRequest)
			return
		}
		req, err := s.swaps.Take(r.Context(), uint(id), *benefactorID)
		if err != nil {
			s.writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrAlertGroupNotFound), errors.Is(err, swap.ErrSwapNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, swap.ErrNotOpenForTaking),
		errors.Is(err, swap.ErrNotOpenForDeleting),
		errors.Is(err, swap.ErrBeneficiaryCannotTakeOwnRequest),
		errors.Is(err, swap.ErrInvalidSwapWindow):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// userIDParam reads the acting user from the query string. Authentication
// lives in front of this service; the engine only attributes actions.
func userIDParam(r *http.Request) *uint {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	uid := uint(id)
	return &uid
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers already sent, nothing to do
		return
	}
}
