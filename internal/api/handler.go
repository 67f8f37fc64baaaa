package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/push"
	"github.com/opensource-finance/harrier/internal/recalc"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/scoring"
	"github.com/opensource-finance/harrier/internal/weights"
)

// UpdatedByHeader names the user recorded on a weight change.
const UpdatedByHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// ScopeWatcher starts background recalculation for a scope's weight changes.
type ScopeWatcher interface {
	Watch(scope string) error
}

// Dependencies groups the collaborators of the API handlers.
type Dependencies struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Weights   *weights.Store
	Job       *recalc.Job
	Validator *rules.Validator
	Hub       *push.Hub
	Relay     *push.Relay

	// Worker is nil when the handler starts recalculations itself.
	Worker ScopeWatcher
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	weights   *weights.Store
	job       *recalc.Job
	validator *rules.Validator
	hub       *push.Hub
	relay     *push.Relay
	worker    ScopeWatcher
	version   string
	now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		weights:   deps.Weights,
		job:       deps.Job,
		validator: deps.Validator,
		hub:       deps.Hub,
		relay:     deps.Relay,
		worker:    deps.Worker,
		version:   version,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.repo.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetWeights returns the scope's current weight configuration.
func (h *Handler) GetWeights(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := GetScope(ctx)

	cfg, err := h.weights.Get(ctx, scope)
	if err != nil {
		slog.Error("failed to load weights", "scope", scope, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "weight configuration unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// Recalculation outcomes reported by PUT /weights.
const (
	// RecalcStarted means this request started the batch.
	RecalcStarted = "started"
	// RecalcScheduled means the worker starts the batch as the change arrives.
	RecalcScheduled = "scheduled"
	// RecalcQueued means a batch is running; the change is rescored after it.
	RecalcQueued = "queued"
	// RecalcNotStarted means nothing will rescore the change; POST /recalculate.
	RecalcNotStarted = "not_started"
)

// UpdateWeightsResponse is the response for PUT /weights.
type UpdateWeightsResponse struct {
	Weights       *domain.WeightConfiguration `json:"weights"`
	Warnings      []domain.ValidationIssue    `json:"warnings,omitempty"`
	Recalculation string                      `json:"recalculation"`
}

// UpdateWeights replaces the scope's weight configuration. Only a complete
// configuration is accepted. The change is announced on the bus, which
// pushes it to observers and triggers a recalculation.
func (h *Handler) UpdateWeights(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := GetScope(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	cfg, err := domain.DecodeWeights(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	result := h.validator.Validate(cfg)
	if !result.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "weight configuration failed validation",
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return
	}

	if err := h.watch(ctx, scope); err != nil {
		slog.Warn("failed to watch scope", "scope", scope, "error", err)
	}

	// Sampled before the save: once the change is announced the worker may
	// already be running it.
	busy := h.job.Tracker().Status().IsRunning

	updatedBy := r.Header.Get(UpdatedByHeader)
	if updatedBy == "" {
		updatedBy = "api"
	}
	if err := h.weights.Save(ctx, scope, cfg, updatedBy); err != nil {
		slog.Error("failed to save weights", "scope", scope, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save weight configuration",
		})
		return
	}

	writeJSON(w, http.StatusOK, UpdateWeightsResponse{
		Weights:       cfg,
		Warnings:      result.Warnings,
		Recalculation: h.scheduleRecalculation(ctx, scope, busy),
	})
}

// scheduleRecalculation reports how the saved change gets rescored. With a
// worker the bus event drives the batch and busy tells whether it queues.
func (h *Handler) scheduleRecalculation(ctx context.Context, scope string, busy bool) string {
	if h.worker != nil {
		if busy {
			return RecalcQueued
		}
		return RecalcScheduled
	}

	err := h.job.Start(ctx, scope)
	switch {
	case err == nil:
		return RecalcStarted
	case errors.Is(err, recalc.ErrAlreadyRunning):
		slog.Warn("recalculation already running, weights saved without rescoring", "scope", scope)
	default:
		slog.Error("failed to start recalculation", "scope", scope, "error", err)
	}
	return RecalcNotStarted
}

// ValidateWeights checks a configuration without saving it.
func (h *Handler) ValidateWeights(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	cfg, err := domain.DecodeWeights(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	result := h.validator.Validate(cfg)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// watch makes sure updates for scope reach the weights cache, websocket
// observers and the recalculation worker.
func (h *Handler) watch(ctx context.Context, scope string) error {
	if err := h.weights.Watch(ctx, scope); err != nil {
		return err
	}
	if h.relay != nil {
		if err := h.relay.Watch(ctx, scope); err != nil {
			return err
		}
	}
	if h.worker != nil {
		return h.worker.Watch(scope)
	}
	return nil
}

// StartRecalculation launches a batch recalculation for the scope.
func (h *Handler) StartRecalculation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := GetScope(ctx)

	if err := h.job.Start(ctx, scope); err != nil {
		if errors.Is(err, recalc.ErrAlreadyRunning) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":  "a recalculation is already running",
				"status": h.job.Tracker().Status(),
			})
			return
		}
		slog.Error("failed to start recalculation", "scope", scope, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to start recalculation",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, h.job.Tracker().Lookup(ctx, scope))
}

// RecalculationStatus returns the progress record for the scope.
func (h *Handler) RecalculationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, h.job.Tracker().Lookup(ctx, GetScope(ctx)))
}

// CancelRecalculation stops the scope's running recalculation.
func (h *Handler) CancelRecalculation(w http.ResponseWriter, r *http.Request) {
	scope := GetScope(r.Context())

	status := h.job.Tracker().Status()
	if !status.IsRunning || status.Scope != scope {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no recalculation running for scope",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{
		"cancelled": h.job.Cancel(),
	})
}

// ClientView pairs stored client facts with their last computed scores.
type ClientView struct {
	Client     *domain.ClientFacts `json:"client"`
	Assessment *domain.Assessment  `json:"assessment,omitempty"`
}

// ListClients returns every client of the scope with stored scores.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := GetScope(ctx)

	clients, err := h.repo.ListClients(ctx, scope)
	if err != nil {
		slog.Error("failed to list clients", "scope", scope, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list clients",
		})
		return
	}

	views := make([]ClientView, 0, len(clients))
	for _, c := range clients {
		view := ClientView{Client: c}
		a, err := h.repo.GetClientScores(ctx, scope, c.ID)
		switch {
		case err == nil:
			view.Assessment = a
		case !errors.Is(err, repository.ErrNotFound):
			slog.Warn("failed to load client scores", "scope", scope, "client_id", c.ID, "error", err)
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clients": views,
		"count":   len(views),
	})
}

// PutClient stores a client snapshot and scores it with the current weights.
func (h *Handler) PutClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := GetScope(ctx)
	clientID := chi.URLParam(r, "id")

	var facts domain.ClientFacts
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&facts); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	facts.ID = clientID
	facts.Scope = scope
	facts.UpdatedAt = h.now()

	if err := h.repo.SaveClient(ctx, scope, &facts); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("failed to save client", "scope", scope, "client_id", clientID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save client",
		})
		return
	}

	cfg, err := h.weights.Get(ctx, scope)
	if err != nil {
		slog.Error("failed to load weights", "scope", scope, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "weight configuration unavailable",
		})
		return
	}

	a := scoring.Assess(&facts, cfg, h.now())
	if err := h.repo.SaveClientScores(ctx, scope, a); err != nil {
		slog.Error("failed to save client scores", "scope", scope, "client_id", clientID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save client scores",
		})
		return
	}

	writeJSON(w, http.StatusOK, ClientView{Client: &facts, Assessment: a})
}

// GetAssessment scores a stored client on demand with the current weights.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := GetScope(ctx)
	clientID := chi.URLParam(r, "id")

	facts, err := h.repo.GetClient(ctx, scope, clientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "client not found",
			})
			return
		}
		slog.Error("failed to get client", "scope", scope, "client_id", clientID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load client",
		})
		return
	}

	cfg, err := h.weights.Get(ctx, scope)
	if err != nil {
		slog.Error("failed to load weights", "scope", scope, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "weight configuration unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, scoring.Assess(facts, cfg, h.now()))
}

// AssessRequest is the request body for POST /assess.
type AssessRequest struct {
	Client  *domain.ClientFacts `json:"client"`
	Weights json.RawMessage     `json:"weights,omitempty"`
}

// Assess scores posted facts. Supplied weights are used for previews;
// otherwise the scope's current weights apply. Nothing is stored.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := GetScope(ctx)

	var req AssessRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Client == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "client is required",
		})
		return
	}

	var cfg *domain.WeightConfiguration
	if len(req.Weights) > 0 && string(req.Weights) != "null" {
		supplied, err := domain.DecodeWeights(req.Weights)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if result := h.validator.Validate(supplied); !result.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "weight configuration failed validation",
				"errors": result.Errors,
			})
			return
		}
		cfg = supplied
	} else {
		current, err := h.weights.Get(ctx, scope)
		if err != nil {
			slog.Error("failed to load weights", "scope", scope, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "weight configuration unavailable",
			})
			return
		}
		cfg = current
	}

	writeJSON(w, http.StatusOK, scoring.Assess(req.Client, cfg, h.now()))
}

// Subscribe upgrades the connection to a websocket that receives the
// scope's weight updates.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := GetScope(ctx)

	if err := h.relay.Watch(ctx, scope); err != nil {
		slog.Error("failed to watch scope", "scope", scope, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "push channel unavailable",
		})
		return
	}

	if err := h.hub.ServeWS(w, r, scope); err != nil {
		slog.Warn("websocket subscription failed", "scope", scope, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
