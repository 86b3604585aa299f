// Package handlers contains the HTTP handler implementations for the PlaySync API.
//
// This file implements the entitlement endpoints:
//   - Client re-sync (POST /v1/entitlement/sync)
//   - Entitlement snapshot read (GET /v1/entitlement)
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"playsync/internal/core"
	"playsync/internal/entitlement"
	"playsync/internal/types"
)

// EntitlementSyncer runs one reconciliation pass. Matches the orchestrator in
// the entitlement package but is defined locally to keep the handler decoupled
// and easy to mock.
type EntitlementSyncer interface {
	Sync(ctx context.Context, req types.SyncRequest, trigger string) (*types.SyncOutcome, error)
}

// EntitlementReader is the read-only store surface the snapshot endpoint needs.
type EntitlementReader interface {
	Get(ctx context.Context, userID string) (*types.Entitlement, error)
}

// EntitlementHandler maps HTTP requests to the sync orchestrator and the
// entitlement store.
type EntitlementHandler struct {
	syncer    EntitlementSyncer
	reader    EntitlementReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewEntitlementHandler creates a new EntitlementHandler with the provided dependencies.
func NewEntitlementHandler(
	syncer EntitlementSyncer,
	reader EntitlementReader,
	val *core.Validator,
	logger *slog.Logger,
) *EntitlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementHandler{
		syncer:    syncer,
		reader:    reader,
		validator: val,
		logger:    logger,
	}
}

// RegisterRoutes mounts the entitlement endpoints onto the mux.
// All routes assume the authentication middleware is already applied.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Post("/entitlement/sync", h.HandleSync)
	r.Get("/entitlement", h.HandleGet)
}

// HandleSync handles POST /v1/entitlement/sync.
//
//  1. Decode and validate the sync request.
//  2. Run one reconciliation pass via the orchestrator.
//  3. Return the terminal outcome: the written (or guard-preserved)
//     entitlement, the guard decision, and the acknowledgment result.
//
// A guard-blocked downgrade is a 200: the stored premium grant was preserved
// on purpose and the response says so.
func (h *EntitlementHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	var req types.SyncRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	outcome, err := h.syncer.Sync(r.Context(), req, entitlement.TriggerClient)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: outcome})
}

// HandleGet handles GET /v1/entitlement?user_id=...
//
// Returns the stored entitlement snapshot without touching the billing
// platform. Downstream feature gates read is_premium and nothing else.
func (h *EntitlementHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"user_id query parameter is required",
			nil,
		))
		return
	}

	ent, err := h.reader.Get(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if ent == nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundEntitlement,
			"no entitlement record for user",
			nil,
		))
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ent})
}
