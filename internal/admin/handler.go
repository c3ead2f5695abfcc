// Package admin serves the gated admin API: the signed-in user's passkeys
// and a metrics summary.
package admin

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"sitekeeper/admin-service/internal/auth"
	"sitekeeper/admin-service/internal/circuitbreaker"
	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const maxDeviceNameLen = 64

type Handler struct {
	users    store.UserStore
	gatherer prometheus.Gatherer
	started  time.Time
	maxBody  int64
}

// NewHandler builds the admin handler. Routes must be mounted behind
// auth.RequireSession.
func NewHandler(users store.UserStore, gatherer prometheus.Gatherer, maxBody int64) *Handler {
	return &Handler{users: users, gatherer: gatherer, started: time.Now(), maxBody: maxBody}
}

// Routes mounts the admin endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/credentials", h.ListCredentials)
	r.Patch("/credentials/{id}", h.RenameCredential)
	r.Get("/stats", h.Stats)
}

type credentialView struct {
	ID             string     `json:"id"`
	DeviceName     string     `json:"deviceName,omitempty"`
	Transports     []string   `json:"transports,omitempty"`
	SignCounter    uint32     `json:"signCounter"`
	BackupEligible bool       `json:"backupEligible"`
	BackupState    bool       `json:"backupState"`
	RegisteredAt   time.Time  `json:"registeredAt"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
}

// ListCredentials returns the current user's passkeys without key material.
// GET /api/admin/credentials
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication_required")
		return
	}
	u, err := h.users.FindByID(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]credentialView, 0, len(u.Credentials))
	for _, c := range u.Credentials {
		views = append(views, credentialView{
			ID:             c.ID,
			DeviceName:     c.DeviceName,
			Transports:     c.Transports,
			SignCounter:    c.SignCounter,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
			RegisteredAt:   c.RegisteredAt,
			LastUsedAt:     c.LastUsedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"credentials": views})
}

type renameRequest struct {
	DeviceName string `json:"deviceName"`
}

// RenameCredential sets a passkey's display name. An empty name clears it.
// PATCH /api/admin/credentials/{id}
func (h *Handler) RenameCredential(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication_required")
		return
	}
	var req renameRequest
	if err := httputil.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_json")
		return
	}
	name := strings.TrimSpace(req.DeviceName)
	if len(name) > maxDeviceNameLen {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "validation_failed",
			map[string]string{"deviceName": "is too long"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.users.RenameCredential(r.Context(), p.UserID, id, name); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.GetLogger(r.Context()).Info().Str("user_id", p.UserID).Str("credential_id", id).Msg("credential renamed")
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, circuitbreaker.ErrOpen):
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("admin request failed")
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error")
	}
}
