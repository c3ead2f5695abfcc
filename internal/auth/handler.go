package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"sitekeeper/admin-service/internal/circuitbreaker"
	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/session"
	"sitekeeper/admin-service/internal/webauthn"
)

// Handler exposes Service over JSON. It expects session.Manager and the
// CSRF guard to run first.
type Handler struct {
	svc        *Service
	sessions   *session.Manager
	maxBody    int64
	ipKey      []byte
	production bool
}

func NewHandler(svc *Service, sessions *session.Manager, maxBody int64, ipKey []byte, production bool) *Handler {
	return &Handler{svc: svc, sessions: sessions, maxBody: maxBody, ipKey: ipKey, production: production}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type startRequest struct {
	Username string `json:"username"`
}

type registerFinishRequest struct {
	Response    json.RawMessage `json:"response"`
	DeviceName  string          `json:"deviceName"`
	ClientError string          `json:"clientError"`
}

type loginFinishRequest struct {
	Response    json.RawMessage `json:"response"`
	ClientError string          `json:"clientError"`
}

// CSRFToken returns the session's token, minting it on first use.
// GET /api/auth/csrf-token
func (h *Handler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.svc.sessions.EnsureCSRFToken(session.IDFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"csrfToken": tok})
}

// Status reports whether the session is logged in.
// GET /api/auth/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	username, ok := h.svc.Status(session.IDFromContext(r.Context()))
	resp := struct {
		Authenticated bool   `json:"authenticated"`
		Username      string `json:"username,omitempty"`
	}{ok, username}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// Login checks a password.
// POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.svc.PasswordLogin(r.Context(), session.IDFromContext(r.Context()), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.loggedIn(w, r, sess)
}

// Logout ends the session. Mounted behind RequireSession.
// POST /api/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), session.IDFromContext(r.Context()))
	h.sessions.Clear(w)
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RegisterStart returns credential creation options.
// POST /api/auth/webauthn/register/start
func (h *Handler) RegisterStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	creation, err := h.svc.BeginRegistration(r.Context(), session.IDFromContext(r.Context()), req.Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, creation.Response)
}

// RegisterFinish verifies the attestation.
// POST /api/auth/webauthn/register/finish
func (h *Handler) RegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req registerFinishRequest
	if !h.decodeFinish(w, r, session.FlowRegistration, &req) {
		return
	}
	err := h.svc.FinishRegistration(r.Context(), session.IDFromContext(r.Context()), req.Response, req.DeviceName, req.ClientError)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// LoginStart returns credential request options.
// POST /api/auth/webauthn/login/start
func (h *Handler) LoginStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	assertion, err := h.svc.BeginLogin(r.Context(), session.IDFromContext(r.Context()), req.Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, assertion.Response)
}

// LoginFinish verifies the assertion.
// POST /api/auth/webauthn/login/finish
func (h *Handler) LoginFinish(w http.ResponseWriter, r *http.Request) {
	var req loginFinishRequest
	if !h.decodeFinish(w, r, session.FlowAuthentication, &req) {
		return
	}
	sess, err := h.svc.FinishLogin(r.Context(), session.IDFromContext(r.Context()), req.Response, req.ClientError)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.loggedIn(w, r, sess)
}

func (h *Handler) loggedIn(w http.ResponseWriter, r *http.Request, sess session.Session) {
	if err := h.sessions.Issue(w, sess.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, struct {
		Success  bool   `json:"success"`
		Username string `json:"username"`
	}{true, sess.Username})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httputil.DecodeJSON(w, r, h.maxBody, dst); err != nil {
		httputil.GetLogger(r.Context()).Debug().Err(err).Msg("bad request body")
		httputil.WriteError(w, http.StatusBadRequest, "bad_json")
		return false
	}
	return true
}

// decodeFinish decodes a ceremony finish body. An unreadable body still
// consumes the pending challenge.
func (h *Handler) decodeFinish(w http.ResponseWriter, r *http.Request, flow session.Flow, dst any) bool {
	if err := httputil.DecodeJSON(w, r, h.maxBody, dst); err != nil {
		h.svc.Abandon(r.Context(), session.IDFromContext(r.Context()), flow)
		httputil.GetLogger(r.Context()).Debug().Err(err).Msg("bad request body")
		httputil.WriteError(w, http.StatusBadRequest, "bad_json")
		return false
	}
	return true
}

// fail maps service errors onto the response table.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *ValidationError
		rerr *RegistrationError
	)
	switch {
	case errors.As(err, &verr):
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "validation_failed", verr.Fields)
	case errors.As(err, &rerr):
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "registration_failed", rerr.Reason)
	case errors.Is(err, webauthn.ErrMalformedResponse):
		httputil.WriteError(w, http.StatusBadRequest, "malformed_response")
	case errors.Is(err, session.ErrNoPending):
		httputil.WriteError(w, http.StatusBadRequest, "no_pending_challenge")
	case errors.Is(err, session.ErrChallengeExpired):
		httputil.WriteError(w, http.StatusBadRequest, "challenge_expired")
	case errors.Is(err, ErrPasskeysUnavailable):
		httputil.WriteError(w, http.StatusBadRequest, "passkey_login_unavailable")
	case errors.Is(err, ErrInvalidCredentials):
		h.logRejected(r, "invalid_credentials")
		httputil.WriteError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, ErrAuthenticationFailed):
		h.logRejected(r, "authentication_failed")
		httputil.WriteError(w, http.StatusUnauthorized, "authentication_failed")
	case errors.Is(err, ErrRegistrationNotAllowed):
		h.logRejected(r, "registration_not_allowed")
		httputil.WriteError(w, http.StatusForbidden, "registration_not_allowed")
	case errors.Is(err, circuitbreaker.ErrOpen):
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("store unavailable")
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("auth request failed")
		if h.production {
			httputil.WriteError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		httputil.WriteErrorDetails(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (h *Handler) logRejected(r *http.Request, code string) {
	httputil.GetLogger(r.Context()).Warn().
		Str("code", code).
		Str("client", httputil.AnonymizeIP(httputil.ClientIP(r), h.ipKey)).
		Msg("auth rejected")
}
