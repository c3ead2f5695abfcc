// Package csrf rejects state-changing requests that do not echo the
// session's CSRF token.
package csrf

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"

	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/metrics"
	"sitekeeper/admin-service/internal/session"
)

const (
	HeaderName = "X-CSRF-Token"
	FieldName  = "csrfToken"
)

type Guard struct {
	sessions *session.Store
	maxBody  int64
	ipKey    []byte
}

// New returns a guard that reads at most maxBody bytes when looking for a
// token in the request body. ipKey anonymizes client addresses in logs.
func New(sessions *session.Store, maxBody int64, ipKey []byte) *Guard {
	return &Guard{sessions: sessions, maxBody: maxBody, ipKey: ipKey}
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Middleware must run after session.Manager.Middleware. Every rejection is
// the same 403 so callers cannot tell a missing token from a wrong one.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) || g.Validate(r) {
			next.ServeHTTP(w, r)
			return
		}
		metrics.CSRFRejections.Inc()
		httputil.GetLogger(r.Context()).Warn().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("client", httputil.AnonymizeIP(httputil.ClientIP(r), g.ipKey)).
			Msg("csrf token rejected")
		httputil.WriteError(w, http.StatusForbidden, "invalid_csrf_token")
	})
}

// Validate reports whether the request carries the bound session's token.
// A body it inspects is restored for the next handler.
func (g *Guard) Validate(r *http.Request) bool {
	expected := g.sessions.CSRFToken(session.IDFromContext(r.Context()))
	if expected == "" {
		return false
	}
	got := r.Header.Get(HeaderName)
	if got == "" {
		got = g.fromBody(r)
	}
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func (g *Guard) fromBody(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "application/json" && mt != "application/x-www-form-urlencoded" {
		// multipart bodies are not buffered; they must use the header.
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody+1))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil || int64(len(b)) > g.maxBody {
		return ""
	}
	if mt == "application/json" {
		var body struct {
			CSRFToken string `json:"csrfToken"`
		}
		if json.Unmarshal(b, &body) != nil {
			return ""
		}
		return body.CSRFToken
	}
	form, err := url.ParseQuery(string(b))
	if err != nil {
		return ""
	}
	return form.Get(FieldName)
}
