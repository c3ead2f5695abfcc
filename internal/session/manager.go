package session

import (
	"context"
	"net/http"
	"time"

	"sitekeeper/admin-service/internal/config"
	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/token"

	"github.com/rs/zerolog/log"
)

type ctxKey struct{}

// WithID returns a context carrying the bound session ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IDFromContext returns the session ID bound by Middleware.
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Manager binds sessions to requests through a signed cookie. The cookie
// carries only a JWT naming the session; everything else stays server-side.
type Manager struct {
	Store   *Store
	keyring *token.Keyring
	cfg     *config.Config
}

func NewManager(store *Store, keyring *token.Keyring, cfg *config.Config) *Manager {
	return &Manager{Store: store, keyring: keyring, cfg: cfg}
}

// Middleware resolves the session from the cookie, starting a new one when
// the cookie is absent, invalid or names an expired session.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := m.resolve(r); ok {
			next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
			return
		}
		sess, err := m.Store.Create()
		if err != nil {
			httputil.GetLogger(r.Context()).Error().Err(err).Msg("session create failed")
			httputil.WriteError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		if err := m.Issue(w, sess.ID); err != nil {
			httputil.GetLogger(r.Context()).Error().Err(err).Msg("session cookie sign failed")
			httputil.WriteError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), sess.ID)))
	})
}

func (m *Manager) resolve(r *http.Request) (string, bool) {
	c, err := r.Cookie(m.cfg.Session.Cookie.Name)
	if err != nil || c.Value == "" {
		return "", false
	}
	sid, err := m.keyring.Verify(c.Value)
	if err != nil {
		httputil.GetLogger(r.Context()).Debug().Err(err).Msg("session cookie rejected")
		return "", false
	}
	if _, ok := m.Store.Get(sid); !ok {
		return "", false
	}
	return sid, true
}

// Issue sets the cookie for sessionID.
func (m *Manager) Issue(w http.ResponseWriter, sessionID string) error {
	ttl := m.cfg.SessionTTL()
	tok, err := m.keyring.Sign(sessionID, ttl)
	if err != nil {
		return err
	}
	http.SetCookie(w, httputil.SessionCookie(m.cfg, tok, ttl))
	return nil
}

// Clear expires the cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, httputil.SessionCookie(m.cfg, "", -1))
}

// RunGC sweeps idle sessions every interval until ctx is done.
func (m *Manager) RunGC(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Store.GC(); n > 0 {
				log.Debug().Int("evicted", n).Int("active", m.Store.Len()).Msg("session gc")
			}
		}
	}
}
