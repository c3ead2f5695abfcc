package auth

import (
	"context"
	"net/http"

	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/metrics"
	"sitekeeper/admin-service/internal/session"
)

// Principal is the authenticated user of a request.
type Principal struct {
	SessionID string
	UserID    string
	Username  string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireSession rejects requests whose bound session is not authenticated.
// The check runs on every request, so a destroyed session loses access
// immediately.
func RequireSession(sessions *session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessions.Get(session.IDFromContext(r.Context()))
			if !ok || !sess.Authenticated() {
				metrics.GateRejections.Inc()
				httputil.WriteError(w, http.StatusUnauthorized, "authentication_required")
				return
			}
			ctx := WithPrincipal(r.Context(), Principal{SessionID: sess.ID, UserID: sess.UserID, Username: sess.Username})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
