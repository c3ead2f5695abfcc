// Package server assembles the HTTP router.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"sitekeeper/admin-service/internal/admin"
	"sitekeeper/admin-service/internal/auth"
	"sitekeeper/admin-service/internal/config"
	"sitekeeper/admin-service/internal/csrf"
	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/rate"
	"sitekeeper/admin-service/internal/session"
	"sitekeeper/admin-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps are the components the router dispatches to.
type Deps struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Users    store.UserStore
	Sessions *session.Manager
	CSRF     *csrf.Guard
	Limiter  *rate.Window
	Auth     *auth.Handler
	Admin    *admin.Handler
	Gatherer prometheus.Gatherer
}

// Middleware wraps an http.Handler and returns a new handler
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so that Chain(a, b)(h) is a(b(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// NewRouter builds the full route table.
func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	retryAfter := time.Duration(cfg.Auth.RetryAfterSec) * time.Second
	throttle := func(endpoint string) Middleware {
		return rate.Middleware(d.Limiter, cfg.Auth.LoginRPSLimit, retryAfter, endpoint)
	}
	gate := auth.RequireSession(d.Sessions.Store)

	r := chi.NewRouter()
	r.Use(Chain(
		middleware.Recoverer,
		httputil.RequestIDMiddleware(d.Logger, cfg.Server.TrustedProxyCIDRs),
		withCommonHeaders,
	))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(d.Users))
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(d.Sessions.Middleware)
		r.Use(d.CSRF.Middleware)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/csrf-token", d.Auth.CSRFToken)
			r.Get("/status", d.Auth.Status)
			r.With(throttle("login")).Post("/login", d.Auth.Login)
			r.With(gate).Post("/logout", d.Auth.Logout)

			r.Route("/webauthn", func(r chi.Router) {
				r.With(throttle("register_start")).Post("/register/start", d.Auth.RegisterStart)
				r.Post("/register/finish", d.Auth.RegisterFinish)
				r.With(throttle("login_start")).Post("/login/start", d.Auth.LoginStart)
				r.Post("/login/finish", d.Auth.LoginFinish)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(gate)
			d.Admin.Routes(r)
		})
	})

	return r
}

func readiness(users store.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := users.Ping(ctx); err != nil {
			httputil.GetLogger(r.Context()).Warn().Err(err).Msg("readiness check failed")
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")

		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/metrics" {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}

		next.ServeHTTP(w, r)
	})
}
