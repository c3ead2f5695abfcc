package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitekeeper/admin-service/internal/admin"
	"sitekeeper/admin-service/internal/auth"
	"sitekeeper/admin-service/internal/config"
	"sitekeeper/admin-service/internal/csrf"
	"sitekeeper/admin-service/internal/httputil"
	"sitekeeper/admin-service/internal/metrics"
	"sitekeeper/admin-service/internal/rate"
	"sitekeeper/admin-service/internal/server"
	"sitekeeper/admin-service/internal/session"
	"sitekeeper/admin-service/internal/store"
	"sitekeeper/admin-service/internal/token"
	"sitekeeper/admin-service/internal/webauthn"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging.Level)

	log.Info().
		Str("config_path", cfgPath).
		Str("environment", cfg.Server.Environment).
		Str("listen", cfg.Server.Listen).
		Bool("tls_enabled", cfg.Server.TLSEnabled).
		Msg("server configuration")
	log.Info().
		Str("rp_id", cfg.WebAuthn.RPID).
		Strs("origins", cfg.Origins()).
		Bool("strict_counter", *cfg.WebAuthn.StrictCounter).
		Bool("require_uv", cfg.WebAuthn.RequireUserVerification).
		Bool("allow_signup", cfg.Auth.AllowSignup).
		Str("store", cfg.Store.Backend).
		Msg("auth configuration")

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	kr, err := token.NewKeyring(cfg.Session.Signing.Alg, cfg.Session.Signing.Keys, cfg.Session.Signing.CurrentKID,
		cfg.Session.Signing.Issuer, cfg.Session.Signing.SkewSec, cfg.SessionTTL())
	if err != nil {
		return err
	}

	users, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer users.Close()

	passwords, err := auth.NewPasswords(cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	if err := seedAdmin(ctx, cfg, users); err != nil {
		return err
	}

	engine, err := webauthn.New(webauthn.Options{
		RPID:                    cfg.WebAuthn.RPID,
		RPName:                  cfg.WebAuthn.RPName,
		Origins:                 cfg.Origins(),
		Timeout:                 time.Duration(cfg.WebAuthn.TimeoutMs) * time.Millisecond,
		StrictCounter:           *cfg.WebAuthn.StrictCounter,
		RequireUserVerification: cfg.WebAuthn.RequireUserVerification,
	})
	if err != nil {
		return err
	}

	sessions := session.NewManager(
		session.NewStore(cfg.SessionTTL(), cfg.ChallengeTTL(), cfg.Session.Capacity), kr, cfg)
	go sessions.RunGC(ctx, time.Duration(cfg.Session.GCSec)*time.Second)

	// Log pseudonyms must not be keyed by the cookie signing secret.
	ipKey := httputil.DeriveKey(kr.CurrentKey(), "ip-anon")
	svc := auth.NewService(auth.ServiceParams{
		Users:       users,
		Engine:      engine,
		Sessions:    sessions.Store,
		Passwords:   passwords,
		AllowSignup: cfg.Auth.AllowSignup,
	})

	handler := server.NewRouter(server.Deps{
		Config:   cfg,
		Logger:   log.Logger,
		Users:    users,
		Sessions: sessions,
		CSRF:     csrf.New(sessions.Store, cfg.Server.MaxBodyBytes, ipKey),
		Limiter:  rate.New(10, 0),
		Auth:     auth.NewHandler(svc, sessions, cfg.Server.MaxBodyBytes, ipKey, cfg.Production()),
		Admin:    admin.NewHandler(users, prometheus.DefaultGatherer, cfg.Server.MaxBodyBytes),
		Gatherer: prometheus.DefaultGatherer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("sitekeeper listening")
		if cfg.Server.TLSEnabled {
			serverErrors <- srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			if cfg.Production() {
				log.Warn().Msg("starting without TLS, expecting a TLS-terminating proxy")
			}
			serverErrors <- srv.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// seedAdmin provisions the configured admin user on first start. Without a
// password hash the user can only enrol a passkey through bootstrap
// registration.
func seedAdmin(ctx context.Context, cfg *config.Config, users store.UserStore) error {
	seed := cfg.Auth.SeedAdmin
	if seed.Username == "" {
		return nil
	}
	_, err := users.FindByUsername(ctx, seed.Username)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	err = users.Create(ctx, &store.User{
		ID:           uuid.NewString(),
		Username:     seed.Username,
		PasswordHash: seed.PasswordHash,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, store.ErrUsernameTaken) {
		return err
	}
	log.Info().Str("username", seed.Username).Bool("password", seed.PasswordHash != "").Msg("seeded admin user")
	return nil
}
