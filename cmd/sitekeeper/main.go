// Command sitekeeper runs the admin authentication service.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"sitekeeper/admin-service/internal/circuitbreaker"
	"sitekeeper/admin-service/internal/config"
	"sitekeeper/admin-service/internal/store"
	"sitekeeper/admin-service/internal/store/jsonfile"
	"sitekeeper/admin-service/internal/store/postgres"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sitekeeper",
	Short: "Passkey and session authentication for the site admin",
	Long: `sitekeeper serves the admin login API: password login, WebAuthn
passkey registration and login, cookie sessions with CSRF protection, and
the gated admin credential endpoints.

Running without a subcommand is the same as "sitekeeper serve".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (overrides SITEKEEPER_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(useraddCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the config file: flag, then SITEKEEPER_CONFIG, then
// ./config.yaml, then ./config.example.yaml.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("SITEKEEPER_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("./config.yaml"); os.IsNotExist(err) {
		return "./config.example.yaml"
	}
	return "./config.yaml"
}

func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// openStore opens the configured backend behind a circuit breaker.
func openStore(ctx context.Context, cfg *config.Config) (*store.Guarded, error) {
	var backend store.UserStore
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		backend = pg
	default:
		js, err := jsonfile.Open(cfg.Store.JSONPath)
		if err != nil {
			return nil, err
		}
		backend = js
	}
	b := circuitbreaker.New("store", circuitbreaker.Config{
		FailureThreshold: cfg.Store.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Store.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Store.Breaker.TimeoutSec) * time.Second,
	})
	return store.NewGuarded(backend, b), nil
}
