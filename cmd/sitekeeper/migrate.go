package main

import (
	"errors"

	"sitekeeper/admin-service/internal/store/postgres"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations (postgres backend)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Logging.Level)
		if cfg.Store.Backend != "postgres" {
			return errors.New("migrate requires store.backend: postgres")
		}
		pg, err := postgres.Open(cmd.Context(), cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Msg("migrations applied")
		return nil
	},
}
