// cmd/emojichain/migrate.go
package main

import (
	"errors"

	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the record store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := database.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("schema is up to date")
			return nil
		},
	}
}
