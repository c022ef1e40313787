// cmd/emojichain/archive.go
package main

import (
	"context"
	"errors"

	"github.com/jason-s-yu/emojichain/internal/archive"
	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/spf13/cobra"
)

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Run the historian that persists finished rounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			ctx := cmd.Context()

			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			rdb, err := presence.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
			if err != nil {
				return err
			}
			defer rdb.Close()

			h := archive.NewHistorian(rdb, archive.NewPostgresWriter(pool), archive.HistorianOptions{
				Queue:      cfg.ArchiveQueue,
				BatchSize:  cfg.ArchiveBatchSize,
				FlushDelay: cfg.ArchiveFlushDelay,
			}, logger)
			if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
