// cmd/emojichain/bot.go
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/emojichain/internal/archive"
	"github.com/jason-s-yu/emojichain/internal/auth"
	"github.com/jason-s-yu/emojichain/internal/config"
	"github.com/jason-s-yu/emojichain/internal/database"
	"github.com/jason-s-yu/emojichain/internal/lobby"
	"github.com/jason-s-yu/emojichain/internal/presence"
	"github.com/jason-s-yu/emojichain/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type botFlags struct {
	code        string
	name        string
	emoji       string
	autoStart   bool
	revealEvery time.Duration
}

func newBotCmd() *cobra.Command {
	var f botFlags
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run a headless player that joins a room and plays automatically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runBot(cmd.Context(), cfg, logger, f)
		},
	}
	cmd.Flags().StringVarP(&f.code, "code", "c", "", "room code to join; a new room is created when empty")
	cmd.Flags().StringVarP(&f.name, "name", "n", "bot", "display name")
	cmd.Flags().StringVar(&f.emoji, "emoji", "🤖", "avatar emoji")
	cmd.Flags().BoolVar(&f.autoStart, "autostart", false, "start the game as host once enough players are online")
	cmd.Flags().DurationVar(&f.revealEvery, "reveal-every", 3*time.Second, "delay between reveal steps when hosting")
	return cmd
}

func runBot(ctx context.Context, cfg config.Config, logger *logrus.Logger, f botFlags) error {
	deps := session.Deps{Logger: logger}

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		deps.Store = database.NewPostgresStore(pool, logger)
	} else {
		logger.Warn("DATABASE_URL not set, using an in-process store")
		deps.Store = database.NewMemoryStore(database.MemoryOptions{})
	}

	var rdb *redis.Client
	if cfg.PresenceBackend == config.PresenceRedis {
		var err error
		rdb, err = presence.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}
	switch cfg.PresenceBackend {
	case config.PresenceRedis:
		deps.Presence = presence.NewRedisChannel(rdb, 3*cfg.Timings.Heartbeat, logger)
		deps.Sink = archive.NewPublisher(rdb, cfg.ArchiveQueue)
	case config.PresenceRelay:
		deps.Presence = presence.NewRelayChannel(cfg.RelayURL, logger)
	default:
		deps.Presence = presence.NewHub().Channel()
	}

	keys := auth.NewFileKeystore(cfg.KeystorePath)
	deps.Keys = keys
	fingerprint, err := keys.Fingerprint()
	if err != nil {
		return fmt.Errorf("load fingerprint: %w", err)
	}

	c := session.New(deps, lobby.Identity{Name: f.name, Emoji: f.emoji, Fingerprint: fingerprint}, cfg.Timings.Session())
	var res lobby.JoinResult
	if f.code == "" {
		res, err = c.Create(ctx)
	} else {
		res, err = c.Join(ctx, f.code)
	}
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"code":   res.Room.Code,
		"player": res.Player.ID,
		"method": res.Method,
	}).Info("bot seated")

	session.NewAutoplayer(c, f.autoStart, f.revealEvery).Attach(ctx)

	go func() {
		for err := range c.Errors() {
			logger.WithError(err).Error("session ended")
		}
	}()

	runErr := c.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if ctx.Err() != nil {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Leave(leaveCtx); err != nil {
			logger.WithError(err).Warn("leave failed")
		}
	}
	return runErr
}
