// cmd/emojichain/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/emojichain/internal/config"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const releaseVersion = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("emojichain exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "emojichain",
		Short:         "Peer-coordinated emoji telephone: presence relay, archive and headless clients.",
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(newRelayCmd(), newMigrateCmd(), newArchiveCmd(), newBotCmd())
	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetVersionTemplate("emojichain v{{.Version}}\n")
	return cmd
}

// loadConfig parses the environment and builds the process logger.
func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, cfg.NewLogger(), nil
}
