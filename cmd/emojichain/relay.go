// cmd/emojichain/relay.go
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jason-s-yu/emojichain/internal/handlers"
	"github.com/spf13/cobra"
)

func newRelayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the websocket presence relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.RelayAddr
			}

			mux := http.NewServeMux()
			handlers.NewPresenceRelay(logger).Routes(mux, logger)
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			go func() {
				<-cmd.Context().Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Infof("presence relay listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "address to listen on (env: RELAY_ADDR)")
	return cmd
}
