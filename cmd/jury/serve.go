package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/jury/internal/api"
	"github.com/mpataki/jury/internal/logging"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve runs and outcomes over a read-only HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signalContext()
			defer stop()

			log := logging.For("api")
			srv := &http.Server{
				Addr:              addr,
				Handler:           api.SetupRouter(e.store, log),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.WithField("addr", addr).Info("Listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			log.Info("Server stopped")
			return nil
		},
	}

	cmd.Flags().String("addr", ":8080", "Listen address")
	return cmd
}
