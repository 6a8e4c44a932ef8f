package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onboardly/control-plane/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&port, "port", 0, "Listen port (default $ONBOARDING_PORT or 8080)")
}

// newServer builds the control plane with the CLI overrides applied.
func newServer(ctx context.Context) (*server.Server, error) {
	cfg := server.LoadConfig()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if policyFile != "" {
		cfg.PolicyFile = policyFile
	}
	if port > 0 {
		cfg.Port = port
	}
	return server.NewWithConfig(ctx, cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Info().Msg("🧭 Onboarding control plane starting...")

	ctx := context.Background()
	srv, err := newServer(ctx)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}()
	defer srv.ShutdownFunc(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // orchestration runs inside the request
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	log.Info().Int("port", srv.Port).Msg("✅ Onboarding control plane ready")
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
