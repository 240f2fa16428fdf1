package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/h-lu/llmGateway-sub000/internal/di"
	"github.com/h-lu/llmGateway-sub000/internal/version"
)

// shutdownTimeout bounds draining usage and the final quota reconciliation.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the quota coordinator, rate limiter, provider router and usage worker,
and serve the admin endpoints (/healthz, /status, /quota/{caller}, /metrics).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath := resolveConfigPath()

	container, err := di.NewContainer(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := container.Start(ctx); err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to start services")
		shutdownContainer(container)
		return err
	}

	srv := di.MustInvoke[*di.ServerService](container).Server
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Info().
		Str("admin", srv.Addr()).
		Str("config", configPath).
		Str("version", version.String()).
		Msg("llm-gateway started")

	signaled := make(chan struct{})
	go func() {
		defer close(signaled)
		sig, err := waitForSignal(ctx, shutdownSignals...)
		switch {
		case err == nil:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case !errors.Is(err, context.Canceled):
			log.Error().Err(err).Msg("signal wait failed")
		}
	}()

	var runErr error
	select {
	case runErr = <-serveErr:
		if runErr != nil {
			log.Error().Err(runErr).Msg("admin server error")
		}
	case <-signaled:
	}
	cancel()

	shutdownContainer(container)
	log.Info().Msg("llm-gateway stopped")
	return runErr
}

func shutdownContainer(c *di.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
