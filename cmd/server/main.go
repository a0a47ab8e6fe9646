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

	"github.com/spf13/cobra"

	"github.com/referral-tracker/internal/app"
	"github.com/referral-tracker/internal/config"
	"github.com/referral-tracker/pkg/logger"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracker-server",
		Short: "Referral promoter metrics service",
		Long: `Serves the promoter API and live update stream, and runs the job
queue that polls every registered affiliate account on its schedule.`,
		RunE: runServer,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting referral tracker")

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("failed to start queue: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.API().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// open streams never go idle on their own
	srv.RegisterOnShutdown(a.Hub.Close)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Queue shutdown incomplete")
	}

	log.Info().Msg("Stopped")
	return err
}
