package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/makeasinger/jobserver/internal/config"
	"github.com/makeasinger/jobserver/internal/job"
	"github.com/makeasinger/jobserver/internal/logger"
	"github.com/makeasinger/jobserver/internal/server"
	"github.com/makeasinger/jobserver/internal/worker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var manifest string

	root := &cobra.Command{
		Use:          "jobserver",
		Short:        "HTTP server running asynchronous jobs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), manifest)
		},
	}
	root.Flags().StringVar(&manifest, "manifest", "", "path to a YAML configuration manifest")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func run(ctx context.Context, manifest string) error {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(manifest)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logger.Type, cfg.Logger.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("Configuration loaded", append(cfg.Fields(), zap.String("version", version))...)

	registry := job.NewRegistry(validator.New(), log)
	if err := worker.RegisterExample(registry, cfg.Example.Step); err != nil {
		return err
	}

	srv := server.New(cfg, registry, log)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Shutdown incomplete", zap.Error(err))
		return err
	}
	log.Info("Server stopped")
	return nil
}
