package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curatorhq/curator/pkg/api"
	"github.com/curatorhq/curator/pkg/parser"
	"github.com/curatorhq/curator/pkg/store"
	"github.com/curatorhq/curator/pkg/taskmaster"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and API server",
	Long: `Start the full service: the persistence store, the job orchestrator
with its worker pool and cron scheduler, and the HTTP API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	registry := parser.NewRegistry()
	registry.Register(parser.NewPlainText())

	tm := taskmaster.New(log, cfg, st, registry)
	if err := tm.Start(ctx); err != nil {
		_ = st.Stop()

		return fmt.Errorf("starting orchestrator: %w", err)
	}

	srv := api.NewServer(log, &cfg.API, st, tm)
	if err := srv.Start(ctx); err != nil {
		_ = tm.Stop()
		_ = st.Stop()

		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("API server stop error")
	}

	if err := tm.Stop(); err != nil {
		log.WithError(err).Warn("Orchestrator stop error")
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
