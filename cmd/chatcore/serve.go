package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatcore/internal/app"
	"chatcore/internal/config"
	"chatcore/internal/logging"
	"chatcore/internal/server"
)

var watchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the chat endpoint and blocks until SIGINT or SIGTERM.

On shutdown the listener stops accepting requests, in-flight streams are
given the configured shutdown timeout, and queued background batches are
drained before the database is closed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "Reload plan tiers when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	if watchConfig {
		if _, statErr := os.Stat(configPath); statErr == nil {
			w, err := config.NewWatcher(configPath, a.ReloadPlans)
			if err != nil {
				logging.BootWarn("config watcher unavailable: %v", err)
			} else if err := w.Start(ctx); err != nil {
				w.Stop()
				logging.BootWarn("config watcher not started: %v", err)
			} else {
				defer w.Stop()
			}
		}
	}

	srv := server.NewHTTPServer(cfg, server.New(a))
	errCh := make(chan error, 1)
	go func() {
		logging.Boot("listening on %s mode=%s", cfg.Server.Addr, cfg.Pipeline.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Boot("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.BootWarn("http shutdown: %v", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logging.BootWarn("shutdown incomplete: %v", err)
	}
	logging.Boot("stopped")
	return serveErr
}
