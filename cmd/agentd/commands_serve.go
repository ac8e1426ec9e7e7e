package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentd daemon",
		Long: `Start the agentd daemon: loads agentd.yaml, opens the blob store and
sandbox manager, wires the LLM providers behind a fallback policy, and
serves a WebSocket task/event channel plus admin endpoints for
"agentd session reset"/"agentd session cancel".

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentd.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting agentd", "version", version, "commit", commit, "config", configPath)

	d, err := NewDaemon(ctx, configPath, logger)
	if err != nil {
		return fmt.Errorf("init daemon: %w", err)
	}

	daemonCfg := d.watcher.Current()
	addr := fmt.Sprintf("%s:%d", daemonCfg.Server.Host, daemonCfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: d.routes()}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentd listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return d.Close(shutdownCtx)
}
