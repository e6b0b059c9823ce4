package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autoflow/internal/config"
	"github.com/ShayCichocki/autoflow/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with the HTTP control API",
	Long: `Run the orchestration engine with an HTTP control API so editors
and dashboards can start, stop, and inspect it.

The API is served on the configured address (server.addr) and includes
/api/start, /api/stop, /api/status, /api/stats, /api/tasks, and
/api/config.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := buildEngine(cwd, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Someone must drain the event stream or it fills up and drops.
	go func() {
		for ev := range eng.svc.Events() {
			eng.logger.Log("[event] %s feature=%s err=%v", ev.Type, ev.FeatureID, ev.Error)
		}
	}()

	if cfg.Orchestrator.AutoStart {
		if err := eng.svc.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	srv := server.New(eng.svc, eng.history, addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		eng.svc.Stop()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Printf("[serve] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] shutdown: %v", err)
	}
	return eng.svc.Stop()
}
