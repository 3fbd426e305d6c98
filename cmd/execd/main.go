// Command execd runs the WebSocket-fronted process execution service:
// config -> logger -> tracing -> event bus -> estimator store -> hook
// pipeline -> session manager -> fault controller -> JSON-RPC frontend,
// behind a gin HTTP server with signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/execd/internal/common/config"
	"github.com/kandev/execd/internal/common/logger"
	"github.com/kandev/execd/internal/common/tracing"
	"github.com/kandev/execd/internal/estimator"
	"github.com/kandev/execd/internal/events"
	"github.com/kandev/execd/internal/faultctl"
	"github.com/kandev/execd/internal/hooks"
	"github.com/kandev/execd/internal/rpcserver"
	"github.com/kandev/execd/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "execd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	tracer := tracing.Tracer("execd")
	_ = tracer
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer closeBus()

	store, err := newEstimatorStore(cfg.Estimator)
	if err != nil {
		return fmt.Errorf("init estimator store: %w", err)
	}
	est := estimator.New(store, estimator.DefaultPolicy(), log.WithFields(zap.String("component", "estimator")))

	if err := ensureHooksConfig(cfg.Server.HooksConfigPath); err != nil {
		return fmt.Errorf("init hooks config: %w", err)
	}
	pipeline, err := hooks.NewReloadablePipeline(cfg.Server.HooksConfigPath, est, log.WithFields(zap.String("component", "hooks")))
	if err != nil {
		return fmt.Errorf("init hook pipeline: %w", err)
	}

	sessions := session.NewManager(cfg.Limits.MaxSessions, log.WithFields(zap.String("component", "session")))
	fault := faultctl.New(cfg.Limits.GraceDuration(), log.WithFields(zap.String("component", "faultctl")))

	deps := &rpcserver.Deps{
		Sessions:  sessions,
		Hooks:     pipeline,
		Estimator: est,
		Fault:     fault,
		Limits:    cfg.Limits,
		Log:       log.WithFields(zap.String("component", "rpcserver")),
		Bus:       providedBus.Bus,
	}
	srv := rpcserver.NewServer(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("execd listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}
	return nil
}

// newEstimatorStore selects the TimingRecord Store backend named by
// cfg.Backend, per SPEC_FULL.md §11's sqlite/postgres/jsonl options.
func newEstimatorStore(cfg config.EstimatorConfig) (estimator.Store, error) {
	switch cfg.Backend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return estimator.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "jsonl":
		return estimator.NewJSONLStore(cfg.JSONLPath)
	default:
		return estimator.NewSQLiteStore(cfg.SQLitePath)
	}
}

// ensureHooksConfig writes a minimal default hook-pipeline file if none
// exists yet, so a first run doesn't require hand-authoring one before the
// ReloadablePipeline can start (spec.md §4.4's pipeline is optional, not
// mandatory, configuration).
func ensureHooksConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	const defaultConfig = `prehook_budget_ms: 2000
pre: []
post:
  - name: record_timing
`
	return os.WriteFile(path, []byte(defaultConfig), 0o644)
}
