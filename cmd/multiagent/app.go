package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/anaysingh0542/multi-agent/internal/engine"
	"github.com/anaysingh0542/multi-agent/internal/handlers"
	"github.com/anaysingh0542/multi-agent/internal/logging"
	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/internal/validation"
)

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	registry  *handlers.Registry
	table     handlers.AgentTable
	metrics   *engine.Metrics
	promReg   *prometheus.Registry
	executor  engine.Executor
	validator *validation.PlanValidator
}

// newApp loads configuration (flags override the layered config) and wires
// the store, handler registry, metrics, validator and executor.
func newApp(cmd *cobra.Command) (*app, error) {
	flags := cmd.Flags()
	cfgPath, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")

	cfg, err := loadConfig(cfgPath, envFile)
	if err != nil {
		return nil, err
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if flags.Changed("db") {
		cfg.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	logger := logging.New(cfg.LogLevel, cmd.ErrOrStderr())

	st, err := openStore(cmd.Context(), cfg.DBPath)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(promReg)

	reg := handlers.Defaults()
	table := handlers.DefaultAgentTable()

	v, err := validation.NewPlanValidator(validation.WithAgents(validation.HandlerLookup(table, reg)))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	exec := engine.NewExecutor(reg, engine.ExecutorConfig{
		MaxWorkers:    cfg.MaxWorkers,
		MaxIters:      cfg.MaxIters,
		GlobalStepCap: cfg.GlobalStepCap,
		AgentTable:    table,
		Dialect:       cfg.ConditionDialect,
		Logger:        logger,
		Store:         st,
		Metrics:       metrics,
	})

	logger.Debug("configuration loaded",
		slog.Int("max_workers", cfg.MaxWorkers),
		slog.Int("max_iters", cfg.MaxIters),
		slog.Int("global_step_cap", cfg.GlobalStepCap),
		slog.String("db_path", cfg.DBPath),
		slog.String("condition_dialect", cfg.ConditionDialect),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		registry:  reg,
		table:     table,
		metrics:   metrics,
		promReg:   promReg,
		executor:  exec,
		validator: v,
	}, nil
}

func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	if dbPath != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", slog.String("error", err.Error()))
	}
}

// serveMetrics exposes the Prometheus registry on cfg.MetricsAddr until ctx
// is cancelled. It is a no-op when no address is configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("metrics server listening", slog.String("addr", a.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
