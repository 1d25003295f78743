package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/provgate/provgate/pkg/config"
	"github.com/provgate/provgate/pkg/connectors"
	"github.com/provgate/provgate/pkg/connectors/sqltarget"
	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/recon"
	"github.com/provgate/provgate/pkg/rules"
	"github.com/provgate/provgate/pkg/stores"
	"github.com/provgate/provgate/pkg/telemetry"
	"github.com/provgate/provgate/pkg/workflow"
)

// app wires the configured stack for one command invocation.
type app struct {
	cfg      *config.Config
	tcfg     telemetry.Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    *stores.SQLiteStore
	registry *connectors.Registry
	rules    *rules.Service
	workflow *workflow.Service
	saga     *engine.Saga
	recon    *recon.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	tcfg := cfg.TelemetrySettings(appVersion)
	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("initializing tracer: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}

	registry := connectors.NewRegistry()
	for _, name := range cfg.Connectors.Memory {
		if err := registry.Register(name, connectors.NewMemory(name)); err != nil {
			store.Close()
			return nil, err
		}
	}
	for _, sc := range cfg.Connectors.SQL {
		conn, err := sqltarget.New(sc, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("opening sql target %s: %w", sc.Name, err)
		}
		if err := registry.Register(sc.Name, conn); err != nil {
			store.Close()
			return nil, err
		}
	}

	ruleSvc := rules.NewService(store, logger)
	wf := workflow.NewService(store, nil, store, metrics, logger)

	opts := engine.Options{
		MaxParallel: cfg.Orchestrator.MaxParallel,
		Apply: engine.RetryPolicy{
			MaxAttempts: cfg.Orchestrator.ApplyMaxAttempts,
			BaseDelay:   cfg.Orchestrator.ApplyBaseDelay,
			MaxDelay:    cfg.Orchestrator.ApplyMaxDelay,
		},
		Compensate: engine.RetryPolicy{
			MaxAttempts: cfg.Orchestrator.CompensateAttempts,
			BaseDelay:   cfg.Orchestrator.CompensateDelay,
			MaxDelay:    cfg.Orchestrator.ApplyMaxDelay,
		},
		ApprovalTTL: cfg.Workflow.ApprovalTTL,
	}
	saga := engine.NewSaga(store, registry, ruleSvc, wf, nil, opts,
		logger.NewComponentLogger("saga").Zerolog(), metrics, tracer)
	wf.BindOrchestrator(saga)

	reconEngine := recon.NewEngine(store, store, registry, store, metrics, logger)

	return &app{
		cfg:      cfg,
		tcfg:     tcfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		registry: registry,
		rules:    ruleSvc,
		workflow: wf,
		saga:     saga,
		recon:    reconEngine,
	}, nil
}

func (a *app) close() {
	if err := a.registry.Close(); err != nil {
		a.logger.WithError(err).Warn("closing connectors")
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("closing ledger")
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
