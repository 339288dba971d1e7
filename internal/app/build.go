package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/warden/internal/config"
	"github.com/ent0n29/warden/internal/events"
	"github.com/ent0n29/warden/internal/httpapi"
	"github.com/ent0n29/warden/internal/monitor"
	"github.com/ent0n29/warden/internal/observability"
	"github.com/ent0n29/warden/internal/openclaw"
	"github.com/ent0n29/warden/internal/planning"
	"github.com/ent0n29/warden/internal/poller"
	"github.com/ent0n29/warden/internal/reconcile"
	"github.com/ent0n29/warden/internal/taskruntime"
	"github.com/ent0n29/warden/internal/tasks"
)

type BuildResult struct {
	Config             config.Config
	API                *httpapi.Server
	Runtime            *taskruntime.Service
	Reconciler         *reconcile.Reconciler
	ReconcileScheduler *poller.Scheduler
	PlanningScheduler  *poller.Scheduler
	Metrics            *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	storeMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}

	var gateway openclaw.Client
	if strings.TrimSpace(cfg.OpenClawGatewayToken) != "" {
		gw, err := openclaw.NewGatewayClient(cfg.OpenClawGatewayURL, cfg.OpenClawGatewayToken)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("openclaw gateway init failed: %w", err)
		}
		gateway = gw
	} else {
		log.Printf("openclaw gateway token missing, using mock gateway client")
		gateway = openclaw.NewMockClient()
	}

	machine := tasks.NewMachine(store)
	monitors := monitor.NewRegistry(cfg.AckTimeout)
	broadcaster := events.NewBroadcaster()

	runtime := taskruntime.New(
		taskruntime.Config{GatewayCallTimeout: cfg.GatewayCallTimeout},
		store, machine, gateway, monitors, broadcaster, metrics,
	)

	reconciler := reconcile.New(
		reconcile.Config{GatewayCallTimeout: cfg.GatewayCallTimeout},
		store, machine, gateway, monitors, broadcaster, metrics,
	)

	hidden := cfg.ReconcileHiddenInterval
	reconcileScheduler := poller.NewScheduler(poller.Config{
		Name:              "reconcile",
		Interval:          cfg.ReconcileInterval,
		HiddenInterval:    &hidden,
		MaxBackoff:        cfg.PollMaxBackoff,
		BackoffMultiplier: cfg.PollBackoffMultiplier,
		JitterRatio:       cfg.PollJitterRatio,
		Enabled:           cfg.ReconcileEnabled,
	}, func(ctx context.Context) error {
		_, err := reconciler.Run(ctx)
		return err
	}, poller.WithObserver(metrics.ObservePoll))

	planningPoller := planning.NewPoller(
		planning.Config{GatewayCallTimeout: cfg.GatewayCallTimeout},
		store, gateway, broadcaster,
	)
	planningScheduler := poller.NewScheduler(poller.Config{
		Name:              "planning",
		Interval:          cfg.PlanningPollInterval,
		MaxBackoff:        cfg.PollMaxBackoff,
		BackoffMultiplier: cfg.PollBackoffMultiplier,
		JitterRatio:       cfg.PollJitterRatio,
		Enabled:           cfg.PlanningPollEnabled,
	}, planningPoller.PollOnce, poller.WithObserver(metrics.ObservePoll))

	api := httpapi.New(cfg, runtime, reconciler, metrics, storeMode)

	cleanup := func() error {
		reconcileScheduler.Stop()
		planningScheduler.Stop()
		return store.Close()
	}

	return &BuildResult{
		Config:             cfg,
		API:                api,
		Runtime:            runtime,
		Reconciler:         reconciler,
		ReconcileScheduler: reconcileScheduler,
		PlanningScheduler:  planningScheduler,
		Metrics:            metrics,
		Cleanup:            cleanup,
	}, nil
}
