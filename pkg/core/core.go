package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/atelier-run/atelier/pkg/api"
	"github.com/atelier-run/atelier/pkg/billing"
	"github.com/atelier-run/atelier/pkg/collab"
	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/health"
	"github.com/atelier-run/atelier/pkg/ledger"
	"github.com/atelier-run/atelier/pkg/llm"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/orchestrator"
	"github.com/atelier-run/atelier/pkg/ot"
	"github.com/atelier-run/atelier/pkg/planner"
	"github.com/atelier-run/atelier/pkg/queue"
	"github.com/atelier-run/atelier/pkg/sandbox"
	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/webhook"
)

// Core wires every subsystem together. It is built once at startup;
// nothing in it is a package-level singleton.
type Core struct {
	Cfg config.Config

	Store        storage.Store
	Broker       *events.Broker
	Queue        *queue.Queue
	Ledger       *ledger.Service
	Billing      *billing.Service
	LLM          *llm.Gateway
	Sandbox      *sandbox.Manager
	Planner      *planner.Planner
	Orchestrator *orchestrator.Orchestrator
	Workers      []*orchestrator.Worker
	Engine       *ot.Engine
	Collab       *collab.Gateway
	Webhook      *webhook.Deliverer
	Health       *health.Registry
	API          *api.Server
}

// New builds the full system from configuration
func New(cfg config.Config) (*Core, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	broker := events.NewBroker()
	q := queue.New(store)
	led := ledger.New(store)

	bill, err := billing.New(cfg.Billing, led, billing.DefaultPriceTable(), broker)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build billing service: %w", err)
	}

	gateway := llm.NewGateway(llm.GatewayConfig{
		MaxRetries:       cfg.LLM.MaxRetries,
		RequestsPerSec:   cfg.LLM.RequestsPerSec,
		Burst:            cfg.LLM.Burst,
		FallbackProvider: cfg.LLM.FallbackProvider,
	})
	for _, pc := range cfg.LLM.Providers {
		gateway.Register(llm.NewHTTPProvider(pc.Name, pc.BaseURL, pc.APIKey), pc.Models...)
	}

	provider, err := sandbox.NewLocalProvider(filepath.Join(cfg.DataDir, "sandboxes"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build sandbox provider: %w", err)
	}
	mgr := sandbox.NewManager(provider, cfg.Sandbox, broker)

	tools := orchestrator.SandboxTools(mgr)
	toolNames := make([]string, 0, len(tools))
	for name := range tools {
		toolNames = append(toolNames, name)
	}
	pln := planner.New(gateway, cfg.LLM.Model, toolNames)

	orch := orchestrator.New(store, q, broker)
	workers := make([]*orchestrator.Worker, 0, cfg.Worker.Count)
	for i := 0; i < cfg.Worker.Count; i++ {
		workers = append(workers, orchestrator.NewWorker(
			fmt.Sprintf("worker-%d", i+1),
			store, q, pln, bill, gateway, tools, broker, cfg.Worker, cfg.LLM.Model,
		))
	}

	engine := ot.NewEngine(store, cfg.Collab.HistoryWindow)
	collabGW := collab.NewGateway(cfg.Collab, engine, broker)

	checks := health.NewRegistry()
	checks.Register(health.Check{
		Name:     "store",
		Critical: true,
		Probe:    func(ctx context.Context) error { return store.Ping() },
	})
	checks.Register(health.Check{
		Name: "collab",
		Probe: func(ctx context.Context) error {
			if collabGW.Breaker().State() == collab.BreakerOpen {
				return fmt.Errorf("admission breaker open")
			}
			return nil
		},
	})
	checks.Register(health.Check{
		Name: "billing",
		Probe: func(ctx context.Context) error {
			if mode := bill.Mode(); mode == billing.ModeReadOnly {
				return fmt.Errorf("billing in %s mode", mode)
			}
			return nil
		},
	})

	return &Core{
		Cfg:          cfg,
		Store:        store,
		Broker:       broker,
		Queue:        q,
		Ledger:       led,
		Billing:      bill,
		LLM:          gateway,
		Sandbox:      mgr,
		Planner:      pln,
		Orchestrator: orch,
		Workers:      workers,
		Engine:       engine,
		Collab:       collabGW,
		Webhook:      webhook.NewDeliverer(cfg.Webhook, broker),
		Health:       checks,
		API:          api.NewServer(cfg, orch, collabGW, checks),
	}, nil
}

// Start launches every background component. The API server is started
// separately by the caller so it can own the listener's lifetime.
func (c *Core) Start() {
	c.Broker.Start()
	c.Webhook.Start()
	c.Sandbox.Start()
	c.Collab.Start()
	c.Queue.StartSweeper(c.Cfg.Worker.LeaseTTL / 2)
	for _, w := range c.Workers {
		w.Start()
	}
	logger := log.WithComponent("core")
	logger.Info().
		Int("workers", len(c.Workers)).
		Msg("all components started")
}

// Stop shuts components down in reverse dependency order
func (c *Core) Stop(ctx context.Context) {
	for _, w := range c.Workers {
		w.Stop()
	}
	c.Queue.Stop()
	c.Collab.Stop()
	c.Sandbox.Stop()
	c.Webhook.Stop()
	c.Broker.Stop()

	deadline, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = c.API.Stop(deadline)

	if err := c.Store.Close(); err != nil {
		logger := log.WithComponent("core")
		logger.Error().Err(err).Msg("failed to close store")
	}
}
