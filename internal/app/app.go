// Package app wires every chatcore component from a Config. It keeps the
// construction order in one place so the CLI, the server and the tests
// boot the same stack.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatcore/internal/abuse"
	"chatcore/internal/attachment"
	"chatcore/internal/background"
	"chatcore/internal/budget"
	"chatcore/internal/cache"
	"chatcore/internal/capability"
	"chatcore/internal/capability/builtin"
	"chatcore/internal/config"
	"chatcore/internal/gate"
	"chatcore/internal/llm"
	"chatcore/internal/logging"
	"chatcore/internal/orchestrator"
	"chatcore/internal/plans"
	"chatcore/internal/profile"
	"chatcore/internal/store"
	"chatcore/internal/stream"
)

// App is a fully wired instance.
type App struct {
	Config     *config.Config
	Memory     *cache.Memory
	Cache      *cache.Resilient
	Plans      *plans.Static
	Store      *store.Store
	Governor   *budget.Governor
	Gate       *gate.Gate
	Registry   *capability.Registry
	Profiles   *profile.Service
	Background *background.Dispatcher
	Client     llm.Client
	Pipeline   *orchestrator.Pipeline

	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes New.
type Option func(*options)

type options struct {
	client llm.Client
}

// WithClient replaces the configured model client.
func WithClient(c llm.Client) Option { return func(o *options) { o.client = c } }

// New builds the stack described by cfg. Nothing is started.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	timer := logging.StartTimer(logging.CategoryBoot, "wire")
	defer timer.Stop()

	// 1. Shared cache
	mem := cache.NewMemory(cfg.Cache.Capacity)
	shared := cache.NewResilient(mem, cfg.Cache.HealthEvery)
	ttls := cfg.GetTTLs()

	// 2. Persistence
	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// 3. Model client
	client := o.client
	if client == nil {
		client, err = llm.NewFromConfig(ctx, cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
	}

	// 4. Policy
	resolver := plans.FromConfig(cfg.Plans)
	governor := budget.NewGovernor(budget.PricingFromConfig(cfg.Budget),
		budget.WithStrict(cfg.Budget.Strict),
		budget.WithRecorder(db),
	)
	g := gate.New(shared, resolver, abuse.NewHeuristic(), gate.Options{
		Requests:     cfg.RateLimit.Requests,
		Window:       cfg.GetRateLimitWindow(),
		TTLs:         ttls,
		DefaultModel: cfg.LLM.Model,
	})

	// 5. Capabilities
	reg := capability.NewRegistry()
	if err := builtin.Register(reg, builtin.Deps{
		Cache:          shared,
		DerivedTTL:     ttls.Derived,
		SearchEndpoint: cfg.Capability.SearchEndpoint,
		HTTPClient:     &http.Client{Timeout: cfg.GetCapabilityTimeout()},
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register capabilities: %w", err)
	}
	var ranker capability.Ranker
	if model := cfg.GetRankerModel(); model != "" {
		ranker = &capability.ModelRanker{Client: client, Model: model, Fallback: capability.HeuristicRanker{}}
	}
	dispatcher := capability.NewDispatcher(reg, ranker, capability.Options{
		ToolThreshold:   cfg.Capability.ToolThreshold,
		PluginThreshold: cfg.Capability.PluginThreshold,
		Timeout:         cfg.GetCapabilityTimeout(),
		RankTimeout:     cfg.GetRankTimeout(),
		MaxConcurrency:  cfg.Capability.MaxConcurrency,
	})

	// 6. Follow-up
	profiles := profile.NewService(cfg.Profile.MaxUsers)
	bg := background.NewDispatcher(shared, background.Config{
		Workers:     cfg.Background.Workers,
		QueueSize:   cfg.Background.QueueSize,
		TaskTimeout: cfg.GetTaskTimeout(),
		MarkerTTL:   ttls.BackgroundMarker,
	})

	// 7. Pipeline
	engine := stream.NewEngine(client, stream.Options{
		Smoothing: cfg.Pipeline.Smoothing.Enabled,
		ChunkSize: cfg.Pipeline.Smoothing.ChunkSize,
		Delay:     cfg.GetSmoothingDelay(),
	})
	pipeline := orchestrator.New(orchestrator.Deps{
		Gate:        g,
		Governor:    governor,
		Engine:      engine,
		Dispatcher:  dispatcher,
		Attachments: attachment.NewExtractor(shared, ttls.Analysis, attachment.DefaultMaxChars),
		Profiles:    profiles,
		Background:  bg,
		History:     db,
	}, orchestrator.OptionsFromConfig(cfg))

	logging.Boot("wired: mode=%s provider=%s capabilities=%d", cfg.Pipeline.Mode, client.Name(), reg.Count())
	return &App{
		Config:     cfg,
		Memory:     mem,
		Cache:      shared,
		Plans:      resolver,
		Store:      db,
		Governor:   governor,
		Gate:       g,
		Registry:   reg,
		Profiles:   profiles,
		Background: bg,
		Client:     client,
		Pipeline:   pipeline,
	}, nil
}

// Start restores budget ledgers and launches the background workers, the
// cache janitor and the maintenance loop.
func (a *App) Start(ctx context.Context) error {
	if a.cancel != nil {
		return nil
	}
	if err := a.SeedBudgets(ctx); err != nil {
		logging.BootWarn("budget ledgers not restored: %v", err)
	}
	a.Memory.Start(a.Config.GetCleanupInterval())
	a.Background.Start()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.Pipeline.RunMaintenance(runCtx, a.Config.GetCleanupInterval(), a.Config.GetProfileIdleTTL())
	}()
	return nil
}

// SeedBudgets loads today's and this month's persisted spend into the
// governor.
func (a *App) SeedBudgets(ctx context.Context) error {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := a.Store.CostByUserSince(ctx, dayStart)
	if err != nil {
		return err
	}
	monthly, err := a.Store.CostByUserSince(ctx, monthStart)
	if err != nil {
		return err
	}
	for user, spent := range monthly {
		a.Governor.Seed(user, daily[user], spent)
	}
	if len(monthly) > 0 {
		logging.Budget("restored ledgers for %d users", len(monthly))
	}
	return nil
}

// ReloadPlans swaps the plan table. It is the config watcher callback.
func (a *App) ReloadPlans(cfg *config.Config) {
	a.Plans.Update(cfg.Plans)
	logging.ConfigInfo("plans reloaded: tiers=%v", a.Plans.Tiers())
}

// Close drains background work and releases the cache and the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.cancel = nil
	}
	if err := a.Background.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Memory.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
