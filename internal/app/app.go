// Package app wires configuration into a ready-to-use engine, shared by the
// CLI and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/approval"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/audit"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/config"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/executor"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/memory"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/modules"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/node"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/permission"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/ratelimit"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/rollback"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/state"
)

// App holds every wired component. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Modules  *modules.Registry
	Nodes    *node.Registry
	Gate     *approval.Gate
	Store    dragonscale.StateStore
	Memory   dragonscale.MemoryStore
	Bus      eventbus.EventBus
	Registry *prometheus.Registry
	Executor *executor.PlanExecutor
	Engine   *dragonscale.Engine

	closers []io.Closer
}

type Option func(*options)

type options struct {
	logger  *slog.Logger
	modules []dragonscale.Module
	handler approval.Handler
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithModules registers extra modules next to the system module.
func WithModules(mods ...dragonscale.Module) Option {
	return func(o *options) { o.modules = append(o.modules, mods...) }
}

// WithApprovalHandler decides approvals synchronously instead of waiting for Resolve.
func WithApprovalHandler(h approval.Handler) Option {
	return func(o *options) { o.handler = h }
}

// New builds the component graph described by cfg.
func New(cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	a := &App{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	mods, err := modules.NewRegistry(append([]dragonscale.Module{modules.System()}, o.modules...)...)
	if err != nil {
		return nil, err
	}
	a.Modules = mods
	a.Nodes = node.NewRegistry(node.NewLocalNode(mods))

	guard, err := permission.NewRuleGuard(cfg.Policy.Rules,
		permission.WithMaxActions(cfg.Policy.MaxActions),
		permission.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	if err := a.openStores(); err != nil {
		return nil, err
	}

	auditors := audit.Multi{audit.NewSlogLogger(o.logger)}
	if cfg.EventBus.Enable {
		bus := eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(cfg.EventBus.BufferSize),
			eventbus.WithWorkerCount(cfg.EventBus.Workers),
			eventbus.WithLogger(o.logger),
		)
		a.Bus = bus
		a.closers = append(a.closers, bus)
		auditors = append(auditors, audit.NewBusLogger(bus, o.logger))
	}

	gateOpts := []approval.Option{
		approval.WithAllowList(approval.NewAllowList(cfg.Approval.AutoApprove...)),
		approval.WithLogger(o.logger),
	}
	if o.handler != nil {
		gateOpts = append(gateOpts, approval.WithHandler(o.handler))
	}
	a.Gate = approval.NewGate(gateOpts...)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rb := rollback.NewEngine(a.Nodes,
		rollback.WithAuditLogger(auditors),
		rollback.WithLogger(o.logger),
		rollback.WithDefaultTimeout(cfg.Executor.RollbackTimeout),
		rollback.WithAllowEnv(cfg.Executor.AllowEnv),
	)

	a.Executor = executor.New(a.Nodes,
		executor.WithPermissionGuard(guard),
		executor.WithApprovalGate(a.Gate),
		executor.WithRateLimiter(ratelimit.New(cfg.RateLimits.Modules, cfg.RateLimits.Default)),
		executor.WithAuditLogger(auditors),
		executor.WithStateStore(a.Store),
		executor.WithMemoryStore(a.Memory),
		executor.WithSanitizer(executor.NewJSONSanitizer(cfg.Executor.MaxResultString)),
		executor.WithPerception(memory.Perception{Store: a.Memory}),
		executor.WithRollback(rb),
		executor.WithModuleVersions(mods),
		executor.WithMaxParallel(cfg.Executor.MaxParallel),
		executor.WithDefaultTimeout(cfg.Executor.DefaultTimeout),
		executor.WithAllowEnv(cfg.Executor.AllowEnv),
		executor.WithApprovalDefaults(cfg.Approval.Timeout, dragonscale.TimeoutBehavior(cfg.Approval.TimeoutBehavior)),
		executor.WithMetrics(executor.NewMetrics(a.Registry)),
		executor.WithLogger(o.logger),
	)

	engineOpts := []dragonscale.Option{
		dragonscale.WithExecutor(a.Executor),
		dragonscale.WithStateStore(a.Store),
		dragonscale.WithLogger(o.logger),
		dragonscale.WithConfig(dragonscale.Config{
			MaxActivePlans: cfg.Engine.MaxActivePlans,
			PlanTimeout:    cfg.Engine.PlanTimeout,
			EnableEventBus: cfg.EventBus.Enable,
		}),
	}
	if a.Bus != nil {
		engineOpts = append(engineOpts, dragonscale.WithEventBus(a.Bus))
	}
	a.Engine, err = dragonscale.New(engineOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStores() error {
	cfg := a.Config
	switch cfg.Store.Type {
	case "sqlite":
		s, err := state.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		a.Store = s
		a.closers = append(a.closers, s)
	default:
		a.Store = state.NewMemoryStore()
	}

	switch cfg.Memory.Type {
	case "file":
		s, err := memory.NewFileStore(cfg.Memory.Path, cfg.Memory.TTL, a.Logger)
		if err != nil {
			return fmt.Errorf("open memory file: %w", err)
		}
		a.Memory = s
	case "redis":
		s := memory.NewRedisStore(memory.RedisOptions{
			Addr:     cfg.Memory.Addr,
			Password: cfg.Memory.Password,
			DB:       cfg.Memory.DB,
			Prefix:   cfg.Memory.Prefix,
			TTL:      cfg.Memory.TTL,
		})
		a.closers = append(a.closers, s)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("connect memory redis %s: %w", cfg.Memory.Addr, err)
		}
		a.Memory = s
	default:
		s := memory.NewInMemoryStore(cfg.Memory.TTL, a.Logger)
		a.Memory = s
		a.closers = append(a.closers, s)
	}
	return nil
}

// RunJanitor drops finished runs older than Engine.RetainCompleted until ctx ends.
func (a *App) RunJanitor(ctx context.Context) error {
	retain := a.Config.Engine.RetainCompleted
	if retain <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(retain / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := a.Engine.CleanupCompleted(retain); n > 0 {
				a.Logger.Debug("Removed finished plan runs", "count", n)
			}
		}
	}
}

// Close releases stores and the event bus.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
