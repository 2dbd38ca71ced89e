// Package dragonscale provides the plan model and the submission API of the
// plan execution engine.
package dragonscale

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/dragonscale-engine/internal/eventbus"
)

// Engine is the main entry point into the runtime. It accepts plans, runs
// them on an Executor and keeps track of their progress.
type Engine struct {
	executor Executor
	store    StateStore
	eventBus eventbus.EventBus
	logger   *slog.Logger

	config Config

	runsMu sync.RWMutex
	runs   map[string]*planRun
}

// Config holds the configuration options for the Engine.
type Config struct {
	// Maximum number of plans running at once. Zero means unlimited.
	MaxActivePlans int

	// Upper bound on one plan run. Zero means unbounded.
	PlanTimeout time.Duration

	// Publish submitted/cancelled events when an event bus is set.
	EnableEventBus bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxActivePlans: 0,
		PlanTimeout:    0,
		EnableEventBus: true,
	}
}

// planRun is the engine's record of one submitted plan.
type planRun struct {
	plan        *Plan
	state       *ExecutionState
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
	cancelled   bool
	submittedAt time.Time
	finishedAt  time.Time
}

func (r *planRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithExecutor sets the executor that drives plans.
func WithExecutor(executor Executor) Option {
	return func(e *Engine) {
		e.executor = executor
	}
}

// WithStateStore lets Status and List answer for plans no longer held in memory.
func WithStateStore(store StateStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates a new Engine with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config: DefaultConfig(),
		logger: slog.Default(),
		runs:   make(map[string]*planRun),
	}
	for _, option := range options {
		option(e)
	}
	if e.executor == nil {
		return nil, NewConfigurationError("executor is required", nil)
	}
	return e, nil
}

// Submit runs plan and blocks until it is terminal. Cancelling ctx cancels the run.
// The returned state is a snapshot; the error is the executor's.
func (e *Engine) Submit(ctx context.Context, plan *Plan) (*ExecutionState, error) {
	run, err := e.start(ctx, plan)
	if err != nil {
		return nil, err
	}
	<-run.done
	return run.state.Snapshot(), run.err
}

// SubmitAsync starts plan in the background and returns its id.
// The run is detached from ctx; use Cancel to stop it.
func (e *Engine) SubmitAsync(ctx context.Context, plan *Plan) (string, error) {
	run, err := e.start(context.WithoutCancel(ctx), plan)
	if err != nil {
		return "", err
	}
	return run.plan.ID, nil
}

func (e *Engine) start(ctx context.Context, plan *Plan) (*planRun, error) {
	if plan == nil {
		return nil, NewValidationError("submission", "plan is nil", nil)
	}
	plan = plan.Clone()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}

	e.runsMu.Lock()
	if prev, exists := e.runs[plan.ID]; exists && !prev.finished() {
		e.runsMu.Unlock()
		return nil, NewValidationError("submission", fmt.Sprintf("plan '%s' is already running", plan.ID), nil)
	}
	if limit := e.config.MaxActivePlans; limit > 0 && e.activeLocked() >= limit {
		e.runsMu.Unlock()
		return nil, NewError(ErrCodeRateLimited, "submission", fmt.Sprintf("%d plans already running", limit), nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if e.config.PlanTimeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, e.config.PlanTimeout)
		inner := cancel
		cancel = func() {
			timeoutCancel()
			inner()
		}
	}
	run := &planRun{
		plan:        plan,
		state:       NewExecutionState(plan),
		cancel:      cancel,
		done:        make(chan struct{}),
		submittedAt: time.Now(),
	}
	e.runs[plan.ID] = run
	e.runsMu.Unlock()

	e.publish(ctx, eventbus.EventPlanSubmitted, run, map[string]any{
		"actions": len(plan.Actions),
	})
	e.logger.Info("Plan submitted", "plan_id", plan.ID, "actions", len(plan.Actions))

	go func() {
		defer cancel()
		err := e.executor.Run(runCtx, plan, run.state)

		e.runsMu.Lock()
		run.err = err
		run.finishedAt = time.Now()
		e.runsMu.Unlock()
		close(run.done)

		if err != nil {
			e.logger.Warn("Plan run ended with error", "plan_id", plan.ID, "error", err)
		}
	}()
	return run, nil
}

func (e *Engine) activeLocked() int {
	n := 0
	for _, r := range e.runs {
		if !r.finished() {
			n++
		}
	}
	return n
}

func (e *Engine) publish(ctx context.Context, kind eventbus.EventType, run *planRun, payload map[string]any) {
	if !e.config.EnableEventBus || e.eventBus == nil {
		return
	}
	evt := eventbus.NewEvent(kind, payload, "engine", map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
	}).ForPlan(run.plan.ID)
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Warn("Failed to publish event", "event", kind, "plan_id", run.plan.ID, "error", err)
	}
}

// Wait blocks until the plan is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, planID string) (*ExecutionState, error) {
	e.runsMu.RLock()
	run, ok := e.runs[planID]
	e.runsMu.RUnlock()
	if !ok {
		if e.store != nil {
			return e.store.Get(ctx, planID)
		}
		return nil, NewPlanNotFoundError(planID)
	}
	select {
	case <-run.done:
		return run.state.Snapshot(), run.err
	case <-ctx.Done():
		return nil, NewCancelledError("engine", ctx.Err())
	}
}
