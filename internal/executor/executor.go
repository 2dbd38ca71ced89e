// Package executor runs plans wave by wave to a terminal execution state.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/template"
)

// VersionSource reports the versions of the modules currently available.
type VersionSource interface {
	Versions() map[string]string
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PlanExecutor handles the execution of a plan.
type PlanExecutor struct {
	nodes      dragonscale.NodeResolver
	guard      dragonscale.PermissionGuard
	gate       dragonscale.ApprovalGate
	limiter    dragonscale.RateLimiter
	auditLog   dragonscale.AuditLogger
	store      dragonscale.StateStore
	memory     dragonscale.MemoryStore
	sanitizer  dragonscale.Sanitizer
	perception dragonscale.PerceptionCapturer
	rollback   dragonscale.RollbackRunner
	versions   VersionSource
	resolver   template.Resolver

	maxParallel      int           // 0 = whole wave at once
	defaultTimeout   time.Duration // per attempt, 0 = unbounded
	allowEnv         bool
	approvalTimeout  time.Duration
	approvalBehavior dragonscale.TimeoutBehavior

	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	sleep   SleepFunc
}

// ExecutorOption represents an option for configuring the PlanExecutor.
type ExecutorOption func(*PlanExecutor)

// WithPermissionGuard sets the guard consulted for the plan and each action.
func WithPermissionGuard(g dragonscale.PermissionGuard) ExecutorOption {
	return func(e *PlanExecutor) { e.guard = g }
}

// WithApprovalGate sets the gate used for actions that need approval.
func WithApprovalGate(g dragonscale.ApprovalGate) ExecutorOption {
	return func(e *PlanExecutor) { e.gate = g }
}

// WithRateLimiter throttles dispatch.
func WithRateLimiter(l dragonscale.RateLimiter) ExecutorOption {
	return func(e *PlanExecutor) { e.limiter = l }
}

// WithAuditLogger sets the audit sink.
func WithAuditLogger(l dragonscale.AuditLogger) ExecutorOption {
	return func(e *PlanExecutor) { e.auditLog = l }
}

// WithStateStore persists state transitions.
func WithStateStore(s dragonscale.StateStore) ExecutorOption {
	return func(e *PlanExecutor) { e.store = s }
}

// WithMemoryStore enables memory reads and writes.
func WithMemoryStore(m dragonscale.MemoryStore) ExecutorOption {
	return func(e *PlanExecutor) { e.memory = m }
}

// WithSanitizer replaces the default result sanitizer. nil disables sanitizing.
func WithSanitizer(s dragonscale.Sanitizer) ExecutorOption {
	return func(e *PlanExecutor) { e.sanitizer = s }
}

// WithPerception sets the collaborator that captures observations around dispatch.
func WithPerception(p dragonscale.PerceptionCapturer) ExecutorOption {
	return func(e *PlanExecutor) { e.perception = p }
}

// WithRollback sets the runner invoked for on_error=rollback failures.
func WithRollback(r dragonscale.RollbackRunner) ExecutorOption {
	return func(e *PlanExecutor) { e.rollback = r }
}

// WithModuleVersions sets the source checked against plan module requirements.
func WithModuleVersions(v VersionSource) ExecutorOption {
	return func(e *PlanExecutor) { e.versions = v }
}

// WithMaxParallel bounds how many actions of one wave run at once.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *PlanExecutor) { e.maxParallel = n }
}

// WithDefaultTimeout bounds each dispatch attempt of actions without their own timeout.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *PlanExecutor) { e.defaultTimeout = d }
}

// WithAllowEnv lets templates read {{env.NAME}}.
func WithAllowEnv(allow bool) ExecutorOption {
	return func(e *PlanExecutor) { e.allowEnv = allow }
}

// WithEnvLookup overrides the environment lookup used by templates.
func WithEnvLookup(fn func(string) (string, bool)) ExecutorOption {
	return func(e *PlanExecutor) { e.resolver.LookupEnv = fn }
}

// WithApprovalDefaults sets the timeout and timeout behavior for actions that declare none.
func WithApprovalDefaults(timeout time.Duration, behavior dragonscale.TimeoutBehavior) ExecutorOption {
	return func(e *PlanExecutor) {
		e.approvalTimeout = timeout
		e.approvalBehavior = behavior
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *PlanExecutor) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *PlanExecutor) { e.metrics = m }
}

// WithTracer sets the tracer used for plan and action spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *PlanExecutor) { e.tracer = t }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *PlanExecutor) { e.sleep = fn }
}

// New creates an executor dispatching through nodes.
func New(nodes dragonscale.NodeResolver, options ...ExecutorOption) *PlanExecutor {
	e := &PlanExecutor{
		nodes:            nodes,
		sanitizer:        NewJSONSanitizer(DefaultMaxStringLength),
		approvalTimeout:  5 * time.Minute,
		approvalBehavior: dragonscale.TimeoutBehaviorReject,
		logger:           slog.Default(),
		sleep:            sleepContext,
	}
	for _, option := range options {
		option(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("dragonscale-engine/executor")
	}
	return e
}

// Metrics returns the executor's metrics.
func (e *PlanExecutor) Metrics() *Metrics {
	return e.metrics
}

// Execute runs plan to a terminal state and returns that state.
func (e *PlanExecutor) Execute(ctx context.Context, plan *dragonscale.Plan) (*dragonscale.ExecutionState, error) {
	state := dragonscale.NewExecutionState(plan)
	err := e.Run(ctx, plan, state)
	return state, err
}

// Run drives plan using the caller-owned state. It returns an error only when
// the plan is rejected before any action runs or the run is cancelled; action
// failures are reported through state.
func (e *PlanExecutor) Run(ctx context.Context, plan *dragonscale.Plan, state *dragonscale.ExecutionState) error {
	if plan == nil {
		return dragonscale.NewValidationError("execution", "plan is nil", nil)
	}
	if state == nil {
		state = dragonscale.NewExecutionState(plan)
	}

	ctx, span := e.tracer.Start(ctx, "plan.execute", trace.WithAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.actions", len(plan.Actions)),
	))
	defer span.End()

	if e.store != nil {
		if err := e.store.Create(context.WithoutCancel(ctx), state); err != nil {
			e.logger.Error("Failed to persist execution state", "plan_id", plan.ID, "error", err)
		}
	}

	e.logger.Info("Starting plan execution", "plan_id", plan.ID, "total_actions", len(plan.Actions))
	r := newRun(plan, state)
	e.newLifecycle().execute(ctx, r)
	e.finish(ctx, r)

	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	}
	span.SetAttributes(attribute.String("plan.status", string(state.GetStatus())))
	return r.err
}

// finish records the terminal stage of r.
func (e *PlanExecutor) finish(ctx context.Context, r *run) {
	if r.stage != StageCompleted {
		// Nothing may stay non-terminal once the plan is over.
		reason := "plan aborted"
		switch {
		case r.stage == StageCancelled:
			reason = "plan cancelled"
		case r.err != nil:
			reason = "plan rejected: " + r.err.Error()
		}
		for _, id := range r.state.NonTerminal() {
			e.skipAction(ctx, r, id, reason)
		}
	}

	status := dragonscale.PlanStatusFailed
	if r.stage == StageCompleted {
		status = dragonscale.PlanStatusCompleted
	}
	r.state.SetStatus(status)
	e.persistPlanStatus(ctx, r.plan.ID, status)

	duration := time.Since(r.startedAt)
	counts := r.state.Counts()
	fields := map[string]any{
		"plan_id":     r.plan.ID,
		"status":      string(status),
		"duration_ms": duration.Milliseconds(),
		"completed":   counts[dragonscale.ActionStatusCompleted],
		"failed":      counts[dragonscale.ActionStatusFailed],
		"skipped":     counts[dragonscale.ActionStatusSkipped],
	}
	if r.err != nil {
		fields["error"] = r.err.Error()
		fields["stage"] = string(r.errStage)
	}

	label := string(status)
	if r.stage == StageCancelled {
		label = "cancelled"
	}
	e.metrics.planFinished(label, duration)

	if status == dragonscale.PlanStatusCompleted {
		e.audit(ctx, dragonscale.AuditPlanCompleted, fields)
		e.logger.Info("Plan execution finished successfully", "plan_id", r.plan.ID, "duration", duration)
		return
	}
	e.audit(ctx, dragonscale.AuditPlanFailed, fields)
	e.logger.Warn("Plan execution finished with non-completed actions",
		"plan_id", r.plan.ID,
		"stage", r.errStage,
		"error", r.err,
		"completed", counts[dragonscale.ActionStatusCompleted],
		"failed", counts[dragonscale.ActionStatusFailed],
		"skipped", counts[dragonscale.ActionStatusSkipped])
}

func (e *PlanExecutor) audit(ctx context.Context, kind dragonscale.AuditEvent, fields map[string]any) {
	if e.auditLog == nil {
		return
	}
	e.auditLog.Log(context.WithoutCancel(ctx), kind, fields)
}

func (e *PlanExecutor) persistPlanStatus(ctx context.Context, planID string, status dragonscale.PlanStatus) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdatePlanStatus(context.WithoutCancel(ctx), planID, status); err != nil {
		e.logger.Error("Failed to persist plan status", "plan_id", planID, "status", status, "error", err)
	}
}

func (e *PlanExecutor) persistAction(ctx context.Context, planID string, st dragonscale.ActionState) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateAction(context.WithoutCancel(ctx), planID, st); err != nil {
		e.logger.Error("Failed to persist action state", "plan_id", planID, "action_id", st.ActionID, "error", err)
	}
}

// skipAction moves id to SKIPPED unless it is already terminal.
func (e *PlanExecutor) skipAction(ctx context.Context, r *run, id, reason string) bool {
	st, applied := r.state.MarkSkipped(id, reason)
	if !applied {
		return false
	}
	e.persistAction(ctx, r.plan.ID, st)
	e.metrics.actionFinished("", dragonscale.ActionStatusSkipped, 0)
	e.audit(ctx, dragonscale.AuditActionSkipped, map[string]any{
		"plan_id":   r.plan.ID,
		"action_id": id,
		"reason":    reason,
	})
	return true
}

func isCancellation(err error) bool {
	return errors.Is(err, dragonscale.ErrCancelled) || errors.Is(err, context.Canceled)
}
