// Package rollback dispatches the compensating action of a failed action.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/template"
)

// DefaultTimeout bounds a compensating dispatch whose spec sets no timeout.
const DefaultTimeout = 30 * time.Second

// Engine is the default dragonscale.RollbackRunner. It dispatches once and
// never retries; failures are audited and logged, never returned.
type Engine struct {
	nodes    dragonscale.NodeResolver
	auditLog dragonscale.AuditLogger
	resolver template.Resolver
	allowEnv bool
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditLogger sets the audit sink.
func WithAuditLogger(l dragonscale.AuditLogger) Option {
	return func(e *Engine) { e.auditLog = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithAllowEnv lets rollback params read {{env.NAME}}.
func WithAllowEnv(allow bool) Option {
	return func(e *Engine) { e.allowEnv = allow }
}

// NewEngine creates a rollback engine dispatching through nodes.
func NewEngine(nodes dragonscale.NodeResolver, opts ...Option) *Engine {
	e := &Engine{
		nodes:   nodes,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		tracer:  otel.Tracer("dragonscale-engine/rollback"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements dragonscale.RollbackRunner.
func (e *Engine) Execute(ctx context.Context, plan *dragonscale.Plan, failed *dragonscale.Action, results map[string]any) {
	if failed == nil || failed.Rollback == nil {
		return
	}
	spec := failed.Rollback
	// Compensation must run even when the plan is being cancelled.
	ctx = context.WithoutCancel(ctx)

	ctx, span := e.tracer.Start(ctx, "action.rollback", trace.WithAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.String("action.id", failed.ID),
		attribute.String("rollback.module", spec.Module),
		attribute.String("rollback.action", spec.Action),
	))
	defer span.End()

	fields := map[string]any{
		"plan_id":   plan.ID,
		"action_id": failed.ID,
		"module":    spec.Module,
		"action":    spec.Action,
	}
	e.audit(ctx, dragonscale.AuditRollbackStarted, fields)
	e.logger.Info("Running rollback", "plan_id", plan.ID, "action_id", failed.ID, "module", spec.Module, "action", spec.Action)

	start := time.Now()
	err := e.dispatch(ctx, spec, results)
	fields["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		fields["error"] = err.Error()
		e.audit(ctx, dragonscale.AuditRollbackFailed, fields)
		e.logger.Error("Rollback failed", "plan_id", plan.ID, "action_id", failed.ID, "error", err)
		return
	}
	e.audit(ctx, dragonscale.AuditRollbackCompleted, fields)
	e.logger.Info("Rollback completed", "plan_id", plan.ID, "action_id", failed.ID)
}

func (e *Engine) dispatch(ctx context.Context, spec *dragonscale.RollbackSpec, results map[string]any) error {
	if spec.Module == "" || spec.Action == "" {
		return dragonscale.NewValidationError("rollback", "rollback needs a module and an action", nil)
	}
	params, err := e.resolver.ResolveParams(spec.Params, results, nil, e.allowEnv)
	if err != nil {
		return err
	}
	node, err := e.nodes.Resolve(spec.TargetNode)
	if err != nil {
		return err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errCh <- fmt.Errorf("rollback module panicked: %v", p)
			}
		}()
		_, err := node.ExecuteAction(dctx, spec.Module, spec.Action, params)
		errCh <- err
	}()

	select {
	case err = <-errCh:
	case <-dctx.Done():
		err = dctx.Err()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return dragonscale.NewTimeoutError(spec.Module, spec.Action, err)
	case dragonscale.IsDragonScaleError(err):
		return err
	default:
		return dragonscale.NewDispatchError(spec.Module, spec.Action, err)
	}
}

func (e *Engine) audit(ctx context.Context, kind dragonscale.AuditEvent, fields map[string]any) {
	if e.auditLog != nil {
		e.auditLog.Log(ctx, kind, fields)
	}
}
