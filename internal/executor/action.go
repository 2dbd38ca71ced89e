package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// PerceptionKey is the reserved result key holding perception observations.
const PerceptionKey = "_perception"

// runAction is the per-action procedure. It mutates only the action's own
// entry in the execution state and returns its outcome to the wave loop.
func (e *PlanExecutor) runAction(ctx context.Context, r *run, a *dragonscale.Action, results map[string]any) outcome {
	ctx, span := e.tracer.Start(ctx, "action.execute", trace.WithAttributes(
		attribute.String("plan.id", r.plan.ID),
		attribute.String("action.id", a.ID),
		attribute.String("action.module", a.Module),
		attribute.String("action.name", a.Action),
	))
	defer span.End()

	o := e.executeAction(ctx, r, a, results)
	span.SetAttributes(attribute.String("action.status", string(o.status)))
	if o.status == dragonscale.ActionStatusFailed {
		span.SetStatus(codes.Error, "action failed")
	}
	return o
}

func (e *PlanExecutor) executeAction(ctx context.Context, r *run, a *dragonscale.Action, results map[string]any) outcome {
	// Race guard: the action may already be terminal.
	if st, ok := r.state.Action(a.ID); !ok || st.Status.IsTerminal() {
		return outcome{id: a.ID, status: st.Status}
	}
	if ctx.Err() != nil {
		e.skipAction(ctx, r, a.ID, reasonCancelled)
		return outcome{id: a.ID, status: dragonscale.ActionStatusSkipped}
	}

	memory := e.loadMemory(ctx, r.plan.ID, a)

	params, err := e.resolver.ResolveParams(a.Params, results, memory, e.allowEnv)
	if err != nil {
		return e.markFailed(ctx, r, a, err, 0)
	}

	params, proceed, o := e.authorize(ctx, r, a, params)
	if !proceed {
		return o
	}

	node, err := e.nodes.Resolve(a.TargetNode)
	if err != nil {
		return e.failAction(ctx, r, a, err, 0)
	}

	maxAttempts := a.MaxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return e.failAction(ctx, r, a, dragonscale.NewCancelledError("execution", ctx.Err()), attempt-1)
		}

		st, _ := r.state.MarkRunning(a.ID, attempt)
		e.persistAction(ctx, r.plan.ID, st)
		e.audit(ctx, dragonscale.AuditActionStarted, map[string]any{
			"plan_id":   r.plan.ID,
			"action_id": a.ID,
			"module":    a.Module,
			"action":    a.Action,
			"attempt":   attempt,
		})
		e.logger.Debug("Starting action execution",
			"plan_id", r.plan.ID,
			"action_id", a.ID,
			"module", a.Module,
			"action", a.Action,
			"attempt", attempt)

		var before any
		if a.Perception != nil && a.Perception.CaptureBefore {
			before = e.capture(ctx, a, dragonscale.PerceptionBefore)
		}

		result, err := e.dispatch(ctx, node, a, params)
		if err == nil {
			return e.completeAction(ctx, r, a, result, before, attempt)
		}
		lastErr = err
		if isCancellation(err) {
			return e.failAction(ctx, r, a, err, attempt)
		}
		if attempt == maxAttempts {
			break
		}

		delay := a.Retry.DelayForAttempt(attempt)
		e.metrics.retry()
		e.audit(ctx, dragonscale.AuditActionRetry, map[string]any{
			"plan_id":   r.plan.ID,
			"action_id": a.ID,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
			"error":     err.Error(),
		})
		e.logger.Info("Action execution failed, retrying",
			"plan_id", r.plan.ID,
			"action_id", a.ID,
			"error", err,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			return e.failAction(ctx, r, a, dragonscale.NewCancelledError("retry", err), attempt)
		}
	}

	o = e.failAction(ctx, r, a, lastErr, maxAttempts)
	if a.OnError.Normalize() == dragonscale.OnErrorRollback && a.Rollback != nil && e.rollback != nil {
		e.rollback.Execute(ctx, r.plan, a, results)
	}
	return o
}

// authorize runs the permission and approval stages. It returns the params to
// dispatch and whether to proceed; when it does not, the action is already terminal.
func (e *PlanExecutor) authorize(ctx context.Context, r *run, a *dragonscale.Action, params map[string]any) (map[string]any, bool, outcome) {
	err := e.checkAction(ctx, r.plan.ID, a)
	if err == nil {
		return params, true, outcome{}
	}
	if !errors.Is(err, dragonscale.ErrApprovalRequired) {
		if !dragonscale.IsDragonScaleError(err) {
			err = dragonscale.NewPolicyError("permission", fmt.Sprintf("action '%s' denied", a.ID), err)
		}
		return nil, false, e.markFailed(ctx, r, a, err, 0)
	}
	return e.approve(ctx, r, a, params, err)
}

func (e *PlanExecutor) checkAction(ctx context.Context, planID string, a *dragonscale.Action) error {
	if e.guard != nil {
		return e.guard.CheckAction(ctx, planID, a)
	}
	if a.RequiresApproval {
		return dragonscale.NewApprovalRequiredError(a.ID, "")
	}
	return nil
}

func (e *PlanExecutor) approve(ctx context.Context, r *run, a *dragonscale.Action, params map[string]any, reason error) (map[string]any, bool, outcome) {
	fields := map[string]any{
		"plan_id":   r.plan.ID,
		"action_id": a.ID,
		"module":    a.Module,
		"action":    a.Action,
	}
	if e.gate == nil {
		return nil, false, e.markFailed(ctx, r, a, reason, 0)
	}

	if e.gate.IsAutoApproved(a.Module, a.Action) {
		meta := map[string]any{
			"decision":      string(dragonscale.DecisionApprove),
			"approved_by":   "allow-list",
			"auto_approved": true,
		}
		st, _ := r.state.SetApprovalMetadata(a.ID, meta)
		e.persistAction(ctx, r.plan.ID, st)
		fields["decision"] = string(dragonscale.DecisionApprove)
		fields["auto_approved"] = true
		e.audit(ctx, dragonscale.AuditApprovalGranted, fields)
		return params, true, outcome{}
	}

	timeout, behavior := e.approvalTimeout, e.approvalBehavior
	req := dragonscale.ApprovalRequest{
		PlanID:      r.plan.ID,
		ActionID:    a.ID,
		Module:      a.Module,
		ActionName:  a.Action,
		Params:      params,
		Description: a.Description,
		Reason:      reason.Error(),
		RequestedAt: time.Now(),
	}
	if cfg := a.Approval; cfg != nil {
		req.RiskLevel = cfg.RiskLevel
		if cfg.Message != "" {
			req.Reason = cfg.Message
		}
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.TimeoutBehavior != "" {
			behavior = cfg.TimeoutBehavior
		}
	}

	st, _ := r.state.MarkAwaitingApproval(a.ID)
	e.persistAction(ctx, r.plan.ID, st)
	e.audit(ctx, dragonscale.AuditApprovalRequested, fields)
	e.logger.Info("Waiting for approval", "plan_id", r.plan.ID, "action_id", a.ID, "timeout", timeout)

	resp, err := e.gate.RequestApproval(ctx, req, timeout, behavior)
	if err != nil {
		return nil, false, e.markFailed(ctx, r, a, err, 0)
	}

	meta := resp.Metadata()
	if resp.TimedOut {
		meta["timeout_ms"] = timeout.Milliseconds()
	}
	st, _ = r.state.SetApprovalMetadata(a.ID, meta)
	e.persistAction(ctx, r.plan.ID, st)
	fields["decision"] = string(resp.Decision)
	if resp.TimedOut {
		fields["timed_out"] = true
		fields["timeout_behavior"] = string(resp.TimeoutBehavior)
	}

	switch resp.Decision {
	case dragonscale.DecisionApprove, dragonscale.DecisionApproveAlways:
		e.audit(ctx, dragonscale.AuditApprovalGranted, fields)
		return params, true, outcome{}
	case dragonscale.DecisionModify:
		e.audit(ctx, dragonscale.AuditApprovalGranted, fields)
		merged := make(map[string]any, len(params)+len(resp.ModifiedParams))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range resp.ModifiedParams {
			merged[k] = v
		}
		return merged, true, outcome{}
	case dragonscale.DecisionSkip:
		e.audit(ctx, dragonscale.AuditApprovalRejected, fields)
		msg := "skipped by approver"
		if resp.Reason != "" {
			msg = msg + ": " + resp.Reason
		}
		e.skipAction(ctx, r, a.ID, msg)
		return nil, false, outcome{id: a.ID, status: dragonscale.ActionStatusSkipped}
	default:
		e.audit(ctx, dragonscale.AuditApprovalRejected, fields)
		reasonText := resp.Reason
		if resp.Decision != dragonscale.DecisionReject {
			reasonText = fmt.Sprintf("unrecognized decision %q", resp.Decision)
		}
		return nil, false, e.markFailed(ctx, r, a, dragonscale.NewApprovalRejectedError(a.ID, reasonText), 0)
	}
}

// dispatch runs the action on node, bounded by the action's timeout.
func (e *PlanExecutor) dispatch(ctx context.Context, node dragonscale.ExecutionNode, a *dragonscale.Action, params map[string]any) (any, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, a.Module, a.Action); err != nil {
			return nil, err
		}
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	dctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type reply struct {
		value any
		err   error
	}
	ch := make(chan reply, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("module panicked: %v", p)}
			}
		}()
		v, err := node.ExecuteAction(dctx, a.Module, a.Action, params)
		ch <- reply{value: v, err: err}
	}()

	var res reply
	select {
	case res = <-ch:
	case <-dctx.Done():
		res.err = dctx.Err()
	}
	e.metrics.dispatchObserved(a.Module, time.Since(start))

	switch {
	case res.err == nil:
		return res.value, nil
	case ctx.Err() != nil:
		return nil, dragonscale.NewCancelledError("dispatch", ctx.Err())
	case errors.Is(dctx.Err(), context.DeadlineExceeded):
		return nil, dragonscale.NewTimeoutError(a.Module, a.Action, fmt.Errorf("no result after %v", timeout))
	case dragonscale.IsDragonScaleError(res.err):
		return nil, res.err
	default:
		return nil, dragonscale.NewDispatchError(a.Module, a.Action, res.err)
	}
}

func (e *PlanExecutor) completeAction(ctx context.Context, r *run, a *dragonscale.Action, raw, before any, attempt int) outcome {
	result := raw
	if e.sanitizer != nil {
		clean, err := e.sanitizer.Sanitize(raw)
		if err != nil {
			e.logger.Warn("Result sanitizing failed, keeping raw result", "plan_id", r.plan.ID, "action_id", a.ID, "error", err)
		} else {
			result = clean
		}
	}

	if a.Perception != nil && (a.Perception.CaptureBefore || a.Perception.CaptureAfter) {
		observations := map[string]any{}
		if a.Perception.CaptureBefore {
			observations["before"] = before
		}
		if a.Perception.CaptureAfter {
			observations["after"] = e.capture(ctx, a, dragonscale.PerceptionAfter)
		}
		result = mergePerception(result, observations)
	}

	st, applied := r.state.MarkCompleted(a.ID, result)
	if !applied {
		return outcome{id: a.ID, status: st.Status}
	}
	e.persistAction(ctx, r.plan.ID, st)
	e.metrics.actionFinished(a.Module, dragonscale.ActionStatusCompleted, st.Duration())
	e.audit(ctx, dragonscale.AuditActionCompleted, map[string]any{
		"plan_id":     r.plan.ID,
		"action_id":   a.ID,
		"module":      a.Module,
		"action":      a.Action,
		"attempt":     attempt,
		"duration_ms": st.Duration().Milliseconds(),
	})
	e.logger.Debug("Action execution completed successfully",
		"plan_id", r.plan.ID,
		"action_id", a.ID,
		"duration", st.Duration())

	if a.Memory != nil && a.Memory.WriteKey != "" && e.memory != nil {
		if err := e.memory.Set(context.WithoutCancel(ctx), a.Memory.WriteKey, result); err != nil {
			e.logger.Warn("Memory write failed", "plan_id", r.plan.ID, "action_id", a.ID, "key", a.Memory.WriteKey, "error", err)
		}
	}
	return outcome{id: a.ID, status: dragonscale.ActionStatusCompleted, result: result, completed: true}
}

func failureFields(r *run, a *dragonscale.Action, err error, attempt int) map[string]any {
	return map[string]any{
		"plan_id":   r.plan.ID,
		"action_id": a.ID,
		"module":    a.Module,
		"action":    a.Action,
		"attempt":   attempt,
		"error":     err.Error(),
	}
}

// failAction records a final dispatch failure. Under on_error=skip the action
// ends SKIPPED.
func (e *PlanExecutor) failAction(ctx context.Context, r *run, a *dragonscale.Action, err error, attempt int) outcome {
	if a.OnError.Normalize() != dragonscale.OnErrorSkip || isCancellation(err) {
		return e.markFailed(ctx, r, a, err, attempt)
	}
	st, applied := r.state.MarkSkipped(a.ID, err.Error())
	if !applied {
		return outcome{id: a.ID, status: st.Status}
	}
	e.persistAction(ctx, r.plan.ID, st)
	e.metrics.actionFinished(a.Module, dragonscale.ActionStatusSkipped, st.Duration())
	e.audit(ctx, dragonscale.AuditActionSkipped, failureFields(r, a, err, attempt))
	e.logger.Info("Action failed with on_error=skip", "plan_id", r.plan.ID, "action_id", a.ID, "error", err)
	return outcome{id: a.ID, status: dragonscale.ActionStatusSkipped}
}

// markFailed moves the action to FAILED regardless of on_error. Template,
// permission and approval failures end here.
func (e *PlanExecutor) markFailed(ctx context.Context, r *run, a *dragonscale.Action, err error, attempt int) outcome {
	fields := failureFields(r, a, err, attempt)
	st, applied := r.state.MarkFailed(a.ID, err)
	if !applied {
		return outcome{id: a.ID, status: st.Status}
	}
	e.persistAction(ctx, r.plan.ID, st)
	e.metrics.actionFinished(a.Module, dragonscale.ActionStatusFailed, st.Duration())
	e.audit(ctx, dragonscale.AuditActionFailed, fields)
	e.logger.Warn("Action execution failed",
		"plan_id", r.plan.ID,
		"action_id", a.ID,
		"attempts", attempt,
		"on_error", a.OnError.Normalize(),
		"error", err)
	return outcome{id: a.ID, status: dragonscale.ActionStatusFailed}
}

// loadMemory reads the declared keys. Missing or unreadable keys are left out.
func (e *PlanExecutor) loadMemory(ctx context.Context, planID string, a *dragonscale.Action) map[string]any {
	out := map[string]any{}
	if a.Memory == nil || len(a.Memory.ReadKeys) == 0 {
		return out
	}
	if e.memory == nil {
		e.logger.Warn("Action reads memory but no memory store is configured", "plan_id", planID, "action_id", a.ID)
		return out
	}
	for _, key := range a.Memory.ReadKeys {
		v, err := e.memory.Get(ctx, key)
		if err != nil {
			e.logger.Warn("Memory read failed", "plan_id", planID, "action_id", a.ID, "key", key, "error", err)
			continue
		}
		out[key] = v
	}
	return out
}

func (e *PlanExecutor) capture(ctx context.Context, a *dragonscale.Action, phase dragonscale.PerceptionPhase) any {
	if e.perception == nil {
		return nil
	}
	obs, err := e.perception.Capture(ctx, phase, *a.Perception)
	if err != nil {
		e.logger.Warn("Perception capture failed", "action_id", a.ID, "phase", phase, "error", err)
		return nil
	}
	return obs
}

// mergePerception stores observations under PerceptionKey, wrapping non-object results.
func mergePerception(result any, observations map[string]any) any {
	if m, ok := result.(map[string]any); ok {
		out := make(map[string]any, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		out[PerceptionKey] = observations
		return out
	}
	return map[string]any{"value": result, PerceptionKey: observations}
}
