package dragonscale

import (
	"context"
	"time"
)

// Module is a pluggable handler exposing named actions.
// Execute must be safe to call concurrently for independent actions.
type Module interface {
	// Name returns the module id used in Action.Module.
	Name() string

	// Version returns the module's semantic version, used for compatibility checks.
	Version() string

	// Execute runs one named action with resolved parameters.
	Execute(ctx context.Context, action string, params map[string]any) (any, error)
}

// ExecutionNode is a concrete dispatch target for actions.
type ExecutionNode interface {
	ID() string
	ExecuteAction(ctx context.Context, module, action string, params map[string]any) (any, error)
}

// NodeResolver maps an action's declared target node to an ExecutionNode.
// The empty target always resolves to the local node.
type NodeResolver interface {
	Resolve(target string) (ExecutionNode, error)
}

// PermissionGuard performs the plan pre-flight and the per-action check before dispatch.
// CheckAction returns an error matching ErrApprovalRequired when a human decision is needed,
// and any other error for a hard denial.
type PermissionGuard interface {
	CheckPlan(ctx context.Context, plan *Plan) error
	CheckAction(ctx context.Context, planID string, action *Action) error
}

// ApprovalGate suspends an action until a decision arrives or the timeout elapses.
type ApprovalGate interface {
	IsAutoApproved(module, action string) bool
	RequestApproval(ctx context.Context, req ApprovalRequest, timeout time.Duration, behavior TimeoutBehavior) (ApprovalResponse, error)
}

// RateLimiter is the dispatch middleware stage between approval and dispatch.
type RateLimiter interface {
	Wait(ctx context.Context, module, action string) error
}

// RollbackRunner dispatches an action's compensating action. It never returns an error.
type RollbackRunner interface {
	Execute(ctx context.Context, plan *Plan, failed *Action, results map[string]any)
}

// AuditEvent names a fire-and-forget audit record.
type AuditEvent string

const (
	AuditPlanStarted       AuditEvent = "plan_started"
	AuditPlanCompleted     AuditEvent = "plan_completed"
	AuditPlanFailed        AuditEvent = "plan_failed"
	AuditActionStarted     AuditEvent = "action_started"
	AuditActionCompleted   AuditEvent = "action_completed"
	AuditActionFailed      AuditEvent = "action_failed"
	AuditActionSkipped     AuditEvent = "action_skipped"
	AuditActionRetry       AuditEvent = "action_retry"
	AuditApprovalRequested AuditEvent = "approval_requested"
	AuditApprovalGranted   AuditEvent = "approval_granted"
	AuditApprovalRejected  AuditEvent = "approval_rejected"
	AuditRollbackStarted   AuditEvent = "rollback_started"
	AuditRollbackCompleted AuditEvent = "rollback_completed"
	AuditRollbackFailed    AuditEvent = "rollback_failed"
)

// AuditLogger records audit events. Implementations must not block the caller for long
// and must not fail the run.
type AuditLogger interface {
	Log(ctx context.Context, kind AuditEvent, fields map[string]any)
}

// StateStore persists execution state so it can be queried while and after a plan runs.
// UpdateAction must be safe for concurrent calls from actions of the same wave.
type StateStore interface {
	Create(ctx context.Context, state *ExecutionState) error
	UpdatePlanStatus(ctx context.Context, planID string, status PlanStatus) error
	UpdateAction(ctx context.Context, planID string, action ActionState) error
	Get(ctx context.Context, planID string) (*ExecutionState, error)
	List(ctx context.Context) ([]*ExecutionState, error)
}

// MemoryStore is the key-value memory side channel read before and written after actions.
// Get returns an error when the key is absent.
type MemoryStore interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
}

// Sanitizer normalizes a raw module result before it is stored.
type Sanitizer interface {
	Sanitize(result any) (any, error)
}

// PerceptionPhase tells a PerceptionCapturer which side of the dispatch it observes.
type PerceptionPhase string

const (
	PerceptionBefore PerceptionPhase = "before"
	PerceptionAfter  PerceptionPhase = "after"
)

// PerceptionCapturer takes opaque observations around an action's dispatch.
type PerceptionCapturer interface {
	Capture(ctx context.Context, phase PerceptionPhase, cfg PerceptionConfig) (any, error)
}

// Executor drives a plan to a terminal ExecutionState. It updates state in place so
// callers holding it can observe progress.
type Executor interface {
	Run(ctx context.Context, plan *Plan, state *ExecutionState) error
}
