package dragonscale

import (
	"math"
	"sync"
	"time"
)

// ActionStatus represents the possible states of an action within a plan run.
type ActionStatus string

const (
	// ActionStatusPending indicates the action has not been scheduled yet.
	ActionStatusPending ActionStatus = "pending"
	// ActionStatusWaiting indicates the action is queued in the current wave.
	ActionStatusWaiting ActionStatus = "waiting"
	// ActionStatusRunning indicates the action is being dispatched.
	ActionStatusRunning ActionStatus = "running"
	// ActionStatusAwaitingApproval indicates the action is suspended on the approval gate.
	ActionStatusAwaitingApproval ActionStatus = "awaiting_approval"
	// ActionStatusCompleted indicates the action finished successfully.
	ActionStatusCompleted ActionStatus = "completed"
	// ActionStatusFailed indicates the action failed.
	ActionStatusFailed ActionStatus = "failed"
	// ActionStatusSkipped indicates the action was never attempted or was skipped by a decision.
	ActionStatusSkipped ActionStatus = "skipped"
)

// IsTerminal reports whether the status is absorbing.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusCompleted || s == ActionStatusFailed || s == ActionStatusSkipped
}

// PlanStatus is the aggregate status of a plan run.
type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// OnError selects how the executor reacts when an action fails.
type OnError string

const (
	OnErrorAbort    OnError = "abort"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
	OnErrorRollback OnError = "rollback"
	OnErrorSkip     OnError = "skip"
)

// Normalize maps the empty policy to abort.
func (o OnError) Normalize() OnError {
	if o == "" {
		return OnErrorAbort
	}
	return o
}

// Valid reports whether the policy is one of the known values.
func (o OnError) Valid() bool {
	switch o.Normalize() {
	case OnErrorAbort, OnErrorContinue, OnErrorRetry, OnErrorRollback, OnErrorSkip:
		return true
	}
	return false
}

// RetryPolicy controls repeated dispatch of an action with on_error=retry.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
	Multiplier  float64       `json:"multiplier,omitempty"` // defaults to 2
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

// DelayForAttempt returns the backoff to wait after the given (1-based) failed attempt.
func (r *RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if r == nil || r.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := r.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(r.Delay) * math.Pow(mult, float64(attempt-1))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// TimeoutBehavior is the decision synthesized when an approval request expires.
type TimeoutBehavior string

const (
	TimeoutBehaviorReject  TimeoutBehavior = "reject"
	TimeoutBehaviorApprove TimeoutBehavior = "approve"
	TimeoutBehaviorSkip    TimeoutBehavior = "skip"
)

// ApprovalConfig carries per-action approval settings.
type ApprovalConfig struct {
	RiskLevel       string          `json:"risk_level,omitempty"`
	Message         string          `json:"message,omitempty"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
	TimeoutBehavior TimeoutBehavior `json:"timeout_behavior,omitempty"`
}

// MemoryConfig declares the memory keys an action reads and the key its result is written to.
type MemoryConfig struct {
	ReadKeys []string `json:"read_keys,omitempty"`
	WriteKey string   `json:"write_key,omitempty"`
}

// PerceptionConfig requests observations around an action's dispatch.
type PerceptionConfig struct {
	CaptureBefore bool           `json:"capture_before,omitempty"`
	CaptureAfter  bool           `json:"capture_after,omitempty"`
	Target        string         `json:"target,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// RollbackSpec is the compensating action dispatched when an action with on_error=rollback fails.
type RollbackSpec struct {
	Module     string         `json:"module"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	TargetNode string         `json:"target_node,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
}

// Action is one typed, parameterized unit of work targeting a module.
type Action struct {
	ID               string            `json:"id"`
	Description      string            `json:"description,omitempty"`
	Module           string            `json:"module"`
	Action           string            `json:"action"`
	Params           map[string]any    `json:"params,omitempty"`
	DependsOn        []string          `json:"depends_on,omitempty"`
	OnError          OnError           `json:"on_error,omitempty"`
	Retry            *RetryPolicy      `json:"retry,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	Approval         *ApprovalConfig   `json:"approval,omitempty"`
	TargetNode       string            `json:"target_node,omitempty"`
	Memory           *MemoryConfig     `json:"memory,omitempty"`
	Perception       *PerceptionConfig `json:"perception,omitempty"`
	Rollback         *RollbackSpec     `json:"rollback,omitempty"`
}

// MaxAttempts is 1 unless the action retries on error with a retry policy.
func (a *Action) MaxAttempts() int {
	if a.OnError.Normalize() == OnErrorRetry && a.Retry != nil && a.Retry.MaxAttempts > 1 {
		return a.Retry.MaxAttempts
	}
	return 1
}

// Plan is a DAG of actions submitted for execution as a unit.
type Plan struct {
	ID                 string            `json:"plan_id"`
	Name               string            `json:"name,omitempty"`
	Description        string            `json:"description,omitempty"`
	Actions            []Action          `json:"actions"`
	ModuleRequirements map[string]string `json:"module_requirements,omitempty"`
}

// Action looks up an action by id.
func (p *Plan) Action(id string) (*Action, bool) {
	for i := range p.Actions {
		if p.Actions[i].ID == id {
			return &p.Actions[i], true
		}
	}
	return nil, false
}

// Clone returns a copy whose action slice and top-level maps are not shared with p.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Actions = make([]Action, len(p.Actions))
	copy(cp.Actions, p.Actions)
	for i := range cp.Actions {
		cp.Actions[i].DependsOn = append([]string(nil), p.Actions[i].DependsOn...)
		if p.Actions[i].Params != nil {
			params := make(map[string]any, len(p.Actions[i].Params))
			for k, v := range p.Actions[i].Params {
				params[k] = v
			}
			cp.Actions[i].Params = params
		}
	}
	if p.ModuleRequirements != nil {
		cp.ModuleRequirements = make(map[string]string, len(p.ModuleRequirements))
		for k, v := range p.ModuleRequirements {
			cp.ModuleRequirements[k] = v
		}
	}
	return &cp
}

// ActionState tracks one action through a single plan run.
type ActionState struct {
	ActionID         string         `json:"action_id"`
	Status           ActionStatus   `json:"status"`
	Attempt          int            `json:"attempt"`
	StartedAt        time.Time      `json:"started_at,omitempty"`
	FinishedAt       time.Time      `json:"finished_at,omitempty"`
	Result           any            `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	ApprovalMetadata map[string]any `json:"approval_metadata,omitempty"`
}

// Duration returns the execution duration of the action.
func (s *ActionState) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// ExecutionState aggregates the per-action states of one plan run.
type ExecutionState struct {
	PlanID     string                  `json:"plan_id"`
	Status     PlanStatus              `json:"plan_status"`
	Actions    map[string]*ActionState `json:"actions"`
	Order      []string                `json:"order,omitempty"` // plan declaration order
	StartedAt  time.Time               `json:"started_at,omitempty"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`

	mu sync.RWMutex
}

// NewExecutionState creates the run state for a plan with every action pending.
func NewExecutionState(plan *Plan) *ExecutionState {
	s := &ExecutionState{
		PlanID:  plan.ID,
		Status:  PlanStatusPending,
		Actions: make(map[string]*ActionState, len(plan.Actions)),
		Order:   make([]string, 0, len(plan.Actions)),
	}
	for _, a := range plan.Actions {
		s.Actions[a.ID] = &ActionState{ActionID: a.ID, Status: ActionStatusPending}
		s.Order = append(s.Order, a.ID)
	}
	return s
}

// GetStatus returns the aggregate plan status.
func (s *ExecutionState) GetStatus() PlanStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// SetStatus updates the aggregate plan status and its timing information.
func (s *ExecutionState) SetStatus(status PlanStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if status == PlanStatusRunning && s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if status == PlanStatusCompleted || status == PlanStatusFailed {
		s.FinishedAt = now
	}
	s.Status = status
}

// Action returns a copy of the state of one action.
func (s *ExecutionState) Action(id string) (ActionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.Actions[id]
	if !ok {
		return ActionState{}, false
	}
	return st.copy(), true
}

// update applies fn to a non-terminal action and returns the resulting copy.
func (s *ExecutionState) update(id string, fn func(st *ActionState)) (ActionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.Actions[id]
	if !ok {
		return ActionState{}, false
	}
	if st.Status.IsTerminal() {
		return st.copy(), false
	}
	fn(st)
	return st.copy(), true
}

// MarkWaiting moves a pending action into the current wave.
func (s *ExecutionState) MarkWaiting(id string) (ActionState, bool) {
	return s.update(id, func(st *ActionState) {
		st.Status = ActionStatusWaiting
	})
}

// MarkRunning records the start of an attempt.
func (s *ExecutionState) MarkRunning(id string, attempt int) (ActionState, bool) {
	return s.update(id, func(st *ActionState) {
		st.Status = ActionStatusRunning
		st.Attempt = attempt
		st.StartedAt = time.Now()
	})
}

// MarkAwaitingApproval suspends the action on the approval gate.
func (s *ExecutionState) MarkAwaitingApproval(id string) (ActionState, bool) {
	return s.update(id, func(st *ActionState) {
		st.Status = ActionStatusAwaitingApproval
	})
}

// SetApprovalMetadata records the outcome of an approval decision.
func (s *ExecutionState) SetApprovalMetadata(id string, meta map[string]any) (ActionState, bool) {
	return s.update(id, func(st *ActionState) {
		st.ApprovalMetadata = meta
	})
}

// MarkCompleted stores the result and moves the action to completed.
func (s *ExecutionState) MarkCompleted(id string, result any) (ActionState, bool) {
	return s.update(id, func(st *ActionState) {
		st.Status = ActionStatusCompleted
		st.Result = result
		st.Error = ""
		st.FinishedAt = time.Now()
	})
}

// MarkFailed moves the action to failed unless it is already terminal.
func (s *ExecutionState) MarkFailed(id string, err error) (ActionState, bool) {
	return s.update(id, func(st *ActionState) {
		st.Status = ActionStatusFailed
		if err != nil {
			st.Error = err.Error()
		}
		st.FinishedAt = time.Now()
	})
}

// MarkSkipped moves the action to skipped unless it is already terminal.
func (s *ExecutionState) MarkSkipped(id string, reason string) (ActionState, bool) {
	return s.update(id, func(st *ActionState) {
		st.Status = ActionStatusSkipped
		if reason != "" {
			st.Error = reason
		}
		st.FinishedAt = time.Now()
	})
}

// AllCompleted reports whether every action reached completed.
func (s *ExecutionState) AllCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.Actions {
		if st.Status != ActionStatusCompleted {
			return false
		}
	}
	return true
}

// Counts returns the number of actions per status.
func (s *ExecutionState) Counts() map[ActionStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ActionStatus]int)
	for _, st := range s.Actions {
		out[st.Status]++
	}
	return out
}

// NonTerminal returns the ids of actions that have not reached a terminal status.
func (s *ExecutionState) NonTerminal() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.Order {
		if st, ok := s.Actions[id]; ok && !st.Status.IsTerminal() {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns a copy of the aggregate that shares no mutable state with s.
func (s *ExecutionState) Snapshot() *ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &ExecutionState{
		PlanID:     s.PlanID,
		Status:     s.Status,
		Actions:    make(map[string]*ActionState, len(s.Actions)),
		Order:      append([]string(nil), s.Order...),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	for id, st := range s.Actions {
		cp := st.copy()
		out.Actions[id] = &cp
	}
	return out
}

func (st *ActionState) copy() ActionState {
	cp := *st
	if st.ApprovalMetadata != nil {
		cp.ApprovalMetadata = make(map[string]any, len(st.ApprovalMetadata))
		for k, v := range st.ApprovalMetadata {
			cp.ApprovalMetadata[k] = v
		}
	}
	return cp
}
