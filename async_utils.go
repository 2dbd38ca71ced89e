package dragonscale

import (
	"context"
	"sort"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-engine/internal/eventbus"
)

// RunStatus represents the status information for a submitted plan.
type RunStatus struct {
	PlanID      string               `json:"plan_id"`
	Status      PlanStatus           `json:"status"`
	Active      bool                 `json:"active"`
	SubmittedAt time.Time            `json:"submitted_at,omitempty"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	FinishedAt  time.Time            `json:"finished_at,omitempty"`
	Duration    time.Duration        `json:"duration"`
	Counts      map[ActionStatus]int `json:"counts"`
	Actions     []ActionState        `json:"actions"`
	Cancelled   bool                 `json:"cancelled,omitempty"`
	Error       string               `json:"error,omitempty"`
}

func statusFromState(st *ExecutionState) RunStatus {
	rs := RunStatus{
		PlanID:     st.PlanID,
		Status:     st.Status,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
		Counts:     make(map[ActionStatus]int),
		Actions:    make([]ActionState, 0, len(st.Actions)),
	}
	seen := make(map[string]bool, len(st.Order))
	for _, id := range st.Order {
		if as, ok := st.Actions[id]; ok {
			rs.Actions = append(rs.Actions, as.copy())
			seen[id] = true
		}
	}
	var rest []string
	for id := range st.Actions {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		rs.Actions = append(rs.Actions, st.Actions[id].copy())
	}
	for _, as := range rs.Actions {
		rs.Counts[as.Status]++
	}
	switch {
	case st.StartedAt.IsZero():
	case st.FinishedAt.IsZero():
		rs.Duration = time.Since(st.StartedAt)
	default:
		rs.Duration = st.FinishedAt.Sub(st.StartedAt)
	}
	return rs
}

func (e *Engine) statusOf(run *planRun) RunStatus {
	rs := statusFromState(run.state.Snapshot())
	rs.SubmittedAt = run.submittedAt
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	rs.Active = !run.finished()
	rs.Cancelled = run.cancelled
	if run.err != nil {
		rs.Error = run.err.Error()
	}
	return rs
}

// Status retrieves the current status of a plan, falling back to the state
// store for plans the engine no longer holds.
func (e *Engine) Status(ctx context.Context, planID string) (*RunStatus, error) {
	e.runsMu.RLock()
	run, ok := e.runs[planID]
	e.runsMu.RUnlock()
	if ok {
		rs := e.statusOf(run)
		return &rs, nil
	}
	if e.store == nil {
		return nil, NewPlanNotFoundError(planID)
	}
	st, err := e.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	rs := statusFromState(st)
	return &rs, nil
}

// Cancel cancels a running plan. It returns false when the plan already finished.
func (e *Engine) Cancel(planID string) (bool, error) {
	e.runsMu.Lock()
	run, ok := e.runs[planID]
	if !ok {
		e.runsMu.Unlock()
		return false, NewPlanNotFoundError(planID)
	}
	if run.finished() || run.cancelled {
		e.runsMu.Unlock()
		return false, nil
	}
	run.cancelled = true
	e.runsMu.Unlock()

	run.cancel()
	e.logger.Info("Plan cancellation requested", "plan_id", planID)
	e.publish(context.Background(), eventbus.EventPlanCancelled, run, map[string]any{
		"duration_ms": time.Since(run.submittedAt).Milliseconds(),
	})
	return true, nil
}

// List returns the status of every known plan, newest submission first.
// Plans only present in the state store are appended after them.
func (e *Engine) List(ctx context.Context) ([]RunStatus, error) {
	e.runsMu.RLock()
	runs := make([]*planRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.runsMu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].submittedAt.After(runs[j].submittedAt)
	})
	out := make([]RunStatus, 0, len(runs))
	known := make(map[string]bool, len(runs))
	for _, r := range runs {
		out = append(out, e.statusOf(r))
		known[r.plan.ID] = true
	}

	if e.store != nil {
		stored, err := e.store.List(ctx)
		if err != nil {
			return out, err
		}
		for _, st := range stored {
			if !known[st.PlanID] {
				out = append(out, statusFromState(st))
			}
		}
	}
	return out, nil
}

// CleanupCompleted forgets finished plans older than olderThan and returns how
// many were removed. Persisted state is untouched.
func (e *Engine) CleanupCompleted(olderThan time.Duration) int {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	now := time.Now()
	count := 0
	for id, r := range e.runs {
		if r.finished() && now.Sub(r.finishedAt) > olderThan {
			delete(e.runs, id)
			count++
		}
	}
	return count
}
