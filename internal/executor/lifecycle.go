package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/modules"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/scheduler"
)

// Stage is a step of the run lifecycle.
type Stage string

const (
	StageInit          Stage = "init"
	StageCompatibility Stage = "compatibility"
	StagePermission    Stage = "permission"
	StageScheduling    Stage = "scheduling"
	StageWaves         Stage = "waves"
	StageFinalize      Stage = "finalize"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
	StageCancelled     Stage = "cancelled"
)

// IsTerminal reports whether the lifecycle stops at s.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// run is the mutable context of one plan execution. Only the goroutine
// driving the state machine touches it.
type run struct {
	plan  *dragonscale.Plan
	state *dragonscale.ExecutionState
	dag   *scheduler.DAG

	// results holds the result of every completed action.
	results map[string]any
	// cascade holds ids scheduled to be skipped by an upstream abort.
	cascade map[string]struct{}

	stage      Stage
	history    []Stage
	stageStart map[Stage]time.Time
	err        error
	errStage   Stage
	startedAt  time.Time
}

func newRun(plan *dragonscale.Plan, state *dragonscale.ExecutionState) *run {
	return &run{
		plan:       plan,
		state:      state,
		results:    make(map[string]any),
		cascade:    make(map[string]struct{}),
		stage:      StageInit,
		stageStart: map[Stage]time.Time{StageInit: time.Now()},
		startedAt:  time.Now(),
	}
}

func (r *run) enter(s Stage) {
	r.history = append(r.history, r.stage)
	r.stage = s
	r.stageStart[s] = time.Now()
}

func (r *run) fail(err error) {
	r.err = err
	r.errStage = r.stage
	r.enter(StageFailed)
}

func (r *run) cancel(err error) {
	r.err = err
	r.errStage = r.stage
	r.enter(StageCancelled)
}

// transition runs one stage and returns the next.
type transition func(ctx context.Context, r *run) (Stage, error)

type lifecycle struct {
	transitions map[Stage]transition
}

func (e *PlanExecutor) newLifecycle() *lifecycle {
	return &lifecycle{transitions: map[Stage]transition{
		StageInit:          e.initTransition,
		StageCompatibility: e.compatibilityTransition,
		StagePermission:    e.permissionTransition,
		StageScheduling:    e.schedulingTransition,
		StageWaves:         e.wavesTransition,
		StageFinalize:      e.finalizeTransition,
	}}
}

// execute drives r until it reaches a terminal stage.
func (l *lifecycle) execute(ctx context.Context, r *run) {
	for !r.stage.IsTerminal() {
		// The wave loop handles cancellation itself so in-flight actions are recorded.
		if r.stage != StageWaves && ctx.Err() != nil {
			r.cancel(dragonscale.NewCancelledError(string(r.stage), ctx.Err()))
			return
		}

		t, ok := l.transitions[r.stage]
		if !ok {
			r.fail(dragonscale.NewInternalError(string(r.stage), fmt.Sprintf("no transition defined for stage: %s", r.stage), nil))
			return
		}

		next, err := t(ctx, r)
		if err != nil {
			if errors.Is(err, dragonscale.ErrCancelled) {
				r.cancel(err)
			} else {
				r.fail(err)
			}
			return
		}
		r.enter(next)
	}
}

func (e *PlanExecutor) initTransition(ctx context.Context, r *run) (Stage, error) {
	r.state.SetStatus(dragonscale.PlanStatusRunning)
	e.persistPlanStatus(ctx, r.plan.ID, dragonscale.PlanStatusRunning)
	e.audit(ctx, dragonscale.AuditPlanStarted, map[string]any{
		"plan_id":      r.plan.ID,
		"plan_name":    r.plan.Name,
		"action_count": len(r.plan.Actions),
	})
	return StageCompatibility, nil
}

func (e *PlanExecutor) compatibilityTransition(_ context.Context, r *run) (Stage, error) {
	if len(r.plan.ModuleRequirements) == 0 {
		return StagePermission, nil
	}
	var available map[string]string
	if e.versions != nil {
		available = e.versions.Versions()
	}
	if err := modules.CheckCompatibility(r.plan.ModuleRequirements, available); err != nil {
		return StageFailed, err
	}
	return StagePermission, nil
}

func (e *PlanExecutor) permissionTransition(ctx context.Context, r *run) (Stage, error) {
	if e.guard == nil {
		return StageScheduling, nil
	}
	if err := e.guard.CheckPlan(ctx, r.plan); err != nil {
		if !errors.Is(err, dragonscale.ErrPolicy) {
			err = dragonscale.NewPolicyError("permission", "plan rejected", err)
		}
		return StageFailed, err
	}
	return StageScheduling, nil
}

func (e *PlanExecutor) schedulingTransition(_ context.Context, r *run) (Stage, error) {
	dag, err := scheduler.New(r.plan.Actions)
	if err != nil {
		return StageFailed, err
	}
	r.dag = dag
	e.logger.Debug("Plan scheduled", "plan_id", r.plan.ID, "waves", len(dag.Waves()))
	return StageWaves, nil
}

func (e *PlanExecutor) finalizeTransition(_ context.Context, r *run) (Stage, error) {
	if r.state.AllCompleted() {
		return StageCompleted, nil
	}
	return StageFailed, nil
}
