package executor

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

const (
	reasonCascade   = "skipped: upstream action with on_error=abort failed"
	reasonCancelled = "plan cancelled"
	reasonAborted   = "plan aborted"
)

// outcome is what an action task reports back to the wave loop.
type outcome struct {
	id        string
	status    dragonscale.ActionStatus
	result    any
	completed bool
}

// wavesTransition runs every wave in order. Results and the cascade set are
// only mutated here, after the wave's tasks have returned.
func (e *PlanExecutor) wavesTransition(ctx context.Context, r *run) (Stage, error) {
	waves := r.dag.Waves()
	for i, wave := range waves {
		if ctx.Err() != nil {
			return StageCancelled, dragonscale.NewCancelledError("execution", ctx.Err())
		}

		runnable := make([]string, 0, len(wave))
		for _, id := range wave {
			if _, skip := r.cascade[id]; skip {
				e.skipAction(ctx, r, id, reasonCascade)
				continue
			}
			runnable = append(runnable, id)
		}

		e.logger.Debug("Starting wave",
			"plan_id", r.plan.ID,
			"wave", i,
			"actions", len(runnable),
			"cascade_skipped", len(wave)-len(runnable))

		for _, o := range e.runWave(ctx, r, runnable) {
			if o.completed {
				r.results[o.id] = o.result
			}
		}

		if ctx.Err() != nil {
			return StageCancelled, dragonscale.NewCancelledError("execution", ctx.Err())
		}
		if e.collectAborts(ctx, r, runnable) {
			for _, later := range waves[i+1:] {
				for _, id := range later {
					e.skipAction(ctx, r, id, reasonAborted)
				}
			}
			e.logger.Info("Plan aborting after failed action", "plan_id", r.plan.ID, "wave", i)
			break
		}
	}
	return StageFinalize, nil
}

// runWave launches the runnable actions concurrently and waits for all of them.
func (e *PlanExecutor) runWave(ctx context.Context, r *run, ids []string) []outcome {
	if len(ids) == 0 {
		return nil
	}

	snapshot := make(map[string]any, len(r.results))
	for k, v := range r.results {
		snapshot[k] = v
	}

	for _, id := range ids {
		if st, ok := r.state.MarkWaiting(id); ok {
			e.persistAction(ctx, r.plan.ID, st)
		}
	}

	limit := e.maxParallel
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(limit)
	for _, id := range ids {
		action, _ := r.plan.Action(id)
		p.Go(func() outcome {
			return e.runAction(ctx, r, action, snapshot)
		})
	}
	return p.Wait()
}

// collectAborts unions the descendants of every abort-policy failure of the
// wave into the cascade set and skips those still pending.
func (e *PlanExecutor) collectAborts(ctx context.Context, r *run, ids []string) bool {
	aborted := false
	for _, id := range ids {
		st, ok := r.state.Action(id)
		if !ok || st.Status != dragonscale.ActionStatusFailed {
			continue
		}
		action, _ := r.plan.Action(id)
		if action.OnError.Normalize() != dragonscale.OnErrorAbort {
			continue
		}
		aborted = true
		descendants := r.dag.Descendants(id)
		e.logger.Info("Action failed with on_error=abort, skipping descendants",
			"plan_id", r.plan.ID,
			"action_id", id,
			"descendants", len(descendants))
		for _, d := range descendants {
			r.cascade[d] = struct{}{}
			if cur, ok := r.state.Action(d); ok && cur.Status == dragonscale.ActionStatusPending {
				e.skipAction(ctx, r, d, reasonCascade)
			}
		}
	}
	return aborted
}
