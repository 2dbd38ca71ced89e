package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/approval"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/memory"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/permission"
)

func writePlan(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestEndToEnd_YAMLToResult_Success(t *testing.T) {
	path := writePlan(t, "plan.yaml", `
plan_id: e2e
module_requirements:
  system: ">=1.0.0"
actions:
  - id: a
    module: system
    action: echo
    params:
      x: 1
  - id: b
    module: system
    action: echo
    depends_on: [a]
    params:
      y: "{{result.a.x}}"
`)
	plan, _, err := LoadAndValidatePlan(path)
	require.NoError(t, err)

	f := newFixture(t, nil)
	st, err := f.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, dragonscale.PlanStatusCompleted, st.Status)

	bs, _ := st.Action("b")
	assert.Equal(t, map[string]any{"y": float64(1)}, bs.Result)
}

func TestEndToEnd_YAMLToResult_Error(t *testing.T) {
	path := writePlan(t, "plan.yaml", `
plan_id: e2e-fail
actions:
  - id: a
    module: system
    action: fail
    params:
      message: disk full
  - id: b
    module: system
    action: echo
    depends_on: [a]
`)
	plan, _, err := LoadAndValidatePlan(path)
	require.NoError(t, err)

	f := newFixture(t, nil)
	st, err := f.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, dragonscale.PlanStatusFailed, st.Status)

	as, _ := st.Action("a")
	assert.Contains(t, as.Error, "disk full")
	assert.Equal(t, dragonscale.ActionStatusSkipped, mustStatus(t, st, "b"))
}

func gated(id string, deps ...string) dragonscale.Action {
	a := act(id, deps...)
	a.RequiresApproval = true
	return a
}

func TestApproval_RejectFailsAndCascades(t *testing.T) {
	gate := approval.NewGate(approval.WithHandler(approval.Decide(dragonscale.DecisionReject, "ops")), approval.WithLogger(quietLogger()))
	f := newFixture(t, nil, WithApprovalGate(gate))

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "reject",
		Actions: []dragonscale.Action{gated("a"), act("b", "a")},
	})
	require.NoError(t, err)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Contains(t, as.Error, dragonscale.ErrCodeApprovalRejected)
	assert.Equal(t, "reject", as.ApprovalMetadata["decision"])
	assert.Equal(t, "ops", as.ApprovalMetadata["approved_by"])
	assert.Equal(t, dragonscale.ActionStatusSkipped, mustStatus(t, st, "b"))
	assert.Empty(t, f.calls.list())
	assert.Equal(t, []dragonscale.AuditEvent{
		dragonscale.AuditApprovalRequested,
		dragonscale.AuditApprovalRejected,
		dragonscale.AuditActionFailed,
	}, f.audit.Kinds("a"))
}

func TestApproval_NoGateFailsAction(t *testing.T) {
	f := newFixture(t, nil)
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "no-gate",
		Actions: []dragonscale.Action{gated("a")},
	})
	require.NoError(t, err)
	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Contains(t, as.Error, dragonscale.ErrCodeApprovalRequired)
}

func TestApproval_ModifyMergesParams(t *testing.T) {
	handler := func(_ context.Context, req dragonscale.ApprovalRequest) (dragonscale.ApprovalResponse, error) {
		return dragonscale.ApprovalResponse{
			Decision:       dragonscale.DecisionModify,
			ModifiedParams: map[string]any{"target": "staging"},
			ApprovedBy:     "lead",
		}, nil
	}
	gate := approval.NewGate(approval.WithHandler(handler), approval.WithLogger(quietLogger()))
	f := newFixture(t, nil, WithApprovalGate(gate))

	a := gated("a")
	a.Params["target"] = "prod"
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{ID: "modify", Actions: []dragonscale.Action{a}})
	require.NoError(t, err)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusCompleted, as.Status)
	res := as.Result.(map[string]any)
	assert.Equal(t, "staging", res["target"])
	assert.Equal(t, "a", res["id"])
	assert.Equal(t, true, as.ApprovalMetadata["modified"])
}

func TestApproval_SkipDecision(t *testing.T) {
	handler := func(context.Context, dragonscale.ApprovalRequest) (dragonscale.ApprovalResponse, error) {
		return dragonscale.ApprovalResponse{Decision: dragonscale.DecisionSkip, Reason: "not today"}, nil
	}
	gate := approval.NewGate(approval.WithHandler(handler), approval.WithLogger(quietLogger()))
	f := newFixture(t, nil, WithApprovalGate(gate))

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "approver-skip",
		Actions: []dragonscale.Action{gated("a"), act("b")},
	})
	require.NoError(t, err)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusSkipped, as.Status)
	assert.Equal(t, "skipped by approver: not today", as.Error)
	assert.Equal(t, dragonscale.ActionStatusCompleted, mustStatus(t, st, "b"))
	assert.Equal(t, 1, f.audit.Count(dragonscale.AuditApprovalRejected))
}

func TestApproval_TimeoutBehavior(t *testing.T) {
	tests := []struct {
		behavior dragonscale.TimeoutBehavior
		want     dragonscale.ActionStatus
	}{
		{dragonscale.TimeoutBehaviorApprove, dragonscale.ActionStatusCompleted},
		{dragonscale.TimeoutBehaviorSkip, dragonscale.ActionStatusSkipped},
		{dragonscale.TimeoutBehaviorReject, dragonscale.ActionStatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.behavior), func(t *testing.T) {
			gate := approval.NewGate(approval.WithLogger(quietLogger()))
			f := newFixture(t, nil, WithApprovalGate(gate))

			a := gated("a")
			a.Approval = &dragonscale.ApprovalConfig{Timeout: 20 * time.Millisecond, TimeoutBehavior: tt.behavior}
			st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{ID: "timeout", Actions: []dragonscale.Action{a}})
			require.NoError(t, err)

			as, _ := st.Action("a")
			assert.Equal(t, tt.want, as.Status)
			assert.Equal(t, true, as.ApprovalMetadata["timed_out"])
			assert.Equal(t, string(tt.behavior), as.ApprovalMetadata["timeout_behavior"])
			assert.EqualValues(t, 20, as.ApprovalMetadata["timeout_ms"])
		})
	}
}

func TestApproval_ApproveAlwaysAutoApprovesLaterRuns(t *testing.T) {
	var asked atomic.Int32
	handler := func(context.Context, dragonscale.ApprovalRequest) (dragonscale.ApprovalResponse, error) {
		if asked.Add(1) == 1 {
			return dragonscale.ApprovalResponse{Decision: dragonscale.DecisionApproveAlways, ApprovedBy: "ops"}, nil
		}
		return dragonscale.ApprovalResponse{Decision: dragonscale.DecisionReject}, nil
	}
	gate := approval.NewGate(approval.WithHandler(handler), approval.WithLogger(quietLogger()))
	f := newFixture(t, nil, WithApprovalGate(gate))

	for _, id := range []string{"first", "second"} {
		st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{ID: id, Actions: []dragonscale.Action{gated("a")}})
		require.NoError(t, err)
		assert.Equal(t, dragonscale.PlanStatusCompleted, st.Status, id)
	}
	assert.EqualValues(t, 1, asked.Load())

	st, err := f.store.Get(context.Background(), "second")
	require.NoError(t, err)
	meta := st.Actions["a"].ApprovalMetadata
	assert.Equal(t, true, meta["auto_approved"])
	assert.Equal(t, "allow-list", meta["approved_by"])
}

func TestPermission_PlanDenyRejectsBeforeDispatch(t *testing.T) {
	guard, err := permission.NewRuleGuard([]permission.Rule{
		{Name: "no-fail", When: `module == "system" && action == "fail"`, Effect: permission.EffectDeny, Reason: "fail is disabled"},
	}, permission.WithLogger(quietLogger()))
	require.NoError(t, err)
	f := newFixture(t, nil, WithPermissionGuard(guard))

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID: "deny",
		Actions: []dragonscale.Action{
			act("a"),
			{ID: "b", Module: "system", Action: "fail"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dragonscale.ErrPolicy))
	assert.Contains(t, err.Error(), "fail is disabled")
	assert.Empty(t, f.calls.list())
	assert.Equal(t, dragonscale.PlanStatusFailed, st.Status)
}

func TestPermission_RuleRequiresApproval(t *testing.T) {
	guard, err := permission.NewRuleGuard([]permission.Rule{
		{Name: "risky", When: `risk_level == "high"`, Effect: permission.EffectRequireApproval},
	}, permission.WithLogger(quietLogger()))
	require.NoError(t, err)
	gate := approval.NewGate(approval.WithHandler(approval.Decide(dragonscale.DecisionApprove, "ops")), approval.WithLogger(quietLogger()))
	f := newFixture(t, nil, WithPermissionGuard(guard), WithApprovalGate(gate))

	risky := act("a")
	risky.Approval = &dragonscale.ApprovalConfig{RiskLevel: "high"}
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "rule-approval",
		Actions: []dragonscale.Action{risky, act("b")},
	})
	require.NoError(t, err)
	assert.Equal(t, dragonscale.PlanStatusCompleted, st.Status)
	assert.Equal(t, 1, f.audit.Count(dragonscale.AuditApprovalRequested))
	assert.Equal(t, []dragonscale.AuditEvent{dragonscale.AuditActionStarted, dragonscale.AuditActionCompleted}, f.audit.Kinds("b"))
}

func TestMemory_ReadAndWrite(t *testing.T) {
	store := memory.NewInMemoryStore(time.Minute, quietLogger())
	defer store.Close()
	require.NoError(t, store.Set(context.Background(), "greeting", map[string]any{"text": "hello"}))

	f := newFixture(t, nil, WithMemoryStore(store))
	a := act("a")
	a.Params["msg"] = "{{memory.greeting.text}} world"
	a.Memory = &dragonscale.MemoryConfig{ReadKeys: []string{"greeting", "absent"}, WriteKey: "last"}

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{ID: "memory", Actions: []dragonscale.Action{a}})
	require.NoError(t, err)
	assert.Equal(t, dragonscale.ActionStatusCompleted, mustStatus(t, st, "a"))

	written, err := store.Get(context.Background(), "last")
	require.NoError(t, err)
	assert.Equal(t, "hello world", written.(map[string]any)["msg"])
}

type phaseCapturer struct {
	mu     sync.Mutex
	phases []dragonscale.PerceptionPhase
}

func (p *phaseCapturer) Capture(_ context.Context, phase dragonscale.PerceptionPhase, cfg dragonscale.PerceptionConfig) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = append(p.phases, phase)
	return map[string]any{"phase": string(phase), "target": cfg.Target}, nil
}

func TestPerception_WrapsResult(t *testing.T) {
	capturer := &phaseCapturer{}
	f := newFixture(t, nil, WithPerception(capturer))

	obj := act("obj")
	obj.Perception = &dragonscale.PerceptionConfig{CaptureBefore: true, CaptureAfter: true, Target: "screen"}
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{ID: "perception", Actions: []dragonscale.Action{obj}})
	require.NoError(t, err)

	objState, _ := st.Action("obj")
	res := objState.Result.(map[string]any)
	obs := res[PerceptionKey].(map[string]any)
	assert.Equal(t, "before", obs["before"].(map[string]any)["phase"])
	assert.Equal(t, "screen", obs["after"].(map[string]any)["target"])
	assert.Equal(t, "obj", res["id"])
	assert.Equal(t, []dragonscale.PerceptionPhase{dragonscale.PerceptionBefore, dragonscale.PerceptionAfter}, capturer.phases)

	assert.Equal(t, map[string]any{"value": 7, PerceptionKey: map[string]any{"after": 1}},
		mergePerception(7, map[string]any{"after": 1}))
}

type recordingRollback struct {
	mu     sync.Mutex
	failed []string
}

func (r *recordingRollback) Execute(_ context.Context, _ *dragonscale.Plan, failed *dragonscale.Action, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, failed.ID)
}

func TestRollback_InvokedOnFinalFailure(t *testing.T) {
	rb := &recordingRollback{}
	f := newFixture(t, nil, WithRollback(rb))

	withSpec := failing(act("a"), dragonscale.OnErrorRollback)
	withSpec.Rollback = &dragonscale.RollbackSpec{Module: "test", Action: "run"}
	noSpec := failing(act("b"), dragonscale.OnErrorRollback)
	abort := failing(act("c"), dragonscale.OnErrorAbort)
	abort.Rollback = &dragonscale.RollbackSpec{Module: "test", Action: "run"}

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "rollback",
		Actions: []dragonscale.Action{withSpec, noSpec, abort, act("d", "a")},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, rb.failed)
	assert.Equal(t, dragonscale.ActionStatusFailed, mustStatus(t, st, "a"))
	// Rollback failures do not cascade to dependents, but c's abort stops later waves.
	ds, _ := st.Action("d")
	assert.Equal(t, reasonAborted, ds.Error)
}

type denyGuard struct{}

func (denyGuard) CheckPlan(context.Context, *dragonscale.Plan) error { return nil }

func (denyGuard) CheckAction(_ context.Context, _ string, a *dragonscale.Action) error {
	return dragonscale.NewPolicyError("permission", "action '"+a.ID+"' is blocked", nil)
}

func TestSkipPolicy_RejectedApprovalStaysFailed(t *testing.T) {
	gate := approval.NewGate(approval.WithHandler(approval.Decide(dragonscale.DecisionReject, "ops")), approval.WithLogger(quietLogger()))
	f := newFixture(t, nil, WithApprovalGate(gate))

	a := gated("a")
	a.OnError = dragonscale.OnErrorSkip
	st, _ := f.exec.Execute(context.Background(), &dragonscale.Plan{ID: "skip-reject", Actions: []dragonscale.Action{a}})
	require.NotNil(t, st)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Contains(t, as.Error, dragonscale.ErrCodeApprovalRejected)
	assert.Empty(t, f.calls.list())
}

func TestSkipPolicy_PermissionDenialStaysFailed(t *testing.T) {
	f := newFixture(t, nil, WithPermissionGuard(denyGuard{}))

	a := act("a")
	a.OnError = dragonscale.OnErrorSkip
	st, _ := f.exec.Execute(context.Background(), &dragonscale.Plan{ID: "skip-deny", Actions: []dragonscale.Action{a}})
	require.NotNil(t, st)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Contains(t, as.Error, dragonscale.ErrCodePolicy)
	assert.Empty(t, f.calls.list())
}
