package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/audit"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/modules"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/node"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/state"
)

// callLog records dispatches in arrival order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, id)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *callLog) count(id string) int {
	n := 0
	for _, got := range c.list() {
		if got == id {
			n++
		}
	}
	return n
}

// testModule returns a "test" module whose "run" action records params["id"],
// and fails when params["fail"] is true.
func testModule(log *callLog) *modules.FuncModule {
	return modules.NewFuncModule("test",
		modules.WithVersion("1.2.0"),
		modules.WithAction("run", func(_ context.Context, params map[string]any) (any, error) {
			id, _ := params["id"].(string)
			log.add(id)
			if fail, _ := params["fail"].(bool); fail {
				return nil, errors.New("boom")
			}
			out := map[string]any{"id": id}
			for k, v := range params {
				out[k] = v
			}
			return out, nil
		}),
	)
}

type fixture struct {
	exec  *PlanExecutor
	audit *audit.Recorder
	store *state.MemoryStore
	nodes *node.Registry
	calls *callLog
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, extra []dragonscale.Module, opts ...ExecutorOption) *fixture {
	t.Helper()
	calls := &callLog{}
	mods := append([]dragonscale.Module{testModule(calls), modules.System()}, extra...)
	reg, err := modules.NewRegistry(mods...)
	require.NoError(t, err)

	f := &fixture{
		audit: &audit.Recorder{},
		store: state.NewMemoryStore(),
		nodes: node.NewRegistry(node.NewLocalNode(reg)),
		calls: calls,
	}
	base := []ExecutorOption{
		WithAuditLogger(f.audit),
		WithStateStore(f.store),
		WithModuleVersions(reg),
		WithLogger(quietLogger()),
	}
	f.exec = New(f.nodes, append(base, opts...)...)
	return f
}

func act(id string, deps ...string) dragonscale.Action {
	return dragonscale.Action{
		ID:        id,
		Module:    "test",
		Action:    "run",
		Params:    map[string]any{"id": id},
		DependsOn: deps,
	}
}

func failing(a dragonscale.Action, policy dragonscale.OnError) dragonscale.Action {
	a.Params["fail"] = true
	a.OnError = policy
	return a
}

func mustStatus(t *testing.T, st *dragonscale.ExecutionState, id string) dragonscale.ActionStatus {
	t.Helper()
	as, ok := st.Action(id)
	require.True(t, ok, "no state for %s", id)
	return as.Status
}

func TestExecute_LinearChainPassesResults(t *testing.T) {
	f := newFixture(t, nil)
	b := act("b", "a")
	b.Params["upstream"] = "{{result.a.id}}"
	c := act("c", "b")
	c.Params["whole"] = "{{result.b}}"
	c.Params["text"] = "from {{result.b.upstream}}"

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "chain",
		Actions: []dragonscale.Action{c, b, act("a")},
	})
	require.NoError(t, err)

	assert.Equal(t, dragonscale.PlanStatusCompleted, st.Status)
	assert.Equal(t, []string{"a", "b", "c"}, f.calls.list())

	cs, _ := st.Action("c")
	res := cs.Result.(map[string]any)
	assert.Equal(t, "from a", res["text"])
	whole, ok := res["whole"].(map[string]any)
	require.True(t, ok, "whole-token reference keeps the native type")
	assert.Equal(t, "a", whole["upstream"])

	stored, err := f.store.Get(context.Background(), "chain")
	require.NoError(t, err)
	assert.Equal(t, dragonscale.PlanStatusCompleted, stored.Status)
	assert.Equal(t, 1, f.audit.Count(dragonscale.AuditPlanStarted))
	assert.Equal(t, 1, f.audit.Count(dragonscale.AuditPlanCompleted))
	assert.Equal(t, 3, f.audit.Count(dragonscale.AuditActionCompleted))
}

func TestExecute_DiamondRunsMiddleWaveConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	go func() {
		started.Wait()
		close(release)
	}()

	var concurrent atomic.Bool
	mod := modules.NewFuncModule("barrier",
		modules.WithAction("meet", func(ctx context.Context, _ map[string]any) (any, error) {
			started.Done()
			select {
			case <-release:
				concurrent.Store(true)
				return "met", nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("peer never started")
			}
		}),
	)
	f := newFixture(t, []dragonscale.Module{mod})

	mid := func(id string) dragonscale.Action {
		return dragonscale.Action{ID: id, Module: "barrier", Action: "meet", DependsOn: []string{"a"}}
	}
	d := act("d", "b", "c")
	d.Params["joined"] = "{{result.b}}+{{result.c}}"

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "diamond",
		Actions: []dragonscale.Action{act("a"), mid("b"), mid("c"), d},
	})
	require.NoError(t, err)
	assert.True(t, concurrent.Load())
	assert.Equal(t, dragonscale.PlanStatusCompleted, st.Status)

	ds, _ := st.Action("d")
	assert.Equal(t, "met+met", ds.Result.(map[string]any)["joined"])
}

func TestExecute_AbortCascadesToDescendants(t *testing.T) {
	f := newFixture(t, nil)
	plan := &dragonscale.Plan{
		ID: "cascade",
		Actions: []dragonscale.Action{
			failing(act("a"), dragonscale.OnErrorAbort),
			act("b", "a"),
			act("c", "b"),
			act("x"),
			act("y", "x"),
		},
	}

	st, err := f.exec.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, dragonscale.PlanStatusFailed, st.Status)
	assert.Equal(t, dragonscale.ActionStatusFailed, mustStatus(t, st, "a"))
	assert.Equal(t, dragonscale.ActionStatusCompleted, mustStatus(t, st, "x"))
	for _, id := range []string{"b", "c"} {
		as, _ := st.Action(id)
		assert.Equal(t, dragonscale.ActionStatusSkipped, as.Status, id)
		assert.Equal(t, reasonCascade, as.Error, id)
	}
	ys, _ := st.Action("y")
	assert.Equal(t, dragonscale.ActionStatusSkipped, ys.Status)
	assert.Equal(t, reasonAborted, ys.Error)

	assert.Zero(t, f.calls.count("b"))
	assert.Zero(t, f.calls.count("y"))
	assert.Empty(t, st.NonTerminal())
}

func TestExecute_ContinueLetsDependentsRun(t *testing.T) {
	f := newFixture(t, nil)
	ref := act("c", "a")
	ref.Params["from"] = "{{result.a}}"
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "continue",
		Actions: []dragonscale.Action{failing(act("a"), dragonscale.OnErrorContinue), act("b", "a"), ref},
	})
	require.NoError(t, err)

	assert.Equal(t, dragonscale.ActionStatusFailed, mustStatus(t, st, "a"))
	assert.Equal(t, dragonscale.ActionStatusCompleted, mustStatus(t, st, "b"))

	cs, _ := st.Action("c")
	assert.Equal(t, dragonscale.ActionStatusFailed, cs.Status)
	assert.Contains(t, cs.Error, dragonscale.ErrCodeTemplateResolution)
	assert.Equal(t, dragonscale.PlanStatusFailed, st.Status)
}

func TestExecute_SkipPolicyDoesNotCascade(t *testing.T) {
	f := newFixture(t, nil)
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "skip",
		Actions: []dragonscale.Action{failing(act("a"), dragonscale.OnErrorSkip), act("b", "a")},
	})
	require.NoError(t, err)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusSkipped, as.Status)
	assert.Contains(t, as.Error, "boom")
	assert.Equal(t, dragonscale.ActionStatusCompleted, mustStatus(t, st, "b"))
	assert.Equal(t, dragonscale.PlanStatusFailed, st.Status)
}

func TestExecute_RetryBacksOffThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	flaky := modules.NewFuncModule("flaky",
		modules.WithAction("call", func(context.Context, map[string]any) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		}),
	)
	var mu sync.Mutex
	var sleeps []time.Duration
	f := newFixture(t, []dragonscale.Module{flaky}, WithSleep(func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
		return nil
	}))

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID: "retry",
		Actions: []dragonscale.Action{{
			ID:      "a",
			Module:  "flaky",
			Action:  "call",
			OnError: dragonscale.OnErrorRetry,
			Retry:   &dragonscale.RetryPolicy{MaxAttempts: 3, Delay: 100 * time.Millisecond, Multiplier: 2},
		}},
	})
	require.NoError(t, err)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusCompleted, as.Status)
	assert.Equal(t, 3, as.Attempt)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps)
	assert.Equal(t, 2, f.audit.Count(dragonscale.AuditActionRetry))
	assert.Equal(t, 2, f.exec.Metrics().Snapshot().TotalRetries)
}

func TestExecute_RetryExhaustedFails(t *testing.T) {
	f := newFixture(t, nil, WithSleep(func(context.Context, time.Duration) error { return nil }))
	a := failing(act("a"), dragonscale.OnErrorRetry)
	a.Retry = &dragonscale.RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "exhausted",
		Actions: []dragonscale.Action{a, act("b", "a")},
	})
	require.NoError(t, err)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Equal(t, 2, as.Attempt)
	assert.Contains(t, as.Error, dragonscale.ErrCodeDispatch)
	assert.Equal(t, 2, f.calls.count("a"))
	// Retry failures do not cascade.
	assert.Equal(t, dragonscale.ActionStatusCompleted, mustStatus(t, st, "b"))
}

func TestExecute_ActionTimeout(t *testing.T) {
	slow := modules.NewFuncModule("slow",
		modules.WithAction("wait", func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	f := newFixture(t, []dragonscale.Module{slow})

	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "timeout",
		Actions: []dragonscale.Action{{ID: "a", Module: "slow", Action: "wait", Timeout: 20 * time.Millisecond}},
	})
	require.NoError(t, err)

	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Contains(t, as.Error, dragonscale.ErrCodeTimeout)
}

func TestExecute_CancellationStopsPlan(t *testing.T) {
	started := make(chan struct{})
	blocker := modules.NewFuncModule("block",
		modules.WithAction("wait", func(ctx context.Context, _ map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	f := newFixture(t, []dragonscale.Module{blocker})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	st, err := f.exec.Execute(ctx, &dragonscale.Plan{
		ID: "cancel",
		Actions: []dragonscale.Action{
			{ID: "a", Module: "block", Action: "wait"},
			act("b", "a"),
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dragonscale.ErrCancelled))

	assert.Equal(t, dragonscale.PlanStatusFailed, st.Status)
	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Contains(t, as.Error, dragonscale.ErrCodeCancelled)
	bs, _ := st.Action("b")
	assert.Equal(t, dragonscale.ActionStatusSkipped, bs.Status)
	assert.Equal(t, reasonCancelled, bs.Error)
	assert.Equal(t, 1, f.exec.Metrics().Snapshot().PlansCancelled)

	stored, err := f.store.Get(context.Background(), "cancel")
	require.NoError(t, err)
	assert.Equal(t, dragonscale.PlanStatusFailed, stored.Status)
}

func TestExecute_ModulePanicIsDispatchError(t *testing.T) {
	bad := modules.NewFuncModule("bad",
		modules.WithAction("panic", func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		}),
	)
	f := newFixture(t, []dragonscale.Module{bad})
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "panic",
		Actions: []dragonscale.Action{{ID: "a", Module: "bad", Action: "panic"}},
	})
	require.NoError(t, err)
	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Contains(t, as.Error, "kaboom")
}

func TestExecute_UnknownModuleFails(t *testing.T) {
	f := newFixture(t, nil)
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "missing",
		Actions: []dragonscale.Action{{ID: "a", Module: "nope", Action: "x"}},
	})
	require.NoError(t, err)
	as, _ := st.Action("a")
	assert.Equal(t, dragonscale.ActionStatusFailed, as.Status)
	assert.Contains(t, as.Error, dragonscale.ErrCodeModuleNotFound)
}

func TestExecute_StructuralErrorRejectsPlan(t *testing.T) {
	f := newFixture(t, nil)
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "cycle",
		Actions: []dragonscale.Action{act("a", "b"), act("b", "a"), act("c")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dragonscale.ErrCycle))
	assert.Equal(t, dragonscale.PlanStatusFailed, st.Status)
	assert.Empty(t, f.calls.list())
	for _, id := range []string{"a", "b", "c"} {
		as, _ := st.Action(id)
		assert.Equal(t, dragonscale.ActionStatusSkipped, as.Status)
		assert.Contains(t, as.Error, "plan rejected")
	}
	assert.Equal(t, 1, f.audit.Count(dragonscale.AuditPlanFailed))
}

func TestExecute_CompatibilityFailureRejectsPlan(t *testing.T) {
	f := newFixture(t, nil)
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:                 "compat",
		Actions:            []dragonscale.Action{act("a")},
		ModuleRequirements: map[string]string{"test": ">=2.0.0"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dragonscale.ErrCompatibility))
	assert.Equal(t, dragonscale.ActionStatusSkipped, mustStatus(t, st, "a"))
	assert.Empty(t, f.calls.list())

	_, err = f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:                 "compat-ok",
		Actions:            []dragonscale.Action{act("a")},
		ModuleRequirements: map[string]string{"test": "^1.0.0"},
	})
	assert.NoError(t, err)
}

func TestExecute_NodeLocality(t *testing.T) {
	remote := &fakeNode{id: "edge-1"}
	f := newFixture(t, nil)
	f.nodes.Register(remote)

	a := act("a")
	a.TargetNode = "edge-1"
	b := act("b")
	b.TargetNode = "edge-9"
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{
		ID:      "locality",
		Actions: []dragonscale.Action{a, b, act("c")},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"test.run"}, remote.calls())
	assert.Equal(t, []string{"c"}, f.calls.list())
	assert.Equal(t, dragonscale.ActionStatusCompleted, mustStatus(t, st, "a"))
	bs, _ := st.Action("b")
	assert.Equal(t, dragonscale.ActionStatusFailed, bs.Status)
	assert.Contains(t, bs.Error, dragonscale.ErrCodeNodeNotFound)
}

type fakeNode struct {
	id   string
	mu   sync.Mutex
	seen []string
}

func (n *fakeNode) ID() string { return n.id }

func (n *fakeNode) ExecuteAction(_ context.Context, module, action string, params map[string]any) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, module+"."+action)
	return map[string]any{"node": n.id}, nil
}

func (n *fakeNode) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.seen...)
}

func TestExecute_MaxParallelBoundsWave(t *testing.T) {
	var inFlight, peak atomic.Int32
	mod := modules.NewFuncModule("count",
		modules.WithAction("tick", func(context.Context, map[string]any) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		}),
	)
	f := newFixture(t, []dragonscale.Module{mod}, WithMaxParallel(2))

	actions := make([]dragonscale.Action, 0, 6)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		actions = append(actions, dragonscale.Action{ID: id, Module: "count", Action: "tick"})
	}
	st, err := f.exec.Execute(context.Background(), &dragonscale.Plan{ID: "parallel", Actions: actions})
	require.NoError(t, err)
	assert.Equal(t, dragonscale.PlanStatusCompleted, st.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	snap := f.exec.Metrics().Snapshot()
	assert.Equal(t, 6, snap.ActionsExecuted)
	assert.Equal(t, 6, snap.ActionsCompleted)
	assert.Equal(t, 1, snap.PlansCompleted)
}

func TestExecute_EnvTemplatesNeedOptIn(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "REGION" {
			return "eu-west", true
		}
		return "", false
	}
	a := act("a")
	a.Params["region"] = "{{env.REGION}}"
	plan := &dragonscale.Plan{ID: "env", Actions: []dragonscale.Action{a}}

	denied := newFixture(t, nil, WithEnvLookup(lookup))
	st, err := denied.exec.Execute(context.Background(), plan.Clone())
	require.NoError(t, err)
	assert.Equal(t, dragonscale.ActionStatusFailed, mustStatus(t, st, "a"))

	allowed := newFixture(t, nil, WithEnvLookup(lookup), WithAllowEnv(true))
	st, err = allowed.exec.Execute(context.Background(), plan.Clone())
	require.NoError(t, err)
	as, _ := st.Action("a")
	assert.Equal(t, "eu-west", as.Result.(map[string]any)["region"])
}

func TestJSONSanitizer(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	s := NewJSONSanitizer(5)

	out, err := s.Sanitize(payload{Name: "abcdefgh", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "abcde" + truncationMarker, "count": float64(3)}, out)

	_, err = s.Sanitize(map[string]any{"fn": func() {}})
	assert.Error(t, err)

	out, err = s.Sanitize(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJSONSanitizer_TruncatesOnRuneBoundary(t *testing.T) {
	s := NewJSONSanitizer(4)

	out, err := s.Sanitize("日本語")
	require.NoError(t, err)
	got, ok := out.(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "日"+truncationMarker, got)

	out, err = s.Sanitize([]any{"abcé", "héllo"})
	require.NoError(t, err)
	assert.Equal(t, []any{"abc" + truncationMarker, "hél" + truncationMarker}, out)
}
