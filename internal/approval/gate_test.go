package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

func request(action string) dragonscale.ApprovalRequest {
	return dragonscale.ApprovalRequest{PlanID: "p1", ActionID: "a1", Module: "fs", ActionName: action}
}

func TestGate_ResolveExternally(t *testing.T) {
	g := NewGate()

	done := make(chan dragonscale.ApprovalResponse, 1)
	go func() {
		resp, err := g.RequestApproval(context.Background(), request("delete"), time.Second, dragonscale.TimeoutBehaviorReject)
		assert.NoError(t, err)
		done <- resp
	}()

	var pending []dragonscale.ApprovalRequest
	require.Eventually(t, func() bool {
		pending = g.Pending()
		return len(pending) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Resolve(pending[0].ID, dragonscale.ApprovalResponse{
		Decision:   dragonscale.DecisionApprove,
		ApprovedBy: "alice",
	}))

	resp := <-done
	assert.Equal(t, dragonscale.DecisionApprove, resp.Decision)
	assert.Equal(t, "alice", resp.ApprovedBy)
	assert.Empty(t, g.Pending())
	assert.False(t, g.IsAutoApproved("fs", "delete"))
}

func TestGate_ApproveAlwaysUpdatesAllowList(t *testing.T) {
	allow := NewAllowList()
	g := NewGate(WithAllowList(allow), WithHandler(Decide(dragonscale.DecisionApproveAlways, "ops")))

	resp, err := g.RequestApproval(context.Background(), request("write"), time.Second, dragonscale.TimeoutBehaviorReject)
	require.NoError(t, err)
	assert.Equal(t, dragonscale.DecisionApproveAlways, resp.Decision)

	// A second gate sharing the list sees the decision without being asked.
	other := NewGate(WithAllowList(allow))
	assert.True(t, other.IsAutoApproved("fs", "write"))
	assert.False(t, other.IsAutoApproved("fs", "delete"))
}

func TestGate_TimeoutBehaviors(t *testing.T) {
	cases := map[dragonscale.TimeoutBehavior]dragonscale.ApprovalDecision{
		dragonscale.TimeoutBehaviorReject:  dragonscale.DecisionReject,
		dragonscale.TimeoutBehaviorApprove: dragonscale.DecisionApprove,
		dragonscale.TimeoutBehaviorSkip:    dragonscale.DecisionSkip,
		"":                                 dragonscale.DecisionReject,
	}
	for behavior, want := range cases {
		g := NewGate()
		resp, err := g.RequestApproval(context.Background(), request("x"), 10*time.Millisecond, behavior)
		require.NoError(t, err)
		assert.Equal(t, want, resp.Decision, string(behavior))
		assert.True(t, resp.TimedOut)
		assert.NotEmpty(t, resp.TimeoutBehavior, "the behavior that fired is recorded")
	}
}

func TestGate_ContextCancelled(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := g.RequestApproval(ctx, request("x"), 0, dragonscale.TimeoutBehaviorReject)
	assert.ErrorIs(t, err, dragonscale.ErrCancelled)
	assert.Empty(t, g.Pending())
}

func TestGate_ResolveUnknown(t *testing.T) {
	g := NewGate()
	err := g.Resolve("missing", dragonscale.ApprovalResponse{Decision: dragonscale.DecisionApprove})
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestGate_NotifierSeesRequest(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	g := NewGate(
		WithNotifier(func(_ context.Context, req dragonscale.ApprovalRequest) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, req.ActionID)
		}),
		WithHandler(Decide(dragonscale.DecisionReject, "bot")),
	)
	resp, err := g.RequestApproval(context.Background(), request("x"), time.Second, dragonscale.TimeoutBehaviorApprove)
	require.NoError(t, err)
	assert.Equal(t, dragonscale.DecisionReject, resp.Decision)
	mu.Lock()
	assert.Equal(t, []string{"a1"}, seen)
	mu.Unlock()
}

func TestAllowList_ConcurrentApproveAlways(t *testing.T) {
	allow := NewAllowList("seed/action")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allow.Add("m", string(rune('a'+i%26)))
		}(i)
	}
	wg.Wait()
	assert.Len(t, allow.List(), 27)
	assert.True(t, allow.Contains("seed", "action"))
	allow.Remove("seed", "action")
	assert.False(t, allow.Contains("seed", "action"))
}

func TestGate_ResolveAfterTimeout(t *testing.T) {
	g := NewGate()
	req := request("delete")
	req.ID = "late"

	resp, err := g.RequestApproval(context.Background(), req, 10*time.Millisecond, dragonscale.TimeoutBehaviorReject)
	require.NoError(t, err)
	assert.True(t, resp.TimedOut)

	err = g.Resolve("late", dragonscale.ApprovalResponse{Decision: dragonscale.DecisionApprove})
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestGate_ResolveLosesToClaimedTimeout(t *testing.T) {
	g := NewGate()
	p := &pendingRequest{req: request("delete"), decision: make(chan dragonscale.ApprovalResponse, 1)}
	g.pending["racing"] = p

	// The waiter claims the request as its timer fires; a decision arriving
	// before the entry is removed must be refused, not silently dropped.
	require.True(t, g.claim(p))
	err := g.Resolve("racing", dragonscale.ApprovalResponse{Decision: dragonscale.DecisionApprove})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Empty(t, p.decision)

	q := &pendingRequest{req: request("write"), decision: make(chan dragonscale.ApprovalResponse, 1)}
	g.pending["first"] = q
	require.NoError(t, g.Resolve("first", dragonscale.ApprovalResponse{Decision: dragonscale.DecisionApprove}))
	assert.False(t, g.claim(q), "a delivered decision wins over the timer")
	assert.ErrorIs(t, g.Resolve("first", dragonscale.ApprovalResponse{}), ErrAlreadyResolved)
}
