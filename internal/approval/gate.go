// Package approval implements the human-in-the-loop suspension point for risky actions.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// ErrRequestNotFound is returned by Resolve for unknown or already finished requests.
var ErrRequestNotFound = errors.New("approval request not found")

// ErrAlreadyResolved is returned by Resolve when a decision was already delivered.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// Handler decides a request programmatically, e.g. a CLI prompt or a policy bot.
type Handler func(ctx context.Context, req dragonscale.ApprovalRequest) (dragonscale.ApprovalResponse, error)

// Notifier is told about every new pending request.
type Notifier func(ctx context.Context, req dragonscale.ApprovalRequest)

// Gate tracks pending approval requests and the shared allow-list.
type Gate struct {
	allow    *AllowList
	handler  Handler
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	req      dragonscale.ApprovalRequest
	decision chan dragonscale.ApprovalResponse
	resolved bool // guarded by Gate.mu
}

// Option configures a Gate.
type Option func(*Gate)

// WithAllowList shares an allow-list between gates and runs.
func WithAllowList(l *AllowList) Option {
	return func(g *Gate) {
		g.allow = l
	}
}

// WithHandler sets a handler that is asked to decide each request.
func WithHandler(h Handler) Option {
	return func(g *Gate) {
		g.handler = h
	}
}

// WithNotifier sets a callback invoked for each new request.
func WithNotifier(n Notifier) Option {
	return func(g *Gate) {
		g.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// NewGate creates a gate. Without WithAllowList it owns a fresh allow-list.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pending: make(map[string]*pendingRequest),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.allow == nil {
		g.allow = NewAllowList()
	}
	return g
}

// AllowList returns the gate's allow-list.
func (g *Gate) AllowList() *AllowList {
	return g.allow
}

// IsAutoApproved reports whether module/action was previously approved with approve_always.
func (g *Gate) IsAutoApproved(module, action string) bool {
	return g.allow.Contains(module, action)
}

// RequestApproval blocks until the request is resolved, the timeout elapses or ctx is done.
// A zero timeout waits without limit. An elapsed timeout yields a response synthesized
// from behavior, with TimedOut and TimeoutBehavior set.
func (g *Gate) RequestApproval(ctx context.Context, req dragonscale.ApprovalRequest, timeout time.Duration, behavior dragonscale.TimeoutBehavior) (dragonscale.ApprovalResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.RequestedAt = time.Now()

	p := &pendingRequest{req: req, decision: make(chan dragonscale.ApprovalResponse, 1)}
	g.mu.Lock()
	g.pending[req.ID] = p
	g.mu.Unlock()
	defer g.remove(req.ID)

	g.logger.Info("Approval requested",
		"request_id", req.ID, "plan_id", req.PlanID, "action_id", req.ActionID,
		"module", req.Module, "action", req.ActionName, "risk_level", req.RiskLevel)

	if g.notifier != nil {
		g.notifier(ctx, req)
	}

	handlerCtx, cancelHandler := context.WithCancel(ctx)
	defer cancelHandler()
	if g.handler != nil {
		go func() {
			resp, err := g.handler(handlerCtx, req)
			if err != nil {
				if handlerCtx.Err() == nil {
					g.logger.Warn("Approval handler failed", "request_id", req.ID, "error", err)
				}
				return
			}
			_ = g.Resolve(req.ID, resp)
		}()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var resp dragonscale.ApprovalResponse
	select {
	case resp = <-p.decision:
	case <-expired:
		if !g.claim(p) {
			// A decision landed while the timer fired; it wins.
			resp = <-p.decision
			break
		}
		resp = dragonscale.ResponseForTimeout(behavior)
		g.logger.Warn("Approval timed out",
			"request_id", req.ID, "action_id", req.ActionID, "timeout_behavior", string(resp.TimeoutBehavior))
	case <-ctx.Done():
		g.claim(p)
		return dragonscale.ApprovalResponse{}, dragonscale.NewCancelledError("approval", ctx.Err())
	}

	if resp.Decision == dragonscale.DecisionApproveAlways {
		g.allow.Add(req.Module, req.ActionName)
	}
	g.logger.Info("Approval decided",
		"request_id", req.ID, "action_id", req.ActionID, "decision", string(resp.Decision), "approved_by", resp.ApprovedBy)
	return resp, nil
}

// Resolve delivers a decision for a pending request.
func (g *Gate) Resolve(id string, resp dragonscale.ApprovalResponse) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if p.resolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	p.resolved = true
	p.decision <- resp
	return nil
}

// claim marks p resolved on behalf of the waiter. It reports false when a
// decision was already delivered.
func (g *Gate) claim(p *pendingRequest) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	return true
}

// Pending returns the requests waiting for a decision, oldest first.
func (g *Gate) Pending() []dragonscale.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]dragonscale.ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, id)
}

// Decide returns a Handler that answers every request with the same decision.
func Decide(decision dragonscale.ApprovalDecision, by string) Handler {
	return func(_ context.Context, _ dragonscale.ApprovalRequest) (dragonscale.ApprovalResponse, error) {
		return dragonscale.ApprovalResponse{Decision: decision, ApprovedBy: by}, nil
	}
}
