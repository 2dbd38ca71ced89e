// Package permission evaluates plan and action permission rules before dispatch.
package permission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Knetic/govaluate"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// Effect is what a matching rule does.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Rule is one ordered policy entry. When is a govaluate boolean expression over the
// parameters module, action, action_id, plan_id, target_node, risk_level and
// requires_approval.
type Rule struct {
	Name   string `mapstructure:"name" yaml:"name" json:"name"`
	When   string `mapstructure:"when" yaml:"when" json:"when"`
	Effect Effect `mapstructure:"effect" yaml:"effect" json:"effect"`
	Reason string `mapstructure:"reason" yaml:"reason" json:"reason,omitempty"`
}

type compiledRule struct {
	Rule
	expr *govaluate.EvaluableExpression
}

// RuleGuard is the default PermissionGuard.
type RuleGuard struct {
	rules      []compiledRule
	maxActions int
	logger     *slog.Logger
}

// Option configures a RuleGuard.
type Option func(*RuleGuard)

// WithMaxActions rejects plans with more actions than n. Zero disables the cap.
func WithMaxActions(n int) Option {
	return func(g *RuleGuard) {
		g.maxActions = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *RuleGuard) {
		g.logger = l
	}
}

// NewRuleGuard compiles rules in order. An empty rule set allows everything except
// actions that declare requires_approval.
func NewRuleGuard(rules []Rule, opts ...Option) (*RuleGuard, error) {
	g := &RuleGuard{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	functions := defaultFunctions.snapshot()
	for i, r := range rules {
		switch r.Effect {
		case EffectAllow, EffectDeny, EffectRequireApproval:
		default:
			return nil, dragonscale.NewConfigurationError(fmt.Sprintf("rule %d (%s): unknown effect '%s'", i, r.Name, r.Effect), nil)
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(r.When, functions)
		if err != nil {
			return nil, dragonscale.NewConfigurationError(fmt.Sprintf("rule %d (%s): invalid expression", i, r.Name), err)
		}
		g.rules = append(g.rules, compiledRule{Rule: r, expr: expr})
	}
	return g, nil
}

func parameters(planID string, a *dragonscale.Action) map[string]interface{} {
	risk := ""
	if a.Approval != nil {
		risk = a.Approval.RiskLevel
	}
	return map[string]interface{}{
		"module":            a.Module,
		"action":            a.Action,
		"action_id":         a.ID,
		"plan_id":           planID,
		"target_node":       a.TargetNode,
		"risk_level":        risk,
		"requires_approval": a.RequiresApproval,
	}
}

// match returns the first rule whose expression is true, optionally limited to one effect.
func (g *RuleGuard) match(planID string, a *dragonscale.Action, only Effect) (*compiledRule, error) {
	params := parameters(planID, a)
	for i := range g.rules {
		r := &g.rules[i]
		if only != "" && r.Effect != only {
			continue
		}
		out, err := r.expr.Evaluate(params)
		if err != nil {
			return nil, dragonscale.NewPolicyError("permission", fmt.Sprintf("rule '%s' failed to evaluate", r.Name), err)
		}
		hit, ok := out.(bool)
		if !ok {
			return nil, dragonscale.NewPolicyError("permission", fmt.Sprintf("rule '%s' did not return a boolean", r.Name), nil)
		}
		if hit {
			return r, nil
		}
	}
	return nil, nil
}

// CheckPlan rejects the plan if it exceeds the action cap or any action hits a deny rule.
func (g *RuleGuard) CheckPlan(_ context.Context, plan *dragonscale.Plan) error {
	if g.maxActions > 0 && len(plan.Actions) > g.maxActions {
		return dragonscale.NewPolicyError("permission",
			fmt.Sprintf("plan has %d actions, limit is %d", len(plan.Actions), g.maxActions), nil)
	}
	for i := range plan.Actions {
		a := &plan.Actions[i]
		r, err := g.match(plan.ID, a, EffectDeny)
		if err != nil {
			return err
		}
		if r != nil {
			g.logger.Warn("Plan denied by rule", "plan_id", plan.ID, "action_id", a.ID, "rule", r.Name)
			return dragonscale.NewPolicyError("permission", denialMessage(r, a), nil)
		}
	}
	return nil
}

// CheckAction applies the first matching rule. Deny fails the action, require_approval
// asks for a decision. Allow stops evaluation but never waives requires_approval.
func (g *RuleGuard) CheckAction(_ context.Context, planID string, a *dragonscale.Action) error {
	r, err := g.match(planID, a, "")
	if err != nil {
		return err
	}
	if r != nil {
		switch r.Effect {
		case EffectDeny:
			return dragonscale.NewPolicyError("permission", denialMessage(r, a), nil)
		case EffectRequireApproval:
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("rule '%s'", r.Name)
			}
			return dragonscale.NewApprovalRequiredError(a.ID, reason)
		}
	}
	if a.RequiresApproval {
		reason := "declared by plan"
		if a.Approval != nil && a.Approval.Message != "" {
			reason = a.Approval.Message
		}
		return dragonscale.NewApprovalRequiredError(a.ID, reason)
	}
	return nil
}

func denialMessage(r *compiledRule, a *dragonscale.Action) string {
	msg := fmt.Sprintf("action '%s' (%s.%s) denied by rule '%s'", a.ID, a.Module, a.Action, r.Name)
	if r.Reason != "" {
		msg += ": " + r.Reason
	}
	return msg
}

// AllowAll permits everything except actions that declare requires_approval.
type AllowAll struct{}

func (AllowAll) CheckPlan(context.Context, *dragonscale.Plan) error { return nil }

func (AllowAll) CheckAction(_ context.Context, _ string, a *dragonscale.Action) error {
	if a.RequiresApproval {
		return dragonscale.NewApprovalRequiredError(a.ID, "declared by plan")
	}
	return nil
}
