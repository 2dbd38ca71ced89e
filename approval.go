package dragonscale

import "time"

// ApprovalDecision is the outcome of an approval request.
type ApprovalDecision string

const (
	DecisionApprove       ApprovalDecision = "approve"
	DecisionApproveAlways ApprovalDecision = "approve_always"
	DecisionModify        ApprovalDecision = "modify"
	DecisionSkip          ApprovalDecision = "skip"
	DecisionReject        ApprovalDecision = "reject"
)

// Proceeds reports whether the action should be dispatched after this decision.
func (d ApprovalDecision) Proceeds() bool {
	return d == DecisionApprove || d == DecisionApproveAlways || d == DecisionModify
}

// ApprovalRequest describes an action suspended on the approval gate.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	PlanID      string         `json:"plan_id"`
	ActionID    string         `json:"action_id"`
	Module      string         `json:"module"`
	ActionName  string         `json:"action_name"`
	Params      map[string]any `json:"params,omitempty"`
	RiskLevel   string         `json:"risk_level,omitempty"`
	Description string         `json:"description,omitempty"`
	Reason      string         `json:"reason_for_approval,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// ApprovalResponse carries the decision for an ApprovalRequest.
type ApprovalResponse struct {
	Decision       ApprovalDecision `json:"decision"`
	ModifiedParams map[string]any   `json:"modified_params,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	ApprovedBy     string           `json:"approved_by,omitempty"`

	// Set when the response was synthesized because the request expired.
	TimedOut        bool            `json:"timed_out,omitempty"`
	TimeoutBehavior TimeoutBehavior `json:"timeout_behavior,omitempty"`
}

// Metadata flattens the response into the form stored on ActionState.ApprovalMetadata.
func (r ApprovalResponse) Metadata() map[string]any {
	meta := map[string]any{
		"decision": string(r.Decision),
	}
	if r.Reason != "" {
		meta["reason"] = r.Reason
	}
	if r.ApprovedBy != "" {
		meta["approved_by"] = r.ApprovedBy
	}
	if r.TimedOut {
		meta["timed_out"] = true
		meta["timeout_behavior"] = string(r.TimeoutBehavior)
	}
	if len(r.ModifiedParams) > 0 {
		meta["modified"] = true
	}
	return meta
}

// ResponseForTimeout synthesizes the response that fires when a request expires.
func ResponseForTimeout(behavior TimeoutBehavior) ApprovalResponse {
	resp := ApprovalResponse{
		TimedOut:        true,
		TimeoutBehavior: behavior,
		ApprovedBy:      "timeout",
	}
	switch behavior {
	case TimeoutBehaviorApprove:
		resp.Decision = DecisionApprove
		resp.Reason = "approval timed out; auto-approved"
	case TimeoutBehaviorSkip:
		resp.Decision = DecisionSkip
		resp.Reason = "approval timed out; skipped"
	default:
		resp.TimeoutBehavior = TimeoutBehaviorReject
		resp.Decision = DecisionReject
		resp.Reason = "approval timed out; rejected"
	}
	return resp
}
