package eventbus

import (
	"context"
	"time"
)

// EventType names what happened. Plan, action, approval and rollback kinds
// carry the same strings as the executor's audit records.
type EventType string

const (
	EventPlanSubmitted EventType = "plan_submitted"
	EventPlanCancelled EventType = "plan_cancelled"
	EventPlanStarted   EventType = "plan_started"
	EventPlanCompleted EventType = "plan_completed"
	EventPlanFailed    EventType = "plan_failed"

	EventActionStarted   EventType = "action_started"
	EventActionCompleted EventType = "action_completed"
	EventActionFailed    EventType = "action_failed"
	EventActionSkipped   EventType = "action_skipped"
	EventActionRetry     EventType = "action_retry"

	EventApprovalRequested EventType = "approval_requested"
	EventApprovalGranted   EventType = "approval_granted"
	EventApprovalRejected  EventType = "approval_rejected"

	EventRollbackStarted   EventType = "rollback_started"
	EventRollbackCompleted EventType = "rollback_completed"
	EventRollbackFailed    EventType = "rollback_failed"

	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
)

// metaPlanID is the metadata key plan-scoped subscriptions match on.
const metaPlanID = "plan_id"

// Event is one notification flowing through a bus.
type Event interface {
	Type() EventType
	Payload() any
	Metadata() map[string]any
	// Timestamp is unix nanoseconds at creation.
	Timestamp() int64
	Source() string
}

type EventHandler func(context.Context, Event) error

// EventBus fans plan and action notifications out to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)
	SubscribeAll(handler EventHandler) (string, error)
	Unsubscribe(subscriptionID string) error
	Close() error
}

// Envelope is the bus's own Event.
type Envelope struct {
	kind    EventType
	payload any
	meta    map[string]any
	at      time.Time
	source  string
}

// NewEvent stamps an envelope with the current time.
func NewEvent(kind EventType, payload any, source string, metadata map[string]any) *Envelope {
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	return &Envelope{kind: kind, payload: payload, meta: meta, at: time.Now(), source: source}
}

func (e *Envelope) Type() EventType          { return e.kind }
func (e *Envelope) Payload() any             { return e.payload }
func (e *Envelope) Metadata() map[string]any { return e.meta }
func (e *Envelope) Timestamp() int64         { return e.at.UnixNano() }
func (e *Envelope) Source() string           { return e.source }

// WithMetadata sets one metadata key and returns e.
func (e *Envelope) WithMetadata(key string, value any) *Envelope {
	e.meta[key] = value
	return e
}

// ForPlan tags the envelope with the plan it belongs to.
func (e *Envelope) ForPlan(planID string) *Envelope {
	return e.WithMetadata(metaPlanID, planID)
}

// PlanID reads the plan tag of any event, or "".
func PlanID(e Event) string {
	if e == nil {
		return ""
	}
	id, _ := e.Metadata()[metaPlanID].(string)
	return id
}
