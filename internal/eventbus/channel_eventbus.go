// Package eventbus delivers engine and executor notifications to in-process
// subscribers.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("event bus is closed")

var errNilHandler = errors.New("handler cannot be nil")

// subscription matches events by kind and, optionally, by plan.
type subscription struct {
	id      string
	kinds   map[EventType]bool // nil matches every kind
	plan    string             // "" matches every plan
	handler EventHandler
}

func (s *subscription) matches(evt Event) bool {
	if s.kinds != nil && !s.kinds[evt.Type()] {
		return false
	}
	return s.plan == "" || PlanID(evt) == s.plan
}

type delivery struct {
	ctx   context.Context
	event Event
}

// ChannelEventBus queues events on a buffered channel drained by a fixed
// set of workers. A failing handler is retried on the worker that picked up
// the event.
type ChannelEventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	queue   chan delivery
	stop    chan struct{}
	workers sync.WaitGroup

	bufferSize  int
	workerCount int
	retries     int
	backoff     time.Duration
	logger      *slog.Logger
}

type ChannelEventBusOption func(*ChannelEventBus)

func WithBufferSize(size int) ChannelEventBusOption {
	return func(b *ChannelEventBus) { b.bufferSize = size }
}

func WithWorkerCount(count int) ChannelEventBusOption {
	return func(b *ChannelEventBus) { b.workerCount = count }
}

// WithRetries sets how many extra attempts a failing handler gets and the
// pause between them.
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(b *ChannelEventBus) {
		b.retries = maxRetries
		b.backoff = retryInterval
	}
}

func WithLogger(logger *slog.Logger) ChannelEventBusOption {
	return func(b *ChannelEventBus) { b.logger = logger }
}

// NewChannelEventBus starts the workers immediately; call Close to stop them.
func NewChannelEventBus(opts ...ChannelEventBusOption) *ChannelEventBus {
	b := &ChannelEventBus{
		subs:        make(map[string]*subscription),
		stop:        make(chan struct{}),
		bufferSize:  100,
		workerCount: 5,
		retries:     3,
		backoff:     100 * time.Millisecond,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.workerCount = max(b.workerCount, 1)
	b.bufferSize = max(b.bufferSize, 0)
	b.retries = max(b.retries, 0)

	b.queue = make(chan delivery, b.bufferSize)
	b.workers.Add(b.workerCount)
	for range b.workerCount {
		go b.drain()
	}
	return b
}

func (b *ChannelEventBus) drain() {
	defer b.workers.Done()
	for {
		select {
		case <-b.stop:
			return
		case d := <-b.queue:
			for _, h := range b.handlersFor(d.event) {
				b.deliver(d, h)
			}
		}
	}
}

// handlersFor snapshots matching handlers so a handler may subscribe or
// unsubscribe while being called.
func (b *ChannelEventBus) handlersFor(evt Event) []EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]EventHandler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(evt) {
			out = append(out, s.handler)
		}
	}
	return out
}

func (b *ChannelEventBus) deliver(d delivery, h EventHandler) {
	err := h(d.ctx, d.event)
	for attempt := 1; err != nil && attempt <= b.retries; attempt++ {
		timer := time.NewTimer(b.backoff)
		select {
		case <-b.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		err = h(d.ctx, d.event)
	}
	if err != nil {
		b.logger.Warn("Event handler gave up",
			"event_type", d.event.Type(),
			"plan_id", PlanID(d.event),
			"source", d.event.Source(),
			"attempts", b.retries+1,
			"error", err)
	}
}

// Publish enqueues event. Handlers see ctx's values but not its
// cancellation, so events raised while a run is being cancelled still arrive.
func (b *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}
	select {
	case b.queue <- delivery{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	case <-b.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if len(eventTypes) == 0 {
		return "", errors.New("at least one event type is required")
	}
	return b.add("", eventTypes, handler)
}

func (b *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	return b.add("", nil, handler)
}

// SubscribePlan receives only events tagged with planID. An empty
// eventTypes list means every kind.
func (b *ChannelEventBus) SubscribePlan(planID string, eventTypes []EventType, handler EventHandler) (string, error) {
	if planID == "" {
		return "", errors.New("plan id is required")
	}
	return b.add(planID, eventTypes, handler)
}

func (b *ChannelEventBus) add(planID string, kinds []EventType, handler EventHandler) (string, error) {
	if handler == nil {
		return "", errNilHandler
	}
	s := &subscription{id: uuid.NewString(), plan: planID, handler: handler}
	if len(kinds) > 0 {
		s.kinds = make(map[EventType]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	b.subs[s.id] = s
	return s.id, nil
}

// Unsubscribe is a no-op for unknown IDs.
func (b *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.subs, subscriptionID)
	return nil
}

func (b *ChannelEventBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close stops the workers and drops whatever is still queued. It is safe to
// call more than once.
func (b *ChannelEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.workers.Wait()
	return nil
}

// SubscribePlan scopes a subscription on any bus to one plan. Buses without
// native plan filtering get a wrapping handler.
func SubscribePlan(bus EventBus, planID string, eventTypes []EventType, handler EventHandler) (string, error) {
	if cb, ok := bus.(*ChannelEventBus); ok {
		return cb.SubscribePlan(planID, eventTypes, handler)
	}
	if handler == nil {
		return "", errNilHandler
	}
	scoped := func(ctx context.Context, evt Event) error {
		if PlanID(evt) != planID {
			return nil
		}
		return handler(ctx, evt)
	}
	if len(eventTypes) == 0 {
		return bus.SubscribeAll(scoped)
	}
	return bus.Subscribe(eventTypes, scoped)
}
