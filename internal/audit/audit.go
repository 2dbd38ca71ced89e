// Package audit provides sinks for executor audit events.
package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/eventbus"
)

// SlogLogger writes audit events as structured log records.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger. A nil logger uses slog.Default.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger.With("component", "audit")}
}

func (l *SlogLogger) Log(ctx context.Context, kind dragonscale.AuditEvent, fields map[string]any) {
	level := slog.LevelInfo
	switch kind {
	case dragonscale.AuditActionFailed, dragonscale.AuditPlanFailed, dragonscale.AuditRollbackFailed:
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, string(kind), attrs(fields)...)
}

// attrs flattens fields in key order so records are stable.
func attrs(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, fields[k])
	}
	return out
}

// BusLogger republishes audit events on an event bus.
type BusLogger struct {
	bus    eventbus.EventBus
	logger *slog.Logger
}

// NewBusLogger publishes to bus.
func NewBusLogger(bus eventbus.EventBus, logger *slog.Logger) *BusLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusLogger{bus: bus, logger: logger}
}

func (b *BusLogger) Log(ctx context.Context, kind dragonscale.AuditEvent, fields map[string]any) {
	evt := eventbus.NewEvent(eventbus.EventType(kind), fields, "executor", fields)
	if err := b.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		b.logger.Debug("Audit event not published", "event", kind, "error", err)
	}
}

// Multi fans an event out to every logger.
type Multi []dragonscale.AuditLogger

func (m Multi) Log(ctx context.Context, kind dragonscale.AuditEvent, fields map[string]any) {
	for _, l := range m {
		if l != nil {
			l.Log(ctx, kind, fields)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Log(context.Context, dragonscale.AuditEvent, map[string]any) {}

// Record is one event captured by a Recorder.
type Record struct {
	Kind   dragonscale.AuditEvent
	Fields map[string]any
	At     time.Time
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Log(_ context.Context, kind dragonscale.AuditEvent, fields map[string]any) {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Kind: kind, Fields: cp, At: time.Now()})
}

// Records returns a copy of the captured events in arrival order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Kinds returns the kinds of events concerning actionID, or all events when actionID is empty.
func (r *Recorder) Kinds(actionID string) []dragonscale.AuditEvent {
	var out []dragonscale.AuditEvent
	for _, rec := range r.Records() {
		if actionID == "" || rec.Fields["action_id"] == actionID {
			out = append(out, rec.Kind)
		}
	}
	return out
}

// Count returns how many events of kind were captured.
func (r *Recorder) Count(kind dragonscale.AuditEvent) int {
	n := 0
	for _, rec := range r.Records() {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}
