// Package state persists execution state snapshots.
package state

import (
	"context"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// MemoryStore keeps execution states in process.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*dragonscale.ExecutionState
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*dragonscale.ExecutionState)}
}

// Create stores a snapshot of st, replacing any earlier run with the same id.
func (m *MemoryStore) Create(_ context.Context, st *dragonscale.ExecutionState) error {
	snap := st.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[snap.PlanID] = snap
	return nil
}

func (m *MemoryStore) UpdatePlanStatus(_ context.Context, planID string, status dragonscale.PlanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[planID]
	if !ok {
		return dragonscale.NewPlanNotFoundError(planID)
	}
	st.SetStatus(status)
	return nil
}

func (m *MemoryStore) UpdateAction(_ context.Context, planID string, action dragonscale.ActionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[planID]
	if !ok {
		return dragonscale.NewPlanNotFoundError(planID)
	}
	cp := action
	if _, known := st.Actions[action.ActionID]; !known {
		st.Order = append(st.Order, action.ActionID)
	}
	st.Actions[action.ActionID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, planID string) (*dragonscale.ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[planID]
	if !ok {
		return nil, dragonscale.NewPlanNotFoundError(planID)
	}
	return st.Snapshot(), nil
}

// List returns every stored state ordered by plan id.
func (m *MemoryStore) List(_ context.Context) ([]*dragonscale.ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*dragonscale.ExecutionState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

// Delete drops a stored run.
func (m *MemoryStore) Delete(_ context.Context, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, planID)
	return nil
}
