// Package node resolves an action's target node to a dispatch target.
package node

import (
	"context"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// LocalID is the id of the in-process node.
const LocalID = "local"

// Dispatcher executes module actions in process.
type Dispatcher interface {
	Execute(ctx context.Context, module, action string, params map[string]any) (any, error)
}

// LocalNode dispatches straight to an in-process module registry.
type LocalNode struct {
	dispatcher Dispatcher
}

// NewLocalNode wraps a dispatcher, usually a *modules.Registry.
func NewLocalNode(d Dispatcher) *LocalNode {
	return &LocalNode{dispatcher: d}
}

// ID implements dragonscale.ExecutionNode.
func (n *LocalNode) ID() string { return LocalID }

// ExecuteAction implements dragonscale.ExecutionNode.
func (n *LocalNode) ExecuteAction(ctx context.Context, module, action string, params map[string]any) (any, error) {
	return n.dispatcher.Execute(ctx, module, action, params)
}

// Registry maps node ids to execution nodes. The empty target is always the local node.
type Registry struct {
	local dragonscale.ExecutionNode

	mu    sync.RWMutex
	nodes map[string]dragonscale.ExecutionNode
}

// NewRegistry creates a registry around the local node.
func NewRegistry(local dragonscale.ExecutionNode) *Registry {
	return &Registry{
		local: local,
		nodes: map[string]dragonscale.ExecutionNode{local.ID(): local},
	}
}

// Register adds or replaces a node.
func (r *Registry) Register(n dragonscale.ExecutionNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID()] = n
}

// Resolve implements dragonscale.NodeResolver.
func (r *Registry) Resolve(target string) (dragonscale.ExecutionNode, error) {
	if target == "" {
		return r.local, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[target]
	if !ok {
		return nil, dragonscale.NewNodeNotFoundError(target)
	}
	return n, nil
}

// List returns the sorted node ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
