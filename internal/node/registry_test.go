package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/modules"
)

type remoteNode struct{ id string }

func (n remoteNode) ID() string { return n.id }
func (n remoteNode) ExecuteAction(_ context.Context, module, action string, _ map[string]any) (any, error) {
	return n.id + ":" + module + "." + action, nil
}

func TestRegistry_Resolve(t *testing.T) {
	mods, err := modules.NewRegistry(modules.System())
	require.NoError(t, err)
	r := NewRegistry(NewLocalNode(mods))
	r.Register(remoteNode{id: "edge-1"})

	local, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, LocalID, local.ID())
	out, err := local.ExecuteAction(context.Background(), "system", "echo", map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": 1}, out)

	sameLocal, err := r.Resolve(LocalID)
	require.NoError(t, err)
	assert.Equal(t, local, sameLocal)

	edge, err := r.Resolve("edge-1")
	require.NoError(t, err)
	out, err = edge.ExecuteAction(context.Background(), "fs", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, "edge-1:fs.read", out)

	_, err = r.Resolve("edge-9")
	assert.ErrorIs(t, err, dragonscale.ErrNodeNotFound)

	assert.Equal(t, []string{"edge-1", "local"}, r.List())
}
