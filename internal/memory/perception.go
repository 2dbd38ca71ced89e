package memory

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// Perception observes the memory entry named by PerceptionConfig.Target.
// A failed lookup is reported as present=false with the error text.
type Perception struct {
	Store dragonscale.MemoryStore
}

func (p Perception) Capture(ctx context.Context, phase dragonscale.PerceptionPhase, cfg dragonscale.PerceptionConfig) (any, error) {
	obs := map[string]any{
		"phase":       string(phase),
		"target":      cfg.Target,
		"captured_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if cfg.Target == "" || p.Store == nil {
		return obs, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := p.Store.Get(ctx, cfg.Target)
	if err != nil {
		obs["present"] = false
		obs["error"] = err.Error()
		return obs, nil
	}
	obs["present"] = true
	obs["value"] = v
	return obs, nil
}
