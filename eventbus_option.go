package dragonscale

import "github.com/ZanzyTHEbar/dragonscale-engine/internal/eventbus"

// WithEventBus sets the bus that receives plan submitted/cancelled events.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}
