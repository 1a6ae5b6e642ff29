package core

import (
	"fmt"
	"sync"
)

// Router resolves a node's affinity to the lane it must be posted to.
type Router struct {
	pair *SchedulerPair

	mu sync.RWMutex
	ui TaskRunner
}

// NewRouter returns a router over pair with no UI lane registered.
func NewRouter(pair *SchedulerPair) *Router {
	return &Router{pair: pair}
}

// SetUI registers the UI lane. Passing nil unregisters it.
func (r *Router) SetUI(ui TaskRunner) {
	r.mu.Lock()
	r.ui = ui
	r.mu.Unlock()
}

// UI returns the registered UI lane, or nil.
func (r *Router) UI() TaskRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ui
}

// RunnerFor returns the lane for affinity. custom is only consulted for
// AffinityCustom.
func (r *Router) RunnerFor(affinity TaskAffinity, custom TaskRunner) (TaskRunner, error) {
	switch affinity {
	case AffinityConcurrent, AffinityNone:
		return r.pair.Concurrent(), nil
	case AffinityExclusive:
		return r.pair.Exclusive(), nil
	case AffinityUI:
		if ui := r.UI(); ui != nil {
			return ui, nil
		}
		return nil, ErrNoUIContext
	case AffinityCustom:
		if custom == nil {
			return nil, ErrNoCustomRunner
		}
		return custom, nil
	default:
		return nil, fmt.Errorf("core: unknown affinity %d", int(affinity))
	}
}
