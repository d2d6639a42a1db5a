package breaker

import (
	"fmt"
	"sync"
)

// Registry holds one Breaker per dependency name, created lazily on first
// use. Settings are registered up front per dependency; unknown names fall
// back to the registry defaults. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	settings map[string]Settings
	defaults Settings
}

// NewRegistry constructs a Registry whose unregistered dependencies use the
// given default settings.
func NewRegistry(defaults Settings) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: make(map[string]Settings),
		defaults: defaults,
	}
}

// Configure records settings for a dependency name. It must be called before
// the first Get for that name to take effect.
func (r *Registry) Configure(name string, st Settings) {
	r.mu.Lock()
	r.settings[name] = st
	r.mu.Unlock()
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	st, ok := r.settings[name]
	if !ok {
		st = r.defaults
	}
	b := New(name, st)
	r.breakers[name] = b
	return b
}

// ForceReset resets the named breaker to CLOSED. It errors when the breaker
// has never been used, so operators get feedback on typos instead of a
// silently created no-op breaker.
func (r *Registry) ForceReset(name string) error {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown circuit %q", name)
	}
	b.ForceReset()
	return nil
}

// Snapshots returns the current view of every breaker created so far.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	return out
}
