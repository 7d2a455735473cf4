package breaker

import (
	"sort"

	"github.com/dcbickfo/embedpipe/internal/syncx"
)

// Registry hands out one Breaker per protected operation, created on first use.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	breakers  syncx.Map[string, *Breaker]
}

// NewRegistry creates a Registry. Breakers take defaults unless overrides has
// an entry for their name. Clock, Logger, Metrics and OnStateChange are
// inherited from defaults when an override leaves them unset.
func NewRegistry(defaults Config, overrides map[string]Config) *Registry {
	return &Registry{defaults: defaults, overrides: overrides}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	if b, ok := r.breakers.Load(name); ok {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	if cfg.Clock == nil {
		cfg.Clock = r.defaults.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = r.defaults.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = r.defaults.Metrics
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.defaults.OnStateChange
	}
	cfg.Name = name
	b, _ := r.breakers.LoadOrStore(name, New(cfg))
	return b
}

// Lookup returns the breaker for name if it has been created.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	return r.breakers.Load(name)
}

// Snapshots returns the state of every breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	var out []Snapshot
	r.breakers.Range(func(_ string, b *Breaker) bool {
		out = append(out, b.Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_ string, b *Breaker) bool {
		b.Reset()
		return true
	})
}
