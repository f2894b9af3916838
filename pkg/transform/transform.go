// Package transform provides the named strategies applied to an upstream
// record before it is attached to a row during dependency enrichment. A
// strategy is identified by name so retry and replay tooling can serialize
// which transform ran, instead of recording only that "a function" did.
package transform

import (
	"fmt"
	"sync"

	"github.com/caselens/loom/pkg/pipeline"
)

// Strategy reshapes an upstream record before attachment.
type Strategy interface {
	// Name identifies the strategy for manifests and replay.
	Name() string

	// Apply transforms the upstream record. The input must not be mutated.
	Apply(record pipeline.Record) (any, error)
}

// Registry resolves strategy names to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates a registry pre-populated with the identity strategy.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(Identity{})
	return r
}

// Register adds a strategy under its name, replacing any previous entry.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Apply runs the named strategy. An empty name is the identity transform; an
// unknown name is an error so a typo in a dependency declaration surfaces at
// enrichment rather than silently attaching the wrong shape.
func (r *Registry) Apply(name string, record pipeline.Record) (any, error) {
	if name == "" {
		return record, nil
	}
	r.mu.RLock()
	s, ok := r.strategies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transform strategy %q", name)
	}
	return s.Apply(record)
}

// Identity attaches the upstream record unchanged.
type Identity struct{}

// Name implements Strategy.
func (Identity) Name() string { return "identity" }

// Apply implements Strategy.
func (Identity) Apply(record pipeline.Record) (any, error) {
	return record, nil
}

// PickFields attaches only the named fields of the upstream record.
type PickFields struct {
	StrategyName string
	Fields       []string
}

// Name implements Strategy.
func (p PickFields) Name() string { return p.StrategyName }

// Apply implements Strategy.
func (p PickFields) Apply(record pipeline.Record) (any, error) {
	out := make(map[string]any, len(p.Fields))
	for _, f := range p.Fields {
		if v, ok := record[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// FirstOfArray attaches the first element of an array field, or nil when the
// field is absent or empty.
type FirstOfArray struct {
	StrategyName string
	Field        string
}

// Name implements Strategy.
func (f FirstOfArray) Name() string { return f.StrategyName }

// Apply implements Strategy.
func (f FirstOfArray) Apply(record pipeline.Record) (any, error) {
	arr, ok := record[f.Field].([]any)
	if !ok || len(arr) == 0 {
		return nil, nil
	}
	return arr[0], nil
}
