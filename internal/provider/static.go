package provider

import (
	"fmt"

	"github.com/flowforge/dagrunner/internal/blockdag"
)

// StaticResolver resolves agent selectors against a fixed table built at
// startup from config (SPEC_FULL.md §4.L's agents section), matching first
// by exact selector value, then falling back to a catch-all default
// adapter if one is configured.
type StaticResolver struct {
	byValue  map[string]Adapter
	fallback Adapter
}

// NewStaticResolver builds a resolver from a selector-value -> Adapter
// table. fallback may be nil, in which case an unmatched selector errors.
func NewStaticResolver(byValue map[string]Adapter, fallback Adapter) *StaticResolver {
	return &StaticResolver{byValue: byValue, fallback: fallback}
}

func (r *StaticResolver) Resolve(selector blockdag.AgentSelector) (Adapter, error) {
	if a, ok := r.byValue[selector.Value]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("provider: no adapter registered for %s selector %q", selector.Kind, selector.Value)
}
