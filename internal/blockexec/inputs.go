package blockexec

import (
	"fmt"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// resolveInputs binds every declared input port of block, in priority
// order: an incoming edge's upstream output, then a run.context binding
// keyed by the port name, then a context override
// (rundata.OverrideInputKey). A required port with none of the three
// produces an error naming the missing port.
func resolveInputs(dag *blockdag.DAGDef, run *rundata.Run, block blockdag.BlockDef) (map[string]value.Value, error) {
	type binding struct{ block, port string }
	boundBy := make(map[string]binding, len(dag.Incoming(block.ID))) // to-port -> upstream block+port
	for _, e := range dag.Incoming(block.ID) {
		boundBy[e.To.Port] = binding{block: e.From.Block, port: e.From.Port}
	}

	resolved := make(map[string]value.Value, len(block.Inputs))
	for port, spec := range block.Inputs {
		if b, ok := boundBy[port]; ok {
			upstream := run.Blocks[b.block]
			if upstream != nil {
				if v, ok := upstream.Outputs[b.port]; ok {
					resolved[port] = v
					continue
				}
			}
		}
		if v, ok := run.Context[port]; ok {
			resolved[port] = v
			continue
		}
		if v, ok := run.Context[rundata.OverrideInputKey(block.ID, port)]; ok {
			resolved[port] = v
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("missing required input %q", port)
		}
	}
	return resolved, nil
}

// inputsValue assembles a resolved input map into one object Value so
// gates can address ports by name ("port.field").
func inputsValue(resolved map[string]value.Value) value.Value {
	pairs := make([]value.Pair, 0, len(resolved))
	for k, v := range resolved {
		pairs = append(pairs, value.KV(k, v))
	}
	return value.Object(pairs...)
}
