package blockdag

import (
	"fmt"
	"strconv"
)

// EdgeEndpoint names a block's port.
type EdgeEndpoint struct {
	Block string `json:"block" yaml:"block"`
	Port  string `json:"port" yaml:"port"`
}

// Edge connects an upstream output port to a downstream input port.
type Edge struct {
	From EdgeEndpoint `json:"from" yaml:"from"`
	To   EdgeEndpoint `json:"to" yaml:"to"`
}

// DAGDef is a parsed, validated pipeline definition.
type DAGDef struct {
	Name   string     `json:"name" yaml:"name"`
	Blocks []BlockDef `json:"blocks" yaml:"blocks"`
	Edges  []Edge     `json:"edges" yaml:"edges"`

	// derived, populated by Validate
	blockIndex map[string]int
	incoming   map[string][]Edge // by block id
	outgoing   map[string][]Edge // by block id
}

// Block looks up a block definition by id.
func (d *DAGDef) Block(id string) (BlockDef, bool) {
	idx, ok := d.blockIndex[id]
	if !ok {
		return BlockDef{}, false
	}
	return d.Blocks[idx], true
}

// Incoming returns the edges whose destination is the given block.
func (d *DAGDef) Incoming(blockID string) []Edge { return d.incoming[blockID] }

// Outgoing returns the edges whose source is the given block.
func (d *DAGDef) Outgoing(blockID string) []Edge { return d.outgoing[blockID] }

// Entrypoints returns the ids of blocks with no incoming edge, in
// definition order.
func (d *DAGDef) Entrypoints() []string {
	var out []string
	for _, b := range d.Blocks {
		if len(d.incoming[b.ID]) == 0 {
			out = append(out, b.ID)
		}
	}
	return out
}

// ValidationError reports one defect found while validating a DAG definition.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Parse validates spec and returns a ready-to-schedule DAGDef.
//
// Rejects: duplicate block ids, edges referencing unknown blocks/ports,
// unknown gate types, cycles, and missing-required-input ports that have
// neither an inbound edge nor a default (those are left for the caller to
// treat as required-from-context, per spec.md §3.2).
func Parse(d DAGDef) (*DAGDef, error) {
	out := &DAGDef{
		Name:       d.Name,
		Blocks:     append([]BlockDef(nil), d.Blocks...),
		Edges:      append([]Edge(nil), d.Edges...),
		blockIndex: make(map[string]int, len(d.Blocks)),
		incoming:   make(map[string][]Edge),
		outgoing:   make(map[string][]Edge),
	}

	for i, b := range out.Blocks {
		if b.ID == "" {
			return nil, &ValidationError{Reason: "block at index " + strconv.Itoa(i) + " has empty id"}
		}
		if _, dup := out.blockIndex[b.ID]; dup {
			return nil, &ValidationError{Reason: "duplicate block id: " + b.ID}
		}
		out.blockIndex[b.ID] = i
		for _, gs := range append(append([]GateSpec{}, b.PreGates...), b.PostGates...) {
			if !KnownGateTypes[gs.Type] {
				return nil, &ValidationError{Reason: "block " + b.ID + ": unknown gate type " + gs.Type}
			}
		}
		if !b.Retry.Backoff.Valid() {
			return nil, &ValidationError{Reason: "block " + b.ID + ": invalid backoff kind"}
		}
	}

	for _, e := range out.Edges {
		fromBlock, ok := out.Block(e.From.Block)
		if !ok {
			return nil, &ValidationError{Reason: "edge references unknown block: " + e.From.Block}
		}
		if _, ok := fromBlock.Outputs[e.From.Port]; !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("edge references unknown output port %s.%s", e.From.Block, e.From.Port)}
		}
		toBlock, ok := out.Block(e.To.Block)
		if !ok {
			return nil, &ValidationError{Reason: "edge references unknown block: " + e.To.Block}
		}
		if _, ok := toBlock.Inputs[e.To.Port]; !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("edge references unknown input port %s.%s", e.To.Block, e.To.Port)}
		}
		out.incoming[e.To.Block] = append(out.incoming[e.To.Block], e)
		out.outgoing[e.From.Block] = append(out.outgoing[e.From.Block], e)
	}

	if _, err := ExecutionOrder(out); err != nil {
		return nil, err
	}

	return out, nil
}

// RequiredFromContext returns the (blockID, port) pairs whose input port is
// required, has no default, and has no inbound edge — meaning the run's
// start context must supply a binding for it.
func (d *DAGDef) RequiredFromContext() []EdgeEndpoint {
	var out []EdgeEndpoint
	for _, b := range d.Blocks {
		boundPorts := make(map[string]bool)
		for _, e := range d.Incoming(b.ID) {
			boundPorts[e.To.Port] = true
		}
		for port, spec := range b.Inputs {
			if spec.Required && !boundPorts[port] {
				out = append(out, EdgeEndpoint{Block: b.ID, Port: port})
			}
		}
	}
	return out
}
