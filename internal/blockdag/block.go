// Package blockdag implements the typed block-graph model: block and edge
// definitions, DAG-level validation, topological ordering, and the
// readiness predicate the DAG executor polls on each scheduling pass.
package blockdag

import "encoding/json"

// PortType enumerates the value shapes a block port may carry.
type PortType string

const (
	PortString   PortType = "string"
	PortNumber   PortType = "number"
	PortBoolean  PortType = "boolean"
	PortJSON     PortType = "json"
	PortArtifact PortType = "artifact"
)

func (p PortType) Valid() bool {
	switch p {
	case PortString, PortNumber, PortBoolean, PortJSON, PortArtifact:
		return true
	default:
		return false
	}
}

// Port describes one input or output port of a block.
type Port struct {
	Type        PortType `json:"type" yaml:"type"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// AgentSelectorKind identifies how a block picks its dispatch target.
type AgentSelectorKind string

const (
	AgentByID         AgentSelectorKind = "id"
	AgentByRole       AgentSelectorKind = "role"
	AgentByCapability AgentSelectorKind = "capability"
)

// AgentSelector names the adapter a block dispatches to.
type AgentSelector struct {
	Kind  AgentSelectorKind `json:"kind" yaml:"kind"`
	Value string            `json:"value" yaml:"value"`
}

// BackoffKind enumerates the retry backoff strategies from spec.md §3.1/§4.F.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

func (b BackoffKind) Valid() bool {
	switch b {
	case BackoffNone, BackoffLinear, BackoffExponential, "":
		return true
	default:
		return false
	}
}

// RetryPolicy configures dispatch-attempt retries for a block.
type RetryPolicy struct {
	MaxAttempts int         `json:"max_attempts" yaml:"max_attempts"`
	Backoff     BackoffKind `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	DelayMS     int         `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// ApprovalSpec configures a human-approval preflight on a block.
type ApprovalSpec struct {
	Required bool   `json:"required" yaml:"required"`
	Prompt   string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// GateSpec is a tagged variant describing one gate check. The concrete
// evaluation semantics live in package gate; this is the wire/DAG-level
// shape a block definition carries.
type GateSpec struct {
	Type string `json:"type" yaml:"type"`

	// json_schema
	Schema json.RawMessage `json:"schema,omitempty" yaml:"schema,omitempty"`

	// expression
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// word_count
	MinWords *int `json:"min,omitempty" yaml:"min,omitempty"`
	MaxWords *int `json:"max,omitempty" yaml:"max,omitempty"`

	// llm_review
	Criteria  []string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`

	// shell (pre-gate only)
	Argv []string `json:"argv,omitempty" yaml:"argv,omitempty"`
}

// KnownGateTypes lists the gate variants the engine recognizes. The parser
// rejects any block referencing a type outside this set.
var KnownGateTypes = map[string]bool{
	"json_schema": true,
	"expression":  true,
	"word_count":  true,
	"llm_review":  true,
	"shell":       true,
}

// BlockDef is one node in a DAG definition.
type BlockDef struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Inputs       map[string]Port `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs      map[string]Port `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Agent        AgentSelector   `json:"agent" yaml:"agent"`
	PreGates     []GateSpec      `json:"pre_gates,omitempty" yaml:"pre_gates,omitempty"`
	PostGates    []GateSpec      `json:"post_gates,omitempty" yaml:"post_gates,omitempty"`
	Retry        RetryPolicy     `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutMS    int             `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Approval     *ApprovalSpec   `json:"approval,omitempty" yaml:"approval,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
}
