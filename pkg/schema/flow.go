package schema

import (
	"bytes"
	"encoding/json"
)

// FlowDocument is the serializable flow definition format. Operators provide
// this as JSON or YAML via flow.deploy (MCP) or the deploy CLI command.
type FlowDocument struct {
	Slug               string          `json:"slug"`
	Version            int             `json:"version"`
	Start              string          `json:"start"`
	Nodes              []NodeSpec      `json:"nodes"`
	Edges              []EdgeSpec      `json:"edges"`
	EntityTypes        []string        `json:"entity_types,omitempty"`
	Memory             *MemoryDefaults `json:"memory,omitempty"`
	DegradationMessage string          `json:"degradation_message,omitempty"`
	MaxSteps           int             `json:"max_steps,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
}

// NodeSpec describes a single node in a flow graph. Config is decoded into
// the kind-specific config type at load time; nodes are never mutated after.
type NodeSpec struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// DecodeConfig unmarshals the node's raw config into a kind-specific type.
// Unknown fields are rejected so config typos fail at load time.
func (n *NodeSpec) DecodeConfig(v any) error {
	if len(n.Config) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(n.Config))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return NewErrorf(ErrCodeValidation, "invalid %s config: %s", n.Kind, err.Error()).WithNode(n.ID).WithCause(err)
	}
	return nil
}

// EdgeSpec is a directed connection from a node's output port to another node.
type EdgeSpec struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	SourceHandle string `json:"source_handle"`
	Target       string `json:"target"`
}

// NodeKind enumerates the closed set of node kinds.
type NodeKind string

const (
	KindElicitInput   NodeKind = "elicit_input"
	KindAgenticReason NodeKind = "agentic_reason"
	KindToolCall      NodeKind = "tool_call"
	KindCondition     NodeKind = "condition"
	KindMemoryOp      NodeKind = "memory_op"
	KindWait          NodeKind = "wait"
	KindTerminal      NodeKind = "terminal"
)

// KnownKinds is the closed node-kind vocabulary.
var KnownKinds = map[NodeKind]bool{
	KindElicitInput:   true,
	KindAgenticReason: true,
	KindToolCall:      true,
	KindCondition:     true,
	KindMemoryOp:      true,
	KindWait:          true,
	KindTerminal:      true,
}

// Output port names. Each node kind declares a fixed port vocabulary;
// AgenticReason and Condition derive theirs from edges/config at load time.
const (
	PortResponse   = "response"
	PortFromMemory = "from_memory"
	PortMaxRetries = "max_retries"
	PortSuccess    = "success"
	PortError      = "error"
	PortTrue       = "true"
	PortFalse      = "false"
	PortDone       = "done"
	PortFound      = "found"
	PortMissing    = "missing"
	PortTimeout    = "timeout"
	PortEvent      = "event"
)

// MemoryDefaults is the flow-level memory policy, overridable per node.
type MemoryDefaults struct {
	AutoRetrieve bool `json:"auto_retrieve"`
	AutoStore    bool `json:"auto_store"`
}

// ElicitConfig configures an elicit_input node.
type ElicitConfig struct {
	Prompt       string `json:"prompt"`
	RetryPrompt  string `json:"retry_prompt,omitempty"`
	Slot         string `json:"slot"`
	Validator    string `json:"validator,omitempty"` // named: license_plate, email, phone, date
	Pattern      string `json:"pattern,omitempty"`   // raw regex, takes precedence over validator
	MaxRetries   int    `json:"max_retries,omitempty"`
	AutoRetrieve *bool  `json:"auto_retrieve,omitempty"` // nil = inherit flow default
	EntityType   string `json:"entity_type,omitempty"`
	AutoStore    *bool  `json:"auto_store,omitempty"`
}

// ReasonConfig configures an agentic_reason node. The prompt is a template
// interpolated against session state; the node's action vocabulary is derived
// from its outgoing edge handles.
type ReasonConfig struct {
	Prompt      string            `json:"prompt"`
	Inject      map[string]string `json:"inject,omitempty"` // name -> @path expression
	ResponseVar string            `json:"response_var,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
}

// ToolConfig configures a tool_call node.
type ToolConfig struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"` // templated JSON
	ResultVar string          `json:"result_var,omitempty"`
	Extract   string          `json:"extract,omitempty"` // jq expression applied to tool output
	Timeout   string          `json:"timeout,omitempty"`
}

// ConditionConfig configures a condition node. The boolean expression gates
// the branches: when it is false the node routes its false port; when it is
// true the branches are evaluated in declaration order and the first whose
// condition is true wins. A true expression with zero matching branches is
// a configuration error.
type ConditionConfig struct {
	Expression string            `json:"expression"`
	Engine     string            `json:"engine,omitempty"` // cel (default) | expr
	Branches   []ConditionBranch `json:"branches,omitempty"`
}

// ConditionBranch is one ordered branch of a condition node.
type ConditionBranch struct {
	Port      string `json:"port"`
	Condition string `json:"condition"`
}

// Memory operation names for memory_op nodes.
const (
	MemoryOpStore    = "store"
	MemoryOpRetrieve = "retrieve"
	MemoryOpCheck    = "check"
)

// MemoryOpConfig configures a memory_op node.
type MemoryOpConfig struct {
	Op         string `json:"op"` // store | retrieve | check
	EntityType string `json:"entity_type"`
	Attribute  string `json:"attribute"`
	Value      string `json:"value,omitempty"`    // template, store only
	Variable   string `json:"variable,omitempty"` // working-memory binding, retrieve only
	Scope      string `json:"scope,omitempty"`    // working | semantic (default semantic)
	Overwrite  *bool  `json:"overwrite,omitempty"`
	TTL        string `json:"ttl,omitempty"`
}

// WaitConfig configures a wait node. Exactly one of Duration or Event must be
// set; Duration suspends for a fixed time, Event suspends for a named
// external event (the timer still fires as a timeout bound when both appear).
type WaitConfig struct {
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
	Event    string `json:"event,omitempty"`
}

// TerminalConfig configures a terminal node.
type TerminalConfig struct {
	Message string `json:"message,omitempty"`
}
