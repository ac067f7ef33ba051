package flow

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/voxflow/voxflow/pkg/schema"
)

// DefaultMaxSteps bounds nodes executed per turn when the document does not
// set its own limit. Conversation graphs may legitimately cycle (re-prompt
// loops), so cycles are caught at runtime by this bound, not at load time.
const DefaultMaxSteps = 50

// DefaultDegradationMessage is spoken when a turn ends in a fatal error and
// the flow does not configure its own message.
const DefaultDegradationMessage = "I'm sorry, something went wrong on my end. Let's try that again in a moment."

// Graph is the compiled, immutable form of a FlowDocument. It is safe to
// share read-only across all sessions of the flow.
type Graph struct {
	Slug               string
	Version            int
	Start              string
	MaxSteps           int
	DegradationMessage string
	Memory             *schema.MemoryDefaults // nil = system defaults
	EntityTypes        map[string]bool

	nodes  map[string]*schema.NodeSpec
	edges  []schema.EdgeSpec
	routes map[string]map[string]string // source -> handle -> target
	ports  map[string]map[string]bool   // node -> declared output ports
}

// Compile validates a FlowDocument and builds the immutable Graph.
// Validation fails closed: unknown kinds, undecodable configs, dangling node
// references, unknown edge handles, and duplicate (source, handle) pairs are
// all rejected here so routing mismatches are impossible to deploy.
func Compile(doc *schema.FlowDocument) (*Graph, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow document is nil")
	}

	result := &schema.ValidationResult{}

	g := &Graph{
		Slug:               doc.Slug,
		Version:            doc.Version,
		Start:              doc.Start,
		MaxSteps:           doc.MaxSteps,
		DegradationMessage: doc.DegradationMessage,
		EntityTypes:        make(map[string]bool, len(doc.EntityTypes)),
		nodes:              make(map[string]*schema.NodeSpec, len(doc.Nodes)),
		edges:              append([]schema.EdgeSpec(nil), doc.Edges...),
		routes:             make(map[string]map[string]string),
		ports:              make(map[string]map[string]bool, len(doc.Nodes)),
	}
	if g.MaxSteps <= 0 {
		g.MaxSteps = DefaultMaxSteps
	}
	if g.DegradationMessage == "" {
		g.DegradationMessage = DefaultDegradationMessage
	}
	if doc.Memory != nil {
		m := *doc.Memory
		g.Memory = &m
	}
	for _, t := range doc.EntityTypes {
		g.EntityTypes[t] = true
	}

	if doc.Slug == "" {
		result.AddError("/slug", schema.ErrCodeValidation, "flow slug is required")
	}
	if len(doc.Nodes) == 0 {
		result.AddError("/nodes", schema.ErrCodeValidation, "flow has no nodes")
	}

	// Node pass: unique IDs, known kinds, decodable configs.
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		path := fmt.Sprintf("/nodes[%d]", i)
		if n.ID == "" {
			result.AddError(path+".id", schema.ErrCodeValidation, "node id is required")
			continue
		}
		if _, dup := g.nodes[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		if !schema.KnownKinds[n.Kind] {
			result.AddError(path+".kind", schema.ErrCodeValidation,
				fmt.Sprintf("unknown node kind %q", n.Kind))
			continue
		}
		g.nodes[n.ID] = n
		validateNodeConfig(n, path, g.EntityTypes, result)
	}

	if doc.Start == "" {
		result.AddError("/start", schema.ErrCodeValidation, "start node is required")
	} else if _, ok := g.nodes[doc.Start]; !ok && len(g.nodes) > 0 {
		result.AddError("/start", schema.ErrCodeValidation,
			fmt.Sprintf("start references non-existent node %q", doc.Start))
	}

	// Edge pass: references, terminal outputs, duplicate (source, handle).
	for i, e := range doc.Edges {
		path := fmt.Sprintf("/edges[%d]", i)
		src, srcOK := g.nodes[e.Source]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("edge references non-existent source node %q", e.Source))
			continue
		}
		if _, ok := g.nodes[e.Target]; !ok {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("edge references non-existent target node %q", e.Target))
			continue
		}
		if src.Kind == schema.KindTerminal {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("terminal node %q cannot have outgoing edges", e.Source))
			continue
		}
		if e.SourceHandle == "" {
			result.AddError(path+".source_handle", schema.ErrCodeValidation, "edge source_handle is required")
			continue
		}
		handles, ok := g.routes[e.Source]
		if !ok {
			handles = make(map[string]string)
			g.routes[e.Source] = handles
		}
		if _, dup := handles[e.SourceHandle]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge for (%s, %s)", e.Source, e.SourceHandle))
			continue
		}
		handles[e.SourceHandle] = e.Target
	}

	// Port pass: each node's declared vocabulary, then handle membership.
	for id, n := range g.nodes {
		g.ports[id] = declaredPorts(n, g.routes[id])
	}
	for i, e := range doc.Edges {
		src, ok := g.nodes[e.Source]
		if !ok || e.SourceHandle == "" {
			continue
		}
		// AgenticReason derives its vocabulary from its edges, so every
		// handle is declared by construction.
		if src.Kind == schema.KindAgenticReason {
			continue
		}
		if !g.ports[e.Source][e.SourceHandle] {
			result.AddError(fmt.Sprintf("/edges[%d].source_handle", i), schema.ErrCodeValidation,
				fmt.Sprintf("edge handle %q is not a declared output port of %s node %q (declared: %v)",
					e.SourceHandle, src.Kind, e.Source, g.Ports(e.Source)))
		}
	}

	// AgenticReason derives its action vocabulary from outgoing edges; with
	// none, the provider has nothing to choose from.
	for id, n := range g.nodes {
		if n.Kind == schema.KindAgenticReason && len(g.routes[id]) == 0 {
			result.AddError("/nodes/"+id, schema.ErrCodeValidation,
				fmt.Sprintf("agentic_reason node %q has no outgoing edges to derive actions from", id))
		}
	}

	// Warnings: declared ports with no outgoing edge become runtime
	// RoutingErrors; surface them at deploy time.
	for id, n := range g.nodes {
		if n.Kind == schema.KindTerminal || n.Kind == schema.KindAgenticReason {
			continue
		}
		for port := range g.ports[id] {
			if _, routed := g.routes[id][port]; !routed {
				result.AddWarning("/nodes/"+id, schema.ErrCodeRouting,
					fmt.Sprintf("port %q of node %q has no outgoing edge; reaching it at runtime fails the turn", port, id))
			}
		}
	}
	markUnreachable(g, result)

	if err := result.ToError(); err != nil {
		return nil, err
	}
	return g, nil
}

// Node returns the node spec for an ID.
func (g *Graph) Node(id string) (*schema.NodeSpec, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node IDs in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Route returns the target of the unique edge (nodeID, handle), if any.
func (g *Graph) Route(nodeID, handle string) (string, bool) {
	target, ok := g.routes[nodeID][handle]
	return target, ok
}

// Ports returns the node's declared output ports in sorted order.
func (g *Graph) Ports(nodeID string) []string {
	set := g.ports[nodeID]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasPort reports whether port belongs to the node's declared vocabulary.
func (g *Graph) HasPort(nodeID, port string) bool {
	return g.ports[nodeID][port]
}

// EntityTypeList returns the flow's entity-type vocabulary in sorted order.
func (g *Graph) EntityTypeList() []string {
	out := make([]string, 0, len(g.EntityTypes))
	for t := range g.EntityTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MemoryDefaults returns the flow-level memory policy, or nil when the
// flow leaves system defaults in place.
func (g *Graph) MemoryDefaults() *schema.MemoryDefaults {
	return g.Memory
}

// declaredPorts computes a node's output port vocabulary. AgenticReason and
// Condition derive theirs from edges/config; the rest are fixed per kind.
func declaredPorts(n *schema.NodeSpec, routes map[string]string) map[string]bool {
	set := make(map[string]bool)
	switch n.Kind {
	case schema.KindElicitInput:
		set[schema.PortResponse] = true
		set[schema.PortFromMemory] = true
		set[schema.PortMaxRetries] = true
	case schema.KindAgenticReason:
		for handle := range routes {
			set[handle] = true
		}
	case schema.KindToolCall:
		set[schema.PortSuccess] = true
		set[schema.PortError] = true
	case schema.KindCondition:
		var cfg schema.ConditionConfig
		_ = n.DecodeConfig(&cfg)
		set[schema.PortFalse] = true
		if len(cfg.Branches) == 0 {
			set[schema.PortTrue] = true
		}
		for _, b := range cfg.Branches {
			set[b.Port] = true
		}
	case schema.KindMemoryOp:
		var cfg schema.MemoryOpConfig
		_ = n.DecodeConfig(&cfg)
		if cfg.Op == schema.MemoryOpStore {
			set[schema.PortDone] = true
		} else {
			set[schema.PortFound] = true
			set[schema.PortMissing] = true
		}
	case schema.KindWait:
		set[schema.PortTimeout] = true
		set[schema.PortEvent] = true
	case schema.KindTerminal:
		// no output ports
	}
	return set
}

// validateNodeConfig decodes and semantically checks a node's typed config.
func validateNodeConfig(n *schema.NodeSpec, path string, entityTypes map[string]bool, result *schema.ValidationResult) {
	switch n.Kind {
	case schema.KindElicitInput:
		var cfg schema.ElicitConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.Prompt == "" {
			result.AddError(path+".config.prompt", schema.ErrCodeValidation, "elicit_input requires a prompt")
		}
		if cfg.Slot == "" {
			result.AddError(path+".config.slot", schema.ErrCodeValidation, "elicit_input requires a slot name")
		}
		if cfg.Validator != "" && !schema.KnownSlotValidator(cfg.Validator) {
			result.AddError(path+".config.validator", schema.ErrCodeValidation,
				fmt.Sprintf("unknown validator %q", cfg.Validator))
		}
		if cfg.MaxRetries < 0 {
			result.AddError(path+".config.max_retries", schema.ErrCodeValidation, "max_retries cannot be negative")
		}
		if cfg.Pattern != "" {
			if _, err := regexp.Compile(cfg.Pattern); err != nil {
				result.AddError(path+".config.pattern", schema.ErrCodeValidation,
					fmt.Sprintf("invalid pattern %q: %v", cfg.Pattern, err))
			}
		}
		if cfg.EntityType != "" && !entityTypes[cfg.EntityType] {
			result.AddError(path+".config.entity_type", schema.ErrCodeValidation,
				fmt.Sprintf("entity type %q is not declared in entity_types", cfg.EntityType))
		}

	case schema.KindAgenticReason:
		var cfg schema.ReasonConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.Prompt == "" {
			result.AddError(path+".config.prompt", schema.ErrCodeValidation, "agentic_reason requires a prompt")
		}
		if cfg.Timeout != "" {
			if _, err := time.ParseDuration(cfg.Timeout); err != nil {
				result.AddError(path+".config.timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", cfg.Timeout))
			}
		}

	case schema.KindToolCall:
		var cfg schema.ToolConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.Tool == "" {
			result.AddError(path+".config.tool", schema.ErrCodeValidation, "tool_call requires a tool name")
		}
		if cfg.Timeout != "" {
			if _, err := time.ParseDuration(cfg.Timeout); err != nil {
				result.AddError(path+".config.timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", cfg.Timeout))
			}
		}

	case schema.KindCondition:
		var cfg schema.ConditionConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.Expression == "" {
			result.AddError(path+".config.expression", schema.ErrCodeValidation, "condition requires an expression")
		}
		if cfg.Engine != "" && cfg.Engine != "cel" && cfg.Engine != "expr" {
			result.AddError(path+".config.engine", schema.ErrCodeValidation,
				fmt.Sprintf("unknown expression engine %q (want cel or expr)", cfg.Engine))
		}
		seen := make(map[string]bool, len(cfg.Branches))
		for j, b := range cfg.Branches {
			bPath := fmt.Sprintf("%s.config.branches[%d]", path, j)
			if b.Port == "" {
				result.AddError(bPath+".port", schema.ErrCodeValidation, "branch port is required")
			}
			if b.Condition == "" {
				result.AddError(bPath+".condition", schema.ErrCodeValidation, "branch condition is required")
			}
			if b.Port == schema.PortFalse {
				result.AddError(bPath+".port", schema.ErrCodeValidation,
					`branch port "false" collides with the top-level false port`)
			}
			if seen[b.Port] {
				result.AddError(bPath+".port", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate branch port %q", b.Port))
			}
			seen[b.Port] = true
		}

	case schema.KindMemoryOp:
		var cfg schema.MemoryOpConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		switch cfg.Op {
		case schema.MemoryOpStore, schema.MemoryOpRetrieve, schema.MemoryOpCheck:
		default:
			result.AddError(path+".config.op", schema.ErrCodeValidation,
				fmt.Sprintf("unknown memory op %q", cfg.Op))
		}
		if cfg.Attribute == "" {
			result.AddError(path+".config.attribute", schema.ErrCodeValidation, "memory_op requires an attribute")
		}
		scope := cfg.Scope
		if scope == "" {
			scope = "semantic"
		}
		if scope != "working" && scope != "semantic" {
			result.AddError(path+".config.scope", schema.ErrCodeValidation,
				fmt.Sprintf("unknown memory scope %q", cfg.Scope))
		}
		if scope == "semantic" {
			if cfg.EntityType == "" {
				result.AddError(path+".config.entity_type", schema.ErrCodeValidation,
					"semantic memory_op requires an entity_type")
			} else if !entityTypes[cfg.EntityType] {
				result.AddError(path+".config.entity_type", schema.ErrCodeValidation,
					fmt.Sprintf("entity type %q is not declared in entity_types", cfg.EntityType))
			}
		}
		if cfg.Op == schema.MemoryOpStore && cfg.Value == "" {
			result.AddError(path+".config.value", schema.ErrCodeValidation, "memory store requires a value")
		}
		if cfg.TTL != "" {
			if _, err := time.ParseDuration(cfg.TTL); err != nil {
				result.AddError(path+".config.ttl", schema.ErrCodeValidation,
					fmt.Sprintf("invalid ttl %q", cfg.TTL))
			}
		}

	case schema.KindWait:
		var cfg schema.WaitConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.Duration == "" && cfg.Event == "" {
			result.AddError(path+".config", schema.ErrCodeValidation,
				"wait requires a duration, an event, or both")
		}
		if cfg.Duration != "" {
			if _, err := time.ParseDuration(cfg.Duration); err != nil {
				result.AddError(path+".config.duration", schema.ErrCodeValidation,
					fmt.Sprintf("invalid duration %q", cfg.Duration))
			}
		}

	case schema.KindTerminal:
		var cfg schema.TerminalConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		}
	}
}

// markUnreachable warns about nodes not reachable from the start node.
func markUnreachable(g *Graph, result *schema.ValidationResult) {
	if _, ok := g.nodes[g.Start]; !ok {
		return
	}
	visited := make(map[string]bool, len(g.nodes))
	stack := []string{g.Start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, target := range g.routes[id] {
			if !visited[target] {
				stack = append(stack, target)
			}
		}
	}
	for _, id := range g.NodeIDs() {
		if !visited[id] {
			result.AddWarning("/nodes/"+id, schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from start", id))
		}
	}
}
