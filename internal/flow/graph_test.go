package flow

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/pkg/schema"
)

func rawConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// assertViolation checks that err is a validation FlowError whose message or
// collected issues contain substr.
func assertViolation(t *testing.T, err error, substr string) {
	t.Helper()
	fe := schema.AsFlowError(err)
	require.NotNil(t, fe, "expected a FlowError, got %v", err)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	if strings.Contains(fe.Message, substr) {
		return
	}
	issues, _ := fe.Details["errors"].([]schema.ValidationIssue)
	for _, issue := range issues {
		if strings.Contains(issue.Message, substr) {
			return
		}
	}
	t.Errorf("no validation issue contains %q: %v", substr, fe.Details["errors"])
}

// towingDoc builds a small but complete document covering every node kind.
func towingDoc(t *testing.T) *schema.FlowDocument {
	t.Helper()
	return &schema.FlowDocument{
		Slug:        "towing-intake",
		Version:     1,
		Start:       "ask_plate",
		EntityTypes: []string{"vehicle", "customer"},
		Nodes: []schema.NodeSpec{
			{ID: "ask_plate", Kind: schema.KindElicitInput, Config: rawConfig(t, map[string]any{
				"prompt":      "What is your license plate?",
				"slot":        "plate",
				"validator":   "license_plate",
				"entity_type": "vehicle",
			})},
			{ID: "lookup", Kind: schema.KindToolCall, Config: rawConfig(t, map[string]any{
				"tool":       "vehicle_lookup",
				"result_var": "vehicle",
			})},
			{ID: "is_covered", Kind: schema.KindCondition, Config: rawConfig(t, map[string]any{
				"expression": `vars.vehicle.covered == true`,
			})},
			{ID: "decide", Kind: schema.KindAgenticReason, Config: rawConfig(t, map[string]any{
				"prompt": "Decide how to help with {{@vars.plate}}.",
			})},
			{ID: "remember", Kind: schema.KindMemoryOp, Config: rawConfig(t, map[string]any{
				"op":          "store",
				"entity_type": "vehicle",
				"attribute":   "plate",
				"value":       "{{@vars.plate}}",
			})},
			{ID: "hold", Kind: schema.KindWait, Config: rawConfig(t, map[string]any{
				"duration": "15m",
				"message":  "The truck is on its way.",
			})},
			{ID: "done", Kind: schema.KindTerminal, Config: rawConfig(t, map[string]any{
				"message": "Thanks for calling.",
			})},
			{ID: "sorry", Kind: schema.KindTerminal},
		},
		Edges: []schema.EdgeSpec{
			{Source: "ask_plate", SourceHandle: "response", Target: "lookup"},
			{Source: "ask_plate", SourceHandle: "from_memory", Target: "lookup"},
			{Source: "ask_plate", SourceHandle: "max_retries", Target: "sorry"},
			{Source: "lookup", SourceHandle: "success", Target: "is_covered"},
			{Source: "lookup", SourceHandle: "error", Target: "sorry"},
			{Source: "is_covered", SourceHandle: "true", Target: "decide"},
			{Source: "is_covered", SourceHandle: "false", Target: "sorry"},
			{Source: "decide", SourceHandle: "dispatch", Target: "remember"},
			{Source: "decide", SourceHandle: "escalate", Target: "sorry"},
			{Source: "remember", SourceHandle: "done", Target: "hold"},
			{Source: "hold", SourceHandle: "timeout", Target: "done"},
			{Source: "hold", SourceHandle: "event", Target: "done"},
		},
	}
}

func TestCompile_ValidDocument(t *testing.T) {
	g, err := Compile(towingDoc(t))
	require.NoError(t, err)

	assert.Equal(t, "towing-intake", g.Slug)
	assert.Equal(t, "ask_plate", g.Start)
	assert.Equal(t, DefaultMaxSteps, g.MaxSteps)
	assert.Equal(t, DefaultDegradationMessage, g.DegradationMessage)
	assert.Equal(t, []string{"customer", "vehicle"}, g.EntityTypeList())

	target, ok := g.Route("ask_plate", "response")
	require.True(t, ok)
	assert.Equal(t, "lookup", target)
}

func TestCompile_AgenticReasonPortsFromEdges(t *testing.T) {
	g, err := Compile(towingDoc(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"dispatch", "escalate"}, g.Ports("decide"))
	assert.True(t, g.HasPort("decide", "dispatch"))
	assert.False(t, g.HasPort("decide", "hang_up"))
}

func TestCompile_TerminalHasNoPorts(t *testing.T) {
	g, err := Compile(towingDoc(t))
	require.NoError(t, err)
	assert.Empty(t, g.Ports("done"))
}

func TestCompile_NilDocument(t *testing.T) {
	_, err := Compile(nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}

func TestCompile_DuplicateEdgeHandle(t *testing.T) {
	doc := towingDoc(t)
	doc.Edges = append(doc.Edges, schema.EdgeSpec{
		Source: "ask_plate", SourceHandle: "response", Target: "sorry",
	})
	_, err := Compile(doc)
	assertViolation(t, err, `duplicate edge for (ask_plate, response)`)
}

func TestCompile_UndeclaredHandle(t *testing.T) {
	doc := towingDoc(t)
	doc.Edges = append(doc.Edges, schema.EdgeSpec{
		Source: "lookup", SourceHandle: "retry", Target: "sorry",
	})
	_, err := Compile(doc)
	assertViolation(t, err, `"retry" is not a declared output port`)
}

func TestCompile_DanglingEdgeReferences(t *testing.T) {
	doc := towingDoc(t)
	doc.Edges = append(doc.Edges,
		schema.EdgeSpec{Source: "ghost", SourceHandle: "response", Target: "done"},
		schema.EdgeSpec{Source: "remember", SourceHandle: "done", Target: "nowhere"},
	)
	_, err := Compile(doc)
	assertViolation(t, err, `non-existent source node "ghost"`)
	assertViolation(t, err, `non-existent target node "nowhere"`)
}

func TestCompile_TerminalWithOutgoingEdge(t *testing.T) {
	doc := towingDoc(t)
	doc.Edges = append(doc.Edges, schema.EdgeSpec{
		Source: "done", SourceHandle: "next", Target: "sorry",
	})
	_, err := Compile(doc)
	assertViolation(t, err, `terminal node "done" cannot have outgoing edges`)
}

func TestCompile_ReasonWithoutEdges(t *testing.T) {
	doc := towingDoc(t)
	doc.Edges = doc.Edges[:7] // drop both edges out of "decide"
	_, err := Compile(doc)
	assertViolation(t, err, `"decide" has no outgoing edges to derive actions from`)
}

func TestCompile_StartMustExist(t *testing.T) {
	doc := towingDoc(t)
	doc.Start = "missing"
	_, err := Compile(doc)
	assertViolation(t, err, `start references non-existent node "missing"`)
}

func TestCompile_DuplicateNodeID(t *testing.T) {
	doc := towingDoc(t)
	doc.Nodes = append(doc.Nodes, schema.NodeSpec{ID: "lookup", Kind: schema.KindTerminal})
	_, err := Compile(doc)
	assertViolation(t, err, `duplicate node id "lookup"`)
}

func TestCompile_UnknownKind(t *testing.T) {
	doc := towingDoc(t)
	doc.Nodes = append(doc.Nodes, schema.NodeSpec{ID: "odd", Kind: "teleport"})
	_, err := Compile(doc)
	assertViolation(t, err, `unknown node kind "teleport"`)
}

func TestCompile_UndeclaredEntityType(t *testing.T) {
	doc := towingDoc(t)
	doc.EntityTypes = []string{"customer"} // vehicle no longer declared
	_, err := Compile(doc)
	assertViolation(t, err, `entity type "vehicle" is not declared`)
}

func TestCompile_SemanticMemoryOpRequiresEntityType(t *testing.T) {
	doc := towingDoc(t)
	for i := range doc.Nodes {
		if doc.Nodes[i].ID == "remember" {
			doc.Nodes[i].Config = rawConfig(t, map[string]any{
				"op":        "store",
				"attribute": "plate",
				"value":     "x",
			})
		}
	}
	_, err := Compile(doc)
	assertViolation(t, err, "semantic memory_op requires an entity_type")
}

func TestCompile_ConditionBranchPorts(t *testing.T) {
	doc := towingDoc(t)
	for i := range doc.Nodes {
		if doc.Nodes[i].ID == "is_covered" {
			doc.Nodes[i].Config = rawConfig(t, map[string]any{
				"expression": `vars.vehicle.covered == true`,
				"branches": []map[string]any{
					{"port": "premium", "condition": `vars.vehicle.tier == "premium"`},
					{"port": "basic", "condition": `vars.vehicle.tier == "basic"`},
				},
			})
		}
	}
	// Rewire the true edge to the premium/basic handles.
	edges := doc.Edges[:0]
	for _, e := range doc.Edges {
		if e.Source == "is_covered" && e.SourceHandle == "true" {
			continue
		}
		edges = append(edges, e)
	}
	doc.Edges = append(edges,
		schema.EdgeSpec{Source: "is_covered", SourceHandle: "premium", Target: "decide"},
		schema.EdgeSpec{Source: "is_covered", SourceHandle: "basic", Target: "decide"},
	)

	g, err := Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"basic", "false", "premium"}, g.Ports("is_covered"))
	assert.False(t, g.HasPort("is_covered", "true"))
}

func TestCompile_InvalidConfigDurations(t *testing.T) {
	doc := towingDoc(t)
	for i := range doc.Nodes {
		if doc.Nodes[i].ID == "hold" {
			doc.Nodes[i].Config = rawConfig(t, map[string]any{"duration": "soon"})
		}
	}
	_, err := Compile(doc)
	assertViolation(t, err, `invalid duration "soon"`)
}

func TestCompile_InvalidElicitPattern(t *testing.T) {
	doc := towingDoc(t)
	for i := range doc.Nodes {
		if doc.Nodes[i].ID == "ask_plate" {
			doc.Nodes[i].Config = rawConfig(t, map[string]any{
				"prompt":  "What is your license plate?",
				"slot":    "plate",
				"pattern": "[unclosed",
			})
		}
	}
	_, err := Compile(doc)
	assertViolation(t, err, `invalid pattern "[unclosed"`)
}

func TestCompile_FlowMemoryDefaultsCopied(t *testing.T) {
	doc := towingDoc(t)
	doc.Memory = &schema.MemoryDefaults{AutoRetrieve: false, AutoStore: true}
	g, err := Compile(doc)
	require.NoError(t, err)

	require.NotNil(t, g.MemoryDefaults())
	assert.True(t, g.MemoryDefaults().AutoStore)

	// Mutating the document after compile must not leak into the graph.
	doc.Memory.AutoStore = false
	assert.True(t, g.MemoryDefaults().AutoStore)
}

func TestCompile_NoMemorySectionMeansNil(t *testing.T) {
	g, err := Compile(towingDoc(t))
	require.NoError(t, err)
	assert.Nil(t, g.MemoryDefaults())
}
