package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/voxflow/voxflow/pkg/schema"
)

// Loader parses and validates flow definition documents. It is safe for
// concurrent use; the document schema is compiled once.
type Loader struct {
	docSchema *jsonschema.Schema
}

// NewLoader compiles the embedded document schema.
func NewLoader() (*Loader, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow document schema: %w", err)
	}
	if err := c.AddResource("https://voxflow.dev/schemas/flow.json", doc); err != nil {
		return nil, fmt.Errorf("add flow document schema resource: %w", err)
	}
	compiled, err := c.Compile("https://voxflow.dev/schemas/flow.json")
	if err != nil {
		return nil, fmt.Errorf("compile flow document schema: %w", err)
	}
	return &Loader{docSchema: compiled}, nil
}

// Load parses raw document bytes (JSON or YAML), validates them structurally
// against the document schema, then compiles the graph with the semantic and
// routing checks. Any failure rejects the document with a violation list.
func (l *Loader) Load(raw []byte) (*Graph, error) {
	doc, err := l.Parse(raw)
	if err != nil {
		return nil, err
	}
	return Compile(doc)
}

// Parse decodes document bytes into a FlowDocument after structural
// validation. YAML documents are accepted and normalized through JSON.
func (l *Loader) Parse(raw []byte) (*schema.FlowDocument, error) {
	jsonBytes, err := toJSONBytes(raw)
	if err != nil {
		return nil, err
	}

	val, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid flow document: %s", err.Error()).WithCause(err)
	}
	if err := l.docSchema.Validate(val); err != nil {
		return nil, toFlowError(err)
	}

	var doc schema.FlowDocument
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode flow document: %s", err.Error()).WithCause(err)
	}
	return &doc, nil
}

// toJSONBytes normalizes YAML input to JSON; JSON passes through.
func toJSONBytes(raw []byte) ([]byte, error) {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if strings.HasPrefix(trimmed, "{") {
		return raw, nil
	}
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid YAML flow document: %s", err.Error()).WithCause(err)
	}
	out, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "normalize YAML flow document: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// normalizeYAML converts map[any]any trees (yaml.v3 edge cases) to
// map[string]any so they can round-trip through encoding/json.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// the full violation list so operators see every structural defect at once.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "flow document failed with %d violations", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
