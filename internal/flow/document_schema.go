package flow

// documentSchemaJSON is the JSON Schema for FlowDocument validation.
// Embedded as a constant to avoid filesystem dependencies.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://voxflow.dev/schemas/flow.json",
  "type": "object",
  "required": ["slug", "start", "nodes", "edges"],
  "properties": {
    "slug": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-z0-9][a-z0-9_-]*$"
    },
    "version": {
      "type": "integer",
      "minimum": 0
    },
    "start": {
      "type": "string",
      "minLength": 1
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "entity_types": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "memory": {
      "type": "object",
      "properties": {
        "auto_retrieve": { "type": "boolean" },
        "auto_store": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "degradation_message": { "type": "string" },
    "max_steps": {
      "type": "integer",
      "minimum": 1
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "kind": {
          "type": "string",
          "enum": ["elicit_input", "agentic_reason", "tool_call", "condition", "memory_op", "wait", "terminal"]
        },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "source_handle", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "source_handle": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`
