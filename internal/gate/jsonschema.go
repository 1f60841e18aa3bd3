package gate

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

// subsetSchema is the small local subset the engine validates directly, so
// it can report dotted/indexed failure paths itself rather than relying on
// whatever format an external validator's error strings happen to use.
type subsetSchema struct {
	Type       string                  `json:"type"`
	Required   []string                `json:"required"`
	Properties map[string]subsetSchema `json:"properties"`
	Items      *subsetSchema           `json:"items"`
}

// subsetKeys is the set of keywords the local subset evaluator understands.
// A schema using any other top-level keyword is treated opaquely instead.
var subsetKeys = map[string]bool{
	"type": true, "required": true, "properties": true, "items": true,
}

func evaluateJSONSchema(spec blockdag.GateSpec, val value.Value) Result {
	if len(spec.Schema) == 0 {
		return Result{Passed: false, Reason: "json_schema gate has no schema"}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(spec.Schema, &raw); err != nil {
		return Result{Passed: false, Reason: "json_schema gate: invalid schema: " + err.Error()}
	}

	if isSubsetSchema(raw) {
		var s subsetSchema
		if err := json.Unmarshal(spec.Schema, &s); err != nil {
			return Result{Passed: false, Reason: "json_schema gate: invalid schema: " + err.Error()}
		}
		inferType(&s)
		var details []Detail
		validateSubset(s, val, "$", &details)
		if len(details) > 0 {
			return Result{Passed: false, Reason: "schema validation failed", Details: details}
		}
		return Result{Passed: true}
	}

	return evaluateOpaqueSchema(spec.Schema, val)
}

func isSubsetSchema(raw map[string]json.RawMessage) bool {
	for k := range raw {
		if !subsetKeys[k] {
			return false
		}
	}
	return true
}

// inferType fills in an absent Type when properties/required imply "object",
// per the gate's documented type-inference rule.
func inferType(s *subsetSchema) {
	if s.Type == "" && (len(s.Properties) > 0 || len(s.Required) > 0) {
		s.Type = "object"
	}
	for k, p := range s.Properties {
		inferType(&p)
		s.Properties[k] = p
	}
	if s.Items != nil {
		inferType(s.Items)
	}
}

func validateSubset(s subsetSchema, val value.Value, path string, details *[]Detail) {
	if s.Type != "" && !typeMatches(s.Type, val) {
		*details = append(*details, Detail{Path: path, Message: fmt.Sprintf("expected %s, got %s", s.Type, val.Kind())})
		return
	}

	if len(s.Required) > 0 {
		for _, name := range s.Required {
			if _, present := val.Field(name); !present {
				*details = append(*details, Detail{Path: childPath(path, name), Message: "required field missing"})
			}
		}
	}

	if len(s.Properties) > 0 && val.Kind() == value.KindObject {
		for _, name := range val.ObjectKeys() {
			propSchema, ok := s.Properties[name]
			if !ok {
				continue
			}
			child, _ := val.Field(name)
			if child.IsNull() {
				continue
			}
			validateSubset(propSchema, child, childPath(path, name), details)
		}
	}

	if s.Items != nil && val.Kind() == value.KindArray {
		items, _ := val.Array()
		for i, item := range items {
			validateSubset(*s.Items, item, childPath(path, strconv.Itoa(i)), details)
		}
	}
}

func childPath(parent, key string) string {
	if parent == "$" {
		return key
	}
	return parent + "." + key
}

func typeMatches(t string, val value.Value) bool {
	switch t {
	case "string":
		return val.Kind() == value.KindString
	case "number":
		return val.Kind() == value.KindNumber
	case "boolean":
		return val.Kind() == value.KindBool
	case "null":
		return val.Kind() == value.KindNull
	case "array":
		return val.Kind() == value.KindArray
	case "object":
		return val.Kind() == value.KindObject
	default:
		return true
	}
}

// evaluateOpaqueSchema delegates to jsonschema-go for schemas that use
// keywords beyond the local subset (oneOf, pattern, enum, $ref, etc.),
// treating the schema as an opaque typed-schema object per the gate's
// "safe-parse interface" contract.
func evaluateOpaqueSchema(raw json.RawMessage, val value.Value) Result {
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return Result{Passed: false, Reason: "json_schema gate: invalid schema: " + err.Error()}
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return Result{Passed: false, Reason: "json_schema gate: schema resolve failed: " + err.Error()}
	}
	if err := resolved.Validate(val.ToAny()); err != nil {
		return Result{Passed: false, Reason: err.Error(), Details: []Detail{{Path: "$", Message: err.Error()}}}
	}
	return Result{Passed: true}
}
