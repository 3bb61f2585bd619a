package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// handoffSchemaJSON is the wire contract for handoff envelopes. Agents that
// cannot emit structured output are prompted toward this shape; whatever
// comes back is validated here before the scheduler trusts it.
const handoffSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status", "summary"],
  "properties": {
    "schema_version": {"type": "string"},
    "status": {"enum": ["VERIFIED", "UNVERIFIED", "BLOCKED"]},
    "summary": {
      "type": "object",
      "required": ["what_i_did"],
      "properties": {
        "what_i_did": {"type": "string", "minLength": 1},
        "what_i_found": {"type": "string"},
        "key_decisions": {"type": "array", "items": {"type": "string"}},
        "evidence": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "concerns": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity", "description"],
        "properties": {
          "severity": {"type": "string"},
          "description": {"type": "string"},
          "location": {"type": "string"},
          "recommendation": {"type": "string"}
        }
      }
    },
    "assumptions": {"type": "array", "items": {"type": "string"}},
    "routing": {
      "type": "object",
      "properties": {
        "recommendation": {"type": "string"},
        "can_further_iteration_help": {"type": "boolean"},
        "reason": {"type": "string"}
      }
    }
  }
}`

var (
	handoffSchemaOnce sync.Once
	handoffSchema     *jsonschema.Schema
	handoffSchemaErr  error
)

// ValidateHandoffJSON checks a raw handoff payload against the envelope
// schema. Callers treat a failure as a retriable malformed-output error:
// the agent gets another chance to emit a valid envelope.
func ValidateHandoffJSON(raw []byte) error {
	handoffSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("handoff.schema.json", strings.NewReader(handoffSchemaJSON)); err != nil {
			handoffSchemaErr = err
			return
		}
		handoffSchema, handoffSchemaErr = compiler.Compile("handoff.schema.json")
	})
	if handoffSchemaErr != nil {
		return fmt.Errorf("compile handoff schema: %w", handoffSchemaErr)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("handoff is not json: %w", err)
	}
	if err := handoffSchema.Validate(v); err != nil {
		return fmt.Errorf("handoff schema validation failed: %w", err)
	}
	return nil
}
