package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParseErrorKind distinguishes why a structured-output parse failed, per
// SPEC_FULL.md §4.4's parser contract.
type ParseErrorKind string

const (
	ParseErrNotJSON           ParseErrorKind = "not_json"
	ParseErrSchemaViolation   ParseErrorKind = "schema_violation"
	ParseErrUnknownTool       ParseErrorKind = "unknown_tool"
	ParseErrBothNull          ParseErrorKind = "both_null"
	ParseErrBothPresent       ParseErrorKind = "both_present"
	ParseErrArgumentsMismatch ParseErrorKind = "arguments_mismatch"
)

// ParseError is the typed error the structured-output parser returns.
type ParseError struct {
	Kind    ParseErrorKind
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("structured output parse failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("structured output parse failed (%s)", e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ToolCallRequest is the parsed `tool_call` field of the envelope.
type ToolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// StructuredResponse is the top-level `{thought, tool_call, final_answer}`
// envelope the model is required to emit (SPEC_FULL.md §4.4).
type StructuredResponse struct {
	Thought     string           `json:"thought"`
	ToolCall    *ToolCallRequest `json:"tool_call"`
	FinalAnswer *string          `json:"final_answer"`
}

// envelopeSchema is the top-level shape the parser validates before
// checking the tool-specific argument schema.
const envelopeSchemaJSON = `{
  "type": "object",
  "required": ["thought"],
  "properties": {
    "thought": {"type": "string"},
    "tool_call": {
      "type": ["object", "null"],
      "properties": {
        "name": {"type": "string"},
        "arguments": {"type": "object"}
      },
      "required": ["name", "arguments"]
    },
    "final_answer": {"type": ["string", "null"]}
  }
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		envelopeSchema, envelopeSchemaErr = jsonschema.CompileString("envelope.schema.json", envelopeSchemaJSON)
	})
	return envelopeSchema, envelopeSchemaErr
}

var toolArgSchemaCache sync.Map

func compileToolArgSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := name + "\x00" + string(raw)
	if cached, ok := toolArgSchemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	toolArgSchemaCache.Store(key, compiled)
	return compiled, nil
}

// ToolSchemaLookup resolves a tool name to its declared parameter schema;
// a registry implements this (see tool_registry.go).
type ToolSchemaLookup interface {
	Schema(toolName string) (map[string]any, bool)
}

// ParseStructuredResponse validates raw model output against the
// envelope schema, the tool-call-xor-final-answer invariant, and (when a
// tool_call is present) the named tool's declared argument schema.
func ParseStructuredResponse(raw string, tools ToolSchemaLookup) (*StructuredResponse, error) {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, &ParseError{Kind: ParseErrNotJSON, Message: err.Error(), Cause: err}
	}

	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, &ParseError{Kind: ParseErrSchemaViolation, Message: err.Error(), Cause: err}
	}

	var resp StructuredResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, &ParseError{Kind: ParseErrSchemaViolation, Message: err.Error(), Cause: err}
	}

	hasToolCall := resp.ToolCall != nil
	hasFinalAnswer := resp.FinalAnswer != nil
	switch {
	case !hasToolCall && !hasFinalAnswer:
		return nil, &ParseError{Kind: ParseErrBothNull, Message: "exactly one of tool_call or final_answer must be set"}
	case hasToolCall && hasFinalAnswer:
		return nil, &ParseError{Kind: ParseErrBothPresent, Message: "tool_call and final_answer are mutually exclusive"}
	}

	if hasToolCall {
		argSchema, ok := tools.Schema(resp.ToolCall.Name)
		if !ok {
			return nil, &ParseError{Kind: ParseErrUnknownTool, Message: resp.ToolCall.Name}
		}

		compiled, err := compileToolArgSchema(resp.ToolCall.Name, argSchema)
		if err != nil {
			return nil, fmt.Errorf("compile tool schema for %q: %w", resp.ToolCall.Name, err)
		}

		var args any
		if err := json.Unmarshal(resp.ToolCall.Arguments, &args); err != nil {
			return nil, &ParseError{Kind: ParseErrArgumentsMismatch, Message: err.Error(), Cause: err}
		}
		if err := compiled.Validate(args); err != nil {
			return nil, &ParseError{Kind: ParseErrArgumentsMismatch, Message: err.Error(), Cause: err}
		}
	}

	return &resp, nil
}
