package everything

import (
	"encoding/json"
	"fmt"
)

// EchoArgs is the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message"`
}

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A *float64 `json:"a"`
	B *float64 `json:"b"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration"`
	Steps    float64 `json:"steps"`
}

// ComplexPromptArgs is the arguments for the complex_prompt prompt.
type ComplexPromptArgs struct {
	Temperature string `json:"temperature"`
	Style       string `json:"style"`
}

var echoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  },
  "required": ["message"]
}`)

var addSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`)

var longRunningOperationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "duration": { "type": "number", "default": 10 },
    "steps": { "type": "number", "default": 5 }
  }
}`)

var emptySchema = json.RawMessage(`{"type": "object", "properties": {}}`)

// decodeArgs unmarshals tool arguments; a missing object decodes to the zero value.
func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("params validation failed: %w", err)
	}
	return args, nil
}
