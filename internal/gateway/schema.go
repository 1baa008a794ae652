package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/codebuff/agent-runtime/pkg/models"
)

// Inbound frames are schema-checked before typed decode so a malformed
// client request fails with a clear reason instead of a half-populated
// action struct.
type actionSchemaRegistry struct {
	once    sync.Once
	initErr error
	actions map[string]*jsonschema.Schema
}

var actionSchemas actionSchemaRegistry

func initActionSchemas() error {
	actionSchemas.once.Do(func() {
		sources := map[string]string{
			models.ActionPrompt:            promptActionSchema,
			models.ActionInit:              initActionSchema,
			models.ActionCancelUserInput:   cancelUserInputSchema,
			models.ActionToolCallResponse:  toolCallResponseSchema,
			models.ActionReadFilesResponse: readFilesResponseSchema,
			models.ActionMCPToolData:       mcpToolDataSchema,
		}
		actionSchemas.actions = make(map[string]*jsonschema.Schema, len(sources))
		for name, source := range sources {
			compiled, err := jsonschema.CompileString("action_"+name, source)
			if err != nil {
				actionSchemas.initErr = err
				return
			}
			actionSchemas.actions[name] = compiled
		}
	})
	return actionSchemas.initErr
}

// validateInbound checks a raw client frame against the schema for its
// action type. Types without a schema pass.
func validateInbound(actionType string, raw []byte) error {
	if err := initActionSchemas(); err != nil {
		return err
	}
	schema := actionSchemas.actions[actionType]
	if schema == nil {
		return nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid %s action: %v", actionType, err)
	}
	return nil
}

const promptActionSchema = `{
  "type": "object",
  "required": ["type", "promptId", "prompt"],
  "properties": {
    "type": { "const": "prompt" },
    "promptId": { "type": "string", "minLength": 1 },
    "prompt": { "type": "string" },
    "fingerprintId": { "type": "string" },
    "authToken": { "type": "string" },
    "costMode": { "enum": ["lite", "normal", "max"] },
    "agentId": { "type": "string" },
    "sessionState": { "type": "object" },
    "toolResults": { "type": "array" },
    "agentDefinitions": { "type": "array" },
    "customToolDefinitions": { "type": "object" },
    "projectFiles": { "type": "object" },
    "knowledgeFiles": { "type": "object" },
    "maxAgentSteps": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const initActionSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "const": "init" },
    "fingerprintId": { "type": "string" },
    "authToken": { "type": "string" },
    "sessionState": { "type": "object" }
  },
  "additionalProperties": true
}`

const cancelUserInputSchema = `{
  "type": "object",
  "required": ["type", "promptId"],
  "properties": {
    "type": { "const": "cancel-user-input" },
    "promptId": { "type": "string", "minLength": 1 },
    "authToken": { "type": "string" }
  },
  "additionalProperties": true
}`

const toolCallResponseSchema = `{
  "type": "object",
  "required": ["type", "requestId", "output"],
  "properties": {
    "type": { "const": "tool-call-response" },
    "requestId": { "type": "string", "minLength": 1 },
    "output": { "type": "array" }
  },
  "additionalProperties": true
}`

const mcpToolDataSchema = `{
  "type": "object",
  "required": ["type", "requestId"],
  "properties": {
    "type": { "const": "mcp-tool-data" },
    "requestId": { "type": "string", "minLength": 1 },
    "tools": { "type": "array" },
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

const readFilesResponseSchema = `{
  "type": "object",
  "required": ["type", "requestId", "files"],
  "properties": {
    "type": { "const": "read-files-response" },
    "requestId": { "type": "string", "minLength": 1 },
    "files": { "type": "object" }
  },
  "additionalProperties": true
}`
