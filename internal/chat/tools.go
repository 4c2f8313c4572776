package chat

import (
	"encoding/json"

	"github.com/tmc/langchaingo/llms"
)

// toolDefs are the callable operations advertised to the model.
var toolDefs = []llms.Tool{
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "search_variables",
			Description: "Search Census variables matching a free-text description of a statistic.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Free-text description of the statistic, e.g. 'median household income'.",
					},
				},
				"required": []string{"query"},
			},
		},
	},
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "add_metric",
			Description: "Add a resolved Census variable to the map as a persisted stat.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"variable_id": map[string]any{
						"type":        "string",
						"description": "Census variable id, e.g. B19013_001E.",
					},
					"label": map[string]any{
						"type":        "string",
						"description": "Human-readable label for the metric.",
					},
				},
				"required": []string{"variable_id"},
			},
		},
	},
}

// toolCall is the tagged union of known tool invocations. Unknown names
// and malformed argument payloads become unrecognizedCall so the loop
// never crashes on model output.
type toolCall interface {
	isToolCall()
}

type searchVariablesCall struct {
	Query string `json:"query"`
}

type addMetricCall struct {
	VariableID string `json:"variable_id"`
	Label      string `json:"label"`
}

type unrecognizedCall struct {
	Name string
}

func (searchVariablesCall) isToolCall() {}
func (addMetricCall) isToolCall()       {}
func (unrecognizedCall) isToolCall()    {}

// parseToolCall validates one model tool invocation at the boundary.
// Malformed JSON arguments degrade to the zero-value argument struct.
func parseToolCall(tc llms.ToolCall) toolCall {
	if tc.FunctionCall == nil {
		return unrecognizedCall{Name: ""}
	}

	args := []byte(tc.FunctionCall.Arguments)

	switch tc.FunctionCall.Name {
	case "search_variables":
		var c searchVariablesCall
		_ = json.Unmarshal(args, &c)
		return c
	case "add_metric":
		var c addMetricCall
		_ = json.Unmarshal(args, &c)
		return c
	}

	return unrecognizedCall{Name: tc.FunctionCall.Name}
}
