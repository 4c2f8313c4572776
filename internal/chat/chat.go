// Package chat runs the conversational metric-resolution loop: an LLM
// drives "search variables" and "add metric" tool calls against the
// search engine and stat persistence layer.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/metrolabs/censusd/internal/catalog"
	"github.com/metrolabs/censusd/internal/census"
	"github.com/metrolabs/censusd/internal/search"
	"github.com/metrolabs/censusd/internal/stats"
)

const (
	// defaultMaxRounds bounds the tool-calling loop so it always
	// terminates.
	defaultMaxRounds = 4

	// fallbackReply is returned when the round cap is hit without a
	// terminal (tool-free) model response.
	fallbackReply = "unable to complete request"
)

// Searcher resolves free-text queries to variable descriptors.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]catalog.Descriptor, error)
}

// MetricAdder persists a resolved metric. Implemented by stats.Service.
type MetricAdder interface {
	Create(ctx context.Context, req stats.CreateRequest) (stats.Stat, error)
}

// Message is one turn of conversation history as received from the API
// boundary.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AddedMetric records one side-effecting add_metric invocation.
type AddedMetric struct {
	StatID     string `json:"statId"`
	VariableID string `json:"variableId"`
	Label      string `json:"label"`
}

// Result is the outcome of one loop run: the model's final text plus the
// metrics added along the way. Adds take effect as they happen, so a run
// that ends on the fallback path can still have added metrics.
type Result struct {
	Reply string        `json:"reply"`
	Added []AddedMetric `json:"added"`
}

// Defaults scope metrics added through the chat when the model supplies
// only a variable id.
type Defaults struct {
	Year    string
	Dataset string
	Scope   census.Scope
}

// Loop is the conversational resolution loop.
type Loop struct {
	model     llms.Model
	searcher  Searcher
	adder     MetricAdder
	defaults  Defaults
	maxRounds int
	logger    *zap.Logger
}

// Config configures a Loop.
type Config struct {
	Model     llms.Model
	Searcher  Searcher
	Adder     MetricAdder
	Defaults  Defaults
	MaxRounds int
	Logger    *zap.Logger
}

// NewLoop creates a conversational resolution loop.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if cfg.Adder == nil {
		return nil, fmt.Errorf("metric adder is required")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Loop{
		model:     cfg.Model,
		searcher:  cfg.Searcher,
		adder:     cfg.Adder,
		defaults:  cfg.Defaults,
		maxRounds: cfg.MaxRounds,
		logger:    cfg.Logger,
	}, nil
}

const systemPrompt = `You help users add US Census statistics to a map. ` +
	`Use search_variables to resolve a statistic the user describes into a ` +
	`variable id, then add_metric to put it on the map. Answer plainly when ` +
	`no tool is needed.`

// Run executes the tool-calling loop over the supplied history.
func (l *Loop) Run(ctx context.Context, messages []Message) (Result, error) {
	history := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
	}
	for _, m := range messages {
		history = append(history, llms.TextParts(roleFor(m.Role), m.Content))
	}

	var added []AddedMetric

	for round := 0; round < l.maxRounds; round++ {
		resp, err := l.model.GenerateContent(ctx, history, llms.WithTools(toolDefs))
		if err != nil {
			return Result{Added: added}, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return Result{Added: added}, fmt.Errorf("chat completion returned no choices")
		}
		choice := resp.Choices[0]

		if len(choice.ToolCalls) == 0 {
			return Result{Reply: choice.Content, Added: added}, nil
		}

		l.logger.Debug("chat tool round",
			zap.Int("round", round+1),
			zap.Int("tool_calls", len(choice.ToolCalls)),
		)

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextPart(choice.Content))
		}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		history = append(history, assistant)

		for _, tc := range choice.ToolCalls {
			name := ""
			if tc.FunctionCall != nil {
				name = tc.FunctionCall.Name
			}
			content := l.execute(ctx, parseToolCall(tc), &added)
			history = append(history, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       name,
					Content:    content,
				}},
			})
		}
	}

	return Result{Reply: fallbackReply, Added: added}, nil
}

// execute runs one parsed tool call and returns the tool-result content
// to feed back to the model. Failures become error payloads rather than
// aborting the loop.
func (l *Loop) execute(ctx context.Context, call toolCall, added *[]AddedMetric) string {
	switch c := call.(type) {
	case searchVariablesCall:
		descs, err := l.searcher.Search(ctx, search.Request{
			Query:   c.Query,
			Year:    l.defaults.Year,
			Dataset: l.defaults.Dataset,
		})
		if err != nil {
			return errPayload(err)
		}
		if len(descs) == 0 {
			return `{"matches":[],"note":"no variables matched the query"}`
		}
		b, err := json.Marshal(map[string]any{"matches": descs})
		if err != nil {
			return errPayload(err)
		}
		return string(b)

	case addMetricCall:
		label := c.Label
		if label == "" {
			if d, ok := catalog.LookupID(c.VariableID); ok {
				label = d.Label
			} else {
				label = c.VariableID
			}
		}
		st, err := l.adder.Create(ctx, stats.CreateRequest{
			VariableID: c.VariableID,
			Label:      label,
			Year:       l.defaults.Year,
			Dataset:    l.defaults.Dataset,
			Scope:      l.defaults.Scope,
		})
		if err != nil {
			if errors.Is(err, stats.ErrDuplicate) {
				return `{"error":"metric is already on the map"}`
			}
			return errPayload(err)
		}
		// Side effect applied immediately, not deferred to loop end.
		*added = append(*added, AddedMetric{StatID: st.ID, VariableID: st.Code, Label: st.Description})
		b, _ := json.Marshal(map[string]string{"statId": st.ID, "label": st.Description})
		return string(b)

	case unrecognizedCall:
		l.logger.Warn("unrecognized tool call", zap.String("name", c.Name))
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, c.Name)
	}

	return `{"error":"unhandled tool call"}`
}

func errPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

func roleFor(role string) llms.ChatMessageType {
	switch role {
	case "assistant":
		return llms.ChatMessageTypeAI
	case "system":
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeHuman
	}
}
