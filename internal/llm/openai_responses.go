package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// Responses API wire structures. Used when a provider setting opts into the
// /responses endpoint instead of chat completions.
type responsesRequest struct {
	Model             string           `json:"model"`
	Input             []responsesInput `json:"input"`
	Tools             []any            `json:"tools,omitempty"`
	ToolChoice        any              `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool            `json:"parallel_tool_calls,omitempty"`
	MaxOutputTokens   int              `json:"max_output_tokens,omitempty"`
	Temperature       *float64         `json:"temperature,omitempty"`
	TopP              *float64         `json:"top_p,omitempty"`
	Stream            bool             `json:"stream"`
}

type responsesInput struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	// function_call_output
	Output string `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type responsesWebSearchTool struct {
	Type string `json:"type"` // "web_search_preview"
}

type responsesOutputItem struct {
	Type      string `json:"type"` // "message", "function_call", "reasoning"
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Content   []struct {
		Type    string `json:"type"`
		Text    string `json:"text,omitempty"`
		Refusal string `json:"refusal,omitempty"`
	} `json:"content,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *OpenAIProvider) streamResponses(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		input := buildResponsesInput(req.Messages)
		if len(input) == 0 {
			return &ProtocolError{Provider: p.setting.Name, Detail: "no messages provided"}
		}

		tools := buildResponsesTools(req.Tools)
		if req.Search && p.Capabilities().NativeSearch {
			tools = append([]any{responsesWebSearchTool{Type: "web_search_preview"}}, tools...)
		}

		apiReq := responsesRequest{
			Model:  chooseModel(req.Model, p.model.ID),
			Input:  input,
			Tools:  tools,
			Stream: true,
		}
		if req.ToolChoice.Mode != "" {
			apiReq.ToolChoice = buildResponsesToolChoice(req.ToolChoice)
		}
		if req.ParallelToolCalls {
			apiReq.ParallelToolCalls = boolPtr(true)
		}
		if req.Temperature > 0 {
			v := float64(req.Temperature)
			apiReq.Temperature = &v
		}
		if req.TopP > 0 {
			v := float64(req.TopP)
			apiReq.TopP = &v
		}
		if req.MaxOutputTokens > 0 {
			apiReq.MaxOutputTokens = req.MaxOutputTokens
		}

		body, err := encodeBody(apiReq, req.BodyExtra)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		resp, err := p.post(ctx, "/responses", body, req.Headers)
		if err != nil {
			return &TransportError{Err: fmt.Errorf("%s request failed: %w", p.setting.Name, err)}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return classifyHTTPStatus(p.setting.Name, resp.StatusCode, string(respBody))
		}

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		toolState := newResponsesToolState()
		var lastUsage *Usage
		var lastEventType string
		var sawTextDelta bool
		completed := false

		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				lastEventType = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			switch lastEventType {
			case "response.output_text.delta":
				var deltaEvent struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &deltaEvent); err == nil && deltaEvent.Delta != "" {
					sawTextDelta = true
					events <- Event{Type: EventTextDelta, Text: deltaEvent.Delta}
				}

			case "response.output_item.added":
				var itemEvent struct {
					Item        responsesOutputItem `json:"item"`
					OutputIndex int                 `json:"output_index"`
				}
				if err := json.Unmarshal([]byte(data), &itemEvent); err == nil && itemEvent.Item.Type == "function_call" {
					// output_index is the stable key across events; call_id is
					// the id the model expects back with the result.
					toolState.StartCall(itemEvent.OutputIndex, itemEvent.Item.CallID, itemEvent.Item.Name)
				}

			case "response.function_call_arguments.delta":
				var argEvent struct {
					OutputIndex int    `json:"output_index"`
					Delta       string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &argEvent); err == nil && argEvent.Delta != "" {
					events <- Event{
						Type:       EventToolCallDelta,
						ToolCallID: toolState.CallID(argEvent.OutputIndex),
						Text:       argEvent.Delta,
					}
					toolState.AppendArguments(argEvent.OutputIndex, argEvent.Delta)
				}

			case "response.output_item.done":
				var doneEvent struct {
					Item        responsesOutputItem `json:"item"`
					OutputIndex int                 `json:"output_index"`
				}
				if err := json.Unmarshal([]byte(data), &doneEvent); err != nil {
					continue
				}
				switch doneEvent.Item.Type {
				case "function_call":
					toolState.FinishCall(doneEvent.OutputIndex, doneEvent.Item.CallID, doneEvent.Item.Name, doneEvent.Item.Arguments)
				case "message":
					// Text normally arrives via output_text deltas; fall back
					// here when the server never streamed any. Refusals are
					// only delivered on the done event.
					for _, content := range doneEvent.Item.Content {
						if content.Type == "output_text" && content.Text != "" && !sawTextDelta {
							events <- Event{Type: EventTextDelta, Text: content.Text}
						} else if content.Type == "refusal" && content.Refusal != "" {
							events <- Event{Type: EventTextDelta, Text: content.Refusal}
						}
					}
				}

			case "response.completed":
				completed = true
				var completedEvent struct {
					Response struct {
						Usage *responsesUsage `json:"usage,omitempty"`
					} `json:"response"`
				}
				if err := json.Unmarshal([]byte(data), &completedEvent); err == nil && completedEvent.Response.Usage != nil {
					lastUsage = &Usage{
						InputTokens:  completedEvent.Response.Usage.InputTokens,
						OutputTokens: completedEvent.Response.Usage.OutputTokens,
					}
				}

			case "response.failed", "error":
				var errorEvent struct {
					Error struct {
						Message string `json:"message"`
					} `json:"error"`
					Response struct {
						Error struct {
							Message string `json:"message"`
						} `json:"error"`
					} `json:"response"`
				}
				msg := "unknown error"
				if err := json.Unmarshal([]byte(data), &errorEvent); err == nil {
					if errorEvent.Error.Message != "" {
						msg = errorEvent.Error.Message
					} else if errorEvent.Response.Error.Message != "" {
						msg = errorEvent.Response.Error.Message
					}
				}
				return &ProtocolError{Provider: p.setting.Name, Detail: msg}
			}
		}

		if err := scanner.Err(); err != nil {
			return &TransportError{Err: fmt.Errorf("%s streaming error: %w", p.setting.Name, err)}
		}
		// Without response.completed the response is truncated; accumulated
		// tool-call fragments must not be promoted to complete calls.
		if !completed {
			return &ProtocolError{Provider: p.setting.Name, Detail: "stream ended before response.completed"}
		}

		for _, call := range toolState.Calls() {
			call := call
			events <- Event{Type: EventToolCall, Tool: &call}
		}
		if lastUsage != nil {
			events <- Event{Type: EventUsage, Use: lastUsage}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

func buildResponsesInput(messages []Message) []responsesInput {
	var items []responsesInput
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// The Responses API calls the system role "developer".
			if text := collectTextParts(msg.Parts); text != "" {
				items = append(items, responsesInput{Type: "message", Role: "developer", Content: text})
			}
		case RoleUser:
			if text := collectTextParts(msg.Parts); text != "" {
				items = append(items, responsesInput{Type: "message", Role: "user", Content: text})
			}
		case RoleAssistant:
			if text := collectTextParts(msg.Parts); text != "" {
				items = append(items, responsesInput{Type: "message", Role: "assistant", Content: text})
			}
			for _, part := range msg.Parts {
				if part.Type != PartToolCall || part.ToolCall == nil {
					continue
				}
				items = append(items, responsesInput{
					Type:      "function_call",
					CallID:    part.ToolCall.ID,
					Name:      part.ToolCall.Name,
					Arguments: string(part.ToolCall.Arguments),
				})
			}
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				items = append(items, responsesInput{
					Type:   "function_call_output",
					CallID: part.ToolResult.ID,
					Output: part.ToolResult.Content,
				})
			}
		}
	}
	return items
}

func buildResponsesTools(specs []ToolSpec) []any {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]any, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, responsesTool{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Schema,
		})
	}
	return tools
}

func buildResponsesToolChoice(choice ToolChoice) any {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceName:
		return map[string]any{"type": "function", "name": choice.Name}
	default:
		return nil
	}
}

// responsesToolState accumulates function calls keyed by output index.
type responsesToolState struct {
	byIndex map[int]*oaiCallState
	order   []int
}

func newResponsesToolState() *responsesToolState {
	return &responsesToolState{byIndex: make(map[int]*oaiCallState)}
}

func (s *responsesToolState) StartCall(index int, callID, name string) {
	state, ok := s.byIndex[index]
	if !ok {
		state = &oaiCallState{}
		s.byIndex[index] = state
		s.order = append(s.order, index)
	}
	if callID != "" {
		state.id = callID
	}
	if name != "" {
		state.name = name
	}
}

func (s *responsesToolState) CallID(index int) string {
	if state, ok := s.byIndex[index]; ok {
		return state.id
	}
	return ""
}

func (s *responsesToolState) AppendArguments(index int, delta string) {
	s.StartCall(index, "", "")
	s.byIndex[index].args.WriteString(delta)
}

// FinishCall records final call metadata. When the done event carries full
// arguments they replace whatever was accumulated from deltas.
func (s *responsesToolState) FinishCall(index int, callID, name, arguments string) {
	s.StartCall(index, callID, name)
	if arguments != "" {
		state := s.byIndex[index]
		state.args.Reset()
		state.args.WriteString(arguments)
	}
}

func (s *responsesToolState) Calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		state := s.byIndex[idx]
		if state == nil || state.name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        state.id,
			Name:      state.name,
			Arguments: json.RawMessage(state.args.String()),
		})
	}
	return calls
}
