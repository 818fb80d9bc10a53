package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/strandapp/strand/internal/config"
)

// OpenAIProvider implements Provider for the OpenAI API and compatible
// servers (Ollama, LM Studio, OpenRouter, and others). Streaming speaks the
// wire protocol directly so that custom chat paths and body overrides reach
// the server unaltered; the official SDK is kept for model listing where the
// endpoint shape is fixed.
type OpenAIProvider struct {
	setting config.ProviderSetting
	model   config.Model
	client  *http.Client
	sdk     *openai.Client
}

func NewOpenAIProvider(setting config.ProviderSetting, model config.Model, client *http.Client) *OpenAIProvider {
	setting.BaseURL = strings.TrimSuffix(setting.BaseURL, "/")

	var opts []option.RequestOption
	if setting.APIKey != "" {
		opts = append(opts, option.WithAPIKey(setting.APIKey))
	}
	if setting.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(setting.BaseURL))
	}
	opts = append(opts, option.WithHTTPClient(client))
	sdk := openai.NewClient(opts...)

	return &OpenAIProvider{
		setting: setting,
		model:   model,
		client:  client,
		sdk:     &sdk,
	}
}

func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.setting.Name, p.model.ID)
}

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{
		// Native search is only reachable through the Responses API.
		NativeSearch: searchCapability(p.setting.UseResponsesAPI, p.model),
		ToolCalls:    true,
		Reasoning:    p.model.HasAbility("reasoning"),
	}
}

// ModelInfo is one entry from a provider's model listing endpoint.
type ModelInfo struct {
	ID      string
	Created int64
	OwnedBy string
}

// ListModels returns the models the server advertises.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := p.sdk.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	var models []ModelInfo
	for _, m := range page.Data {
		models = append(models, ModelInfo{
			ID:      m.ID,
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

// OpenAI chat completions wire structures. Tool choice can be a string
// ("none"/"auto") or an object.
type oaiChatRequest struct {
	Model             string       `json:"model"`
	Messages          []oaiMessage `json:"messages"`
	Tools             []oaiTool    `json:"tools,omitempty"`
	ToolChoice        any          `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool        `json:"parallel_tool_calls,omitempty"`
	Temperature       *float64     `json:"temperature,omitempty"`
	TopP              *float64     `json:"top_p,omitempty"`
	MaxTokens         *int         `json:"max_tokens,omitempty"`
	Stream            bool         `json:"stream,omitempty"`
	StreamOptions     *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type oaiChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int         `json:"index"`
	Message      *oaiMessage `json:"message,omitempty"`
	Delta        *oaiMessage `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *OpenAIProvider) chatPath() string {
	if p.setting.ChatPath != "" {
		return p.setting.ChatPath
	}
	return "/chat/completions"
}

// encodeBody marshals the wire request and deep-merges BodyExtra into it.
// The merge goes through a map round-trip so that override keys unknown to
// the typed struct still reach the server.
func encodeBody(wire any, extra map[string]any) ([]byte, error) {
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return raw, nil
	}
	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, err
	}
	return json.Marshal(MergeCustomBody(base, extra))
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body []byte, headers []Header) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.setting.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.setting.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.setting.APIKey)
	}
	for _, h := range headers {
		if h.Value == "" {
			continue
		}
		httpReq.Header.Set(h.Name, h.Value)
	}
	return p.client.Do(httpReq)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if p.setting.UseResponsesAPI {
		return p.streamResponses(ctx, req)
	}
	return p.streamChat(ctx, req)
}

func (p *OpenAIProvider) streamChat(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		messages := buildOAIMessages(req.Messages)
		if len(messages) == 0 {
			return &ProtocolError{Provider: p.setting.Name, Detail: "no messages provided"}
		}

		tools, err := buildOAITools(req.Tools)
		if err != nil {
			return err
		}

		chatReq := oaiChatRequest{
			Model:         chooseModel(req.Model, p.model.ID),
			Messages:      messages,
			Tools:         tools,
			Stream:        true,
			StreamOptions: &oaiStreamOptions{IncludeUsage: true},
		}
		if req.ToolChoice.Mode != "" {
			chatReq.ToolChoice = buildOAIToolChoice(req.ToolChoice)
		}
		if req.ParallelToolCalls {
			chatReq.ParallelToolCalls = boolPtr(true)
		}
		if req.Temperature > 0 {
			v := float64(req.Temperature)
			chatReq.Temperature = &v
		}
		if req.TopP > 0 {
			v := float64(req.TopP)
			chatReq.TopP = &v
		}
		if req.MaxOutputTokens > 0 {
			v := req.MaxOutputTokens
			chatReq.MaxTokens = &v
		}

		body, err := encodeBody(chatReq, req.BodyExtra)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		resp, err := p.post(ctx, p.chatPath(), body, req.Headers)
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

		toolState := newOAIToolState()
		var lastUsage *Usage
		var lastEventType string
		terminal := false

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
				terminal = true
				break
			}

			var chatResp oaiChatResponse
			if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
				continue
			}

			if lastEventType == "error" || chatResp.Error != nil {
				errMsg := "unknown error"
				if chatResp.Error != nil {
					errMsg = chatResp.Error.Message
				}
				return &ProtocolError{Provider: p.setting.Name, Detail: errMsg}
			}

			if chatResp.Usage != nil {
				lastUsage = &Usage{
					InputTokens:  chatResp.Usage.PromptTokens,
					OutputTokens: chatResp.Usage.CompletionTokens,
				}
			}

			for _, choice := range chatResp.Choices {
				if choice.FinishReason != "" {
					terminal = true
				}
				if choice.Delta == nil {
					continue
				}
				if choice.Delta.Content != "" {
					events <- Event{Type: EventTextDelta, Text: choice.Delta.Content}
				}
				for _, frag := range choice.Delta.ToolCalls {
					if frag.Function.Arguments != "" {
						events <- Event{
							Type:       EventToolCallDelta,
							ToolCallID: toolState.CallID(frag),
							Text:       frag.Function.Arguments,
						}
					}
					toolState.Add(frag)
				}
			}

			lastEventType = ""
		}

		if err := scanner.Err(); err != nil {
			return &TransportError{Err: fmt.Errorf("%s streaming error: %w", p.setting.Name, err)}
		}
		// A stream that ends without [DONE] or a finish_reason was cut off;
		// promoting accumulated tool-call fragments would hand the engine
		// truncated argument JSON.
		if !terminal {
			return &ProtocolError{Provider: p.setting.Name, Detail: "stream ended without a terminal frame"}
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

func buildOAIMessages(messages []Message) []oaiMessage {
	var result []oaiMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
			text, toolCalls := splitOAIParts(msg.Parts)
			if msg.Role == RoleAssistant && len(toolCalls) > 0 {
				result = append(result, oaiMessage{
					Role:      "assistant",
					Content:   text,
					ToolCalls: toolCalls,
				})
				continue
			}
			if text == "" {
				continue
			}
			result = append(result, oaiMessage{Role: string(msg.Role), Content: text})
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				result = append(result, oaiMessage{
					Role:       "tool",
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.ID,
				})
			}
		}
	}
	return result
}

func splitOAIParts(parts []Part) (string, []oaiToolCall) {
	var textParts []string
	var toolCalls []oaiToolCall
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			call := oaiToolCall{ID: part.ToolCall.ID, Type: "function"}
			call.Function.Name = part.ToolCall.Name
			call.Function.Arguments = string(part.ToolCall.Arguments)
			toolCalls = append(toolCalls, call)
		}
	}
	return strings.Join(textParts, ""), toolCalls
}

func buildOAITools(specs []ToolSpec) ([]oaiTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}

func buildOAIToolChoice(choice ToolChoice) any {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceName:
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		}
	default:
		return nil
	}
}

// oaiToolState accumulates streamed tool-call fragments keyed by choice
// index. IDs and names arrive on the first fragment; arguments arrive in
// pieces across subsequent fragments.
type oaiToolState struct {
	byIndex map[int]*oaiCallState
	order   []int
}

type oaiCallState struct {
	id   string
	name string
	args strings.Builder
}

func newOAIToolState() *oaiToolState {
	return &oaiToolState{byIndex: make(map[int]*oaiCallState)}
}

func (s *oaiToolState) Add(call oaiToolCall) {
	state, ok := s.byIndex[call.Index]
	if !ok {
		state = &oaiCallState{}
		s.byIndex[call.Index] = state
		s.order = append(s.order, call.Index)
	}
	if call.ID != "" {
		state.id = call.ID
	}
	if call.Function.Name != "" {
		state.name = call.Function.Name
	}
	if call.Function.Arguments != "" {
		state.args.WriteString(call.Function.Arguments)
	}
}

// CallID resolves the stable id for a fragment, falling back to the id seen
// on the opening fragment for this index.
func (s *oaiToolState) CallID(call oaiToolCall) string {
	if call.ID != "" {
		return call.ID
	}
	if state, ok := s.byIndex[call.Index]; ok {
		return state.id
	}
	return ""
}

func (s *oaiToolState) Calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		state := s.byIndex[idx]
		if state == nil {
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

func boolPtr(v bool) *bool { return &v }
