package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/strandapp/strand/internal/config"
)

// GeminiProvider implements Provider using the Google Gemini API.
type GeminiProvider struct {
	setting config.ProviderSetting
	model   config.Model
	client  *http.Client
}

func NewGeminiProvider(setting config.ProviderSetting, model config.Model, client *http.Client) *GeminiProvider {
	return &GeminiProvider{
		setting: setting,
		model:   model,
		client:  client,
	}
}

func (p *GeminiProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.setting.Name, p.model.ID)
}

func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{
		NativeSearch: searchCapability(true, p.model),
		ToolCalls:    true,
		Reasoning:    p.model.HasAbility("reasoning"),
	}
}

// newClient builds a genai client per request. Composed headers ride on the
// client since the SDK has no per-call header hook.
func (p *GeminiProvider) newClient(ctx context.Context, headers []Header) (*genai.Client, error) {
	httpOpts := genai.HTTPOptions{}
	if p.setting.BaseURL != "" {
		httpOpts.BaseURL = p.setting.BaseURL
	}
	if len(headers) > 0 {
		httpOpts.Headers = http.Header{}
		for _, h := range headers {
			if h.Value == "" {
				continue
			}
			httpOpts.Headers.Set(h.Name, h.Value)
		}
	}
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.setting.APIKey,
		HTTPClient:  p.client,
		HTTPOptions: httpOpts,
	})
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		client, err := p.newClient(ctx, req.Headers)
		if err != nil {
			return fmt.Errorf("failed to create gemini client: %w", err)
		}

		system, contents := buildGeminiContents(req.Messages)
		if len(contents) == 0 {
			return &ProtocolError{Provider: p.setting.Name, Detail: "no user content provided"}
		}

		cfg := &genai.GenerateContentConfig{}
		if system != "" {
			cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr(req.Temperature)
		}
		if req.TopP > 0 {
			cfg.TopP = genai.Ptr(req.TopP)
		}
		if req.MaxOutputTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
		}
		if req.Search && p.Capabilities().NativeSearch {
			cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
		}
		if len(req.Tools) > 0 {
			cfg.Tools = append(cfg.Tools, buildGeminiTools(req.Tools)...)
			cfg.ToolConfig = buildGeminiToolConfig(req.ToolChoice)
		}

		model := chooseModel(req.Model, p.model.ID)

		// Function calls don't stream cleanly from this API; use a blocking
		// call when tools are in play.
		if len(req.Tools) > 0 {
			resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
			if err != nil {
				return ClassifyError(p.setting.Name, fmt.Errorf("gemini API error: %w", err))
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
				for _, part := range resp.Candidates[0].Content.Parts {
					if part.Text != "" && !part.Thought {
						events <- Event{Type: EventTextDelta, Text: part.Text}
					}
					if part.FunctionCall != nil {
						argsJSON, _ := json.Marshal(part.FunctionCall.Args)
						events <- Event{Type: EventToolCall, Tool: &ToolCall{
							ID:        part.FunctionCall.ID,
							Name:      part.FunctionCall.Name,
							Arguments: json.RawMessage(argsJSON),
						}}
					}
				}
			}
			emitGeminiUsage(events, resp)
			events <- Event{Type: EventDone}
			return nil
		}

		var sources []string
		var lastResp *genai.GenerateContentResponse
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				return ClassifyError(p.setting.Name, fmt.Errorf("gemini streaming error: %w", err))
			}
			lastResp = resp
			if text := resp.Text(); text != "" {
				events <- Event{Type: EventTextDelta, Text: text}
			}
			if req.Search {
				sources = collectGroundingSources(sources, resp)
			}
		}

		if len(sources) > 0 {
			events <- Event{Type: EventTextDelta, Text: "\n\n**Sources:**\n"}
			for _, source := range sources {
				events <- Event{Type: EventTextDelta, Text: "- " + source + "\n"}
			}
		}
		emitGeminiUsage(events, lastResp)
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

func emitGeminiUsage(events chan<- Event, resp *genai.GenerateContentResponse) {
	if resp == nil || resp.UsageMetadata == nil {
		return
	}
	if resp.UsageMetadata.TotalTokenCount > 0 {
		events <- Event{Type: EventUsage, Use: &Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}}
	}
}

// collectGroundingSources accumulates unique web sources from grounding
// metadata, formatted as markdown links.
func collectGroundingSources(sources []string, resp *genai.GenerateContentResponse) []string {
	for _, cand := range resp.Candidates {
		if cand.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			title := chunk.Web.Title
			if title == "" {
				title = "Source"
			}
			source := fmt.Sprintf("[%s](%s)", title, chunk.Web.URI)
			if !containsString(sources, source) {
				sources = append(sources, source)
			}
		}
	}
	return sources
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func buildGeminiContents(messages []Message) (string, []*genai.Content) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				systemParts = append(systemParts, text)
			}
		case RoleUser:
			if content := buildGeminiContent(genai.RoleUser, msg.Parts); content != nil {
				contents = append(contents, content)
			}
		case RoleAssistant:
			if content := buildGeminiContent(genai.RoleModel, msg.Parts); content != nil {
				contents = append(contents, content)
			}
		case RoleTool:
			if content := buildGeminiToolResultContent(msg.Parts); content != nil {
				contents = append(contents, content)
			}
		}
	}

	return strings.Join(systemParts, "\n\n"), contents
}

func buildGeminiContent(role string, parts []Part) *genai.Content {
	content := &genai.Content{Role: role}
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   part.ToolCall.ID,
					Name: part.ToolCall.Name,
					Args: toolArgsToMap(part.ToolCall.Arguments),
				},
			})
		}
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func buildGeminiToolResultContent(parts []Part) *genai.Content {
	content := &genai.Content{Role: genai.RoleUser}
	for _, part := range parts {
		if part.Type != PartToolResult || part.ToolResult == nil {
			continue
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       part.ToolResult.ID,
				Name:     part.ToolResult.Name,
				Response: map[string]any{"output": part.ToolResult.Content},
			},
		})
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func toolArgsToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	return map[string]any{"_raw": string(raw)}
}

func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]*genai.Tool, 0, len(specs))
	for _, spec := range specs {
		schema := normalizeSchemaForGemini(spec.Schema)
		tools = append(tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        spec.Name,
					Description: spec.Description,
					Parameters:  schemaToGenai(schema),
				},
			},
		})
	}
	return tools
}

func buildGeminiToolConfig(choice ToolChoice) *genai.ToolConfig {
	mode := genai.FunctionCallingConfigModeAuto
	var allowed []string

	switch choice.Mode {
	case ToolChoiceNone:
		mode = genai.FunctionCallingConfigModeNone
	case ToolChoiceRequired:
		mode = genai.FunctionCallingConfigModeAny
	case ToolChoiceName:
		if strings.TrimSpace(choice.Name) != "" {
			mode = genai.FunctionCallingConfigModeAny
			allowed = []string{choice.Name}
		}
	}

	return &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 mode,
			AllowedFunctionNames: allowed,
		},
	}
}
