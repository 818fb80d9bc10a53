package llm

import (
	"context"
	"encoding/json"
)

// Provider streams model output events for a request. One implementation
// exists per protocol family; dispatch happens in NewProvider.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Capabilities describe optional provider features.
type Capabilities struct {
	NativeSearch bool // Provider has a built-in web search tool
	ToolCalls    bool
	Reasoning    bool
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Header is one resolved outbound header after composition.
type Header struct {
	Name  string
	Value string
}

// Request represents a single model turn in the canonical form shared by
// every adapter.
type Request struct {
	Model             string
	Messages          []Message
	Tools             []ToolSpec
	ToolChoice        ToolChoice
	ParallelToolCalls bool
	Search            bool
	Temperature       float32
	TopP              float32
	MaxOutputTokens   int
	MaxTurns          int // Max tool loop rounds (0 = default)

	// Headers and BodyExtra are produced by ComposeRequest from model and
	// caller overrides. BodyExtra is deep-merged into the encoded wire body
	// by adapters that speak JSON directly.
	Headers   []Header
	BodyExtra map[string]any
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part represents a single content part.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolChoiceMode controls tool selection behavior.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceName     ToolChoiceMode = "name"
)

// ToolChoice configures which tool the model should call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"` // This result represents a tool execution failure
}

// EventType describes streaming events. Events for one request arrive in
// strict order; adapters never reorder beyond frame assembly.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventToolCallDelta EventType = "tool_call_delta" // Partial tool-call arguments
	EventToolCall      EventType = "tool_call"       // Tool call complete
	EventToolExecStart EventType = "tool_exec_start"
	EventToolExecEnd   EventType = "tool_exec_end"
	EventUsage         EventType = "usage"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Event represents a streamed output update.
type Event struct {
	Type EventType
	Text string

	Tool       *ToolCall
	ToolCallID string // For tool_call_delta and exec events
	ToolName   string
	ToolOK     bool   // For tool_exec_end
	ToolOutput string // For tool_exec_end

	Use *Usage
	Err error
}

// Usage captures token accounting if the provider supplies it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another report.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Type: PartText, Text: text}}}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

func ToolResultMessage(id, name, content string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type:       PartToolResult,
			ToolResult: &ToolResult{ID: id, Name: name, Content: content},
		}},
	}
}

// ToolErrorMessage creates a tool result message that indicates an error.
// The error is passed to the model so it can respond gracefully instead of
// failing the turn.
func ToolErrorMessage(id, name, errorText string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type:       PartToolResult,
			ToolResult: &ToolResult{ID: id, Name: name, Content: errorText, IsError: true},
		}},
	}
}

// CollectText concatenates the text parts of a message list. Used for token
// estimation and summary input.
func CollectText(messages []Message) string {
	var out string
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if part.Type == PartText && part.Text != "" {
				if out != "" {
					out += "\n"
				}
				out += part.Text
			}
		}
	}
	return out
}

func collectTextParts(parts []Part) string {
	var out string
	for _, part := range parts {
		if part.Type == PartText {
			out += part.Text
		}
	}
	return out
}
