package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

// scriptedProvider replays one canned event sequence per round. Requests are
// recorded so tests can inspect the conversation the engine sends back.
type scriptedProvider struct {
	rounds   [][]Event
	requests []Request
	caps     Capabilities
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Capabilities() Capabilities { return p.caps }

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	round := len(p.requests)
	p.requests = append(p.requests, req)
	if round >= len(p.rounds) {
		return nil, errors.New("no scripted round left")
	}
	events := p.rounds[round]
	return newEventStream(ctx, func(ctx context.Context, out chan<- Event) error {
		for _, event := range events {
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

func drain(t *testing.T, stream Stream) ([]Event, error) {
	t.Helper()
	var events []Event
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

func collectTestText(events []Event) string {
	var b strings.Builder
	for _, e := range events {
		if e.Type == EventTextDelta {
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func weatherTool(t *testing.T, gotArgs *string) Tool {
	t.Helper()
	return ToolFunc{
		ToolSpec: ToolSpec{
			Name:        "get_weather",
			Description: "Current weather for a city",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
			},
		},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			*gotArgs = string(args)
			return `{"tempC":18}`, nil
		},
	}
}

func TestEngineToolLoop(t *testing.T) {
	provider := &scriptedProvider{
		caps: Capabilities{ToolCalls: true},
		rounds: [][]Event{
			{
				{Type: EventToolCallDelta, ToolCallID: "call-1", Text: `{"city":"Paris"}`},
				{Type: EventToolCall, Tool: &ToolCall{ID: "call-1", Name: "get_weather"}},
				{Type: EventUsage, Use: &Usage{InputTokens: 10, OutputTokens: 4}},
				{Type: EventDone},
			},
			{
				{Type: EventTextDelta, Text: "It is 18C in Paris."},
				{Type: EventUsage, Use: &Usage{InputTokens: 20, OutputTokens: 7}},
				{Type: EventDone},
			},
		},
	}

	var gotArgs string
	registry := NewToolRegistry()
	registry.Register(weatherTool(t, &gotArgs))

	engine := NewEngine(provider, registry, nil)
	stream, err := engine.Stream(context.Background(), Request{
		Model:    "test",
		Messages: []Message{UserText("Weather in Paris?")},
		Tools:    registry.AllSpecs(),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	events, err := drain(t, stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	if gotArgs != `{"city":"Paris"}` {
		t.Errorf("tool args = %q", gotArgs)
	}
	if got := collectTestText(events); got != "It is 18C in Paris." {
		t.Errorf("text = %q", got)
	}

	var started, ended bool
	for _, e := range events {
		switch e.Type {
		case EventToolExecStart:
			started = true
		case EventToolExecEnd:
			ended = true
			if !e.ToolOK {
				t.Error("tool exec reported failure")
			}
			if e.ToolOutput != `{"tempC":18}` {
				t.Errorf("tool output = %q", e.ToolOutput)
			}
		}
	}
	if !started || !ended {
		t.Errorf("tool exec events missing: start=%v end=%v", started, ended)
	}

	if len(provider.requests) != 2 {
		t.Fatalf("rounds = %d, want 2", len(provider.requests))
	}
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != RoleTool {
		t.Fatalf("last message role = %v, want tool result", last.Role)
	}
	result := last.Parts[0].ToolResult
	if result == nil || !strings.Contains(result.Content, "18") {
		t.Errorf("tool result fed back = %+v", result)
	}
}

func TestEngineIterationCap(t *testing.T) {
	// Every round asks for another tool call; the loop must stop with a
	// budget error instead of spinning.
	round := []Event{
		{Type: EventToolCall, Tool: &ToolCall{ID: "call-1", Name: "get_weather", Arguments: []byte(`{"city":"Paris"}`)}},
		{Type: EventDone},
	}
	provider := &scriptedProvider{
		caps:   Capabilities{ToolCalls: true},
		rounds: [][]Event{round, round, round},
	}

	var gotArgs string
	registry := NewToolRegistry()
	registry.Register(weatherTool(t, &gotArgs))

	engine := NewEngine(provider, registry, nil)
	stream, err := engine.Stream(context.Background(), Request{
		Model:    "test",
		Messages: []Message{UserText("loop forever")},
		Tools:    registry.AllSpecs(),
		MaxTurns: 3,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	_, err = drain(t, stream)
	var budget *BudgetExceededError
	if !errors.As(err, &budget) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if budget.Kind != "turns" {
		t.Errorf("kind = %q, want turns", budget.Kind)
	}
}

func TestEngineRecoverableToolError(t *testing.T) {
	provider := &scriptedProvider{
		caps: Capabilities{ToolCalls: true},
		rounds: [][]Event{
			{
				{Type: EventToolCall, Tool: &ToolCall{ID: "call-1", Name: "flaky", Arguments: []byte(`{}`)}},
				{Type: EventDone},
			},
			{
				{Type: EventTextDelta, Text: "The tool failed, sorry."},
				{Type: EventDone},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(ToolFunc{
		ToolSpec: ToolSpec{Name: "flaky"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", &ToolExecutionError{Tool: "flaky", Recoverable: true, Err: errors.New("upstream 502")}
		},
	})

	engine := NewEngine(provider, registry, nil)
	stream, err := engine.Stream(context.Background(), Request{
		Model:    "test",
		Messages: []Message{UserText("go")},
		Tools:    registry.AllSpecs(),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	events, err := drain(t, stream)
	if err != nil {
		t.Fatalf("recoverable failure must not abort the turn: %v", err)
	}
	if got := collectTestText(events); got != "The tool failed, sorry." {
		t.Errorf("text = %q", got)
	}

	// The failure is fed back to the model as an error-marked tool result.
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != RoleTool {
		t.Fatalf("last message role = %v", last.Role)
	}
	result := last.Parts[0].ToolResult
	if result == nil || !result.IsError || !strings.Contains(result.Content, "upstream 502") {
		t.Errorf("tool error fed back = %+v", result)
	}
}

func TestEngineUnrecoverableToolErrorAborts(t *testing.T) {
	provider := &scriptedProvider{
		caps: Capabilities{ToolCalls: true},
		rounds: [][]Event{
			{
				{Type: EventToolCall, Tool: &ToolCall{ID: "call-1", Name: "fatal", Arguments: []byte(`{}`)}},
				{Type: EventDone},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(ToolFunc{
		ToolSpec: ToolSpec{Name: "fatal"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", &ToolExecutionError{Tool: "fatal", Recoverable: false, Err: errors.New("bad state")}
		},
	})

	engine := NewEngine(provider, registry, nil)
	stream, err := engine.Stream(context.Background(), Request{
		Model:    "test",
		Messages: []Message{UserText("go")},
		Tools:    registry.AllSpecs(),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	_, err = drain(t, stream)
	var te *ToolExecutionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want ToolExecutionError", err)
	}
	if te.Recoverable {
		t.Error("error must be unrecoverable")
	}
}

func TestEngineUnknownToolFedBack(t *testing.T) {
	provider := &scriptedProvider{
		caps: Capabilities{ToolCalls: true},
		rounds: [][]Event{
			{
				{Type: EventToolCall, Tool: &ToolCall{ID: "call-1", Name: "missing", Arguments: []byte(`{}`)}},
				{Type: EventDone},
			},
			{
				{Type: EventTextDelta, Text: "ok"},
				{Type: EventDone},
			},
		},
	}

	engine := NewEngine(provider, NewToolRegistry(), nil)
	engine.RegisterTool(ToolFunc{ToolSpec: ToolSpec{Name: "other"}, Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", nil
	}})

	stream, err := engine.Stream(context.Background(), Request{
		Model:    "test",
		Messages: []Message{UserText("go")},
		Tools:    engine.Tools().AllSpecs(),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	if _, err := drain(t, stream); err != nil {
		t.Fatalf("unknown tool must not abort the turn: %v", err)
	}
	second := provider.requests[1].Messages
	result := second[len(second)-1].Parts[0].ToolResult
	if result == nil || !strings.Contains(result.Content, "missing") {
		t.Errorf("unknown-tool result = %+v", result)
	}
}

func TestEngineCancellation(t *testing.T) {
	provider := &scriptedProvider{
		caps: Capabilities{ToolCalls: true},
		rounds: [][]Event{
			{
				{Type: EventToolCall, Tool: &ToolCall{ID: "call-1", Name: "slow", Arguments: []byte(`{}`)}},
				{Type: EventDone},
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := NewToolRegistry()
	registry.Register(ToolFunc{
		ToolSpec: ToolSpec{Name: "slow"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	engine := NewEngine(provider, registry, nil)
	stream, err := engine.Stream(ctx, Request{
		Model:    "test",
		Messages: []Message{UserText("go")},
		Tools:    registry.AllSpecs(),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	_, err = drain(t, stream)
	if !IsCancelled(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
}
