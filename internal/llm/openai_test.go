package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/strandapp/strand/internal/config"
)

func sseServer(t *testing.T, lines []string, capture *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			*capture = body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func openAITestProvider(baseURL string) *OpenAIProvider {
	setting := config.ProviderSetting{
		ID:      "test",
		Name:    "test",
		Family:  config.FamilyOpenAI,
		BaseURL: baseURL,
		APIKey:  "sk-test",
	}
	model := config.Model{ID: "test-model"}
	return NewOpenAIProvider(setting, model, http.DefaultClient)
}

func TestOpenAIStreamChatText(t *testing.T) {
	var captured []byte
	server := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":" there"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"!"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
	}, &captured)
	defer server.Close()

	provider := openAITestProvider(server.URL)
	stream, err := provider.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserText("hello")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	events, err := drain(t, stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := collectTestText(events); got != "Hi there!" {
		t.Errorf("text = %q", got)
	}

	var usage *Usage
	for _, e := range events {
		if e.Type == EventUsage {
			usage = e.Use
		}
	}
	if usage == nil || usage.InputTokens != 5 || usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}

	var wire map[string]any
	if err := json.Unmarshal(captured, &wire); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if wire["model"] != "test-model" {
		t.Errorf("model = %v", wire["model"])
	}
	if wire["stream"] != true {
		t.Errorf("stream flag missing: %v", wire["stream"])
	}
}

func TestOpenAIStreamChatToolCallFragments(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
	}, nil)
	defer server.Close()

	provider := openAITestProvider(server.URL)
	stream, err := provider.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserText("weather?")},
		Tools:    []ToolSpec{{Name: "get_weather", Schema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	events, err := drain(t, stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	var deltas int
	var call *ToolCall
	for _, e := range events {
		switch e.Type {
		case EventToolCallDelta:
			deltas++
			if e.ToolCallID != "call_abc" {
				t.Errorf("fragment id = %q", e.ToolCallID)
			}
		case EventToolCall:
			call = e.Tool
		}
	}
	if deltas != 2 {
		t.Errorf("argument fragments = %d, want 2", deltas)
	}
	if call == nil {
		t.Fatal("no completed tool call")
	}
	if call.ID != "call_abc" || call.Name != "get_weather" {
		t.Errorf("call = %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args["city"] != "Paris" {
		t.Errorf("arguments = %s (%v)", call.Arguments, err)
	}
}

func TestOpenAIStreamChatAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := openAITestProvider(server.URL)
	stream, err := provider.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserText("hello")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	_, err = drain(t, stream)
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if ae.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", ae.Status)
	}
}

func TestOpenAIStreamChatCustomPathAndBodyExtra(t *testing.T) {
	var captured []byte
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	setting := config.ProviderSetting{
		ID:       "test",
		Name:     "test",
		Family:   config.FamilyOpenAI,
		BaseURL:  server.URL,
		ChatPath: "/v1/custom/chat",
	}
	provider := NewOpenAIProvider(setting, config.Model{ID: "m"}, http.DefaultClient)

	stream, err := provider.Stream(context.Background(), Request{
		Model:     "m",
		Messages:  []Message{UserText("hi")},
		BodyExtra: map[string]any{"reasoning": map[string]any{"effort": "high"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()
	if _, err := drain(t, stream); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if gotPath != "/v1/custom/chat" {
		t.Errorf("path = %q", gotPath)
	}
	var wire map[string]any
	if err := json.Unmarshal(captured, &wire); err != nil {
		t.Fatalf("request body: %v", err)
	}
	reasoning, ok := wire["reasoning"].(map[string]any)
	if !ok || reasoning["effort"] != "high" {
		t.Errorf("body extra not merged: %v", wire["reasoning"])
	}
}

func TestOpenAIStreamChatTruncatedToolCallStream(t *testing.T) {
	// Connection drops mid-argument-fragment: no [DONE], no finish_reason.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"Checking"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":"{\"city\":"}}]}}]}`+"\n\n")
	}))
	defer server.Close()

	provider := openAITestProvider(server.URL)
	stream, err := provider.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserText("weather?")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	events, err := drain(t, stream)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError for a truncated stream", err)
	}
	for _, event := range events {
		if event.Type == EventToolCall {
			t.Fatalf("truncated stream promoted a tool call: %+v", event.Tool)
		}
		if event.Type == EventDone {
			t.Fatal("truncated stream emitted done")
		}
	}
	if got := collectTestText(events); got != "Checking" {
		t.Errorf("partial text = %q, must survive the failure", got)
	}
}

func TestOpenAIResponsesTruncatedToolCallStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.output_item.added\n")
		fmt.Fprint(w, `data: {"output_index":0,"item":{"type":"function_call","call_id":"call_1","name":"get_weather"}}`+"\n\n")
		fmt.Fprint(w, "event: response.function_call_arguments.delta\n")
		fmt.Fprint(w, `data: {"output_index":0,"delta":"{\"city\":"}`+"\n\n")
		// No response.completed.
	}))
	defer server.Close()

	setting := config.ProviderSetting{
		ID:              "test",
		Name:            "test",
		Family:          config.FamilyOpenAI,
		BaseURL:         server.URL,
		APIKey:          "sk-test",
		UseResponsesAPI: true,
	}
	provider := NewOpenAIProvider(setting, config.Model{ID: "test-model"}, http.DefaultClient)
	stream, err := provider.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserText("weather?")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	events, err := drain(t, stream)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError for a truncated stream", err)
	}
	for _, event := range events {
		if event.Type == EventToolCall {
			t.Fatalf("truncated stream promoted a tool call: %+v", event.Tool)
		}
	}
}
