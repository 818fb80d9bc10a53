package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestEventStreamDeliversInOrder(t *testing.T) {
	stream := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		events <- Event{Type: EventTextDelta, Text: "a"}
		events <- Event{Type: EventTextDelta, Text: "b"}
		events <- Event{Type: EventDone}
		return nil
	})
	defer stream.Close()

	var text string
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if event.Type == EventTextDelta {
			text += event.Text
		}
	}
	if text != "ab" {
		t.Errorf("text = %q, want %q", text, "ab")
	}
}

func TestEventStreamProducerError(t *testing.T) {
	wantErr := errors.New("boom")
	stream := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		events <- Event{Type: EventTextDelta, Text: "partial"}
		return wantErr
	})
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, wantErr) {
		t.Errorf("terminal err = %v, want %v", err, wantErr)
	}
}

func TestTurnCollectorPlainText(t *testing.T) {
	c := newTurnCollector("test")
	c.observe(Event{Type: EventTextDelta, Text: "Hi "})
	c.observe(Event{Type: EventTextDelta, Text: "there!"})
	c.observe(Event{Type: EventUsage, Use: &Usage{InputTokens: 5, OutputTokens: 3}})
	c.observe(Event{Type: EventDone})

	if c.phase != PhaseDone {
		t.Errorf("phase = %v, want done", c.phase)
	}
	if c.Text() != "Hi there!" {
		t.Errorf("text = %q", c.Text())
	}
	if u := c.Usage(); u == nil || u.InputTokens != 5 || u.OutputTokens != 3 {
		t.Errorf("usage = %+v", c.Usage())
	}
}

func TestTurnCollectorToolCallFromFragments(t *testing.T) {
	c := newTurnCollector("test")
	c.observe(Event{Type: EventToolCallDelta, ToolCallID: "call-1", Text: `{"city":`})
	c.observe(Event{Type: EventToolCallDelta, ToolCallID: "call-1", Text: `"Paris"}`})
	c.observe(Event{Type: EventToolCall, Tool: &ToolCall{ID: "call-1", Name: "get_weather"}})
	c.observe(Event{Type: EventDone})

	if c.phase != PhaseToolCallPending {
		t.Fatalf("phase = %v, want tool_call_pending", c.phase)
	}
	if len(c.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(c.calls))
	}
	var args map[string]string
	if err := json.Unmarshal(c.calls[0].Arguments, &args); err != nil {
		t.Fatalf("arguments %q: %v", c.calls[0].Arguments, err)
	}
	if args["city"] != "Paris" {
		t.Errorf("city = %q", args["city"])
	}
}

func TestTurnCollectorIncompleteFragmentsFail(t *testing.T) {
	c := newTurnCollector("test")
	c.observe(Event{Type: EventTextDelta, Text: "Let me check."})
	c.observe(Event{Type: EventToolCallDelta, ToolCallID: "call-1", Text: `{"city":"Par`})
	c.observe(Event{Type: EventDone})

	if c.phase != PhaseFailed {
		t.Fatalf("phase = %v, want failed", c.phase)
	}
	var perr *ProtocolError
	if !errors.As(c.err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", c.err)
	}
	if len(c.calls) != 0 {
		t.Errorf("no tool call must be promoted, got %d", len(c.calls))
	}
	if c.Text() != "Let me check." {
		t.Errorf("partial text lost: %q", c.Text())
	}
}

func TestTurnCollectorStreamError(t *testing.T) {
	c := newTurnCollector("test")
	c.observe(Event{Type: EventTextDelta, Text: "some"})
	c.observe(Event{Type: EventError, Err: errors.New("connection reset")})

	if c.phase != PhaseFailed {
		t.Fatalf("phase = %v, want failed", c.phase)
	}
	if c.Text() != "some" {
		t.Errorf("partial text lost: %q", c.Text())
	}
	// Events after a terminal phase are ignored.
	c.observe(Event{Type: EventTextDelta, Text: "more"})
	if c.Text() != "some" {
		t.Errorf("collector accepted events after failure")
	}
}

func TestTurnCollectorUsagePhase(t *testing.T) {
	c := newTurnCollector("test")
	c.observe(Event{Type: EventTextDelta, Text: "x"})
	c.observe(Event{Type: EventUsage, Use: &Usage{OutputTokens: 1}})
	if c.phase != PhaseFinalizing {
		t.Errorf("phase after usage = %v, want finalizing", c.phase)
	}
}
