package llm

import (
	"context"
	"io"
	"strings"
)

// eventStream adapts a producer goroutine to the Stream interface. Events
// are delivered in the exact order the producer sends them; the producer's
// return value becomes the stream's terminal error (nil = io.EOF).
type eventStream struct {
	events <-chan Event
	err    *error
	cancel context.CancelFunc
}

// newEventStream runs producer in a goroutine and returns a Stream over its
// events. Cancelling the surrounding context or closing the stream stops the
// producer.
func newEventStream(ctx context.Context, producer func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 16)
	var err error

	go func() {
		defer close(events)
		err = producer(ctx, events)
	}()

	return &eventStream{events: events, err: &err, cancel: cancel}
}

func (s *eventStream) Recv() (Event, error) {
	event, ok := <-s.events
	if !ok {
		// The close of the channel happens after the producer stores its
		// error, so the read below is safe.
		if *s.err != nil {
			return Event{}, *s.err
		}
		return Event{}, io.EOF
	}
	return event, nil
}

func (s *eventStream) Close() error {
	s.cancel()
	return nil
}

// TurnPhase tracks the normalizer state machine for one in-flight request:
// Idle -> Sending -> Streaming -> {ToolCallPending, Finalizing} -> Done | Failed.
type TurnPhase int

const (
	PhaseIdle TurnPhase = iota
	PhaseSending
	PhaseStreaming
	PhaseToolCallPending
	PhaseFinalizing
	PhaseDone
	PhaseFailed
)

func (p TurnPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseToolCallPending:
		return "tool_call_pending"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// turnCollector normalizes one provider stream into a terminal turn state:
// accumulated text, completed tool calls, and usage. Partial tool-call
// argument fragments are concatenated per call id and only promoted to a
// completed call by an explicit EventToolCall; a stream that ends with
// fragments still pending is a protocol error.
type turnCollector struct {
	provider string
	phase    TurnPhase
	text     strings.Builder
	calls    []ToolCall
	pending  map[string]*strings.Builder
	usage    Usage
	gotUsage bool
	err      error
}

func newTurnCollector(provider string) *turnCollector {
	return &turnCollector{
		provider: provider,
		phase:    PhaseSending,
		pending:  make(map[string]*strings.Builder),
	}
}

// observe feeds one event through the state machine.
func (c *turnCollector) observe(event Event) {
	if c.phase == PhaseDone || c.phase == PhaseFailed {
		return
	}
	if c.phase == PhaseSending {
		c.phase = PhaseStreaming
	}

	switch event.Type {
	case EventTextDelta:
		c.text.WriteString(event.Text)
	case EventToolCallDelta:
		b := c.pending[event.ToolCallID]
		if b == nil {
			b = &strings.Builder{}
			c.pending[event.ToolCallID] = b
		}
		b.WriteString(event.Text)
	case EventToolCall:
		if event.Tool != nil {
			call := *event.Tool
			if len(call.Arguments) == 0 {
				if b, ok := c.pending[call.ID]; ok {
					call.Arguments = []byte(b.String())
				}
			}
			delete(c.pending, call.ID)
			c.calls = append(c.calls, call)
		}
	case EventUsage:
		if event.Use != nil {
			c.usage.Add(event.Use)
			c.gotUsage = true
		}
		// Final usage accounting precedes the terminal frame.
		if c.phase == PhaseStreaming {
			c.phase = PhaseFinalizing
		}
	case EventError:
		c.fail(event.Err)
	case EventDone:
		c.finish()
	}
}

// finish resolves the terminal phase for a normally ended stream.
func (c *turnCollector) finish() {
	if len(c.pending) > 0 {
		c.fail(&ProtocolError{
			Provider: c.provider,
			Detail:   "stream ended with incomplete tool call arguments",
		})
		return
	}
	if len(c.calls) > 0 {
		c.phase = PhaseToolCallPending
		return
	}
	c.phase = PhaseDone
}

func (c *turnCollector) fail(err error) {
	c.phase = PhaseFailed
	c.err = ClassifyError(c.provider, err)
}

// Text returns the text accumulated so far. Retained even on failure so the
// caller can preserve a partial draft.
func (c *turnCollector) Text() string { return c.text.String() }

// Usage returns accumulated usage, or nil when the provider supplied none.
func (c *turnCollector) Usage() *Usage {
	if !c.gotUsage {
		return nil
	}
	u := c.usage
	return &u
}
