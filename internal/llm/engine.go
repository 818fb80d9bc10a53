package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxTurns    = 20
	defaultToolTimeout = 2 * time.Minute
)

func getMaxTurns(req Request) int {
	if req.MaxTurns > 0 {
		return req.MaxTurns
	}
	return defaultMaxTurns
}

// TurnMetrics contains metrics collected during one loop round.
type TurnMetrics struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// TurnCompletedCallback runs after each loop round with the messages that
// round produced. Used for incremental draft persistence; roundIndex is
// 0-based.
type TurnCompletedCallback func(ctx context.Context, roundIndex int, messages []Message, metrics TurnMetrics) error

// Engine drives the tool invocation loop: stream a model response, execute
// any requested tools, feed results back, repeat until the model stops
// calling tools or the round cap is hit.
type Engine struct {
	provider    Provider
	tools       *ToolRegistry
	toolTimeout time.Duration
	logger      *slog.Logger

	onTurnCompleted TurnCompletedCallback
	callbackMu      sync.RWMutex
}

func NewEngine(provider Provider, tools *ToolRegistry, logger *slog.Logger) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider:    provider,
		tools:       tools,
		toolTimeout: defaultToolTimeout,
		logger:      logger,
	}
}

// SetToolTimeout overrides the per-tool execution deadline.
func (e *Engine) SetToolTimeout(d time.Duration) {
	if d > 0 {
		e.toolTimeout = d
	}
}

// RegisterTool adds a tool to the engine's registry.
func (e *Engine) RegisterTool(tool Tool) {
	e.tools.Register(tool)
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

// SetTurnCompletedCallback sets the incremental persistence callback.
// Safe to call while a stream is in flight.
func (e *Engine) SetTurnCompletedCallback(cb TurnCompletedCallback) {
	e.callbackMu.Lock()
	e.onTurnCompleted = cb
	e.callbackMu.Unlock()
}

func (e *Engine) getCallback() TurnCompletedCallback {
	e.callbackMu.RLock()
	cb := e.onTurnCompleted
	e.callbackMu.RUnlock()
	return cb
}

// Stream returns a stream over the full turn, running the tool loop when the
// request carries tools and the provider supports them.
func (e *Engine) Stream(ctx context.Context, req Request) (Stream, error) {
	caps := e.provider.Capabilities()

	if len(req.Tools) > 0 && caps.ToolCalls {
		return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
			return e.runLoop(ctx, req, events)
		}), nil
	}

	stream, err := e.provider.Stream(ctx, req)
	if err != nil {
		return nil, ClassifyError(e.provider.Name(), err)
	}
	if cb := e.getCallback(); cb != nil {
		stream = wrapCallbackStream(ctx, stream, cb)
	}
	return stream, nil
}

func (e *Engine) runLoop(ctx context.Context, req Request, events chan<- Event) error {
	maxTurns := getMaxTurns(req)
	callback := e.getCallback()

	for round := 0; round < maxTurns; round++ {
		if round > 0 {
			// Follow-up rounds always let the model decide.
			req.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
		}

		stream, err := e.provider.Stream(ctx, req)
		if err != nil {
			return ClassifyError(e.provider.Name(), err)
		}

		collector := newTurnCollector(e.provider.Name())
		var metrics TurnMetrics
		for {
			event, err := stream.Recv()
			if err == io.EOF {
				collector.observe(Event{Type: EventDone})
				break
			}
			if err != nil {
				stream.Close()
				return ClassifyError(e.provider.Name(), err)
			}
			collector.observe(event)
			if collector.phase == PhaseFailed {
				stream.Close()
				return collector.err
			}
			if event.Type == EventUsage && event.Use != nil {
				metrics.InputTokens += event.Use.InputTokens
				metrics.OutputTokens += event.Use.OutputTokens
			}
			if event.Type == EventDone {
				continue
			}
			events <- event
		}
		stream.Close()

		if collector.phase == PhaseFailed {
			return collector.err
		}

		// Native search only applies to the first round.
		req.Search = false

		calls := ensureToolCallIDs(collector.calls)
		calls = dedupeToolCalls(calls)

		if len(calls) == 0 {
			if callback != nil && collector.Text() != "" {
				_ = callback(ctx, round, []Message{AssistantText(collector.Text())}, metrics)
			}
			events <- Event{Type: EventDone}
			return nil
		}

		if round == maxTurns-1 {
			return &BudgetExceededError{Kind: "turns", Limit: maxTurns}
		}

		for i := range calls {
			call := calls[i]
			events <- Event{Type: EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name}
		}

		results, err := e.executeToolCalls(ctx, calls, events)
		if err != nil {
			return err
		}

		assistantMsg := buildAssistantMessage(collector.Text(), calls)
		req.Messages = append(req.Messages, assistantMsg)
		req.Messages = append(req.Messages, results...)

		if callback != nil {
			metrics.ToolCalls = len(calls)
			turnMessages := append([]Message{assistantMsg}, results...)
			_ = callback(ctx, round, turnMessages, metrics)
		}
	}

	return &BudgetExceededError{Kind: "turns", Limit: maxTurns}
}

// buildAssistantMessage creates an assistant message carrying the round's
// text and tool calls.
func buildAssistantMessage(text string, toolCalls []ToolCall) Message {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Type: PartText, Text: text})
	}
	for i := range toolCalls {
		call := toolCalls[i]
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

// executeToolCalls runs the calls, in parallel when there is more than one.
// Exec end events come from concurrent goroutines, so consumers must match
// start/end by ToolCallID rather than order. Result messages keep request
// order regardless.
func (e *Engine) executeToolCalls(ctx context.Context, calls []ToolCall, events chan<- Event) ([]Message, error) {
	results := make([]Message, len(calls))

	if len(calls) == 1 {
		msg, err := e.executeSingleToolCall(ctx, calls[0], events)
		if err != nil {
			return nil, err
		}
		results[0] = msg
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			msg, err := e.executeSingleToolCall(gctx, call, events)
			if err != nil {
				return err
			}
			results[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// executeSingleToolCall runs one tool call and returns its result message.
// Recoverable failures become error results the model sees; unrecoverable
// ones and cancellations abort the turn.
func (e *Engine) executeSingleToolCall(ctx context.Context, call ToolCall, events chan<- Event) (Message, error) {
	tool, ok := e.tools.Get(call.Name)
	if !ok {
		errMsg := fmt.Sprintf("Error: tool not registered: %s", call.Name)
		e.logger.Warn("tool not registered", "tool", call.Name)
		events <- Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolOK: false, ToolOutput: errMsg}
		return ToolErrorMessage(call.ID, call.Name, errMsg), nil
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Execute(toolCtx, call.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return Message{}, &CancelledError{Err: ctx.Err()}
		}
		var execErr *ToolExecutionError
		if errors.As(err, &execErr) && !execErr.Recoverable {
			events <- Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolOK: false}
			return Message{}, execErr
		}
		errMsg := fmt.Sprintf("Error: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			errMsg = fmt.Sprintf("Error: tool %s timed out after %s", call.Name, e.toolTimeout)
		}
		e.logger.Warn("tool failed", "tool", call.Name, "elapsed", elapsed, "error", err)
		events <- Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolOK: false, ToolOutput: errMsg}
		return ToolErrorMessage(call.ID, call.Name, errMsg), nil
	}

	e.logger.Debug("tool executed", "tool", call.Name, "elapsed", elapsed, "output", truncate(output, 200))
	events <- Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolOK: true, ToolOutput: output}
	return ToolResultMessage(call.ID, call.Name, output), nil
}

func ensureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("toolcall-%d", i+1)
		}
	}
	return calls
}

func dedupeToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		id := strings.TrimSpace(call.ID)
		if id == "" {
			out = append(out, call)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, call)
	}
	return out
}

// callbackStream accumulates text and usage from a simple stream and fires
// the turn callback once on completion.
type callbackStream struct {
	inner    Stream
	ctx      context.Context
	text     strings.Builder
	metrics  TurnMetrics
	callback TurnCompletedCallback
	done     bool
}

func wrapCallbackStream(ctx context.Context, inner Stream, cb TurnCompletedCallback) Stream {
	return &callbackStream{inner: inner, ctx: ctx, callback: cb}
}

func (s *callbackStream) Recv() (Event, error) {
	event, err := s.inner.Recv()
	if err != nil {
		s.fireCallback()
		return event, err
	}
	if event.Type == EventTextDelta && event.Text != "" {
		s.text.WriteString(event.Text)
	}
	if event.Type == EventUsage && event.Use != nil {
		s.metrics.InputTokens += event.Use.InputTokens
		s.metrics.OutputTokens += event.Use.OutputTokens
	}
	return event, nil
}

func (s *callbackStream) fireCallback() {
	if s.callback != nil && !s.done && s.text.Len() > 0 {
		s.done = true
		_ = s.callback(s.ctx, 0, []Message{AssistantText(s.text.String())}, s.metrics)
	}
}

func (s *callbackStream) Close() error {
	s.fireCallback()
	return s.inner.Close()
}
