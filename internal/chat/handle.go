package chat

import (
	"context"
	"sync"
	"time"

	"github.com/strandapp/strand/internal/llm"
	"github.com/strandapp/strand/internal/tree"
)

// DraftUpdate is a snapshot of the in-flight draft. Text is cumulative, so
// consumers that miss an update only miss granularity, never content.
type DraftUpdate struct {
	Phase    llm.TurnPhase
	Text     string
	ToolName string // tool currently executing, when Phase is ToolCallPending
	Usage    llm.Usage
}

// TurnHandle tracks one in-flight turn. Updates delivers incremental draft
// snapshots; Wait blocks until the turn finishes and returns the committed
// candidate (or the error for cancelled/setup failures, where nothing is
// committed).
type TurnHandle struct {
	updates chan DraftUpdate
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	result tree.Candidate
	err    error
}

func newTurnHandle(cancel context.CancelFunc) *TurnHandle {
	return &TurnHandle{
		updates: make(chan DraftUpdate, 64),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (h *TurnHandle) Updates() <-chan DraftUpdate { return h.updates }

// Cancel aborts the turn. Idempotent; cancelling a finished turn is a no-op.
func (h *TurnHandle) Cancel() { h.cancel() }

// Wait blocks until the turn is finished.
func (h *TurnHandle) Wait() (tree.Candidate, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// push delivers a snapshot without blocking. A full buffer drops the update;
// the next snapshot carries the same cumulative state.
func (h *TurnHandle) push(u DraftUpdate) {
	select {
	case h.updates <- u:
	default:
	}
}

func (h *TurnHandle) finish(result tree.Candidate, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.updates)
	close(h.done)
}

type recvResult struct {
	event llm.Event
	err   error
}

// timedStream enforces a per-chunk read deadline on an inner stream. A pump
// goroutine performs the blocking Recv; a timeout closes the inner stream so
// the pump unblocks, and the done channel lets it exit even when nobody
// reads the final result.
type timedStream struct {
	inner   llm.Stream
	timeout time.Duration
	results chan recvResult
	done    chan struct{}
	start   sync.Once
	stop    sync.Once
}

func withReadTimeout(inner llm.Stream, timeout time.Duration) llm.Stream {
	if timeout <= 0 {
		return inner
	}
	return &timedStream{
		inner:   inner,
		timeout: timeout,
		results: make(chan recvResult),
		done:    make(chan struct{}),
	}
}

func (s *timedStream) pump() {
	for {
		event, err := s.inner.Recv()
		select {
		case s.results <- recvResult{event: event, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *timedStream) Recv() (llm.Event, error) {
	s.start.Do(func() { go s.pump() })

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-s.results:
		return r.event, r.err
	case <-timer.C:
		s.Close()
		return llm.Event{}, &llm.TransportError{
			Err: context.DeadlineExceeded,
		}
	}
}

func (s *timedStream) Close() error {
	s.stop.Do(func() { close(s.done) })
	return s.inner.Close()
}
