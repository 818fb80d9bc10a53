package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// The error taxonomy below is the only error surface the orchestrator and
// callers reason about. Adapters translate provider-specific failures into
// these types; everything else is wrapped as a ProtocolError.

// TransportError covers connection failures and read timeouts. Retryable by
// the caller with backoff; the core itself never retries.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError covers malformed or unexpected frames from a provider,
// including streams that end mid-frame.
type ProtocolError struct {
	Provider string
	Detail   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol error: %s: %v", e.Provider, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Provider, e.Detail)
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError indicates rejected credentials. Aborts the turn immediately.
type AuthError struct {
	Provider string
	Status   int
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth error (status %d): %s", e.Provider, e.Status, e.Message)
}

// RateLimitError is an explicit throttling signal. Retryable by the caller.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration // 0 = not advertised
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}

// ToolExecutionError reports a failed tool invocation. Recoverable failures
// are fed back to the model as error results; unrecoverable ones abort the
// turn.
type ToolExecutionError struct {
	Tool        string
	Recoverable bool
	Err         error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}
func (e *ToolExecutionError) Unwrap() error { return e.Err }

// BudgetExceededError is raised when the tool loop iteration cap is hit or
// the context budget is permanently unsatisfiable.
type BudgetExceededError struct {
	Kind  string // "turns" or "context"
	Limit int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded (limit %d)", e.Kind, e.Limit)
}

// CancelledError marks a caller-initiated cancellation. It is the only
// failure that discards the draft.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string { return "turn cancelled" }
func (e *CancelledError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller may retry with backoff. The core
// surfaces classification only; retry policy is a caller decision.
func IsRetryable(err error) bool {
	var te *TransportError
	var rl *RateLimitError
	return errors.As(err, &te) || errors.As(err, &rl)
}

// IsCancelled reports whether err represents a cancellation.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}

// ClassifyError maps a raw error into the taxonomy. Errors that already
// carry a taxonomy type pass through unchanged.
func ClassifyError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var te *TransportError
	var pe *ProtocolError
	var ae *AuthError
	var rl *RateLimitError
	var tx *ToolExecutionError
	var be *BudgetExceededError
	var ce *CancelledError
	switch {
	case errors.As(err, &te), errors.As(err, &pe), errors.As(err, &ae),
		errors.As(err, &rl), errors.As(err, &tx), errors.As(err, &be),
		errors.As(err, &ce):
		return err
	}

	if errors.Is(err, context.Canceled) {
		return &CancelledError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransportError{Err: err}
	}

	return &ProtocolError{Provider: provider, Detail: "unexpected failure", Err: err}
}

// classifyHTTPStatus maps an HTTP error status to the taxonomy.
func classifyHTTPStatus(provider string, status int, body string) error {
	msg := strings.TrimSpace(body)
	if len(msg) > 500 {
		msg = msg[:497] + "..."
	}
	switch {
	case status == 401 || status == 403:
		return &AuthError{Provider: provider, Status: status, Message: msg}
	case status == 429:
		return &RateLimitError{Provider: provider, Message: msg}
	case status >= 500:
		return &TransportError{Err: fmt.Errorf("%s returned status %d: %s", provider, status, msg)}
	default:
		return &ProtocolError{Provider: provider, Detail: fmt.Sprintf("status %d: %s", status, msg)}
	}
}
