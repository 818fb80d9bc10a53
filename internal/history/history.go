package history

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/strandapp/strand/internal/llm"
	"github.com/strandapp/strand/internal/prompt"
	"github.com/strandapp/strand/internal/tree"
)

const defaultSummaryTokens = 512

// SummarizeFunc issues the summarization sub-request. Implemented by the
// orchestrator with a plain non-tool model call.
type SummarizeFunc func(ctx context.Context, instructions string) (string, error)

// Manager decides how much of a conversation's active path is sent upstream
// and compresses older turns into a summary when the path exceeds the token
// budget.
type Manager struct {
	estimator     Estimator
	summarize     SummarizeFunc
	summaryTokens int
	logger        *slog.Logger
}

func NewManager(estimator Estimator, summarize SummarizeFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		estimator:     estimator,
		summarize:     summarize,
		summaryTokens: defaultSummaryTokens,
		logger:        logger,
	}
}

// SetSummaryTokens overrides the summary's target size.
func (m *Manager) SetSummaryTokens(n int) {
	if n > 0 {
		m.summaryTokens = n
	}
}

// Result is the effective context for one upstream request. When Compressed
// is set the caller must persist TruncationIndex and Summary back to the
// conversation so future turns reuse the summary.
type Result struct {
	Messages        []llm.Message
	TruncationIndex int
	Summary         string
	Compressed      bool
}

// EffectiveContext walks the active path from the conversation's truncation
// boundary and, when the token estimate exceeds budgetTokens, summarizes the
// oldest turns to make room. Summarization failures fall back to dropping
// the oldest turns; the user's turn proceeds either way.
func (m *Manager) EffectiveContext(ctx context.Context, t *tree.Tree, budgetTokens int) (Result, error) {
	path := t.ActivePath()
	result := Result{
		TruncationIndex: t.Conversation.TruncationIndex,
		Summary:         t.Conversation.Summary,
	}

	// The truncation index is a position in the active path; entries at or
	// before it are represented by the stored summary.
	start := 0
	if result.TruncationIndex >= 0 {
		start = result.TruncationIndex + 1
		if start > len(path) {
			start = len(path)
		}
	}
	included := path[start:]

	if budgetTokens <= 0 || m.estimate(result.Summary, included) <= budgetTokens {
		result.Messages = m.assemble(result.Summary, included)
		return result, nil
	}

	// Over budget: peel off the oldest entries until what remains (plus the
	// summary we are about to produce) fits.
	keepFrom := 0
	for keepFrom < len(included)-1 {
		if m.estimate("", included[keepFrom:])+m.summaryTokens <= budgetTokens {
			break
		}
		keepFrom++
	}

	if keepFrom == 0 {
		// Nothing to drop yet the estimate is over budget: the newest turns
		// alone exceed the budget.
		return Result{}, &llm.BudgetExceededError{Kind: "context", Limit: budgetTokens}
	}

	dropped := included[:keepFrom]
	kept := included[keepFrom:]
	newTruncation := start + keepFrom - 1

	summary, err := m.summarizeEntries(ctx, result.Summary, dropped)
	if err != nil {
		// Best-effort compression: hard-truncate instead of failing the turn.
		m.logger.Warn("summarization failed, falling back to hard truncation", "error", err)
		result.TruncationIndex = newTruncation
		result.Summary = ""
		result.Compressed = true
		result.Messages = m.assemble("", kept)
		return result, nil
	}

	result.TruncationIndex = newTruncation
	result.Summary = summary
	result.Compressed = true
	result.Messages = m.assemble(summary, kept)

	if m.estimate(summary, kept) > budgetTokens {
		m.logger.Warn("context still over budget after compression",
			"budget", budgetTokens, "estimate", m.estimate(summary, kept))
	}
	return result, nil
}

func (m *Manager) summarizeEntries(ctx context.Context, priorSummary string, entries []tree.PathEntry) (string, error) {
	if m.summarize == nil {
		return "", fmt.Errorf("no summarizer configured")
	}

	content := ""
	if priorSummary != "" {
		content = "Earlier summary:\n" + priorSummary + "\n\n"
	}
	for _, entry := range entries {
		content += llm.CollectText(entry.Candidate.Messages) + "\n"
	}

	instructions := prompt.Summary.Render(map[string]string{
		"target_tokens": strconv.Itoa(m.summaryTokens),
		"content":       content,
	})
	return m.summarize(ctx, instructions)
}

// assemble splices the summary in as a synthetic leading context entry.
func (m *Manager) assemble(summary string, entries []tree.PathEntry) []llm.Message {
	var out []llm.Message
	if summary != "" {
		out = append(out, llm.SystemText("Summary of the earlier conversation:\n"+summary))
	}
	for _, entry := range entries {
		out = append(out, entry.Candidate.Messages...)
	}
	return out
}

func (m *Manager) estimate(summary string, entries []tree.PathEntry) int {
	total := 0
	if summary != "" {
		total += m.estimator.Count(summary)
	}
	for _, entry := range entries {
		total += m.estimator.Count(llm.CollectText(entry.Candidate.Messages))
	}
	return total
}
