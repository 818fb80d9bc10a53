package tree

import (
	"testing"

	"github.com/strandapp/strand/internal/llm"
)

func turn(user, assistant string) Candidate {
	return Candidate{
		Messages: []llm.Message{llm.UserText(user), llm.AssistantText(assistant)},
		Status:   StatusOK,
		Next:     -1,
	}
}

func newTestTree() *Tree {
	return &Tree{Conversation: NewConversation("default", "p", "m")}
}

func TestAppendTurnLinksPath(t *testing.T) {
	tr := newTestTree()
	if tr.Tip() != -1 {
		t.Errorf("empty tree tip = %d", tr.Tip())
	}

	a := tr.AppendTurn(turn("q1", "a1"))
	b := tr.AppendTurn(turn("q2", "a2"))
	c := tr.AppendTurn(turn("q3", "a3"))

	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("indexes = %d,%d,%d", a, b, c)
	}
	if tr.Nodes[0].Selected().Next != 1 || tr.Nodes[1].Selected().Next != 2 {
		t.Error("previous tips not linked forward")
	}
	if tr.Nodes[2].Selected().Next != -1 {
		t.Error("new tip must be a branch end")
	}
	if tr.Tip() != 2 {
		t.Errorf("tip = %d", tr.Tip())
	}

	path := tr.ActivePath()
	if len(path) != 3 {
		t.Fatalf("path length = %d", len(path))
	}
	if got := len(tr.PathMessages()); got != 6 {
		t.Errorf("path messages = %d, want 6", got)
	}
}

func TestRegenerateKeepsOldCandidate(t *testing.T) {
	tr := newTestTree()
	tr.AppendTurn(turn("q1", "a1"))
	tr.AppendTurn(turn("q2", "a2"))
	tr.AppendTurn(turn("q3", "a3"))

	// A regeneration at node 1 starts a fresh branch; nodes 2 are abandoned
	// but kept.
	sel, err := tr.AppendCandidate(1, turn("q2", "a2-retry"))
	if err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	if sel != 1 {
		t.Errorf("selected candidate = %d", sel)
	}
	if len(tr.Nodes[1].Candidates) != 2 {
		t.Fatalf("candidates = %d", len(tr.Nodes[1].Candidates))
	}

	path := tr.ActivePath()
	if len(path) != 2 {
		t.Fatalf("path after regenerate = %d entries, want 2", len(path))
	}
	if got := llm.CollectText(path[1].Candidate.Messages[1:2]); got != "a2-retry" {
		t.Errorf("active candidate text = %q", got)
	}

	// Continuing the conversation grows the new branch, not the old one.
	tr.AppendTurn(turn("q4", "a4"))
	if tr.Tip() != 3 {
		t.Errorf("tip = %d", tr.Tip())
	}

	// Re-selecting the original candidate restores the old branch.
	if err := tr.SelectCandidate(1, 0); err != nil {
		t.Fatalf("SelectCandidate: %v", err)
	}
	path = tr.ActivePath()
	if len(path) != 3 || path[2].NodeIndex != 2 {
		t.Fatalf("old branch not restored: %+v", path)
	}
	if got := llm.CollectText(path[1].Candidate.Messages[1:2]); got != "a2" {
		t.Errorf("restored candidate text = %q", got)
	}
}

func TestTruncateAfterClampsLinks(t *testing.T) {
	tr := newTestTree()
	tr.AppendTurn(turn("q1", "a1"))
	tr.AppendTurn(turn("q2", "a2"))
	tr.AppendTurn(turn("q3", "a3"))
	tr.SetTruncation(2, "summary")

	if err := tr.TruncateAfter(0); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}
	if len(tr.Nodes) != 1 {
		t.Fatalf("nodes = %d", len(tr.Nodes))
	}
	if tr.Nodes[0].Selected().Next != -1 {
		t.Error("dangling Next link not clamped")
	}
	if tr.Conversation.TruncationIndex != -1 || tr.Conversation.Summary != "" {
		t.Error("truncation boundary beyond the cut must reset")
	}

	if err := tr.TruncateAfter(5); err == nil {
		t.Error("out of range boundary must error")
	}

	if err := tr.TruncateAfter(-1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(tr.Nodes) != 0 || tr.Tip() != -1 {
		t.Error("clear left nodes behind")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tr := newTestTree()
	cand := turn("q1", "a1")
	cand.Messages = append(cand.Messages, llm.ToolResultMessage("id-1", "tool", "out"))
	cand.Usage = &llm.Usage{InputTokens: 3, OutputTokens: 5}
	tr.AppendTurn(cand)
	tr.Conversation.Suggestions = []string{"s1"}

	clone := tr.Clone()
	clone.Nodes[0].Candidates[0].Messages[0].Parts[0].Text = "mutated"
	clone.Nodes[0].Candidates[0].Usage.InputTokens = 99
	clone.Conversation.Suggestions[0] = "mutated"
	clone.AppendTurn(turn("q2", "a2"))

	if got := llm.CollectText(tr.Nodes[0].Candidates[0].Messages[:1]); got != "q1" {
		t.Errorf("original message mutated: %q", got)
	}
	if tr.Nodes[0].Candidates[0].Usage.InputTokens != 3 {
		t.Error("original usage mutated")
	}
	if tr.Conversation.Suggestions[0] != "s1" {
		t.Error("original suggestions mutated")
	}
	if len(tr.Nodes) != 1 {
		t.Error("original node arena mutated")
	}
}

func TestTotalUsage(t *testing.T) {
	tr := newTestTree()
	a := turn("q1", "a1")
	a.Usage = &llm.Usage{InputTokens: 10, OutputTokens: 5}
	b := turn("q2", "a2")
	b.Usage = &llm.Usage{InputTokens: 20, OutputTokens: 7}
	tr.AppendTurn(a)
	tr.AppendTurn(b)

	total := tr.TotalUsage()
	if total.InputTokens != 30 || total.OutputTokens != 12 {
		t.Errorf("total = %+v", total)
	}
}

func TestActivePathRejectsBackwardLinks(t *testing.T) {
	tr := newTestTree()
	tr.AppendTurn(turn("q1", "a1"))
	tr.AppendTurn(turn("q2", "a2"))
	tr.AppendTurn(turn("q3", "a3"))

	// Hand-corrupted persisted data: node 1 links back to node 0.
	tr.Nodes[1].Candidates[tr.Nodes[1].SelectIndex].Next = 0

	path := tr.ActivePath()
	if len(path) != 2 {
		t.Fatalf("path length = %d, want walk to stop at the backward link", len(path))
	}
	if path[0].NodeIndex != 0 || path[1].NodeIndex != 1 {
		t.Errorf("path nodes = %d,%d", path[0].NodeIndex, path[1].NodeIndex)
	}

	// Self-link is the degenerate backward link.
	tr.Nodes[1].Candidates[tr.Nodes[1].SelectIndex].Next = 1
	if got := len(tr.ActivePath()); got != 2 {
		t.Errorf("path length = %d with self-link, want 2", got)
	}
}
