package tree

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strandapp/strand/internal/llm"
)

// CandidateStatus marks how a candidate's turn ended.
type CandidateStatus string

const (
	StatusOK     CandidateStatus = "ok"
	StatusFailed CandidateStatus = "failed"
)

// Candidate is one message set produced for a node position. Regeneration
// appends candidates instead of overwriting, so earlier attempts stay
// navigable. Next links the candidate to its successor node on its branch
// (-1 = branch tip); the active path is derived by following these links, so
// no state outside the nodes is needed to reconstruct it.
type Candidate struct {
	Messages  []llm.Message   `json:"messages"`
	Usage     *llm.Usage      `json:"usage,omitempty"`
	Status    CandidateStatus `json:"status"`
	Next      int             `json:"next"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessageNode is one position in a conversation's arena. NodeIndex equals
// the node's position in the Nodes slice.
type MessageNode struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	NodeIndex      int         `json:"node_index"`
	Candidates     []Candidate `json:"candidates"`
	SelectIndex    int         `json:"select_index"`
}

// Selected returns the node's active candidate.
func (n *MessageNode) Selected() Candidate {
	return n.Candidates[n.SelectIndex]
}

// Conversation is the tree's root entity. TruncationIndex is the context
// boundary consumed by the history manager: nodes before it are excluded
// from upstream requests (-1 = none).
type Conversation struct {
	ID              string
	AssistantID     string
	Title           string
	ProviderID      string
	ModelID         string
	Summary         string // synthetic context entry spliced in by compression
	TruncationIndex int
	Suggestions     []string
	Pinned          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewConversation(assistantID, providerID, modelID string) Conversation {
	now := time.Now().UTC()
	return Conversation{
		ID:              uuid.NewString(),
		AssistantID:     assistantID,
		ProviderID:      providerID,
		ModelID:         modelID,
		TruncationIndex: -1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Tree is one conversation with its full node arena, loaded and saved as a
// unit so mutations are atomic per conversation.
type Tree struct {
	Conversation Conversation
	Nodes        []MessageNode
}

// PathEntry is one step of the active path.
type PathEntry struct {
	NodeIndex int
	Candidate Candidate
}

// ActivePath walks from node 0 along each selected candidate's Next link
// and returns the message sets of the branch currently displayed.
func (t *Tree) ActivePath() []PathEntry {
	var path []PathEntry
	idx := 0
	for idx >= 0 && idx < len(t.Nodes) {
		node := &t.Nodes[idx]
		cand := node.Selected()
		path = append(path, PathEntry{NodeIndex: idx, Candidate: cand})
		if cand.Next >= 0 && cand.Next <= idx {
			break // appends only ever link forward; a backward link is corrupt data
		}
		idx = cand.Next
	}
	return path
}

// PathMessages flattens the active path into a message list.
func (t *Tree) PathMessages() []llm.Message {
	var out []llm.Message
	for _, entry := range t.ActivePath() {
		out = append(out, entry.Candidate.Messages...)
	}
	return out
}

// Tip returns the node index of the active branch's last node, or -1 for an
// empty tree.
func (t *Tree) Tip() int {
	path := t.ActivePath()
	if len(path) == 0 {
		return -1
	}
	return path[len(path)-1].NodeIndex
}

// AppendTurn adds a node holding one turn's committed message set at the end
// of the active branch and links the previous tip to it. Returns the new
// node's index.
func (t *Tree) AppendTurn(cand Candidate) int {
	cand.Next = -1
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}

	idx := len(t.Nodes)
	if tip := t.Tip(); tip >= 0 {
		t.Nodes[tip].Candidates[t.Nodes[tip].SelectIndex].Next = idx
	}
	t.Nodes = append(t.Nodes, MessageNode{
		ID:             uuid.NewString(),
		ConversationID: t.Conversation.ID,
		NodeIndex:      idx,
		Candidates:     []Candidate{cand},
		SelectIndex:    0,
	})
	t.touch()
	return idx
}

// AppendCandidate adds a candidate at an existing node and selects it. The
// new candidate starts a fresh branch (Next = -1); the displaced branch is
// abandoned, not deleted, and stays reachable through SelectCandidate.
func (t *Tree) AppendCandidate(nodeIndex int, cand Candidate) (int, error) {
	if nodeIndex < 0 || nodeIndex >= len(t.Nodes) {
		return 0, fmt.Errorf("node index %d out of range (have %d nodes)", nodeIndex, len(t.Nodes))
	}
	cand.Next = -1
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}
	node := &t.Nodes[nodeIndex]
	node.Candidates = append(node.Candidates, cand)
	node.SelectIndex = len(node.Candidates) - 1
	t.touch()
	return node.SelectIndex, nil
}

// SelectCandidate switches a node's active candidate, re-activating the
// branch that hangs off it.
func (t *Tree) SelectCandidate(nodeIndex, candidateIndex int) error {
	if nodeIndex < 0 || nodeIndex >= len(t.Nodes) {
		return fmt.Errorf("node index %d out of range (have %d nodes)", nodeIndex, len(t.Nodes))
	}
	node := &t.Nodes[nodeIndex]
	if candidateIndex < 0 || candidateIndex >= len(node.Candidates) {
		return fmt.Errorf("candidate index %d out of range (node %d has %d candidates)", candidateIndex, nodeIndex, len(node.Candidates))
	}
	node.SelectIndex = candidateIndex
	t.touch()
	return nil
}

// TruncateAfter removes all nodes beyond nodeIndex and clamps links that
// pointed into the removed range. nodeIndex -1 clears the conversation.
func (t *Tree) TruncateAfter(nodeIndex int) error {
	if nodeIndex >= len(t.Nodes) {
		return fmt.Errorf("node index %d out of range (have %d nodes)", nodeIndex, len(t.Nodes))
	}
	if nodeIndex < 0 {
		t.Nodes = nil
		t.Conversation.TruncationIndex = -1
		t.Conversation.Summary = ""
		t.touch()
		return nil
	}
	t.Nodes = t.Nodes[:nodeIndex+1]
	for i := range t.Nodes {
		for j := range t.Nodes[i].Candidates {
			if t.Nodes[i].Candidates[j].Next > nodeIndex {
				t.Nodes[i].Candidates[j].Next = -1
			}
		}
	}
	if t.Conversation.TruncationIndex > nodeIndex {
		t.Conversation.TruncationIndex = -1
		t.Conversation.Summary = ""
	}
	t.touch()
	return nil
}

// SetTruncation records the context boundary and the summary that replaces
// the excluded turns.
func (t *Tree) SetTruncation(nodeIndex int, summary string) {
	t.Conversation.TruncationIndex = nodeIndex
	t.Conversation.Summary = summary
	t.touch()
}

func (t *Tree) touch() {
	t.Conversation.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy, used by stores to hand out snapshots that
// callers can mutate freely.
func (t *Tree) Clone() *Tree {
	out := &Tree{Conversation: t.Conversation}
	out.Conversation.Suggestions = append([]string(nil), t.Conversation.Suggestions...)
	out.Nodes = make([]MessageNode, len(t.Nodes))
	for i, node := range t.Nodes {
		copied := node
		copied.Candidates = make([]Candidate, len(node.Candidates))
		for j, cand := range node.Candidates {
			cc := cand
			cc.Messages = cloneMessages(cand.Messages)
			if cand.Usage != nil {
				u := *cand.Usage
				cc.Usage = &u
			}
			copied.Candidates[j] = cc
		}
		out.Nodes[i] = copied
	}
	return out
}

func cloneMessages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, msg := range messages {
		copied := msg
		copied.Parts = make([]llm.Part, len(msg.Parts))
		for j, part := range msg.Parts {
			pp := part
			if part.ToolCall != nil {
				tc := *part.ToolCall
				tc.Arguments = append([]byte(nil), part.ToolCall.Arguments...)
				pp.ToolCall = &tc
			}
			if part.ToolResult != nil {
				tr := *part.ToolResult
				pp.ToolResult = &tr
			}
			copied.Parts[j] = pp
		}
		out[i] = copied
	}
	return out
}

// TotalUsage sums persisted usage along the active path.
func (t *Tree) TotalUsage() llm.Usage {
	var total llm.Usage
	for _, entry := range t.ActivePath() {
		total.Add(entry.Candidate.Usage)
	}
	return total
}
