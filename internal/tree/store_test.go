package tree

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/strandapp/strand/internal/llm"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "strand.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			conv := NewConversation("default", "openai", "gpt-4o")
			conv.Title = "weather chat"
			conv.Suggestions = []string{"and tomorrow?", "in celsius"}
			conv.Pinned = true
			if err := store.CreateConversation(ctx, conv); err != nil {
				t.Fatalf("CreateConversation: %v", err)
			}

			tr, err := store.LoadTree(ctx, conv.ID)
			if err != nil {
				t.Fatalf("LoadTree: %v", err)
			}

			cand := turn("q1", "a1")
			cand.Usage = &llm.Usage{InputTokens: 5, OutputTokens: 3}
			cand.Messages = append(cand.Messages, llm.ToolResultMessage("call-1", "get_weather", `{"tempC":18}`))
			tr.AppendTurn(cand)
			tr.AppendTurn(turn("q2", "a2"))
			if _, err := tr.AppendCandidate(1, turn("q2", "a2-retry")); err != nil {
				t.Fatalf("AppendCandidate: %v", err)
			}
			tr.SetTruncation(0, "earlier stuff")
			if err := store.SaveTree(ctx, tr); err != nil {
				t.Fatalf("SaveTree: %v", err)
			}

			got, err := store.LoadTree(ctx, conv.ID)
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if got.Conversation.Title != "weather chat" || !got.Conversation.Pinned {
				t.Errorf("conversation = %+v", got.Conversation)
			}
			if len(got.Conversation.Suggestions) != 2 {
				t.Errorf("suggestions = %v", got.Conversation.Suggestions)
			}
			if got.Conversation.TruncationIndex != 0 || got.Conversation.Summary != "earlier stuff" {
				t.Errorf("truncation = %d %q", got.Conversation.TruncationIndex, got.Conversation.Summary)
			}
			if len(got.Nodes) != 2 {
				t.Fatalf("nodes = %d", len(got.Nodes))
			}
			if len(got.Nodes[1].Candidates) != 2 || got.Nodes[1].SelectIndex != 1 {
				t.Errorf("node 1 candidates = %d select = %d", len(got.Nodes[1].Candidates), got.Nodes[1].SelectIndex)
			}
			first := got.Nodes[0].Selected()
			if first.Usage == nil || first.Usage.InputTokens != 5 {
				t.Errorf("usage = %+v", first.Usage)
			}
			result := first.Messages[2].Parts[0].ToolResult
			if result == nil || result.Content != `{"tempC":18}` {
				t.Errorf("tool result = %+v", result)
			}
			if got.Nodes[0].Selected().Next != 1 {
				t.Errorf("link = %d", got.Nodes[0].Selected().Next)
			}
		})
	}
}

func TestStoreSaveShrinksNodeSet(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			conv := NewConversation("default", "p", "m")
			if err := store.CreateConversation(ctx, conv); err != nil {
				t.Fatalf("CreateConversation: %v", err)
			}
			tr, _ := store.LoadTree(ctx, conv.ID)
			tr.AppendTurn(turn("q1", "a1"))
			tr.AppendTurn(turn("q2", "a2"))
			if err := store.SaveTree(ctx, tr); err != nil {
				t.Fatalf("SaveTree: %v", err)
			}

			// Truncation must not leave orphaned node rows behind.
			if err := tr.TruncateAfter(0); err != nil {
				t.Fatalf("TruncateAfter: %v", err)
			}
			if err := store.SaveTree(ctx, tr); err != nil {
				t.Fatalf("SaveTree: %v", err)
			}
			got, err := store.LoadTree(ctx, conv.ID)
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if len(got.Nodes) != 1 {
				t.Errorf("nodes after truncate = %d", len(got.Nodes))
			}
		})
	}
}

func TestStoreDeleteAndNotFound(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			if _, err := store.LoadTree(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("LoadTree missing = %v", err)
			}
			if err := store.DeleteConversation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Delete missing = %v", err)
			}

			conv := NewConversation("default", "p", "m")
			if err := store.CreateConversation(ctx, conv); err != nil {
				t.Fatalf("CreateConversation: %v", err)
			}
			if err := store.DeleteConversation(ctx, conv.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.LoadTree(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("LoadTree after delete = %v", err)
			}
		})
	}
}

func TestStoreListOrder(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	a := NewConversation("default", "p", "m")
	b := NewConversation("default", "p", "m")
	if err := store.CreateConversation(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateConversation(ctx, b); err != nil {
		t.Fatal(err)
	}

	// Touch a so it becomes the most recently updated.
	tr, _ := store.LoadTree(ctx, a.ID)
	tr.AppendTurn(turn("q", "a"))
	if err := store.SaveTree(ctx, tr); err != nil {
		t.Fatal(err)
	}

	convs, err := store.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != a.ID {
		t.Errorf("order = %v", convs)
	}
}

func TestStoreSubscribe(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	changes, cancel := store.Subscribe()
	defer cancel()

	conv := NewConversation("default", "p", "m")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	change := <-changes
	if change.Kind != ChangeCreated || change.ConversationID != conv.ID {
		t.Errorf("change = %+v", change)
	}
}
