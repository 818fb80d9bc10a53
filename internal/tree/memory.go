package tree

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store. Used by tests and as the backing store
// for ephemeral sessions.
type MemoryStore struct {
	notifier
	mu    sync.RWMutex
	trees map[string]*Tree
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trees: make(map[string]*Tree)}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	s.trees[conv.ID] = &Tree{Conversation: conv}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeCreated, ConversationID: conv.ID})
	return nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]Conversation, error) {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.trees))
	for _, t := range s.trees {
		out = append(out, t.Conversation)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.trees[id]
	delete(s.trees, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.notify(Change{Kind: ChangeDeleted, ConversationID: id})
	return nil
}

func (s *MemoryStore) LoadTree(_ context.Context, conversationID string) (*Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trees[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) SaveTree(_ context.Context, t *Tree) error {
	s.mu.Lock()
	_, existed := s.trees[t.Conversation.ID]
	s.trees[t.Conversation.ID] = t.Clone()
	s.mu.Unlock()
	kind := ChangeUpdated
	if !existed {
		kind = ChangeCreated
	}
	s.notify(Change{Kind: kind, ConversationID: t.Conversation.ID})
	return nil
}

func (s *MemoryStore) Close() error {
	s.closeAll()
	return nil
}
