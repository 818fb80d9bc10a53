package tree

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a conversation id resolves to nothing.
var ErrNotFound = errors.New("conversation not found")

// ChangeKind describes a conversation-list change for subscribers.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one conversation-list update event.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Store persists conversation trees. SaveTree applies the tree's whole state
// atomically with respect to its conversation: readers never observe a
// half-updated node list.
type Store interface {
	CreateConversation(ctx context.Context, conv Conversation) error
	ListConversations(ctx context.Context) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	LoadTree(ctx context.Context, conversationID string) (*Tree, error)
	SaveTree(ctx context.Context, t *Tree) error

	// Subscribe returns a stream of conversation-list changes and a cancel
	// function. Slow subscribers drop events rather than block writers.
	Subscribe() (<-chan Change, func())

	Close() error
}

// notifier fans Change events out to subscribers. Embedded by stores.
type notifier struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

func (n *notifier) Subscribe() (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]chan Change)
	}
	id := n.next
	n.next++
	ch := make(chan Change, 16)
	n.subs[id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (n *notifier) notify(change Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
