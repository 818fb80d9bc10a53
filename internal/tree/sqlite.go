package tree

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite via the pure-Go driver.
type SQLiteStore struct {
	notifier
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    assistant_id TEXT,
    title TEXT,
    provider_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    summary TEXT,
    truncation_index INTEGER NOT NULL DEFAULT -1,
    suggestions TEXT,
    pinned BOOLEAN DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    node_index INTEGER NOT NULL,
    select_index INTEGER NOT NULL,
    candidates TEXT NOT NULL,
    UNIQUE(conversation_id, node_index)
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_nodes_conversation ON nodes(conversation_id, node_index);
`

// NewSQLiteStore opens (or creates) the conversation database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, assistant_id, title, provider_id, model_id, summary, truncation_index, suggestions, pinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.AssistantID, conv.Title, conv.ProviderID, conv.ModelID,
		conv.Summary, conv.TruncationIndex, joinSuggestions(conv.Suggestions),
		conv.Pinned, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	s.notify(Change{Kind: ChangeCreated, ConversationID: conv.ID})
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assistant_id, title, provider_id, model_id, summary, truncation_index, suggestions, pinned, created_at, updated_at
		FROM conversations ORDER BY pinned DESC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify(Change{Kind: ChangeDeleted, ConversationID: id})
	return nil
}

func (s *SQLiteStore) LoadTree(ctx context.Context, conversationID string) (*Tree, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, assistant_id, title, provider_id, model_id, summary, truncation_index, suggestions, pinned, created_at, updated_at
		FROM conversations WHERE id = ?`, conversationID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_index, select_index, candidates
		FROM nodes WHERE conversation_id = ? ORDER BY node_index`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	t := &Tree{Conversation: conv}
	for rows.Next() {
		var node MessageNode
		var candidatesJSON string
		if err := rows.Scan(&node.ID, &node.NodeIndex, &node.SelectIndex, &candidatesJSON); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		node.ConversationID = conversationID
		if err := json.Unmarshal([]byte(candidatesJSON), &node.Candidates); err != nil {
			return nil, fmt.Errorf("decode candidates for node %d: %w", node.NodeIndex, err)
		}
		t.Nodes = append(t.Nodes, node)
	}
	return t, rows.Err()
}

// SaveTree replaces the conversation row and its node set in one
// transaction.
func (s *SQLiteStore) SaveTree(ctx context.Context, t *Tree) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	conv := t.Conversation
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET assistant_id = ?, title = ?, provider_id = ?, model_id = ?, summary = ?,
		    truncation_index = ?, suggestions = ?, pinned = ?, updated_at = ?
		WHERE id = ?`,
		conv.AssistantID, conv.Title, conv.ProviderID, conv.ModelID, conv.Summary,
		conv.TruncationIndex, joinSuggestions(conv.Suggestions), conv.Pinned,
		conv.UpdatedAt, conv.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	existed := true
	if n, _ := res.RowsAffected(); n == 0 {
		existed = false
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, assistant_id, title, provider_id, model_id, summary, truncation_index, suggestions, pinned, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.AssistantID, conv.Title, conv.ProviderID, conv.ModelID,
			conv.Summary, conv.TruncationIndex, joinSuggestions(conv.Suggestions),
			conv.Pinned, conv.CreatedAt, conv.UpdatedAt); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	for _, node := range t.Nodes {
		candidatesJSON, err := json.Marshal(node.Candidates)
		if err != nil {
			return fmt.Errorf("encode candidates for node %d: %w", node.NodeIndex, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (id, conversation_id, node_index, select_index, candidates)
			VALUES (?, ?, ?, ?, ?)`,
			node.ID, conv.ID, node.NodeIndex, node.SelectIndex, string(candidatesJSON)); err != nil {
			return fmt.Errorf("insert node %d: %w", node.NodeIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	kind := ChangeUpdated
	if !existed {
		kind = ChangeCreated
	}
	s.notify(Change{Kind: kind, ConversationID: conv.ID})
	return nil
}

func (s *SQLiteStore) Close() error {
	s.closeAll()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var conv Conversation
	var suggestions sql.NullString
	var createdAt, updatedAt time.Time
	err := row.Scan(&conv.ID, &conv.AssistantID, &conv.Title, &conv.ProviderID,
		&conv.ModelID, &conv.Summary, &conv.TruncationIndex, &suggestions,
		&conv.Pinned, &createdAt, &updatedAt)
	if err != nil {
		return Conversation{}, err
	}
	conv.CreatedAt = createdAt
	conv.UpdatedAt = updatedAt
	if suggestions.Valid && suggestions.String != "" {
		conv.Suggestions = strings.Split(suggestions.String, "\n")
	}
	return conv, nil
}

func joinSuggestions(suggestions []string) string {
	return strings.Join(suggestions, "\n")
}
