package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloud-shuttle/palaver/pkg/types"
	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore implements Persister using SQLite
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, seq),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);
`

// OpenSQLite opens (creating if needed) a SQLite conversation database
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// One writer; the pragmas above are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored conversation with the snapshot
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, last_active_at, total_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_active_at = excluded.last_active_at,
			total_tokens = excluded.total_tokens
	`, snap.ID, snap.CreatedAt.UnixNano(), snap.LastActiveAt.UnixNano(), snap.TotalTokens)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	// Truncation removes from the front, so the retained window is
	// rewritten rather than appended.
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, seq, role, text, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range snap.Messages {
		if _, err := stmt.ExecContext(ctx, snap.ID, i, m.Role, m.Text, m.TokenCount, m.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Load retrieves a conversation by ID
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) (Snapshot, error) {
	var snap Snapshot
	var createdAt, lastActiveAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_active_at, total_tokens
		FROM conversations WHERE id = ?
	`, conversationID).Scan(&snap.ID, &createdAt, &lastActiveAt, &snap.TotalTokens)

	if err == sql.ErrNoRows {
		return Snapshot{}, NewError(KindNotFound, "load", conversationID, nil)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("getting conversation: %w", err)
	}
	snap.CreatedAt = time.Unix(0, createdAt)
	snap.LastActiveAt = time.Unix(0, lastActiveAt)

	msgs, err := s.loadMessages(ctx, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Messages = msgs
	return snap, nil
}

// LoadAll retrieves every stored conversation in creation order
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	snaps := make([]Snapshot, 0, len(infos))
	for _, info := range infos {
		msgs, err := s.loadMessages(ctx, info.ConversationID)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, Snapshot{
			ID:           info.ConversationID,
			Messages:     msgs,
			TotalTokens:  info.TotalTokens,
			CreatedAt:    info.CreatedAt,
			LastActiveAt: info.LastActiveAt,
		})
	}
	return snaps, nil
}

// List returns metadata for every stored conversation in creation order
func (s *SQLiteStore) List(ctx context.Context) ([]types.ConversationInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.last_active_at, c.total_tokens,
			(SELECT COUNT(*) FROM conversation_messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.created_at ASC, c.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var infos []types.ConversationInfo
	for rows.Next() {
		var info types.ConversationInfo
		var createdAt, lastActiveAt int64
		if err := rows.Scan(&info.ConversationID, &createdAt, &lastActiveAt, &info.TotalTokens, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		info.CreatedAt = time.Unix(0, createdAt)
		info.LastActiveAt = time.Unix(0, lastActiveAt)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return infos, nil
}

// Delete deletes a conversation and all its messages
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Messages go first so row triggers on conversation_messages fire.
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) loadMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text, token_count, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []types.Message{}
	for rows.Next() {
		var m types.Message
		var createdAt int64
		if err := rows.Scan(&m.Role, &m.Text, &m.TokenCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}
