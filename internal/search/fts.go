// Package search provides full-text search over persisted conversation
// messages using SQLite FTS5
package search

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/cloud-shuttle/palaver/pkg/types"
)

// Searcher provides full-text search capabilities
type Searcher struct {
	db     *sql.DB
	logger *slog.Logger
}

// Result is one matching message
type Result struct {
	ConversationID string     `json:"conversation_id"`
	Seq            int        `json:"seq"`
	Role           types.Role `json:"role"`
	Text           string     `json:"text"`
	Match          string     `json:"match"` // highlighted snippet
	Rank           float64    `json:"rank"`  // bm25 score, lower is better
	CreatedAt      time.Time  `json:"created_at"`
}

// Query represents a search query
type Query struct {
	Query          string     `json:"query"`
	Limit          int        `json:"limit"`
	Offset         int        `json:"offset"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Role           types.Role `json:"role,omitempty"`
}

// NewSearcher opens the conversation database at dbPath for searching.
// The conversation schema must already exist there.
func NewSearcher(dbPath string, logger *slog.Logger) (*Searcher, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{db: db, logger: logger.With("component", "search")}, nil
}

// Close closes the database connection
func (s *Searcher) Close() error {
	return s.db.Close()
}

// InitSchema creates the FTS5 index and the triggers that keep it in step
// with conversation_messages, then rebuilds it from existing rows
func (s *Searcher) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			text,
			content='conversation_messages',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON conversation_messages BEGIN
			INSERT INTO messages_fts(rowid, text) VALUES (NEW.rowid, NEW.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON conversation_messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', OLD.rowid, OLD.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON conversation_messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', OLD.rowid, OLD.text);
			INSERT INTO messages_fts(rowid, text) VALUES (NEW.rowid, NEW.text);
		END`,
		`INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initializing search index: %w", err)
		}
	}

	s.logger.Debug("search index ready")
	return nil
}

// Search returns messages matching query, best match first
func (s *Searcher) Search(ctx context.Context, query Query) ([]Result, error) {
	match, err := parseQuery(query.Query)
	if err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	sqlStr := `
		SELECT
			m.conversation_id,
			m.seq,
			m.role,
			m.text,
			snippet(messages_fts, 0, '[', ']', '...', 16),
			bm25(messages_fts),
			m.created_at
		FROM messages_fts
		INNER JOIN conversation_messages m ON m.rowid = messages_fts.rowid
		WHERE messages_fts MATCH ?`
	args := []any{match}
	if query.ConversationID != "" {
		sqlStr += ` AND m.conversation_id = ?`
		args = append(args, query.ConversationID)
	}
	if query.Role != "" {
		sqlStr += ` AND m.role = ?`
		args = append(args, query.Role)
	}
	sqlStr += ` ORDER BY bm25(messages_fts), m.conversation_id, m.seq LIMIT ? OFFSET ?`
	args = append(args, limit, query.Offset)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	results := []Result{}
	for rows.Next() {
		var r Result
		var createdAt int64
		if err := rows.Scan(&r.ConversationID, &r.Seq, &r.Role, &r.Text, &r.Match, &r.Rank, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdAt)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}
	return results, nil
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true,
}

// parseQuery transforms a natural language query into FTS5 query syntax.
// Quoted phrases match exactly, a leading '-' excludes a term, and longer
// bare words match by prefix.
func parseQuery(query string) (string, error) {
	var include, exclude []string

	rest := query
	for {
		start := strings.Index(rest, `"`)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+1:], `"`)
		if end < 0 {
			break
		}
		phrase := strings.TrimSpace(rest[start+1 : start+1+end])
		if phrase != "" {
			include = append(include, quote(phrase))
		}
		rest = rest[:start] + " " + rest[start+1+end+1:]
	}

	for _, word := range strings.Fields(rest) {
		negate := strings.HasPrefix(word, "-")
		word = strings.ToLower(strings.Trim(word, `-"'.,;:!?()*`))
		if word == "" || stopWords[word] {
			continue
		}

		term := quote(word)
		if len(word) > 3 {
			term += "*"
		}
		if negate {
			exclude = append(exclude, term)
		} else {
			include = append(include, term)
		}
	}

	if len(include) == 0 {
		return "", fmt.Errorf("no valid search terms")
	}

	q := strings.Join(include, " AND ")
	for _, term := range exclude {
		q += " NOT " + term
	}
	return q, nil
}

// quote makes s a single FTS5 string token
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
