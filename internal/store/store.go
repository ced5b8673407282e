// Package store persists sessions, their messages and the event stream in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/clawloop/internal/bus"
	"github.com/stellarlinkco/clawloop/internal/logger"
	"github.com/stellarlinkco/clawloop/internal/message"
)

const schemaVersion = 1

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SessionRecord summarises one stored session.
type SessionRecord struct {
	ID        string
	ParentID  string
	Profile   string
	Status    string
	Turns     int
	Cost      float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventRecord is one persisted bus event. Payload is the JSON encoding of
// the event payload.
type EventRecord struct {
	ID        string
	SessionID string
	Type      bus.EventType
	Turn      int
	Payload   json.RawMessage
	CreatedAt time.Time
}

// SearchHit is a message matching a full text query.
type SearchHit struct {
	SessionID string
	Seq       int
	Role      message.Role
	Snippet   string
}

// Store is safe for concurrent use. Writes are serialised.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log *slog.Logger
}

// Open creates the database file and schema when missing.
func Open(path string, log *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases and pragmas consistent
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logger.OrDefault(log).With("component", "store")}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("store: sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			profile TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			turns INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			turn INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT 'null',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(session_id, seq)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			text,
			content='messages',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES('delete', old.id, old.text);
		END`,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func now() string { return time.Now().UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// Consume implements bus.Sink. Failures are logged and dropped.
func (s *Store) Consume(ctx context.Context, evt bus.Event) {
	if evt.SessionID == "" {
		return
	}
	if err := s.record(ctx, evt); err != nil {
		s.log.Warn("persist event", "type", evt.Type, "session_id", evt.SessionID, "error", err)
	}
}

func (s *Store) record(ctx context.Context, evt bus.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	created := evt.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	ts := created.UTC().Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := touchSession(ctx, tx, evt.SessionID, evt.ParentID, ts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, session_id, type, turn, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.SessionID, string(evt.Type), evt.Turn, string(payload), ts); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	switch p := evt.Payload.(type) {
	case bus.TurnPayload:
		if p.Profile != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET profile = ? WHERE id = ?`, p.Profile, evt.SessionID); err != nil {
				return fmt.Errorf("update profile: %w", err)
			}
		}
	case bus.TerminalPayload:
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, turns = ?, cost = ? WHERE id = ?
		`, p.Status, p.Turns, p.Cost, evt.SessionID); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
	}
	return tx.Commit()
}

func touchSession(ctx context.Context, tx *sql.Tx, id, parent, ts string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, parent_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = max(updated_at, excluded.updated_at)
	`, id, parent, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// SaveSession replaces the stored history of a session.
func (s *Store) SaveSession(ctx context.Context, id, profile string, msgs []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	if err := touchSession(ctx, tx, id, "", ts); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if profile != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET profile = ? WHERE id = ?`, profile, id); err != nil {
			return fmt.Errorf("store: save session: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("store: clear messages: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (session_id, seq, role, text, body, created_at) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	defer stmt.Close()
	for i, msg := range msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("store: encode message %d: %w", i, err)
		}
		created := msg.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, id, i, string(msg.Role), searchText(msg), string(body), created.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("store: insert message %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

func searchText(msg message.Message) string {
	parts := []string{msg.Text()}
	for _, r := range msg.ToolResults() {
		parts = append(parts, r.Content)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// Messages loads the stored history of a session in order.
func (s *Store) Messages(ctx context.Context, id string) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM messages WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	out := make([]message.Message, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		var msg message.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("store: decode message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return out, nil
}

// Sessions lists the most recently updated sessions first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, profile, status, turns, cost, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionRecord, 0)
	for rows.Next() {
		var r SessionRecord
		var created, updated string
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Profile, &r.Status, &r.Turns, &r.Cost, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sessions: %w", err)
	}
	return out, nil
}

// Events returns the events of a session in publication order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, turn, payload, created_at
		FROM events
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	out := make([]EventRecord, 0)
	for rows.Next() {
		var r EventRecord
		var typ, payload, created string
		if err := rows.Scan(&r.ID, &r.SessionID, &typ, &r.Turn, &payload, &created); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		r.Type = bus.EventType(typ)
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return out, nil
}

// Search runs a full text query over stored message text.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	for i, term := range terms {
		terms[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.session_id, m.seq, m.role, snippet(messages_fts, 0, '[', ']', '...', 12)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, strings.Join(terms, " "), limit)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	out := make([]SearchHit, 0)
	for rows.Next() {
		var h SearchHit
		var role string
		if err := rows.Scan(&h.SessionID, &h.Seq, &role, &h.Snippet); err != nil {
			return nil, fmt.Errorf("store: scan hit: %w", err)
		}
		h.Role = message.Role(role)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate hits: %w", err)
	}
	return out, nil
}

var _ bus.Sink = (*Store)(nil)
