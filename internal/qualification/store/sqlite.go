package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"leadqual_backend/internal/qualification/domain"
)

// fixed-width UTC layout so timestamps compare correctly as text
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS qualification_conversations (
	contact_id        TEXT PRIMARY KEY,
	status            TEXT    NOT NULL,
	display_name      TEXT    NOT NULL DEFAULT '',
	messages          TEXT    NOT NULL DEFAULT '[]',
	collected_data    TEXT    NOT NULL DEFAULT '{}',
	notes             TEXT    NOT NULL DEFAULT '[]',
	score             INTEGER NOT NULL DEFAULT 0,
	attempts          INTEGER NOT NULL DEFAULT 0,
	escalation_reason TEXT,
	end_reason        TEXT,
	qualified_at      TEXT,
	escalated_at      TEXT,
	ended_at          TEXT,
	created_at        TEXT    NOT NULL,
	updated_at        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_qualification_conversations_status_updated
	ON qualification_conversations (status, updated_at);
`

// SQLite stores conversations in a single-file database for single-node installs.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens path (":memory:" for tests) and creates the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: serializes writers and keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetOrCreate(ctx context.Context, contactID string, now time.Time) (*domain.Conversation, bool, error) {
	rec, err := toRecord(domain.NewConversation(contactID, now))
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO qualification_conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sqliteArgs(rec)...)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}

	c, err := s.Get(ctx, contactID)
	if err != nil {
		return nil, false, err
	}
	return c, created == 1, nil
}

func (s *SQLite) Save(ctx context.Context, c *domain.Conversation) error {
	rec, err := toRecord(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO qualification_conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contact_id) DO UPDATE SET
			status = excluded.status,
			display_name = excluded.display_name,
			messages = excluded.messages,
			collected_data = excluded.collected_data,
			notes = excluded.notes,
			score = excluded.score,
			attempts = excluded.attempts,
			escalation_reason = excluded.escalation_reason,
			end_reason = excluded.end_reason,
			qualified_at = excluded.qualified_at,
			escalated_at = excluded.escalated_at,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at
	`, sqliteArgs(rec)...)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, contactID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM qualification_conversations
		WHERE contact_id = ?
	`, contactID)
	c, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLite) List(ctx context.Context) ([]*domain.Conversation, error) {
	return s.query(ctx, `
		SELECT `+conversationColumns+`
		FROM qualification_conversations
		ORDER BY updated_at DESC, contact_id
	`)
}

func (s *SQLite) ListActive(ctx context.Context) ([]*domain.Conversation, error) {
	return s.query(ctx, `
		SELECT `+conversationColumns+`
		FROM qualification_conversations
		WHERE status = ?
		ORDER BY updated_at DESC, contact_id
	`, string(domain.StatusInProgress))
}

func (s *SQLite) Remove(ctx context.Context, contactID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM qualification_conversations WHERE contact_id = ?`, contactID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Prune(ctx context.Context, endedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM qualification_conversations
		WHERE status = ? AND COALESCE(ended_at, updated_at) < ?
	`, string(domain.StatusEnded), formatSQLiteTime(endedBefore))
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Conversation, 0)
	for rows.Next() {
		c, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*domain.Conversation, error) {
	var r record
	var messages, data, notes, createdAt, updatedAt string
	var qualifiedAt, escalatedAt, endedAt sql.NullString
	if err := row.Scan(
		&r.ContactID, &r.Status, &r.DisplayName, &messages, &data, &notes,
		&r.Score, &r.Attempts, &r.EscalationReason, &r.EndReason,
		&qualifiedAt, &escalatedAt, &endedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	r.Messages, r.CollectedData, r.Notes = []byte(messages), []byte(data), []byte(notes)

	var err error
	if r.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{qualifiedAt, &r.QualifiedAt}, {escalatedAt, &r.EscalatedAt}, {endedAt, &r.EndedAt}} {
		if !f.src.Valid {
			continue
		}
		t, err := parseSQLiteTime(f.src.String)
		if err != nil {
			return nil, err
		}
		*f.dst = &t
	}
	return r.conversation()
}

func sqliteArgs(r record) []any {
	return []any{
		r.ContactID, r.Status, r.DisplayName, string(r.Messages), string(r.CollectedData), string(r.Notes),
		r.Score, r.Attempts, r.EscalationReason, r.EndReason,
		nullableSQLiteTime(r.QualifiedAt), nullableSQLiteTime(r.EscalatedAt), nullableSQLiteTime(r.EndedAt),
		formatSQLiteTime(r.CreatedAt), formatSQLiteTime(r.UpdatedAt),
	}
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func nullableSQLiteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
