package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadqual_backend/internal/qualification/domain"
)

const conversationColumns = `contact_id, status, display_name, messages, collected_data, notes, score, attempts,
	escalation_reason, end_reason, qualified_at, escalated_at, ended_at, created_at, updated_at`

// Postgres stores conversations in the qualification_conversations table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) GetOrCreate(ctx context.Context, contactID string, now time.Time) (*domain.Conversation, bool, error) {
	rec, err := toRecord(domain.NewConversation(contactID, now))
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO qualification_conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (contact_id) DO NOTHING
	`, rec.args()...)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}

	c, err := s.Get(ctx, contactID)
	if err != nil {
		return nil, false, err
	}
	return c, tag.RowsAffected() == 1, nil
}

func (s *Postgres) Save(ctx context.Context, c *domain.Conversation) error {
	rec, err := toRecord(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO qualification_conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (contact_id) DO UPDATE SET
			status = EXCLUDED.status,
			display_name = EXCLUDED.display_name,
			messages = EXCLUDED.messages,
			collected_data = EXCLUDED.collected_data,
			notes = EXCLUDED.notes,
			score = EXCLUDED.score,
			attempts = EXCLUDED.attempts,
			escalation_reason = EXCLUDED.escalation_reason,
			end_reason = EXCLUDED.end_reason,
			qualified_at = EXCLUDED.qualified_at,
			escalated_at = EXCLUDED.escalated_at,
			ended_at = EXCLUDED.ended_at,
			updated_at = EXCLUDED.updated_at
	`, rec.args()...)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, contactID string) (*domain.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM qualification_conversations
		WHERE contact_id = $1
	`, contactID)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Postgres) List(ctx context.Context) ([]*domain.Conversation, error) {
	return s.query(ctx, `
		SELECT `+conversationColumns+`
		FROM qualification_conversations
		ORDER BY updated_at DESC, contact_id
	`)
}

func (s *Postgres) ListActive(ctx context.Context) ([]*domain.Conversation, error) {
	return s.query(ctx, `
		SELECT `+conversationColumns+`
		FROM qualification_conversations
		WHERE status = $1
		ORDER BY updated_at DESC, contact_id
	`, string(domain.StatusInProgress))
}

func (s *Postgres) Remove(ctx context.Context, contactID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM qualification_conversations WHERE contact_id = $1`, contactID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Prune(ctx context.Context, endedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM qualification_conversations
		WHERE status = $1 AND COALESCE(ended_at, updated_at) < $2
	`, string(domain.StatusEnded), endedBefore)
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) query(ctx context.Context, sql string, args ...any) ([]*domain.Conversation, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
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

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var r record
	if err := row.Scan(
		&r.ContactID, &r.Status, &r.DisplayName, &r.Messages, &r.CollectedData, &r.Notes,
		&r.Score, &r.Attempts, &r.EscalationReason, &r.EndReason,
		&r.QualifiedAt, &r.EscalatedAt, &r.EndedAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return r.conversation()
}

func (r record) args() []any {
	return []any{
		r.ContactID, r.Status, r.DisplayName, r.Messages, r.CollectedData, r.Notes,
		r.Score, r.Attempts, r.EscalationReason, r.EndReason,
		r.QualifiedAt, r.EscalatedAt, r.EndedAt, r.CreatedAt, r.UpdatedAt,
	}
}
