package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realtime_go/internal/domain"
)

type CallRepo struct {
	db *sql.DB
}

func NewCallRepo(db *sql.DB) *CallRepo {
	return &CallRepo{db: db}
}

var _ domain.CallRepository = (*CallRepo)(nil)

func (r *CallRepo) CreateCall(ctx context.Context, c *domain.CallRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO calls (id, conversation_id, caller_id, recipient_id, kind, state, initiated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ConversationID, c.CallerID, c.RecipientID, string(c.Kind), string(c.State), c.InitiatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (r *CallRepo) UpdateCall(ctx context.Context, c *domain.CallRecord) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET state = ?, answered_at = ?, ended_at = ?, duration_secs = ?, ended_by = ?, reason = ?
		WHERE id = ?
	`,
		string(c.State),
		nullTime(c.AnsweredAt),
		nullTime(c.EndedAt),
		c.DurationSecs,
		nullString(c.EndedBy),
		nullString(c.Reason),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetCall returns the stored record of a call.
func (r *CallRepo) GetCall(ctx context.Context, id string) (*domain.CallRecord, error) {
	var (
		c               domain.CallRecord
		kind, state     string
		answered, ended sql.NullTime
		endedBy, reason sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, caller_id, recipient_id, kind, state,
			initiated_at, answered_at, ended_at, duration_secs, ended_by, reason
		FROM calls
		WHERE id = ?
	`, id).Scan(
		&c.ID,
		&c.ConversationID,
		&c.CallerID,
		&c.RecipientID,
		&kind,
		&state,
		&c.InitiatedAt,
		&answered,
		&ended,
		&c.DurationSecs,
		&endedBy,
		&reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	c.Kind = domain.CallKind(kind)
	c.State = domain.CallState(state)
	c.AnsweredAt = timePtr(answered)
	c.EndedAt = timePtr(ended)
	c.EndedBy = endedBy.String
	c.Reason = reason.String
	return &c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
