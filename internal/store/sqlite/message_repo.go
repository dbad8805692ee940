package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"realtime_go/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) CreateMessage(ctx context.Context, m *domain.Message) error {
	enc, att, err := encodeExtras(m)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, temp_id, conversation_id, sender_id, content, content_kind,
			encryption, attachments, reply_to_id, status, status_rank, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		nullString(m.TempID),
		m.ConversationID,
		m.SenderID,
		m.Content,
		string(m.ContentKind),
		enc,
		att,
		nullString(m.ReplyToID),
		string(m.Status),
		m.Status.Rank(),
		m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID = id
	return nil
}

func (r *MessageRepo) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var (
		m                 domain.Message
		tempID, replyTo   sql.NullString
		enc, att          sql.NullString
		kind, status      string
		editedAt, deleted sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, temp_id, conversation_id, sender_id, content, content_kind,
			encryption, attachments, reply_to_id, status, created_at, edited_at, deleted_at
		FROM messages
		WHERE id = ?
	`, id).Scan(
		&m.ID,
		&tempID,
		&m.ConversationID,
		&m.SenderID,
		&m.Content,
		&kind,
		&enc,
		&att,
		&replyTo,
		&status,
		&m.CreatedAt,
		&editedAt,
		&deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.TempID = tempID.String
	m.ReplyToID = replyTo.String
	m.ContentKind = domain.ContentKind(kind)
	m.Status = domain.MessageStatus(status)
	m.EditedAt = timePtr(editedAt)
	m.DeletedAt = timePtr(deleted)
	if err := decodeExtras(&m, enc, att); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepo) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, status_rank = ?
		WHERE id = ? AND status_rank < ?
	`, string(status), status.Rank(), id, status.Rank())
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *MessageRepo) UpsertReceipt(ctx context.Context, rc domain.Receipt) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_receipts (message_id, user_id, status, status_rank, at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET status = excluded.status, status_rank = excluded.status_rank, at = excluded.at
		WHERE excluded.status_rank > message_receipts.status_rank
	`, rc.MessageID, rc.UserID, string(rc.Status), rc.Status.Rank(), rc.At.UTC())
	if err != nil {
		return false, fmt.Errorf("upsert receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "soft delete", `
		UPDATE messages
		SET content = '', attachments = NULL, deleted_at = ?
		WHERE id = ?
	`, at.UTC(), id)
}

func (r *MessageRepo) EditContent(ctx context.Context, id, content string, at time.Time) error {
	return r.exec(ctx, "edit content", `
		UPDATE messages
		SET content = ?, edited_at = ?
		WHERE id = ?
	`, content, at.UTC(), id)
}

func (r *MessageRepo) UpsertReaction(ctx context.Context, rc domain.Reaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET emoji = excluded.emoji, created_at = excluded.created_at
	`, rc.MessageID, rc.UserID, rc.Emoji, rc.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

func (r *MessageRepo) RemoveReaction(ctx context.Context, messageID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = ? AND user_id = ?
	`, messageID, userID)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

func (r *MessageRepo) ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = ?
		ORDER BY created_at ASC, user_id ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var res []domain.Reaction
	for rows.Next() {
		var rc domain.Reaction
		if err := rows.Scan(&rc.MessageID, &rc.UserID, &rc.Emoji, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		res = append(res, rc)
	}
	return res, rows.Err()
}

// exec runs a single-row update and maps "no row" to ErrNotFound.
func (r *MessageRepo) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
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

func encodeExtras(m *domain.Message) (enc, att sql.NullString, err error) {
	if m.Encryption != nil {
		b, err := json.Marshal(m.Encryption)
		if err != nil {
			return enc, att, fmt.Errorf("encode encryption meta: %w", err)
		}
		enc = sql.NullString{String: string(b), Valid: true}
	}
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return enc, att, fmt.Errorf("encode attachments: %w", err)
		}
		att = sql.NullString{String: string(b), Valid: true}
	}
	return enc, att, nil
}

func decodeExtras(m *domain.Message, enc, att sql.NullString) error {
	if enc.Valid && enc.String != "" {
		m.Encryption = &domain.EncryptionMeta{}
		if err := json.Unmarshal([]byte(enc.String), m.Encryption); err != nil {
			return fmt.Errorf("decode encryption meta: %w", err)
		}
	}
	if att.Valid && att.String != "" {
		if err := json.Unmarshal([]byte(att.String), &m.Attachments); err != nil {
			return fmt.Errorf("decode attachments: %w", err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
