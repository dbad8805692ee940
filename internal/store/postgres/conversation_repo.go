package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"realtime_go/internal/domain"
)

// ConversationRepo implements domain.MembershipRepository. Read queries live
// in participant_repo.go.
type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.MembershipRepository = (*ConversationRepo)(nil)

// CreateConversation stores a conversation whose members join in the given
// order.
func (r *ConversationRepo) CreateConversation(ctx context.Context, memberIDs []string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO conversations (id, created_at) VALUES ($1, $2)`, id, now); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	// WITH ORDINALITY keeps the join order of memberIDs.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, position, joined_at)
		SELECT $1, m.user_id, m.ord - 1, $3
		FROM unnest($2::text[]) WITH ORDINALITY AS m(user_id, ord)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, id, memberIDs, now); err != nil {
		return "", fmt.Errorf("insert members: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit conversation: %w", err)
	}
	return id, nil
}

// AddConversation seeds a conversation with a fixed id. Used by tooling and
// tests.
func (r *ConversationRepo) AddConversation(ctx context.Context, id string, memberIDs ...string) error {
	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, now); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for i, uid := range memberIDs {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, position, joined_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, id, uid, i, now); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}

func (r *ConversationRepo) RemoveMember(ctx context.Context, conversationID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}
