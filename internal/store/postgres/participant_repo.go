package postgres

import (
	"context"
	"fmt"
)

func (r *ConversationRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepo) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	return r.userIDs(ctx, `
		SELECT user_id
		FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY position ASC
	`, conversationID)
}

func (r *ConversationRepo) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	return r.userIDs(ctx, `
		SELECT DISTINCT other.user_id
		FROM conversation_members me
		JOIN conversation_members other ON other.conversation_id = me.conversation_id
		WHERE me.user_id = $1 AND other.user_id <> $1
		ORDER BY other.user_id ASC
	`, userID)
}

func (r *ConversationRepo) userIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
