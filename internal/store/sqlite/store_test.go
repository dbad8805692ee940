package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime_go/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "migrations must be idempotent")
	return db
}

func TestMembership(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepo(openTestDB(t))

	id, err := repo.CreateConversation(ctx, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	require.NoError(t, repo.AddConversation(ctx, "c2", "alice", "dave"))

	members, err := repo.MembersOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)

	ok, err := repo.IsMember(ctx, id, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	contacts, err := repo.ContactsOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol", "dave"}, contacts)

	require.NoError(t, repo.RemoveMember(ctx, id, "bob"))
	ok, err = repo.IsMember(ctx, id, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err = repo.MembersOf(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, NewConversationRepo(db).AddConversation(ctx, "c1", "alice", "bob"))
	repo := NewMessageRepo(db)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &domain.Message{
		TempID:         "temp-1",
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "ciphertext",
		ContentKind:    domain.KindText,
		Encryption:     &domain.EncryptionMeta{SessionVersion: 2, RatchetStep: 7},
		Attachments:    []domain.Attachment{{ID: "a1", MimeType: "image/png"}},
		Status:         domain.StatusSent,
		CreatedAt:      created,
	}
	require.NoError(t, repo.CreateMessage(ctx, m))
	require.NotEmpty(t, m.ID)

	got, err := repo.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "temp-1", got.TempID)
	assert.Equal(t, *m.Encryption, *got.Encryption)
	assert.Equal(t, m.Attachments, got.Attachments)
	assert.True(t, created.Equal(got.CreatedAt))

	changed, err := repo.UpdateStatus(ctx, m.ID, domain.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.UpdateStatus(ctx, m.ID, domain.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed, "status never regresses")

	edited := created.Add(5 * time.Minute)
	require.NoError(t, repo.EditContent(ctx, m.ID, "new", edited))
	require.NoError(t, repo.SoftDelete(ctx, m.ID, edited.Add(time.Minute)))

	got, err = repo.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, got.Status)
	assert.Empty(t, got.Content)
	assert.Empty(t, got.Attachments)
	require.NotNil(t, got.EditedAt)
	require.NotNil(t, got.DeletedAt)

	_, err = repo.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.EditContent(ctx, "missing", "x", edited), domain.ErrNotFound)
}

func TestReceiptsAndReactions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, NewConversationRepo(db).AddConversation(ctx, "c1", "alice", "bob", "carol"))
	repo := NewMessageRepo(db)

	m := &domain.Message{ConversationID: "c1", SenderID: "alice", Content: "x", ContentKind: domain.KindText, Status: domain.StatusSent, CreatedAt: time.Now()}
	require.NoError(t, repo.CreateMessage(ctx, m))

	at := time.Now()
	changed, err := repo.UpsertReceipt(ctx, domain.Receipt{MessageID: m.ID, UserID: "bob", Status: domain.StatusRead, At: at})
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.UpsertReceipt(ctx, domain.Receipt{MessageID: m.ID, UserID: "bob", Status: domain.StatusDelivered, At: at})
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = repo.UpsertReceipt(ctx, domain.Receipt{MessageID: m.ID, UserID: "bob", Status: domain.StatusRead, At: at})
	require.NoError(t, err)
	assert.False(t, changed, "repeated receipt is a no-op")

	require.NoError(t, repo.UpsertReaction(ctx, domain.Reaction{MessageID: m.ID, UserID: "bob", Emoji: "👍", CreatedAt: at}))
	require.NoError(t, repo.UpsertReaction(ctx, domain.Reaction{MessageID: m.ID, UserID: "carol", Emoji: "👍", CreatedAt: at.Add(time.Second)}))
	require.NoError(t, repo.UpsertReaction(ctx, domain.Reaction{MessageID: m.ID, UserID: "bob", Emoji: "🎉", CreatedAt: at.Add(2 * time.Second)}))

	list, err := repo.ListReactions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "carol", list[0].UserID)
	assert.Equal(t, "🎉", list[1].Emoji)

	require.NoError(t, repo.RemoveReaction(ctx, m.ID, "bob"))
	list, err = repo.ListReactions(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCallRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepo(openTestDB(t))

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &domain.CallRecord{
		ID:             "call-1",
		ConversationID: "c1",
		CallerID:       "alice",
		RecipientID:    "bob",
		Kind:           domain.CallVideo,
		State:          domain.CallInitiated,
		InitiatedAt:    start,
	}
	require.NoError(t, repo.CreateCall(ctx, rec))

	answered := start.Add(5 * time.Second)
	ended := answered.Add(90 * time.Second)
	rec.State = domain.CallEnded
	rec.AnsweredAt = &answered
	rec.EndedAt = &ended
	rec.DurationSecs = 90
	rec.EndedBy = "bob"
	rec.Reason = "completed"
	require.NoError(t, repo.UpdateCall(ctx, rec))

	got, err := repo.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, got.State)
	assert.Equal(t, int64(90), got.DurationSecs)
	assert.Equal(t, "bob", got.EndedBy)
	require.NotNil(t, got.AnsweredAt)
	assert.True(t, answered.Equal(*got.AnsweredAt))

	assert.ErrorIs(t, repo.UpdateCall(ctx, &domain.CallRecord{ID: "missing"}), domain.ErrNotFound)
}
