package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime_go/internal/domain"
)

// openTestDB connects to POSTGRES_TEST_URL. Rows are keyed by fresh ids so
// runs against a shared database do not collide.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_URL")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "migrations must be idempotent")
	return db
}

func user(name string) string {
	return name + "-" + uuid.NewString()[:8]
}

func TestMembership(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepo(openTestDB(t))
	alice, bob, carol, dave := user("alice"), user("bob"), user("carol"), user("dave")

	id, err := repo.CreateConversation(ctx, []string{alice, bob, carol})
	require.NoError(t, err)
	require.NoError(t, repo.AddConversation(ctx, uuid.NewString(), alice, dave))

	members, err := repo.MembersOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{alice, bob, carol}, members)

	contacts, err := repo.ContactsOf(ctx, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{bob, carol, dave}, contacts)

	require.NoError(t, repo.RemoveMember(ctx, id, bob))
	ok, err := repo.IsMember(ctx, id, bob)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageStatusAndReceipts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	conv := uuid.NewString()
	alice, bob := user("alice"), user("bob")
	require.NoError(t, NewConversationRepo(db).AddConversation(ctx, conv, alice, bob))
	repo := NewMessageRepo(db)

	m := &domain.Message{
		ConversationID: conv,
		SenderID:       alice,
		Content:        "ciphertext",
		ContentKind:    domain.KindText,
		Encryption:     &domain.EncryptionMeta{SessionVersion: 1, RatchetStep: 3},
		Status:         domain.StatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.CreateMessage(ctx, m))

	changed, err := repo.UpdateStatus(ctx, m.ID, domain.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.UpdateStatus(ctx, m.ID, domain.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	at := time.Now().UTC()
	changed, err = repo.UpsertReceipt(ctx, domain.Receipt{MessageID: m.ID, UserID: bob, Status: domain.StatusDelivered, At: at})
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.UpsertReceipt(ctx, domain.Receipt{MessageID: m.ID, UserID: bob, Status: domain.StatusDelivered, At: at})
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := repo.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, got.Status)
	assert.Equal(t, *m.Encryption, *got.Encryption)

	_, err = repo.GetMessage(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCallRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepo(openTestDB(t))

	start := time.Now().UTC().Truncate(time.Second)
	rec := &domain.CallRecord{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		CallerID:       user("alice"),
		RecipientID:    user("bob"),
		Kind:           domain.CallAudio,
		State:          domain.CallInitiated,
		InitiatedAt:    start,
	}
	require.NoError(t, repo.CreateCall(ctx, rec))

	ended := start.Add(time.Minute)
	rec.State = domain.CallMissed
	rec.EndedAt = &ended
	rec.Reason = "no_answer"
	require.NoError(t, repo.UpdateCall(ctx, rec))

	got, err := repo.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallMissed, got.State)
	assert.Nil(t, got.AnsweredAt)
	assert.Zero(t, got.DurationSecs)
}
