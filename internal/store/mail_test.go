package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testActivity(providerMessageID string) *domain.EmailActivity {
	return &domain.EmailActivity{
		ID:                uuid.NewString(),
		OwnerID:           "owner-1",
		ProviderMessageID: providerMessageID,
		ProviderThreadID:  "pt1",
		ThreadID:          "t1",
		Direction:         domain.DirectionInbound,
		Subject:           "Lane bid [CSP-4821]",
		From:              "dispatch@swiftline.com",
		To:                []string{"ops@boltfreight.com"},
		TrackingCode:      "CSP-4821",
		SentAt:            time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC),
		CreatedAt:         time.Now().UTC(),
	}
}

func TestInsertActivityIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	inserted, err := st.InsertActivity(ctx, testActivity("m1"), "crm.mail.owner-1.ingested", "mail.ingested", []byte(`{}`), "dedupe-1")
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same provider message id with a different row id: the replay is dropped
	// and no second outbox entry is written.
	inserted, err = st.InsertActivity(ctx, testActivity("m1"), "crm.mail.owner-1.ingested", "mail.ingested", []byte(`{}`), "dedupe-1")
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestOutboxRetryAndPublish(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueOutbox(ctx, "crm.mail.owner-1.ingested", "mail.ingested", []byte(`{}`), "dedupe-1"))

	msgs, err := st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// A retry pushes the next attempt into the future, hiding the row.
	require.NoError(t, st.MarkOutboxRetry(ctx, msgs[0].ID, time.Minute))
	msgs2, err := st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs2)

	require.NoError(t, st.MarkPublished(ctx, msgs[0].ID))
}

func TestLatestActivityByTrackingCodeCaseInsensitive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first := testActivity("m1")
	first.ThreadID = "t-old"
	first.SentAt = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	_, err := st.InsertActivity(ctx, first, "s", "e", []byte(`{}`), "d1")
	require.NoError(t, err)

	second := testActivity("m2")
	second.ThreadID = "t-new"
	second.CustomerID = "cust-1"
	second.SentAt = time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	_, err = st.InsertActivity(ctx, second, "s", "e", []byte(`{}`), "d2")
	require.NoError(t, err)

	got, err := st.LatestActivityByTrackingCode(ctx, "owner-1", "csp-4821")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t-new", got.ThreadID)
	assert.Equal(t, "cust-1", got.CustomerID)

	got, err = st.LatestActivityByTrackingCode(ctx, "owner-1", "CSP-0000")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestThreadForProviderThreadStable(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id1, err := st.ThreadForProviderThread(ctx, "pt1")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := st.ThreadForProviderThread(ctx, "pt1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := st.ThreadForProviderThread(ctx, "pt2")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestSettingsByMailboxCaseInsensitive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveSettings(ctx, &domain.MailboxSettings{
		OwnerID:          "owner-1",
		Mailbox:          "Ops@BoltFreight.com",
		Provider:         domain.ProviderGmail,
		IngestionEnabled: true,
	}))

	got, err := st.SettingsByMailbox(ctx, "ops@boltfreight.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "owner-1", got.OwnerID)
}

func TestMarkThreadStalledGuarded(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureThread(ctx, &domain.EmailThread{
		ID:      "t1",
		OwnerID: "owner-1",
		Status:  domain.ThreadActive,
	}))

	// Stalling only applies to awaiting_reply threads.
	ok, err := st.MarkThreadStalled(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	th, err := st.GetThread(ctx, "t1")
	require.NoError(t, err)
	now := time.Now().UTC()
	th.Status = domain.ThreadAwaitingReply
	th.AwaitingSince = &now
	require.NoError(t, st.UpdateThreadOnActivity(ctx, th, now))

	ok, err = st.MarkThreadStalled(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCloseThreadMissing(t *testing.T) {
	st := testStore(t)

	ok, err := st.CloseThread(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := &domain.OAuthTokenRecord{
		OwnerID:      "owner-1",
		Mailbox:      "ops@boltfreight.com",
		Provider:     domain.ProviderGmail,
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.SaveToken(ctx, rec))

	got, err := st.GetToken(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.False(t, got.Dead)

	require.NoError(t, st.MarkTokenDead(ctx, "owner-1"))
	got, err = st.GetToken(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, got.Dead)

	// Re-saving after a reconnect clears the dead flag.
	rec.RefreshToken = "refresh-2"
	require.NoError(t, st.SaveToken(ctx, rec))
	got, err = st.GetToken(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, got.Dead)
	assert.Equal(t, "refresh-2", got.RefreshToken)
}
