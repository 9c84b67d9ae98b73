package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/correlate"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/store"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/thread"
)

type fakeProvider struct {
	messages   map[string]*domain.NormalizedMessage
	allIDs     []string
	historyIDs []string
	cursor     string
	fetchErrs  map[string]error
}

func (f *fakeProvider) FetchMessage(_ context.Context, id string) (*domain.NormalizedMessage, error) {
	if err := f.fetchErrs[id]; err != nil {
		return nil, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("unknown message %s", id)
	}
	return msg, nil
}

func (f *fakeProvider) ListHistory(_ context.Context, _ string) ([]string, string, error) {
	return f.historyIDs, f.cursor, nil
}

func (f *fakeProvider) ListMessageIDs(_ context.Context, _ time.Time, fn func(ids []string) error) error {
	return fn(f.allIDs)
}

func (f *fakeProvider) CurrentCursor(_ context.Context) (string, error) {
	return f.cursor, nil
}

func (f *fakeProvider) Watch(_ context.Context) (*providers.WatchInfo, error) {
	return nil, domain.ErrWatchUnsupported
}

func (f *fakeProvider) StopWatch(_ context.Context) error { return nil }

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testDispatcher(t *testing.T, provider providers.MailProvider) (*Dispatcher, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SaveSettings(context.Background(), &domain.MailboxSettings{
		OwnerID:          "owner-1",
		Mailbox:          "ops@boltfreight.com",
		Provider:         domain.ProviderGmail,
		IngestionEnabled: true,
		BusinessDaysOnly: true,
		StallAfterDays:   4,
	}))

	factory := func(_ context.Context, _ *domain.MailboxSettings) (providers.MailProvider, error) {
		return provider, nil
	}
	resolver := correlate.NewResolver(st, 4, testLogger())
	threads := thread.NewAggregator(st, 4, testLogger())

	d := NewDispatcher(st, factory, resolver, threads, Options{
		ResyncLookbackDays: 14,
	}, testLogger())
	return d, st
}

func inboundMessage(id, threadID string) *domain.NormalizedMessage {
	sent := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	return &domain.NormalizedMessage{
		ProviderMessageID: id,
		ProviderThreadID:  threadID,
		Subject:           "Rate confirmation",
		From:              "dispatch@swiftline.com",
		To:                []string{"ops@boltfreight.com"},
		SentAt:            &sent,
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]*domain.NormalizedMessage{
			"m1": inboundMessage("m1", "pt1"),
		},
	}
	d, st := testDispatcher(t, provider)
	ctx := context.Background()

	created, err := d.Ingest(ctx, "owner-1", "m1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = d.Ingest(ctx, "owner-1", "m1")
	require.NoError(t, err)
	assert.False(t, created)

	threads, err := st.ListThreads(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, int64(1), threads[0].MessageCount)
	assert.Equal(t, domain.ThreadActive, threads[0].Status)
}

func TestIngestDecidesDirectionFromMailbox(t *testing.T) {
	sent := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	provider := &fakeProvider{
		messages: map[string]*domain.NormalizedMessage{
			"m-out": {
				ProviderMessageID: "m-out",
				ProviderThreadID:  "pt1",
				Subject:           "Quote request [CSP-4821]",
				From:              `"Bolt Ops" <ops@boltfreight.com>`,
				To:                []string{"dispatch@swiftline.com"},
				SentAt:            &sent,
				TrackingCode:      "CSP-4821",
			},
		},
	}
	d, st := testDispatcher(t, provider)
	ctx := context.Background()

	created, err := d.Ingest(ctx, "owner-1", "m-out")
	require.NoError(t, err)
	require.True(t, created)

	threads, err := st.ListThreads(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, domain.ThreadAwaitingReply, threads[0].Status)
}

func TestTrackingCodeJoinsReplyToSameThread(t *testing.T) {
	sent := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	reply := sent.Add(2 * time.Hour)
	provider := &fakeProvider{
		messages: map[string]*domain.NormalizedMessage{
			"m-out": {
				ProviderMessageID: "m-out",
				ProviderThreadID:  "pt-original",
				Subject:           "Lane bid [CSP-4821]",
				From:              "ops@boltfreight.com",
				To:                []string{"dispatch@swiftline.com"},
				SentAt:            &sent,
				TrackingCode:      "CSP-4821",
			},
			// The reply arrives on a different provider thread (forwarded
			// through the carrier's ticket system) but carries the code.
			"m-reply": {
				ProviderMessageID: "m-reply",
				ProviderThreadID:  "pt-other",
				Subject:           "RE: Lane bid [CSP-4821]",
				From:              "dispatch@swiftline.com",
				To:                []string{"ops@boltfreight.com"},
				SentAt:            &reply,
				TrackingCode:      "CSP-4821",
			},
		},
	}
	d, st := testDispatcher(t, provider)
	ctx := context.Background()

	_, err := d.Ingest(ctx, "owner-1", "m-out")
	require.NoError(t, err)
	_, err = d.Ingest(ctx, "owner-1", "m-reply")
	require.NoError(t, err)

	threads, err := st.ListThreads(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, int64(2), threads[0].MessageCount)
	assert.Equal(t, domain.ThreadActive, threads[0].Status)
}

func TestHandleNotificationSyncsAndAdvancesCursor(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]*domain.NormalizedMessage{
			"m1": inboundMessage("m1", "pt1"),
		},
		allIDs: []string{"m1"},
		cursor: "1000",
	}
	d, st := testDispatcher(t, provider)
	ctx := context.Background()

	body := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"ops@boltfreight.com","historyId":"1042"}`))
	require.NoError(t, d.HandleNotification(ctx, []byte(body)))

	exists, err := st.ActivityExists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)

	sub, err := st.GetWatch(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "1042", sub.HistoryCursor)
}

func TestHandleNotificationUnknownMailbox(t *testing.T) {
	d, _ := testDispatcher(t, &fakeProvider{})

	body := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"stranger@example.com","historyId":"5"}`))
	require.NoError(t, d.HandleNotification(context.Background(), []byte(body)))
}

func TestHandleNotificationRejectsGarbage(t *testing.T) {
	d, _ := testDispatcher(t, &fakeProvider{})
	require.Error(t, d.HandleNotification(context.Background(), []byte("not base64!!")))
}

func waitForJob(t *testing.T, d *Dispatcher, id string) ResyncJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := d.Job(id).Snapshot()
		if snap.Status != ResyncRunning {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("resync job did not finish")
	return ResyncJob{}
}

func TestResyncCountsNewExistingAndSkipped(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]*domain.NormalizedMessage{
			"m1": inboundMessage("m1", "pt1"),
			"m2": inboundMessage("m2", "pt2"),
			"m3": inboundMessage("m3", "pt3"),
			"m4": inboundMessage("m4", "pt4"),
		},
		allIDs: []string{"m1", "m2", "m3", "m4", "m5"},
		fetchErrs: map[string]error{
			"m5": &domain.ParseError{ProviderMessageID: "m5", Err: fmt.Errorf("no payload")},
		},
		cursor: "1000",
	}
	d, _ := testDispatcher(t, provider)
	ctx := context.Background()

	// Two of the five already exist before the backfill runs.
	_, err := d.Ingest(ctx, "owner-1", "m1")
	require.NoError(t, err)
	_, err = d.Ingest(ctx, "owner-1", "m2")
	require.NoError(t, err)

	job, err := d.StartResync(ctx, "owner-1", 0)
	require.NoError(t, err)

	snap := waitForJob(t, d, job.ID)
	assert.Equal(t, ResyncDone, snap.Status)
	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 2, snap.New)
	assert.Equal(t, 2, snap.AlreadyExisted)
	assert.Equal(t, 1, snap.Skipped)
}

func TestResyncAbortsOnDeadCredential(t *testing.T) {
	provider := &fakeProvider{
		allIDs: []string{"m1"},
		fetchErrs: map[string]error{
			"m1": domain.ErrReauthRequired,
		},
	}
	d, _ := testDispatcher(t, provider)

	job, err := d.StartResync(context.Background(), "owner-1", 0)
	require.NoError(t, err)

	snap := waitForJob(t, d, job.ID)
	assert.Equal(t, ResyncFailed, snap.Status)
	assert.NotEmpty(t, snap.Error)
}

func TestStartResyncDeduplicatesPerOwner(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]*domain.NormalizedMessage{
			"m1": inboundMessage("m1", "pt1"),
		},
		allIDs: []string{"m1"},
	}
	d, _ := testDispatcher(t, provider)
	d.opts.ResyncPageDelay = 100 * time.Millisecond
	ctx := context.Background()

	first, err := d.StartResync(ctx, "owner-1", 0)
	require.NoError(t, err)
	second, err := d.StartResync(ctx, "owner-1", 0)
	require.NoError(t, err)

	// While the first job is still draining its page delay, a second request
	// must return the running job rather than start another.
	if second.Snapshot().Status == ResyncRunning {
		assert.Equal(t, first.ID, second.ID)
	}
	waitForJob(t, d, first.ID)
}

func TestStartResyncPrunesExpiredJobs(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]*domain.NormalizedMessage{
			"m1": inboundMessage("m1", "pt1"),
		},
		allIDs: []string{"m1"},
	}
	d, _ := testDispatcher(t, provider)

	stale := &ResyncJob{ID: "stale", OwnerID: "owner-1", Status: ResyncDone, finishedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &ResyncJob{ID: "fresh", OwnerID: "owner-1", Status: ResyncDone, finishedAt: time.Now().Add(-time.Minute)}
	d.jobs.Store(stale.ID, stale)
	d.jobs.Store(fresh.ID, fresh)

	job, err := d.StartResync(context.Background(), "owner-1", 0)
	require.NoError(t, err)
	waitForJob(t, d, job.ID)

	// Jobs past the retention window are gone; recent ones stay queryable.
	assert.Nil(t, d.Job("stale"))
	assert.NotNil(t, d.Job("fresh"))
}

func TestSyncOwnerIngestsHistoryDiff(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]*domain.NormalizedMessage{
			"m1": inboundMessage("m1", "pt1"),
			"m2": inboundMessage("m2", "pt2"),
		},
		historyIDs: []string{"m1", "m2"},
		cursor:     "2000",
	}
	d, st := testDispatcher(t, provider)
	ctx := context.Background()

	// Seed a stored cursor so sync takes the incremental path.
	require.NoError(t, st.SaveWatch(ctx, &domain.WatchSubscription{
		OwnerID:       "owner-1",
		Mailbox:       "ops@boltfreight.com",
		HistoryCursor: "1500",
		Expiry:        time.Now().Add(24 * time.Hour),
		Active:        true,
	}))

	require.NoError(t, d.SyncOwner(ctx, "owner-1"))

	for _, id := range []string{"m1", "m2"} {
		exists, err := st.ActivityExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists, id)
	}

	sub, err := st.GetWatch(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "2000", sub.HistoryCursor)
}
