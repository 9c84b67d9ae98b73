package correlate

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

type fakeDirectory struct {
	activitiesByCode map[string]*domain.EmailActivity
	threadMappings   map[string]string
	threads          map[string]*domain.EmailThread
	carriersByEmail  map[string]*domain.Carrier
	customers        []*domain.Customer
	events           map[string]*domain.NegotiationEvent
}

func (f *fakeDirectory) LatestActivityByTrackingCode(_ context.Context, _, code string) (*domain.EmailActivity, error) {
	return f.activitiesByCode[code], nil
}

func (f *fakeDirectory) LookupProviderThread(_ context.Context, providerThreadID string) (string, error) {
	return f.threadMappings[providerThreadID], nil
}

func (f *fakeDirectory) GetThread(_ context.Context, id string) (*domain.EmailThread, error) {
	return f.threads[id], nil
}

func (f *fakeDirectory) CarrierByContactEmail(_ context.Context, email string) (*domain.Carrier, error) {
	return f.carriersByEmail[email], nil
}

func (f *fakeDirectory) ListCustomers(_ context.Context) ([]*domain.Customer, error) {
	return f.customers, nil
}

func (f *fakeDirectory) ActiveBiddingEvent(_ context.Context, customerID string) (*domain.NegotiationEvent, error) {
	return f.events[customerID], nil
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestTrackingCodeBeatsEverything(t *testing.T) {
	dir := &fakeDirectory{
		activitiesByCode: map[string]*domain.EmailActivity{
			"CSP-4821": {
				ThreadID:   "thread-a",
				CustomerID: "cust-1",
				EventID:    "event-1",
			},
		},
		threadMappings: map[string]string{"prov-thread": "thread-b"},
		threads: map[string]*domain.EmailThread{
			"thread-b": {ID: "thread-b", CarrierID: "carrier-9"},
		},
	}
	r := NewResolver(dir, 4, testLogger())

	corr, err := r.Resolve(context.Background(), &domain.NormalizedMessage{
		ProviderMessageID: "m1",
		ProviderThreadID:  "prov-thread",
		TrackingCode:      "CSP-4821",
	}, "owner-1", domain.DirectionInbound)
	require.NoError(t, err)

	assert.Equal(t, "tracking_code", corr.MatchedBy)
	assert.Equal(t, "thread-a", corr.ThreadID)
	assert.Equal(t, "cust-1", corr.CustomerID)
	assert.Equal(t, "event-1", corr.EventID)
}

func TestUnknownTrackingCodeFallsThrough(t *testing.T) {
	dir := &fakeDirectory{
		activitiesByCode: map[string]*domain.EmailActivity{},
		threadMappings:   map[string]string{"prov-thread": "thread-b"},
		threads: map[string]*domain.EmailThread{
			"thread-b": {ID: "thread-b", CustomerID: "cust-2"},
		},
	}
	r := NewResolver(dir, 4, testLogger())

	corr, err := r.Resolve(context.Background(), &domain.NormalizedMessage{
		ProviderThreadID: "prov-thread",
		TrackingCode:     "CSP-0000",
	}, "owner-1", domain.DirectionInbound)
	require.NoError(t, err)

	assert.Equal(t, "thread_continuation", corr.MatchedBy)
	assert.Equal(t, "thread-b", corr.ThreadID)
	assert.Equal(t, "cust-2", corr.CustomerID)
}

func TestHeuristicCarrierByInboundSender(t *testing.T) {
	dir := &fakeDirectory{
		carriersByEmail: map[string]*domain.Carrier{
			"dispatch@swiftline.com": {ID: "carrier-1", Name: "Swiftline"},
		},
	}
	r := NewResolver(dir, 4, testLogger())

	corr, err := r.Resolve(context.Background(), &domain.NormalizedMessage{
		From:    `"Swiftline Dispatch" <dispatch@swiftline.com>`,
		Subject: "quote for lane",
	}, "owner-1", domain.DirectionInbound)
	require.NoError(t, err)

	assert.Equal(t, "heuristic", corr.MatchedBy)
	assert.Equal(t, "carrier-1", corr.CarrierID)
	assert.Empty(t, corr.CustomerID)
}

func TestHeuristicCustomerNameAttachesBiddingEvent(t *testing.T) {
	dir := &fakeDirectory{
		customers: []*domain.Customer{
			{ID: "cust-1", Name: "Meridian Foods"},
			{ID: "cust-2", Name: "Apex Metals"},
		},
		events: map[string]*domain.NegotiationEvent{
			"cust-1": {ID: "event-7", CustomerID: "cust-1", Stage: domain.StageActiveBidding},
		},
	}
	r := NewResolver(dir, 4, testLogger())

	corr, err := r.Resolve(context.Background(), &domain.NormalizedMessage{
		From:    "someone@elsewhere.com",
		Subject: "Re: Meridian Foods refrigerated lane",
	}, "owner-1", domain.DirectionOutbound)
	require.NoError(t, err)

	assert.Equal(t, "heuristic", corr.MatchedBy)
	assert.Equal(t, "cust-1", corr.CustomerID)
	assert.Equal(t, "event-7", corr.EventID)
}

func TestHeuristicRequiresEveryQualifyingWord(t *testing.T) {
	dir := &fakeDirectory{
		customers: []*domain.Customer{
			{ID: "cust-1", Name: "Meridian Foods"},
		},
	}
	r := NewResolver(dir, 4, testLogger())

	// "Foods" alone must not match; "Meridian" is missing.
	corr, err := r.Resolve(context.Background(), &domain.NormalizedMessage{
		Subject: "Foods shipment schedule",
	}, "owner-1", domain.DirectionOutbound)
	require.NoError(t, err)
	assert.Equal(t, "none", corr.MatchedBy)
	assert.False(t, corr.Linked())
}

func TestHeuristicIgnoresShortWords(t *testing.T) {
	dir := &fakeDirectory{
		customers: []*domain.Customer{
			{ID: "cust-1", Name: "A B Co"},
		},
	}
	r := NewResolver(dir, 4, testLogger())

	// Every word is below the minimum length, so the name can never match.
	corr, err := r.Resolve(context.Background(), &domain.NormalizedMessage{
		Subject: "a b co everything matches textually",
	}, "owner-1", domain.DirectionOutbound)
	require.NoError(t, err)
	assert.False(t, corr.Linked())
}

func TestHeuristicDeterministicAcrossCandidates(t *testing.T) {
	dir := &fakeDirectory{
		customers: []*domain.Customer{
			{ID: "cust-1", Name: "Meridian Foods"},
			{ID: "cust-2", Name: "Meridian Foods West"},
		},
	}
	r := NewResolver(dir, 4, testLogger())

	// Both names qualify; the first customer in directory order always wins.
	for i := 0; i < 10; i++ {
		corr, err := r.Resolve(context.Background(), &domain.NormalizedMessage{
			Subject: "Meridian Foods West expansion",
		}, "owner-1", domain.DirectionOutbound)
		require.NoError(t, err)
		assert.Equal(t, "cust-1", corr.CustomerID)
	}
}

func TestNoMatchIsNotAnError(t *testing.T) {
	r := NewResolver(&fakeDirectory{}, 4, testLogger())

	corr, err := r.Resolve(context.Background(), &domain.NormalizedMessage{
		Subject: "unrelated mail",
		From:    "nobody@example.com",
	}, "owner-1", domain.DirectionInbound)
	require.NoError(t, err)
	assert.Equal(t, "none", corr.MatchedBy)
	assert.False(t, corr.Linked())
}
