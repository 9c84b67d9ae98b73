// Package correlate decides which CRM entity and which conversation thread a
// normalized message belongs to.
package correlate

import (
	"context"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

// Directory is the persisted-state read surface matchers consult.
type Directory interface {
	LatestActivityByTrackingCode(ctx context.Context, ownerID, code string) (*domain.EmailActivity, error)
	LookupProviderThread(ctx context.Context, providerThreadID string) (string, error)
	GetThread(ctx context.Context, id string) (*domain.EmailThread, error)
	CarrierByContactEmail(ctx context.Context, email string) (*domain.Carrier, error)
	ListCustomers(ctx context.Context) ([]*domain.Customer, error)
	ActiveBiddingEvent(ctx context.Context, customerID string) (*domain.NegotiationEvent, error)
}

// Matcher is one strategy in the ordered resolution chain. A nil Correlation
// with nil error means "no opinion, ask the next matcher".
type Matcher interface {
	Name() string
	Match(ctx context.Context, msg *domain.NormalizedMessage, ownerID string, direction domain.Direction) (*domain.Correlation, error)
}

// Resolver runs the matcher chain in order; the first match wins and no
// merging happens across matchers. Resolution is deterministic: every lookup
// is ordered and no map iteration influences the result.
type Resolver struct {
	matchers []Matcher
	log      *logrus.Entry
}

// NewResolver builds the default chain: tracking-code, thread-continuation,
// then the heuristic fallback.
func NewResolver(dir Directory, minNameTokenLen int, log *logrus.Entry) *Resolver {
	return &Resolver{
		matchers: []Matcher{
			&trackingCodeMatcher{dir: dir},
			&threadContinuationMatcher{dir: dir},
			&heuristicMatcher{dir: dir, minTokenLen: minNameTokenLen},
		},
		log: log,
	}
}

// NewResolverWithChain builds a resolver with an explicit matcher order, for
// callers that add stricter strategies.
func NewResolverWithChain(log *logrus.Entry, matchers ...Matcher) *Resolver {
	return &Resolver{matchers: matchers, log: log}
}

// Resolve returns the message's correlation. A miss is not an error: the
// zero Correlation still threads the message by provider thread id.
func (r *Resolver) Resolve(ctx context.Context, msg *domain.NormalizedMessage, ownerID string, direction domain.Direction) (domain.Correlation, error) {
	for _, m := range r.matchers {
		corr, err := m.Match(ctx, msg, ownerID, direction)
		if err != nil {
			return domain.Correlation{}, err
		}
		if corr != nil {
			corr.MatchedBy = m.Name()
			return *corr, nil
		}
	}

	r.log.WithFields(logrus.Fields{
		"owner_id":            ownerID,
		"provider_message_id": msg.ProviderMessageID,
	}).Debug("no correlation match")
	return domain.Correlation{MatchedBy: "none"}, nil
}

// trackingCodeMatcher inherits thread and entity links from the most recent
// prior activity sharing the extracted tracking code.
type trackingCodeMatcher struct {
	dir Directory
}

func (m *trackingCodeMatcher) Name() string { return "tracking_code" }

func (m *trackingCodeMatcher) Match(ctx context.Context, msg *domain.NormalizedMessage, ownerID string, _ domain.Direction) (*domain.Correlation, error) {
	if msg.TrackingCode == "" {
		return nil, nil
	}

	prior, err := m.dir.LatestActivityByTrackingCode(ctx, ownerID, msg.TrackingCode)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}

	return &domain.Correlation{
		ThreadID:   prior.ThreadID,
		CustomerID: prior.CustomerID,
		CarrierID:  prior.CarrierID,
		EventID:    prior.EventID,
	}, nil
}

// threadContinuationMatcher handles replies lacking a tracking code: when the
// provider thread id maps to a known thread, the message inherits that
// thread's correlation.
type threadContinuationMatcher struct {
	dir Directory
}

func (m *threadContinuationMatcher) Name() string { return "thread_continuation" }

func (m *threadContinuationMatcher) Match(ctx context.Context, msg *domain.NormalizedMessage, _ string, _ domain.Direction) (*domain.Correlation, error) {
	if msg.ProviderThreadID == "" {
		return nil, nil
	}

	threadID, err := m.dir.LookupProviderThread(ctx, msg.ProviderThreadID)
	if err != nil {
		return nil, err
	}
	if threadID == "" {
		return nil, nil
	}

	thread, err := m.dir.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return &domain.Correlation{ThreadID: threadID}, nil
	}

	return &domain.Correlation{
		ThreadID:   thread.ID,
		CustomerID: thread.CustomerID,
		CarrierID:  thread.CarrierID,
		EventID:    thread.EventID,
	}, nil
}

// heuristicMatcher is the bulk-backfill fallback: carrier contact address for
// inbound mail, then customer-name tokens in the subject. A customer match
// additionally attaches an in-flight active-bidding negotiation event.
type heuristicMatcher struct {
	dir         Directory
	minTokenLen int
}

func (m *heuristicMatcher) Name() string { return "heuristic" }

func (m *heuristicMatcher) Match(ctx context.Context, msg *domain.NormalizedMessage, _ string, direction domain.Direction) (*domain.Correlation, error) {
	if direction == domain.DirectionInbound {
		carrier, err := m.dir.CarrierByContactEmail(ctx, bareAddress(msg.From))
		if err != nil {
			return nil, err
		}
		if carrier != nil {
			return &domain.Correlation{CarrierID: carrier.ID}, nil
		}
	}

	customers, err := m.dir.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}

	subject := strings.ToLower(msg.Subject)
	for _, c := range customers {
		if !m.nameInSubject(subject, c.Name) {
			continue
		}

		corr := &domain.Correlation{CustomerID: c.ID}
		event, err := m.dir.ActiveBiddingEvent(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if event != nil {
			corr.EventID = event.ID
		}
		return corr, nil
	}

	return nil, nil
}

// nameInSubject requires every qualifying word of the customer name (length
// above the configured minimum, guarding against short-word false positives)
// to appear in the subject. Names with no qualifying word never match.
func (m *heuristicMatcher) nameInSubject(subject, name string) bool {
	qualifying := 0
	for _, word := range strings.Fields(strings.ToLower(name)) {
		if len(word) < m.minTokenLen {
			continue
		}
		qualifying++
		if !strings.Contains(subject, word) {
			return false
		}
	}
	return qualifying > 0
}

// bareAddress strips a display name from an address header value.
func bareAddress(raw string) string {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return addr.Address
}
