// Package thread maintains the per-conversation aggregate and its state
// machine: active, awaiting_reply, stalled, closed.
package thread

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

// Store is the persistence surface the aggregator needs. The aggregator is
// the sole writer of thread status fields.
type Store interface {
	EnsureThread(ctx context.Context, t *domain.EmailThread) error
	GetThread(ctx context.Context, id string) (*domain.EmailThread, error)
	UpdateThreadOnActivity(ctx context.Context, t *domain.EmailThread, sentAt time.Time) error
	MarkThreadStalled(ctx context.Context, id string) (bool, error)
	CloseThread(ctx context.Context, id string) (bool, error)
	ListAwaitingThreads(ctx context.Context) ([]*domain.EmailThread, error)
	ResolveOpenFollowUps(ctx context.Context, threadID string, sentAt time.Time) (int64, error)
	GetSettings(ctx context.Context, ownerID string) (*domain.MailboxSettings, error)
}

// Aggregator applies ingested activities to thread aggregates and runs the
// time-based staleness sweep.
type Aggregator struct {
	store            Store
	log              *logrus.Entry
	defaultStallDays int
	now              func() time.Time
}

func NewAggregator(store Store, defaultStallDays int, log *logrus.Entry) *Aggregator {
	return &Aggregator{
		store:            store,
		log:              log,
		defaultStallDays: defaultStallDays,
		now:              time.Now,
	}
}

// Apply folds one activity into its thread, creating the thread on first
// contact. Returns the updated thread and whether its status changed.
// Ingestion never promotes to stalled; that is the sweep's job.
func (a *Aggregator) Apply(ctx context.Context, act *domain.EmailActivity) (*domain.EmailThread, bool, error) {
	if err := a.store.EnsureThread(ctx, &domain.EmailThread{
		ID:         act.ThreadID,
		OwnerID:    act.OwnerID,
		Subject:    act.Subject,
		Status:     domain.ThreadActive,
		CustomerID: act.CustomerID,
		CarrierID:  act.CarrierID,
		EventID:    act.EventID,
	}); err != nil {
		return nil, false, err
	}

	th, err := a.store.GetThread(ctx, act.ThreadID)
	if err != nil {
		return nil, false, err
	}

	prior := th.Status
	if th.Subject == "" {
		th.Subject = act.Subject
	}
	th.Participants = mergeParticipants(th.Participants, act.From, act.To, act.Cc)
	// First matcher to link an entity wins; later activities never overwrite.
	if th.CustomerID == "" {
		th.CustomerID = act.CustomerID
	}
	if th.CarrierID == "" {
		th.CarrierID = act.CarrierID
	}
	if th.EventID == "" {
		th.EventID = act.EventID
	}

	switch act.Direction {
	case domain.DirectionOutbound:
		// Only an outbound with no prior unanswered outbound starts the
		// reply clock. awaiting_reply, stalled and closed all stay put.
		if th.Status == domain.ThreadActive {
			th.Status = domain.ThreadAwaitingReply
			sentAt := act.SentAt
			th.AwaitingSince = &sentAt
		}
	case domain.DirectionInbound:
		if th.Status == domain.ThreadAwaitingReply || th.Status == domain.ThreadStalled || th.Status == domain.ThreadClosed {
			th.Status = domain.ThreadActive
			th.AwaitingSince = nil
		}
		resolved, err := a.store.ResolveOpenFollowUps(ctx, th.ID, act.SentAt)
		if err != nil {
			return nil, false, err
		}
		if resolved > 0 {
			a.log.WithFields(logrus.Fields{
				"thread_id": th.ID,
				"resolved":  resolved,
			}).Info("auto-resolved follow-ups on inbound reply")
		}
	}

	if err := a.store.UpdateThreadOnActivity(ctx, th, act.SentAt); err != nil {
		return nil, false, err
	}

	th.MessageCount++
	if act.SentAt.After(th.LastActivity) {
		th.LastActivity = act.SentAt
	}

	return th, th.Status != prior, nil
}

// Close marks a thread closed on explicit user action. Terminal until a new
// inbound message reopens it.
func (a *Aggregator) Close(ctx context.Context, threadID string) (bool, error) {
	return a.store.CloseThread(ctx, threadID)
}

// Sweep promotes awaiting_reply threads past the stall threshold to stalled
// and returns how many it promoted. Staleness is evaluated here, on a timer,
// never by the ingestion path.
func (a *Aggregator) Sweep(ctx context.Context) (int, error) {
	threads, err := a.store.ListAwaitingThreads(ctx)
	if err != nil {
		return 0, err
	}

	now := a.now()
	promoted := 0
	// One settings read per owner per pass; an owner routinely has many
	// awaiting threads.
	settingsCache := make(map[string]*domain.MailboxSettings)
	for _, th := range threads {
		if th.AwaitingSince == nil {
			continue
		}

		settings, ok := settingsCache[th.OwnerID]
		if !ok {
			settings, err = a.store.GetSettings(ctx, th.OwnerID)
			if err != nil {
				return promoted, err
			}
			settingsCache[th.OwnerID] = settings
		}

		stallDays := a.defaultStallDays
		businessDays := true
		if settings != nil {
			if settings.StallAfterDays > 0 {
				stallDays = settings.StallAfterDays
			}
			businessDays = settings.BusinessDaysOnly
		}

		elapsed := calendarDaysBetween(*th.AwaitingSince, now)
		if businessDays {
			elapsed = businessDaysBetween(*th.AwaitingSince, now)
		}
		if elapsed < stallDays {
			continue
		}

		ok, err := a.store.MarkThreadStalled(ctx, th.ID)
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted++
			a.log.WithFields(logrus.Fields{
				"thread_id":     th.ID,
				"owner_id":      th.OwnerID,
				"days_waiting":  elapsed,
				"business_days": businessDays,
			}).Info("thread stalled")
		}
	}

	return promoted, nil
}

// RunSweep runs Sweep on a fixed interval until ctx is canceled.
func (a *Aggregator) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sweep(ctx); err != nil {
				a.log.WithError(err).Error("staleness sweep failed")
			}
		}
	}
}

// businessDaysBetween counts completed weekdays between from and to.
// Holidays are not considered; no calendar is supplied.
func businessDaysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	days := 0
	for t := from.Add(24 * time.Hour); !t.After(to); t = t.Add(24 * time.Hour) {
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days++
		}
	}
	return days
}

func calendarDaysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}

// mergeParticipants unions addresses into a sorted, case-folded set so the
// stored list is deterministic.
func mergeParticipants(existing []string, from string, to, cc []string) []string {
	set := make(map[string]bool, len(existing)+len(to)+len(cc)+1)
	for _, p := range existing {
		set[strings.ToLower(p)] = true
	}
	if from != "" {
		set[strings.ToLower(from)] = true
	}
	for _, p := range to {
		set[strings.ToLower(p)] = true
	}
	for _, p := range cc {
		set[strings.ToLower(p)] = true
	}

	merged := make([]string, 0, len(set))
	for p := range set {
		merged = append(merged, p)
	}
	sort.Strings(merged)
	return merged
}
