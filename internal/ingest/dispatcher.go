// Package ingest orchestrates the mail ingestion pipeline. Webhook, poller
// and resync all funnel through one idempotent core keyed on the provider
// message id.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/correlate"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/store"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/thread"
)

// bootstrapLookback is the listing window used when a mailbox has no usable
// history cursor yet.
const bootstrapLookback = 24 * time.Hour

// Options tunes the dispatcher.
type Options struct {
	PollInterval time.Duration
	PollWorkers  int
	// ResyncPageDelay throttles resync pagination against provider quotas.
	ResyncPageDelay    time.Duration
	ResyncLookbackDays int
}

// Dispatcher is the sole writer of EmailActivity rows.
type Dispatcher struct {
	store    *store.Store
	factory  providers.Factory
	resolver *correlate.Resolver
	threads  *thread.Aggregator
	log      *logrus.Entry
	opts     Options

	// ownerLocks serializes all ingestion per mailbox: webhook, poller and
	// resync must not race on the history cursor.
	ownerLocks sync.Map // ownerID -> *sync.Mutex
	jobs       sync.Map // jobID -> *ResyncJob
	now        func() time.Time
}

func NewDispatcher(st *store.Store, factory providers.Factory, resolver *correlate.Resolver, threads *thread.Aggregator, opts Options, log *logrus.Entry) *Dispatcher {
	if opts.PollWorkers <= 0 {
		opts.PollWorkers = 4
	}
	if opts.ResyncLookbackDays <= 0 {
		opts.ResyncLookbackDays = 14
	}
	return &Dispatcher{
		store:    st,
		factory:  factory,
		resolver: resolver,
		threads:  threads,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
}

func (d *Dispatcher) lockOwner(ownerID string) func() {
	mu, _ := d.ownerLocks.LoadOrStore(ownerID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// Ingest runs the idempotent core for a single provider message id. Returns
// whether a new activity row was created.
func (d *Dispatcher) Ingest(ctx context.Context, ownerID, providerMessageID string) (bool, error) {
	settings, err := d.store.GetSettings(ctx, ownerID)
	if err != nil {
		return false, err
	}
	if settings == nil {
		return false, &domain.ConfigError{Field: fmt.Sprintf("mailbox settings for owner %s", ownerID)}
	}

	provider, err := d.factory(ctx, settings)
	if err != nil {
		return false, err
	}
	return d.ingestOne(ctx, settings, provider, providerMessageID)
}

// ingestOne is the shared core: idempotency guard, fetch, normalize,
// correlate, persist, aggregate.
func (d *Dispatcher) ingestOne(ctx context.Context, settings *domain.MailboxSettings, provider providers.MailProvider, providerMessageID string) (bool, error) {
	exists, err := d.store.ActivityExists(ctx, providerMessageID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	msg, err := provider.FetchMessage(ctx, providerMessageID)
	if err != nil {
		return false, err
	}

	// Direction is decided here, against the owning mailbox address.
	direction := domain.DirectionInbound
	if addrEqual(msg.From, settings.Mailbox) {
		direction = domain.DirectionOutbound
	}

	corr, err := d.resolver.Resolve(ctx, msg, settings.OwnerID, direction)
	if err != nil {
		return false, err
	}

	threadID := corr.ThreadID
	if threadID == "" {
		providerThreadID := msg.ProviderThreadID
		if providerThreadID == "" {
			providerThreadID = msg.ProviderMessageID
		}
		threadID, err = d.store.ThreadForProviderThread(ctx, providerThreadID)
		if err != nil {
			return false, err
		}
	}

	sentAt := d.now().UTC()
	if msg.SentAt != nil {
		sentAt = *msg.SentAt
	}

	act := &domain.EmailActivity{
		ID:                uuid.NewString(),
		OwnerID:           settings.OwnerID,
		ProviderMessageID: msg.ProviderMessageID,
		ProviderThreadID:  msg.ProviderThreadID,
		ThreadID:          threadID,
		Direction:         direction,
		Subject:           msg.Subject,
		From:              msg.From,
		To:                msg.To,
		Cc:                msg.Cc,
		Body:              msg.Body,
		SentAt:            sentAt,
		InReplyTo:         msg.InReplyTo,
		TrackingCode:      msg.TrackingCode,
		CustomerID:        corr.CustomerID,
		CarrierID:         corr.CarrierID,
		EventID:           corr.EventID,
		CreatedAt:         d.now().UTC(),
	}

	payload, _ := json.Marshal(map[string]any{
		"activity_id":         act.ID,
		"owner_id":            act.OwnerID,
		"thread_id":           act.ThreadID,
		"provider_message_id": act.ProviderMessageID,
		"direction":           act.Direction,
		"subject":             act.Subject,
		"tracking_code":       act.TrackingCode,
		"matched_by":          corr.MatchedBy,
		"sent_at":             act.SentAt.Unix(),
	})
	subject := fmt.Sprintf("crm.mail.%s.ingested", act.OwnerID)
	msgID := fmt.Sprintf("mail.ingested|%s|%s", settings.Provider, act.ProviderMessageID)

	inserted, err := d.store.InsertActivity(ctx, act, subject, "mail.ingested", payload, msgID)
	if err != nil {
		return false, err
	}
	if !inserted {
		// Lost a race with a concurrent delivery path; the earlier insert
		// already drove the aggregate.
		return false, nil
	}

	th, statusChanged, err := d.threads.Apply(ctx, act)
	if err != nil {
		return true, err
	}
	if statusChanged {
		d.publishThreadStatus(ctx, th, act.ID)
	}

	d.log.WithFields(logrus.Fields{
		"owner_id":            act.OwnerID,
		"provider_message_id": act.ProviderMessageID,
		"thread_id":           act.ThreadID,
		"direction":           act.Direction,
		"matched_by":          corr.MatchedBy,
	}).Info("message ingested")

	return true, nil
}

func (d *Dispatcher) publishThreadStatus(ctx context.Context, th *domain.EmailThread, activityID string) {
	payload, _ := json.Marshal(map[string]any{
		"thread_id":     th.ID,
		"owner_id":      th.OwnerID,
		"status":        th.Status,
		"message_count": th.MessageCount,
		"last_activity": th.LastActivity.Unix(),
	})
	subject := fmt.Sprintf("crm.mail.%s.thread_status", th.OwnerID)
	msgID := fmt.Sprintf("thread.status|%s|%s|%s", th.ID, th.Status, activityID)

	if err := d.store.EnqueueOutbox(ctx, subject, "thread.status", payload, msgID); err != nil {
		d.log.WithError(err).WithField("thread_id", th.ID).Error("failed to enqueue thread status event")
	}
}

// pushPayload is the decoded push notification body.
type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

// HandleNotification processes one provider push notification: a
// base64-encoded JSON body carrying the mailbox address and a history cursor.
// Delivery is at-least-once and unordered; the idempotency guard in the core
// is the correctness mechanism, this path only narrows the fetch.
func (d *Dispatcher) HandleNotification(ctx context.Context, body []byte) error {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return fmt.Errorf("failed to decode notification payload: %w", err)
	}

	var payload pushPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return fmt.Errorf("failed to parse notification payload: %w", err)
	}
	if payload.EmailAddress == "" {
		return fmt.Errorf("notification payload missing emailAddress")
	}

	settings, err := d.store.SettingsByMailbox(ctx, payload.EmailAddress)
	if err != nil {
		return err
	}
	if settings == nil || !settings.IngestionEnabled {
		d.log.WithField("mailbox", payload.EmailAddress).Debug("notification for untracked mailbox")
		return nil
	}

	unlock := d.lockOwner(settings.OwnerID)
	defer unlock()

	if err := d.syncLocked(ctx, settings); err != nil {
		return err
	}

	// Advance to the notification's cursor so the next diff starts there.
	if payload.HistoryID != "" {
		return d.store.UpdateWatchCursor(ctx, settings.OwnerID, payload.HistoryID)
	}
	return nil
}

// SyncOwner runs one history-diff pass for a mailbox. Used by the poller as
// the safety net against missed or duplicate-suppressed push notifications.
func (d *Dispatcher) SyncOwner(ctx context.Context, ownerID string) error {
	settings, err := d.store.GetSettings(ctx, ownerID)
	if err != nil {
		return err
	}
	if settings == nil || !settings.IngestionEnabled {
		return nil
	}

	unlock := d.lockOwner(ownerID)
	defer unlock()

	return d.syncLocked(ctx, settings)
}

// syncLocked fetches the incremental history since the stored cursor and
// ingests every newly added message. Caller holds the owner lock.
func (d *Dispatcher) syncLocked(ctx context.Context, settings *domain.MailboxSettings) error {
	provider, err := d.factory(ctx, settings)
	if err != nil {
		if errors.Is(err, domain.ErrReauthRequired) {
			d.log.WithField("owner_id", settings.OwnerID).Warn("ingestion paused, mailbox reconnect required")
		}
		return err
	}

	cursor := ""
	sub, err := d.store.GetWatch(ctx, settings.OwnerID)
	if err != nil {
		return err
	}
	if sub != nil {
		cursor = sub.HistoryCursor
	}

	if cursor == "" {
		return d.bootstrapCursor(ctx, settings, provider, sub)
	}

	ids, newCursor, err := provider.ListHistory(ctx, cursor)
	if errors.Is(err, providers.ErrCursorExpired) {
		d.log.WithField("owner_id", settings.OwnerID).Warn("history cursor expired, re-bootstrapping")
		return d.bootstrapCursor(ctx, settings, provider, sub)
	}
	if err != nil {
		return err
	}

	var failed int
	for _, id := range ids {
		if _, err := d.ingestOne(ctx, settings, provider, id); err != nil {
			if errors.Is(err, domain.ErrReauthRequired) {
				return err
			}
			failed++
			d.logSkip(settings.OwnerID, id, err)
		}
	}

	if err := d.saveCursor(ctx, settings, sub, newCursor); err != nil {
		return err
	}

	if failed > 0 {
		d.log.WithFields(logrus.Fields{
			"owner_id": settings.OwnerID,
			"failed":   failed,
			"total":    len(ids),
		}).Warn("history sync finished with skipped messages")
	}
	return nil
}

// bootstrapCursor ingests a short lookback window and stores the provider's
// current cursor, putting a mailbox without usable history onto the
// incremental path.
func (d *Dispatcher) bootstrapCursor(ctx context.Context, settings *domain.MailboxSettings, provider providers.MailProvider, sub *domain.WatchSubscription) error {
	since := d.now().Add(-bootstrapLookback)
	err := provider.ListMessageIDs(ctx, since, func(ids []string) error {
		for _, id := range ids {
			if _, err := d.ingestOne(ctx, settings, provider, id); err != nil {
				if errors.Is(err, domain.ErrReauthRequired) {
					return err
				}
				d.logSkip(settings.OwnerID, id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	cursor, err := provider.CurrentCursor(ctx)
	if err != nil {
		return err
	}
	return d.saveCursor(ctx, settings, sub, cursor)
}

// saveCursor advances the stored cursor, creating an inactive cursor-holder
// row for mailboxes without a push watch.
func (d *Dispatcher) saveCursor(ctx context.Context, settings *domain.MailboxSettings, sub *domain.WatchSubscription, cursor string) error {
	if cursor == "" {
		return nil
	}
	if sub != nil {
		return d.store.UpdateWatchCursor(ctx, settings.OwnerID, cursor)
	}
	return d.store.SaveWatch(ctx, &domain.WatchSubscription{
		OwnerID:       settings.OwnerID,
		Mailbox:       settings.Mailbox,
		HistoryCursor: cursor,
		Expiry:        d.now(),
		Active:        false,
	})
}

func (d *Dispatcher) logSkip(ownerID, providerMessageID string, err error) {
	entry := d.log.WithFields(logrus.Fields{
		"owner_id":            ownerID,
		"provider_message_id": providerMessageID,
	}).WithError(err)

	var parseErr *domain.ParseError
	switch {
	case errors.As(err, &parseErr):
		entry.Warn("malformed message skipped")
	case domain.IsTransient(err):
		entry.Warn("message skipped after retries exhausted")
	default:
		entry.Error("message skipped")
	}
}

// RunPoller ticks every mailbox with ingestion enabled through a history-diff
// pass, with bounded concurrency across mailboxes and strict serialization
// per mailbox.
func (d *Dispatcher) RunPoller(ctx context.Context) {
	interval := d.opts.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	settingsList, err := d.store.ListEnabledSettings(ctx)
	if err != nil {
		d.log.WithError(err).Error("failed to list mailboxes for polling")
		return
	}

	sem := make(chan struct{}, d.opts.PollWorkers)
	var wg sync.WaitGroup
	for _, settings := range settingsList {
		wg.Add(1)
		sem <- struct{}{}
		go func(ownerID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.SyncOwner(ctx, ownerID); err != nil {
				d.log.WithError(err).WithField("owner_id", ownerID).Error("poll sync failed")
			}
		}(settings.OwnerID)
	}
	wg.Wait()
}

// addrEqual compares two address header values by their bare address,
// case-insensitively.
func addrEqual(a, b string) bool {
	return strings.EqualFold(bareAddr(a), bareAddr(b))
}

func bareAddr(raw string) string {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return addr.Address
}
