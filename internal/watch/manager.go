// Package watch manages provider push-notification registrations.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers"
)

// renewWindow renews a watch when less than this remains of its (at most
// seven day) lifetime.
const renewWindow = 24 * time.Hour

// Store is the persistence surface the manager needs.
type Store interface {
	GetSettings(ctx context.Context, ownerID string) (*domain.MailboxSettings, error)
	GetWatch(ctx context.Context, ownerID string) (*domain.WatchSubscription, error)
	SaveWatch(ctx context.Context, w *domain.WatchSubscription) error
	DeactivateWatch(ctx context.Context, ownerID string) error
	ListActiveWatches(ctx context.Context) ([]*domain.WatchSubscription, error)
}

// Manager creates, renews and cancels watch subscriptions.
type Manager struct {
	store   Store
	factory providers.Factory
	log     *logrus.Entry
	now     func() time.Time
}

func NewManager(store Store, factory providers.Factory, log *logrus.Entry) *Manager {
	return &Manager{store: store, factory: factory, log: log, now: time.Now}
}

// EnsureWatch registers a watch for the owner's mailbox if none is active or
// the active one is inside the renewal window. Calling it against a fresh
// subscription is a no-op.
func (m *Manager) EnsureWatch(ctx context.Context, ownerID string) (*domain.WatchSubscription, error) {
	settings, err := m.store.GetSettings(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, &domain.ConfigError{Field: fmt.Sprintf("mailbox settings for owner %s", ownerID)}
	}

	existing, err := m.store.GetWatch(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active && existing.Expiry.Sub(m.now()) > renewWindow {
		return existing, nil
	}

	provider, err := m.factory(ctx, settings)
	if err != nil {
		return nil, err
	}

	info, err := provider.Watch(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrWatchUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to register watch for owner %s: %w", ownerID, err)
	}

	sub := &domain.WatchSubscription{
		OwnerID:       ownerID,
		Mailbox:       settings.Mailbox,
		HistoryCursor: info.HistoryCursor,
		Expiry:        info.Expiry,
		Active:        true,
	}
	// A renewal keeps the stored cursor: the registration returns the
	// mailbox's current history id, and jumping forward would skip any diff
	// not yet ingested.
	if existing != nil && existing.HistoryCursor != "" {
		sub.HistoryCursor = existing.HistoryCursor
	}

	if err := m.store.SaveWatch(ctx, sub); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"owner_id":   ownerID,
		"mailbox":    settings.Mailbox,
		"expires_at": sub.Expiry.UTC().Format(time.RFC3339),
	}).Info("watch registered")

	return sub, nil
}

// StopWatch cancels the provider registration and deactivates the stored row.
func (m *Manager) StopWatch(ctx context.Context, ownerID string) error {
	settings, err := m.store.GetSettings(ctx, ownerID)
	if err != nil {
		return err
	}
	if settings == nil {
		return &domain.ConfigError{Field: fmt.Sprintf("mailbox settings for owner %s", ownerID)}
	}

	provider, err := m.factory(ctx, settings)
	if err != nil {
		return err
	}
	if err := provider.StopWatch(ctx); err != nil && !errors.Is(err, domain.ErrWatchUnsupported) {
		return fmt.Errorf("failed to stop watch for owner %s: %w", ownerID, err)
	}

	return m.store.DeactivateWatch(ctx, ownerID)
}

// RunRenewal periodically re-registers watches approaching expiry.
func (m *Manager) RunRenewal(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
		}
	}
}

func (m *Manager) renewExpiring(ctx context.Context) {
	watches, err := m.store.ListActiveWatches(ctx)
	if err != nil {
		m.log.WithError(err).Error("failed to list watches for renewal")
		return
	}

	for _, w := range watches {
		if w.Expiry.Sub(m.now()) > renewWindow {
			continue
		}
		if _, err := m.EnsureWatch(ctx, w.OwnerID); err != nil {
			m.log.WithError(err).WithField("owner_id", w.OwnerID).Error("watch renewal failed")
		}
	}
}
