package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

// GetToken loads the credential record for an owner. Nil when none stored.
func (s *Store) GetToken(ctx context.Context, ownerID string) (*domain.OAuthTokenRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT owner_id, mailbox, provider, access_token, refresh_token, expires_at, dead, updated_at
		FROM oauth_tokens WHERE owner_id = ?
	`, ownerID)

	var (
		t         domain.OAuthTokenRecord
		expiresAt int64
		updatedAt int64
	)
	err := row.Scan(&t.OwnerID, &t.Mailbox, &t.Provider, &t.AccessToken, &t.RefreshToken,
		&expiresAt, &t.Dead, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	t.Expiry = time.Unix(expiresAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

// SaveToken upserts the single credential row per owner.
func (s *Store) SaveToken(ctx context.Context, t *domain.OAuthTokenRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oauth_tokens (owner_id, mailbox, provider, access_token, refresh_token, expires_at, dead, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			mailbox = excluded.mailbox,
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			dead = excluded.dead,
			updated_at = excluded.updated_at
	`, t.OwnerID, t.Mailbox, t.Provider, t.AccessToken, t.RefreshToken,
		t.Expiry.Unix(), t.Dead, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// MarkTokenDead flags a permanently invalidated credential.
func (s *Store) MarkTokenDead(ctx context.Context, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE oauth_tokens SET dead = 1, updated_at = ? WHERE owner_id = ?
	`, time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to mark token dead: %w", err)
	}
	return nil
}

// GetWatch loads the watch subscription for an owner. Nil when none stored.
func (s *Store) GetWatch(ctx context.Context, ownerID string) (*domain.WatchSubscription, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT owner_id, mailbox, history_cursor, expires_at, active, updated_at
		FROM watch_subscriptions WHERE owner_id = ?
	`, ownerID)

	var (
		w         domain.WatchSubscription
		expiresAt int64
		updatedAt int64
	)
	err := row.Scan(&w.OwnerID, &w.Mailbox, &w.HistoryCursor, &expiresAt, &w.Active, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load watch: %w", err)
	}
	w.Expiry = time.Unix(expiresAt, 0).UTC()
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &w, nil
}

// SaveWatch upserts the watch subscription. One row per owner keeps the
// at-most-one-active invariant structural.
func (s *Store) SaveWatch(ctx context.Context, w *domain.WatchSubscription) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO watch_subscriptions (owner_id, mailbox, history_cursor, expires_at, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			mailbox = excluded.mailbox,
			history_cursor = excluded.history_cursor,
			expires_at = excluded.expires_at,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, w.OwnerID, w.Mailbox, w.HistoryCursor, w.Expiry.Unix(), w.Active, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

// UpdateWatchCursor advances the stored history cursor after a successful
// history diff.
func (s *Store) UpdateWatchCursor(ctx context.Context, ownerID, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE watch_subscriptions SET history_cursor = ?, updated_at = ? WHERE owner_id = ?
	`, cursor, time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to update watch cursor: %w", err)
	}
	return nil
}

// DeactivateWatch clears the active flag.
func (s *Store) DeactivateWatch(ctx context.Context, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE watch_subscriptions SET active = 0, updated_at = ? WHERE owner_id = ?
	`, time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to deactivate watch: %w", err)
	}
	return nil
}

// ListActiveWatches returns all active subscriptions, for the renewal loop.
func (s *Store) ListActiveWatches(ctx context.Context) ([]*domain.WatchSubscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT owner_id, mailbox, history_cursor, expires_at, active, updated_at
		FROM watch_subscriptions WHERE active = 1 ORDER BY owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}
	defer rows.Close()

	var watches []*domain.WatchSubscription
	for rows.Next() {
		var (
			w         domain.WatchSubscription
			expiresAt int64
			updatedAt int64
		)
		if err := rows.Scan(&w.OwnerID, &w.Mailbox, &w.HistoryCursor, &expiresAt, &w.Active, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		w.Expiry = time.Unix(expiresAt, 0).UTC()
		w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		watches = append(watches, &w)
	}
	return watches, rows.Err()
}

// GetSettings loads the per-owner ingestion configuration.
func (s *Store) GetSettings(ctx context.Context, ownerID string) (*domain.MailboxSettings, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT owner_id, mailbox, provider, ingestion_enabled, business_days_only, stall_after_days
		FROM mailbox_settings WHERE owner_id = ?
	`, ownerID)
	return scanSettings(row)
}

// SettingsByMailbox resolves the owner behind a mailbox address, used by the
// webhook path where the notification only carries the address.
func (s *Store) SettingsByMailbox(ctx context.Context, mailbox string) (*domain.MailboxSettings, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT owner_id, mailbox, provider, ingestion_enabled, business_days_only, stall_after_days
		FROM mailbox_settings WHERE mailbox = ? COLLATE NOCASE
	`, mailbox)
	return scanSettings(row)
}

func scanSettings(row rowScanner) (*domain.MailboxSettings, error) {
	var m domain.MailboxSettings
	err := row.Scan(&m.OwnerID, &m.Mailbox, &m.Provider, &m.IngestionEnabled,
		&m.BusinessDaysOnly, &m.StallAfterDays)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan settings: %w", err)
	}
	return &m, nil
}

// SaveSettings upserts the per-owner configuration row.
func (s *Store) SaveSettings(ctx context.Context, m *domain.MailboxSettings) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mailbox_settings (owner_id, mailbox, provider, ingestion_enabled, business_days_only, stall_after_days)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			mailbox = excluded.mailbox,
			provider = excluded.provider,
			ingestion_enabled = excluded.ingestion_enabled,
			business_days_only = excluded.business_days_only,
			stall_after_days = excluded.stall_after_days
	`, m.OwnerID, m.Mailbox, m.Provider, m.IngestionEnabled, m.BusinessDaysOnly, m.StallAfterDays)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// ListEnabledSettings returns every mailbox with ingestion enabled, in a
// stable order, for the poller tick.
func (s *Store) ListEnabledSettings(ctx context.Context) ([]*domain.MailboxSettings, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT owner_id, mailbox, provider, ingestion_enabled, business_days_only, stall_after_days
		FROM mailbox_settings WHERE ingestion_enabled = 1 ORDER BY owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var all []*domain.MailboxSettings
	for rows.Next() {
		m, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	return all, rows.Err()
}

// CarrierByContactEmail matches a sender address against known carrier
// contacts. Nil when no carrier uses the address.
func (s *Store) CarrierByContactEmail(ctx context.Context, email string) (*domain.Carrier, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, contact_email FROM carriers
		WHERE contact_email = ? COLLATE NOCASE
		ORDER BY id LIMIT 1
	`, email)

	var c domain.Carrier
	err := row.Scan(&c.ID, &c.Name, &c.ContactEmail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up carrier: %w", err)
	}
	return &c, nil
}

// ListCustomers returns all customers in a stable order so the heuristic
// matcher is deterministic.
func (s *Store) ListCustomers(ctx context.Context) ([]*domain.Customer, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name FROM customers ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var customers []*domain.Customer
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, &c)
	}
	return customers, rows.Err()
}

// ActiveBiddingEvent finds an in-flight negotiation event for a customer in
// the active-bidding stage. Nil when none.
func (s *Store) ActiveBiddingEvent(ctx context.Context, customerID string) (*domain.NegotiationEvent, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, customer_id, stage FROM negotiation_events
		WHERE customer_id = ? AND stage = ?
		ORDER BY id LIMIT 1
	`, customerID, domain.StageActiveBidding)

	var e domain.NegotiationEvent
	err := row.Scan(&e.ID, &e.CustomerID, &e.Stage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up negotiation event: %w", err)
	}
	return &e, nil
}

// UpsertCustomer, UpsertCarrier and UpsertNegotiationEvent exist for the setup
// command and tests; production rows are owned by the CRM application.
func (s *Store) UpsertCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO customers (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, c.ID, c.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

func (s *Store) UpsertCarrier(ctx context.Context, c *domain.Carrier) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO carriers (id, name, contact_email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, contact_email = excluded.contact_email
	`, c.ID, c.Name, c.ContactEmail)
	if err != nil {
		return fmt.Errorf("failed to upsert carrier: %w", err)
	}
	return nil
}

func (s *Store) UpsertNegotiationEvent(ctx context.Context, e *domain.NegotiationEvent) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO negotiation_events (id, customer_id, stage) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET customer_id = excluded.customer_id, stage = excluded.stage
	`, e.ID, e.CustomerID, e.Stage)
	if err != nil {
		return fmt.Errorf("failed to upsert negotiation event: %w", err)
	}
	return nil
}
