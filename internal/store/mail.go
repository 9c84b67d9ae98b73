package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

// ActivityExists reports whether a provider message id was already ingested.
func (s *Store) ActivityExists(ctx context.Context, providerMessageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM email_activities WHERE provider_message_id = ?
	`, providerMessageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check activity: %w", err)
	}
	return true, nil
}

// InsertActivity persists an activity and its outbox event in one transaction.
// The UNIQUE constraint on provider_message_id makes the insert idempotent:
// a lost race or replayed delivery returns inserted=false with no new row.
func (s *Store) InsertActivity(ctx context.Context, a *domain.EmailActivity, natsSubject, eventType string, payload []byte, msgID string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO email_activities
		(id, owner_id, provider_message_id, provider_thread_id, thread_id, direction,
		 subject, from_addr, to_addrs, cc_addrs, body, sent_at, in_reply_to,
		 tracking_code, customer_id, carrier_id, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.OwnerID, a.ProviderMessageID, a.ProviderThreadID, a.ThreadID, a.Direction,
		a.Subject, a.From, marshalAddrs(a.To), marshalAddrs(a.Cc), a.Body, a.SentAt.Unix(),
		a.InReplyTo, a.TrackingCode, a.CustomerID, a.CarrierID, a.EventID, a.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert activity: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := s.EnqueueOutboxTx(ctx, tx, natsSubject, eventType, payload, msgID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// LatestActivityByTrackingCode returns the most recent prior activity carrying
// the tracking code, or nil when none exists. Ordering by sent_at then id keeps
// the lookup deterministic.
func (s *Store) LatestActivityByTrackingCode(ctx context.Context, ownerID, code string) (*domain.EmailActivity, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, thread_id, customer_id, carrier_id, event_id
		FROM email_activities
		WHERE owner_id = ? AND tracking_code = ? COLLATE NOCASE
		ORDER BY sent_at DESC, id DESC
		LIMIT 1
	`, ownerID, code)

	a := &domain.EmailActivity{OwnerID: ownerID, TrackingCode: code}
	err := row.Scan(&a.ID, &a.ThreadID, &a.CustomerID, &a.CarrierID, &a.EventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tracking code: %w", err)
	}
	return a, nil
}

// ThreadForProviderThread resolves the internal thread id for a provider
// thread id, minting a new mapping when none exists. INSERT OR IGNORE plus a
// re-read makes concurrent callers converge on the same id.
func (s *Store) ThreadForProviderThread(ctx context.Context, providerThreadID string) (string, error) {
	candidate := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO thread_mappings (provider_thread_id, thread_id)
		VALUES (?, ?)
	`, providerThreadID, candidate)
	if err != nil {
		return "", fmt.Errorf("failed to map provider thread: %w", err)
	}

	var threadID string
	err = s.DB.QueryRowContext(ctx, `
		SELECT thread_id FROM thread_mappings WHERE provider_thread_id = ?
	`, providerThreadID).Scan(&threadID)
	if err != nil {
		return "", fmt.Errorf("failed to read thread mapping: %w", err)
	}
	return threadID, nil
}

// LookupProviderThread returns the internal thread id for a provider thread id
// without creating a mapping. Empty string means unknown.
func (s *Store) LookupProviderThread(ctx context.Context, providerThreadID string) (string, error) {
	var threadID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT thread_id FROM thread_mappings WHERE provider_thread_id = ?
	`, providerThreadID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up thread mapping: %w", err)
	}
	return threadID, nil
}

// EnsureThread creates the thread row if absent.
func (s *Store) EnsureThread(ctx context.Context, t *domain.EmailThread) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO email_threads
		(id, owner_id, subject, participants, status, message_count, last_activity_at,
		 customer_id, carrier_id, event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?)
	`, t.ID, t.OwnerID, t.Subject, marshalAddrs(t.Participants), t.Status,
		t.CustomerID, t.CarrierID, t.EventID, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure thread: %w", err)
	}
	return nil
}

// GetThread loads one thread aggregate.
func (s *Store) GetThread(ctx context.Context, id string) (*domain.EmailThread, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, owner_id, subject, participants, status, message_count,
		       last_activity_at, awaiting_since, customer_id, carrier_id, event_id,
		       created_at, updated_at
		FROM email_threads WHERE id = ?
	`, id)
	return scanThread(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*domain.EmailThread, error) {
	var (
		t             domain.EmailThread
		participants  string
		lastActivity  int64
		awaitingSince sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Subject, &participants, &t.Status,
		&t.MessageCount, &lastActivity, &awaitingSince, &t.CustomerID, &t.CarrierID,
		&t.EventID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}
	t.Participants = unmarshalAddrs(participants)
	t.LastActivity = time.Unix(lastActivity, 0).UTC()
	t.AwaitingSince = fromNullableUnix(awaitingSince)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

// UpdateThreadOnActivity applies one message to the aggregate. Count and
// last-activity are monotonic: the count only increments and MAX keeps the
// timestamp from moving backwards on out-of-order delivery.
func (s *Store) UpdateThreadOnActivity(ctx context.Context, t *domain.EmailThread, sentAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_threads
		SET subject = ?,
		    participants = ?,
		    status = ?,
		    message_count = message_count + 1,
		    last_activity_at = MAX(last_activity_at, ?),
		    awaiting_since = ?,
		    customer_id = ?,
		    carrier_id = ?,
		    event_id = ?,
		    updated_at = ?
		WHERE id = ?
	`, t.Subject, marshalAddrs(t.Participants), t.Status, sentAt.Unix(),
		nullableUnix(t.AwaitingSince), t.CustomerID, t.CarrierID, t.EventID,
		time.Now().Unix(), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	return nil
}

// MarkThreadStalled promotes an awaiting_reply thread to stalled. The WHERE
// guard keeps the sweep from clobbering a thread that just went active.
func (s *Store) MarkThreadStalled(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE email_threads
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, domain.ThreadStalled, time.Now().Unix(), id, domain.ThreadAwaitingReply)
	if err != nil {
		return false, fmt.Errorf("failed to mark thread stalled: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CloseThread marks a thread closed (manual user action).
func (s *Store) CloseThread(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE email_threads
		SET status = ?, awaiting_since = NULL, updated_at = ?
		WHERE id = ? AND status != ?
	`, domain.ThreadClosed, time.Now().Unix(), id, domain.ThreadClosed)
	if err != nil {
		return false, fmt.Errorf("failed to close thread: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListAwaitingThreads returns threads currently awaiting a reply, for the
// staleness sweep.
func (s *Store) ListAwaitingThreads(ctx context.Context) ([]*domain.EmailThread, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id, subject, participants, status, message_count,
		       last_activity_at, awaiting_since, customer_id, carrier_id, event_id,
		       created_at, updated_at
		FROM email_threads
		WHERE status = ?
		ORDER BY id
	`, domain.ThreadAwaitingReply)
	if err != nil {
		return nil, fmt.Errorf("failed to list awaiting threads: %w", err)
	}
	defer rows.Close()

	var threads []*domain.EmailThread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// ListThreads returns an owner's threads, most recently active first.
func (s *Store) ListThreads(ctx context.Context, ownerID string) ([]*domain.EmailThread, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id, subject, participants, status, message_count,
		       last_activity_at, awaiting_since, customer_id, carrier_id, event_id,
		       created_at, updated_at
		FROM email_threads
		WHERE owner_id = ?
		ORDER BY last_activity_at DESC, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*domain.EmailThread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// CreateFollowUp records a user follow-up reminder on a thread.
func (s *Store) CreateFollowUp(ctx context.Context, f *domain.FollowUpTask) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO follow_up_tasks (id, thread_id, owner_id, note, due_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.ID, f.ThreadID, f.OwnerID, f.Note, nullableUnix(f.DueAt), f.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create follow-up: %w", err)
	}
	return nil
}

// ResolveOpenFollowUps auto-resolves open follow-ups on a thread that were
// created at or before the replying message's sent time, returning how many
// were closed. A backfilled old inbound must not clear reminders created
// after it was sent.
func (s *Store) ResolveOpenFollowUps(ctx context.Context, threadID string, sentAt time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE follow_up_tasks
		SET resolved = 1, resolved_at = ?
		WHERE thread_id = ? AND resolved = 0 AND created_at <= ?
	`, time.Now().Unix(), threadID, sentAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve follow-ups: %w", err)
	}
	return res.RowsAffected()
}

// OpenFollowUpCount returns the number of unresolved follow-ups on a thread.
func (s *Store) OpenFollowUpCount(ctx context.Context, threadID string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM follow_up_tasks WHERE thread_id = ? AND resolved = 0
	`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count follow-ups: %w", err)
	}
	return n, nil
}
