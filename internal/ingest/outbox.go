package ingest

import (
	"context"
	"time"
)

// Publisher delivers outbox entries to the event bus. msgID is the broker
// dedupe key, making publish-side retries harmless to consumers.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

const (
	outboxPollInterval = 2 * time.Second
	outboxRetryBackoff = 10 * time.Second
)

// RunOutbox drains the transactional outbox to the publisher until ctx is
// canceled. Failed publishes are retried with a fixed backoff; the row stays
// pending until a publish succeeds.
func (d *Dispatcher) RunOutbox(ctx context.Context, pub Publisher, batchSize int) {
	if batchSize <= 0 {
		batchSize = 100
	}

	ticker := time.NewTicker(outboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOutbox(ctx, pub, batchSize)
		}
	}
}

func (d *Dispatcher) drainOutbox(ctx context.Context, pub Publisher, batchSize int) {
	msgs, err := d.store.DequeueOutbox(ctx, batchSize)
	if err != nil {
		d.log.WithError(err).Error("failed to dequeue outbox")
		return
	}

	for _, msg := range msgs {
		if err := pub.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.log.WithError(err).WithField("outbox_id", msg.ID).Warn("publish failed, will retry")
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, outboxRetryBackoff); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Error("failed to schedule retry")
			}
			continue
		}
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.log.WithError(err).WithField("outbox_id", msg.ID).Error("failed to mark published")
		}
	}
}
