package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

// ResyncStatus is the lifecycle state of a backfill job.
type ResyncStatus string

const (
	ResyncRunning  ResyncStatus = "running"
	ResyncDone     ResyncStatus = "done"
	ResyncFailed   ResyncStatus = "failed"
	ResyncCanceled ResyncStatus = "canceled"
)

// Finished jobs stay queryable for this long before StartResync prunes them.
const resyncJobRetention = time.Hour

// ResyncJob tracks one manual backfill over the lookback window. Counts are
// updated as the job walks provider pages.
type ResyncJob struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Status    ResyncStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`

	Total          int    `json:"total"`
	New            int    `json:"new"`
	AlreadyExisted int    `json:"already_existed"`
	Skipped        int    `json:"skipped"`
	Error          string `json:"error,omitempty"`

	mu         sync.Mutex
	cancel     context.CancelFunc
	finishedAt time.Time
}

// Snapshot returns a copy safe to serialize while the job runs.
func (j *ResyncJob) Snapshot() ResyncJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ResyncJob{
		ID:             j.ID,
		OwnerID:        j.OwnerID,
		Status:         j.Status,
		StartedAt:      j.StartedAt,
		Total:          j.Total,
		New:            j.New,
		AlreadyExisted: j.AlreadyExisted,
		Skipped:        j.Skipped,
		Error:          j.Error,
	}
}

func (j *ResyncJob) finish(status ResyncStatus, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.finishedAt = time.Now()
	if err != nil {
		j.Error = err.Error()
	}
}

// StartResync launches a backfill for the owner's mailbox and returns
// immediately with the job handle. lookbackDays at or below zero uses the
// configured default. Only one resync per owner runs at a time; a second
// request returns the running job.
func (d *Dispatcher) StartResync(ctx context.Context, ownerID string, lookbackDays int) (*ResyncJob, error) {
	settings, err := d.store.GetSettings(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, &domain.ConfigError{Field: fmt.Sprintf("mailbox settings for owner %s", ownerID)}
	}

	// One scan both finds a running job for this owner and evicts finished
	// jobs past their retention window.
	var running *ResyncJob
	now := d.now()
	d.jobs.Range(func(k, v any) bool {
		job := v.(*ResyncJob)
		job.mu.Lock()
		status, finishedAt := job.Status, job.finishedAt
		job.mu.Unlock()
		if status == ResyncRunning {
			if job.OwnerID == ownerID {
				running = job
			}
		} else if now.Sub(finishedAt) > resyncJobRetention {
			d.jobs.Delete(k)
		}
		return true
	})
	if running != nil {
		return running, nil
	}

	if lookbackDays <= 0 {
		lookbackDays = d.opts.ResyncLookbackDays
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &ResyncJob{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    ResyncRunning,
		StartedAt: d.now().UTC(),
		cancel:    cancel,
	}
	d.jobs.Store(job.ID, job)

	go d.runResync(jobCtx, job, settings, lookbackDays)
	return job, nil
}

// Job returns a resync job by id, or nil when unknown.
func (d *Dispatcher) Job(id string) *ResyncJob {
	v, ok := d.jobs.Load(id)
	if !ok {
		return nil
	}
	return v.(*ResyncJob)
}

// CancelResync requests cancellation of a running job. Already ingested
// messages stay; cancellation only stops further listing.
func (d *Dispatcher) CancelResync(id string) bool {
	job := d.Job(id)
	if job == nil {
		return false
	}
	job.cancel()
	return true
}

func (d *Dispatcher) runResync(ctx context.Context, job *ResyncJob, settings *domain.MailboxSettings, lookbackDays int) {
	log := d.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"owner_id": job.OwnerID,
	})
	log.WithField("lookback_days", lookbackDays).Info("resync started")

	unlock := d.lockOwner(job.OwnerID)
	defer unlock()

	provider, err := d.factory(ctx, settings)
	if err != nil {
		job.finish(ResyncFailed, err)
		log.WithError(err).Error("resync aborted")
		return
	}

	since := d.now().AddDate(0, 0, -lookbackDays)
	err = provider.ListMessageIDs(ctx, since, func(ids []string) error {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}

			inserted, err := d.ingestOne(ctx, settings, provider, id)
			job.mu.Lock()
			job.Total++
			switch {
			case err == nil && inserted:
				job.New++
			case err == nil:
				job.AlreadyExisted++
			default:
				job.Skipped++
			}
			job.mu.Unlock()

			if err != nil {
				// A dead credential fails the whole job; anything else skips
				// the one message.
				if errors.Is(err, domain.ErrReauthRequired) {
					return err
				}
				d.logSkip(job.OwnerID, id, err)
			}
		}
		if d.opts.ResyncPageDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.opts.ResyncPageDelay):
			}
		}
		return nil
	})

	snap := job.Snapshot()
	fields := logrus.Fields{
		"total":           snap.Total,
		"new":             snap.New,
		"already_existed": snap.AlreadyExisted,
		"skipped":         snap.Skipped,
	}
	switch {
	case errors.Is(err, context.Canceled):
		job.finish(ResyncCanceled, nil)
		log.WithFields(fields).Warn("resync canceled")
	case err != nil:
		job.finish(ResyncFailed, err)
		log.WithFields(fields).WithError(err).Error("resync failed")
	default:
		job.finish(ResyncDone, nil)
		log.WithFields(fields).Info("resync finished")
	}
}
