package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
)

// Backend exposes the ledger operations over a Store. One Backend instance
// per worker process; the instance id is stamped into every lock it takes.
type Backend struct {
	store      Store
	instanceID string
	logger     *slog.Logger
	now        func() time.Time
}

// NewBackend creates a Backend with a fresh instance id.
func NewBackend(store Store) *Backend {
	id := uuid.NewString()
	return &Backend{
		store:      store,
		instanceID: id,
		logger:     slog.Default().With("component", "job-ledger", "instance", id),
		now:        time.Now,
	}
}

// InstanceID returns the lock-owner id of this backend.
func (b *Backend) InstanceID() string {
	return b.instanceID
}

// TriggerOptions carries the optional attributes stamped onto a triggered
// job. The latest-channel flags record whether the version is currently the
// newest in its release channel; they feed the relevance checks that decide
// which completed jobs are worth revisiting.
type TriggerOptions struct {
	Priority         bool
	LatestStable     bool
	LatestPrerelease bool
	LatestPreview    bool
}

// Trigger upserts a job record for the key. Idempotent: an existing record
// is only touched when updated is newer than its stored freshness marker.
// Triggering never starts processing by itself.
func (b *Backend) Trigger(ctx context.Context, key Key, updated time.Time, opts TriggerOptions) error {
	return b.store.RunTransaction(ctx, func(tx Tx) error {
		existing, err := tx.Get(ctx, key)
		if err != nil && !errors.Is(err, pkgerrors.ErrJobNotFound) {
			return err
		}
		if existing == nil {
			return tx.Put(ctx, &Job{
				Key:                   key,
				State:                 StateAvailable,
				Priority:              opts.Priority,
				IsLatestStable:        opts.LatestStable,
				IsLatestPrerelease:    opts.LatestPrerelease,
				IsLatestPreview:       opts.LatestPreview,
				PackageVersionUpdated: updated,
			})
		}
		if !updated.After(existing.PackageVersionUpdated) && !opts.Priority {
			return nil
		}
		if updated.After(existing.PackageVersionUpdated) {
			existing.PackageVersionUpdated = updated
			// Channel membership moves as newer versions publish; refresh it
			// alongside the freshness marker.
			existing.IsLatestStable = opts.LatestStable
			existing.IsLatestPrerelease = opts.LatestPrerelease
			existing.IsLatestPreview = opts.LatestPreview
		}
		if opts.Priority {
			existing.Priority = true
		}
		return tx.Put(ctx, existing)
	})
}

// LockAvailable transactionally claims one eligible job for the service:
// claimable (available, unlocked, and due per Job.Claimable), highest
// priority first, then oldest freshness marker. Returns nil when no eligible
// job exists. Concurrent callers race through the store's conflict
// detection, so at most one of them wins any given key.
func (b *Backend) LockAvailable(ctx context.Context, service string) (*Job, error) {
	var claimed *Job
	err := b.store.RunTransaction(ctx, func(tx Tx) error {
		claimed = nil
		jobs, err := tx.List(ctx, service)
		if err != nil {
			return err
		}
		eligible := jobs[:0]
		for _, job := range jobs {
			if job.Claimable() {
				eligible = append(eligible, job)
			}
		}
		if len(eligible) == 0 {
			return nil
		}
		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].Priority != eligible[j].Priority {
				return eligible[i].Priority
			}
			return eligible[i].PackageVersionUpdated.Before(eligible[j].PackageVersionUpdated)
		})
		job := eligible[0]
		now := b.now()
		job.State = StateProcessing
		job.LockedAt = &now
		job.LockOwner = b.instanceID
		if err := tx.Put(ctx, job); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("locking available job: %w", err)
	}
	if claimed != nil {
		b.logger.Debug("job locked", "job", claimed.Key, "priority", claimed.Priority)
	}
	return claimed, nil
}

// Complete records the outcome of a processing cycle: clears the lock,
// annotates the status, resets the error counter on success and increments
// it on failure. The record stays available but is claimable again only when
// still relevant: a trigger arriving mid-run (freshness marker newer than
// the one this cycle worked on) keeps it due, otherwise it rests until the
// next freshness event. Completing a job whose lock was already swept is a
// logged no-op.
func (b *Backend) Complete(ctx context.Context, job *Job, status Status, duration time.Duration) error {
	return b.store.RunTransaction(ctx, func(tx Tx) error {
		current, err := tx.Get(ctx, job.Key)
		if errors.Is(err, pkgerrors.ErrJobNotFound) {
			b.logger.Warn("completing job that no longer exists", "job", job.Key)
			return nil
		}
		if err != nil {
			return err
		}
		if current.State != StateProcessing || current.LockOwner != b.instanceID {
			b.logger.Warn("completing job without holding its lock",
				"job", job.Key,
				"state", current.State,
				"owner", current.LockOwner,
			)
			return nil
		}
		now := b.now()
		current.State = StateAvailable
		current.LockedAt = nil
		current.LockOwner = ""
		current.LastStatus = status
		current.CompletedAt = &now
		// The marker this cycle processed, as of lock time. A trigger that
		// advanced the live marker mid-run leaves the job due.
		current.LastProcessed = job.PackageVersionUpdated
		current.LastRunDuration = duration
		current.Priority = false
		if status == StatusSuccess {
			current.ErrorCount = 0
		} else if status == StatusFailed || status == StatusAborted {
			current.ErrorCount++
		}
		return tx.Put(ctx, current)
	})
}

// UnlockStaleProcessing reverts jobs locked longer than timeout back to
// available. This is the liveness backstop against crashed or stuck
// workers; it runs periodically and independently of any worker's health.
func (b *Backend) UnlockStaleProcessing(ctx context.Context, service string, timeout time.Duration) (int, error) {
	freed := 0
	err := b.store.RunTransaction(ctx, func(tx Tx) error {
		freed = 0
		jobs, err := tx.List(ctx, service)
		if err != nil {
			return err
		}
		cutoff := b.now().Add(-timeout)
		for _, job := range jobs {
			if job.State != StateProcessing || job.LockedAt == nil {
				continue
			}
			if job.LockedAt.After(cutoff) {
				continue
			}
			b.logger.Warn("freeing stale processing lock",
				"job", job.Key,
				"locked_at", job.LockedAt,
				"owner", job.LockOwner,
			)
			job.State = StateAvailable
			job.LockedAt = nil
			job.LockOwner = ""
			job.LastStatus = StatusAborted
			job.ErrorCount++
			if err := tx.Put(ctx, job); err != nil {
				return err
			}
			freed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("unlocking stale jobs: %w", err)
	}
	return freed, nil
}

// ShouldProcess is the externally supplied business predicate deciding
// whether a job is due for processing, keeping eligibility rules out of the
// scheduling core.
type ShouldProcess func(job *Job) bool

// CheckIdle re-derives eligibility for jobs that were not explicitly
// triggered, covering races and missed triggers. Jobs the predicate marks
// due get their freshness marker bumped so LockAvailable ranks them.
func (b *Backend) CheckIdle(ctx context.Context, service string, shouldProcess ShouldProcess) (int, error) {
	marked := 0
	err := b.store.RunTransaction(ctx, func(tx Tx) error {
		marked = 0
		jobs, err := tx.List(ctx, service)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.State != StateAvailable {
				continue
			}
			if !shouldProcess(job) {
				continue
			}
			job.PackageVersionUpdated = b.now()
			if err := tx.Put(ctx, job); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("checking idle jobs: %w", err)
	}
	if marked > 0 {
		b.logger.Info("idle check re-derived eligibility", "service", service, "jobs", marked)
	}
	return marked, nil
}

// DeleteVersion removes a single version's job record. Deleting an absent
// record is a no-op. Removing the final remaining version for the package
// is rejected: intent to drop the whole history must be explicit, via
// DeletePackage.
func (b *Backend) DeleteVersion(ctx context.Context, key Key) error {
	return b.store.RunTransaction(ctx, func(tx Tx) error {
		jobs, err := tx.List(ctx, key.Service)
		if err != nil {
			return err
		}
		var remaining int
		var exists bool
		for _, job := range jobs {
			if job.Key.Package != key.Package {
				continue
			}
			remaining++
			if job.Key.Version == key.Version {
				exists = true
			}
		}
		if !exists {
			return nil
		}
		if remaining == 1 {
			return pkgerrors.Newf(pkgerrors.ErrLastVersionRemoval, 409,
				"version %s is the last tracked version of %s", key.Version, key.Package)
		}
		return tx.Delete(ctx, key)
	})
}

// DeletePackage removes every job record of the package for the service.
// Idempotent bulk sweep.
func (b *Backend) DeletePackage(ctx context.Context, service, pkg string) (int, error) {
	deleted := 0
	err := b.store.RunTransaction(ctx, func(tx Tx) error {
		deleted = 0
		jobs, err := tx.List(ctx, service)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Key.Package != pkg {
				continue
			}
			if err := tx.Delete(ctx, job.Key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting package jobs: %w", err)
	}
	return deleted, nil
}
