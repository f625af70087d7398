// Package ledger is the persistent job state machine: one lockable record
// per (service, package, version), with transactional claiming, staleness
// recovery, and idle-retry policy. The ledger is the cross-process
// coordination point; all mutations go through transactional
// read-modify-write with automatic retry on conflict.
package ledger

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a job. There is no terminal "done" state:
// jobs recur on every freshness event, and completion statuses are
// annotations on an otherwise recyclable record.
type State string

const (
	StateAvailable  State = "available"
	StateProcessing State = "processing"
)

// Status annotates the outcome of the most recent processing cycle.
type Status string

const (
	StatusNone    Status = ""
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusAborted Status = "aborted"
)

// Key uniquely identifies a job.
type Key struct {
	Service string
	Package string
	Version string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Service, k.Package, k.Version)
}

// Job is one ledger record. At most one worker holds the processing lock per
// key at any time.
type Job struct {
	Key                   Key
	State                 State
	LockedAt              *time.Time
	LockOwner             string
	LastStatus            Status
	ErrorCount            int
	Priority              bool
	IsLatestStable        bool
	IsLatestPrerelease    bool
	IsLatestPreview       bool
	PackageVersionUpdated time.Time
	CompletedAt           *time.Time

	// LastProcessed is the freshness marker the last completed cycle worked
	// on. A job is due again only when PackageVersionUpdated moves past it.
	LastProcessed   time.Time
	LastRunDuration time.Duration
}

// IsLatest reports whether the job still tracks a latest version in any
// release channel, i.e. whether it stays relevant after completion.
func (j *Job) IsLatest() bool {
	return j.IsLatestStable || j.IsLatestPrerelease || j.IsLatestPreview
}

// Claimable reports whether a worker may claim the job: available, unlocked,
// and carrying work newer than its last completed cycle. Failed and aborted
// cycles stay claimable so retries do not wait for a fresh trigger.
func (j *Job) Claimable() bool {
	if j.State != StateAvailable || j.LockedAt != nil {
		return false
	}
	if j.LastStatus == StatusFailed || j.LastStatus == StatusAborted {
		return true
	}
	return j.PackageVersionUpdated.After(j.LastProcessed)
}

// clone returns a copy safe to mutate inside a transaction.
func (j *Job) clone() *Job {
	c := *j
	if j.LockedAt != nil {
		t := *j.LockedAt
		c.LockedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
