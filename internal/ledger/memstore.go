package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
	"github.com/pkgdepot/pkgdepot/pkg/resilience"
)

// MemStore is an in-memory Store with optimistic concurrency: every record
// carries a version counter, transactions record the versions they read,
// and commit fails with ErrTxConflict when any of them changed underneath.
// Used by tests and single-process deployments.
type MemStore struct {
	mu       sync.Mutex
	records  map[Key]*memRecord
	attempts int
}

type memRecord struct {
	job     *Job
	version uint64
}

// NewMemStore creates an empty MemStore retrying conflicting transactions up
// to attempts times (default 5).
func NewMemStore(attempts int) *MemStore {
	if attempts <= 0 {
		attempts = 5
	}
	return &MemStore{
		records:  make(map[Key]*memRecord),
		attempts: attempts,
	}
}

func (s *MemStore) Get(ctx context.Context, key Key) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrJobNotFound, key)
	}
	return rec.job.clone(), nil
}

func (s *MemStore) List(ctx context.Context, service string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(service), nil
}

func (s *MemStore) listLocked(service string) []*Job {
	jobs := make([]*Job, 0)
	for key, rec := range s.records {
		if service != "" && key.Service != service {
			continue
		}
		jobs = append(jobs, rec.job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Key.String() < jobs[j].Key.String()
	})
	return jobs
}

// RunTransaction executes fn against a snapshot view and commits buffered
// writes if no read record changed concurrently, retrying with backoff
// otherwise.
func (s *MemStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return resilience.Retry(ctx, "memstore-tx", resilience.RetryConfig{
		MaxAttempts:  s.attempts,
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
	}, func() error {
		tx := &memTx{store: s, reads: make(map[Key]uint64), writes: make(map[Key]*Job), deletes: make(map[Key]struct{})}
		if err := fn(tx); err != nil {
			return resilience.Permanent(err)
		}
		if err := s.commit(tx); err != nil {
			return err // conflict, retry
		}
		return nil
	})
}

func (s *MemStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, version := range tx.reads {
		rec, ok := s.records[key]
		current := uint64(0)
		if ok {
			current = rec.version
		}
		if current != version {
			return fmt.Errorf("%w: %s modified concurrently", pkgerrors.ErrTxConflict, key)
		}
	}
	for key := range tx.deletes {
		delete(s.records, key)
	}
	for key, job := range tx.writes {
		rec, ok := s.records[key]
		if !ok {
			rec = &memRecord{}
			s.records[key] = rec
		}
		rec.job = job.clone()
		rec.version++
	}
	return nil
}

type memTx struct {
	store   *MemStore
	reads   map[Key]uint64
	writes  map[Key]*Job
	deletes map[Key]struct{}
}

func (tx *memTx) Get(ctx context.Context, key Key) (*Job, error) {
	if job, ok := tx.writes[key]; ok {
		return job.clone(), nil
	}
	if _, ok := tx.deletes[key]; ok {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrJobNotFound, key)
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	rec, ok := tx.store.records[key]
	if !ok {
		tx.reads[key] = 0
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrJobNotFound, key)
	}
	tx.reads[key] = rec.version
	return rec.job.clone(), nil
}

func (tx *memTx) List(ctx context.Context, service string) ([]*Job, error) {
	tx.store.mu.Lock()
	jobs := tx.store.listLocked(service)
	for _, job := range jobs {
		if rec, ok := tx.store.records[job.Key]; ok {
			tx.reads[job.Key] = rec.version
		}
	}
	tx.store.mu.Unlock()

	out := jobs[:0]
	for _, job := range jobs {
		if _, deleted := tx.deletes[job.Key]; deleted {
			continue
		}
		if written, ok := tx.writes[job.Key]; ok {
			out = append(out, written.clone())
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (tx *memTx) Put(ctx context.Context, job *Job) error {
	delete(tx.deletes, job.Key)
	tx.writes[job.Key] = job.clone()
	return nil
}

func (tx *memTx) Delete(ctx context.Context, key Key) error {
	delete(tx.writes, key)
	tx.deletes[key] = struct{}{}
	return nil
}
