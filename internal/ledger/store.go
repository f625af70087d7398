package ledger

import (
	"context"
)

// Tx is the view of the store inside a transaction. Reads observe a
// consistent snapshot; writes become visible atomically on commit.
type Tx interface {
	Get(ctx context.Context, key Key) (*Job, error)
	List(ctx context.Context, service string) ([]*Job, error)
	Put(ctx context.Context, job *Job) error
	Delete(ctx context.Context, key Key) error
}

// Store is the transactional key-value store backing the ledger.
// RunTransaction retries automatically on optimistic conflict with bounded
// attempts and backoff; implementations surface pkg/errors.ErrTxConflict
// only when retries exhaust. Get returns pkg/errors.ErrJobNotFound for
// absent keys; Delete of an absent key is a no-op.
type Store interface {
	Get(ctx context.Context, key Key) (*Job, error)
	List(ctx context.Context, service string) ([]*Job, error)
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
}
