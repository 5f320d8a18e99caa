package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("queue: job not found")
	ErrClosed   = errors.New("queue: broker closed")
	ErrStopped  = errors.New("queue: engine stopped")
)

// Broker stores jobs and leases them to workers. Implementations must be
// safe for concurrent use and, for shared backends, across processes.
type Broker interface {
	// Enqueue stores a job; it becomes claimable at job.RunAt.
	Enqueue(ctx context.Context, job Job) error
	// Claim leases the oldest eligible job of one of kinds. ok is false when
	// nothing is ready. A leased job that is neither acked, retried nor
	// dead-lettered becomes claimable again when its lease expires.
	Claim(ctx context.Context, kinds []string, now time.Time) (job Job, ok bool, err error)
	// Ack removes a finished job.
	Ack(ctx context.Context, id string) error
	// Retry releases job for re-delivery at runAt with Attempt+1.
	Retry(ctx context.Context, job Job, runAt time.Time, lastErr string) error
	// Dead moves job out of circulation.
	Dead(ctx context.Context, job Job, lastErr string) error
	// Depth counts jobs of kind waiting for delivery (ready or delayed).
	Depth(ctx context.Context, kind string) (int, error)
	Close() error
}

// DefaultLease is used by brokers when no lease is configured.
const DefaultLease = 10 * time.Minute
