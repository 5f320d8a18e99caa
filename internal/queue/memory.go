package queue

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memState int

const (
	memPending memState = iota
	memLeased
	memDead
)

type memEntry struct {
	job        Job
	state      memState
	leaseUntil time.Time
}

// MemoryBroker is an in-process Broker for tests and single-process runs.
// Jobs do not survive a restart.
type MemoryBroker struct {
	mu     sync.Mutex
	lease  time.Duration
	jobs   map[string]*memEntry
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(lease time.Duration) *MemoryBroker {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &MemoryBroker{lease: lease, jobs: make(map[string]*memEntry)}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job = job.Normalize(time.Now().UTC())

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.jobs[job.ID] = &memEntry{job: job}
	return nil
}

func (b *MemoryBroker) Claim(ctx context.Context, kinds []string, now time.Time) (Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Job{}, false, ErrClosed
	}

	var best *memEntry
	for _, e := range b.jobs {
		if !slices.Contains(kinds, e.job.Kind) || !e.claimable(now) {
			continue
		}
		if best == nil || e.job.RunAt.Before(best.job.RunAt) ||
			(e.job.RunAt.Equal(best.job.RunAt) && e.job.EnqueuedAt.Before(best.job.EnqueuedAt)) {
			best = e
		}
	}
	if best == nil {
		return Job{}, false, nil
	}
	best.state = memLeased
	best.leaseUntil = now.Add(b.lease)
	return best.job, true, nil
}

func (e *memEntry) claimable(now time.Time) bool {
	switch e.state {
	case memPending:
		return !e.job.RunAt.After(now)
	case memLeased:
		return now.After(e.leaseUntil)
	default:
		return false
	}
}

func (b *MemoryBroker) Ack(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(b.jobs, id)
	return nil
}

func (b *MemoryBroker) Retry(ctx context.Context, job Job, runAt time.Time, lastErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	e.job.Attempt = job.Attempt + 1
	e.job.RunAt = runAt.UTC()
	e.job.LastError = lastErr
	e.state = memPending
	e.leaseUntil = time.Time{}
	return nil
}

func (b *MemoryBroker) Dead(ctx context.Context, job Job, lastErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	e.job.LastError = lastErr
	e.state = memDead
	return nil
}

func (b *MemoryBroker) Depth(ctx context.Context, kind string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.jobs {
		if e.job.Kind == kind && e.state == memPending {
			n++
		}
	}
	return n, nil
}

// DeadJobs returns dead-lettered jobs of kind.
func (b *MemoryBroker) DeadJobs(kind string) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Job
	for _, e := range b.jobs {
		if e.job.Kind == kind && e.state == memDead {
			out = append(out, e.job)
		}
	}
	return out
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
