package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"inviter/internal/queue"
	"inviter/internal/storage"
	logx "inviter/pkg/logx"
)

var ErrEmptyBatch = errors.New("batch has no targets")

// Enqueuer accepts jobs. *queue.Engine implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// BatchStore persists batch counters.
type BatchStore interface {
	CreateBatch(ctx context.Context, b storage.Batch) error
	TruncateBatch(ctx context.Context, id string, n int) error
}

// Coordinator fans a target list out into child invite jobs.
type Coordinator struct {
	q     Enqueuer
	store BatchStore
	log   logx.Logger
}

func NewCoordinator(q Enqueuer, store BatchStore, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{q: q, store: store, log: log}
}

// Submit normalizes targets, drops blank and invalid ones, creates a batch
// of the rest and enqueues one job per target in canonical form, waiting
// stagger between enqueues. If ctx is cancelled or an enqueue fails part way,
// the batch total is cut to the jobs actually enqueued and the batch id is
// returned with the error.
func (c *Coordinator) Submit(ctx context.Context, channel string, targets []string, stagger time.Duration) (string, error) {
	clean := make([]string, 0, len(targets))
	var invalid []string
	for _, raw := range targets {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		t, err := NormalizeTarget(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		clean = append(clean, t.String())
	}
	if len(invalid) > 0 {
		c.log.Warn("invalid targets dropped from batch", logx.Int("dropped", len(invalid)), logx.Any("targets", invalid))
	}
	if len(clean) == 0 {
		return "", ErrEmptyBatch
	}

	id := uuid.NewString()
	if err := c.store.CreateBatch(ctx, storage.Batch{ID: id, Channel: channel, Total: len(clean), CreatedAt: time.Now().UTC()}); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	log := c.log.With(logx.String("batch", id), logx.String("channel", channel))
	log.Info("batch submitted", logx.Int("total", len(clean)))

	for i, target := range clean {
		if i > 0 && stagger > 0 {
			if err := sleepCtx(ctx, stagger); err != nil {
				return id, c.truncate(ctx, id, i, err, log)
			}
		}
		if err := ctx.Err(); err != nil {
			return id, c.truncate(ctx, id, i, err, log)
		}
		job, err := queue.NewJob(Kind, Payload{Target: target, Channel: channel, BatchID: id})
		if err == nil {
			err = c.q.Enqueue(ctx, job)
		}
		if err != nil {
			return id, c.truncate(ctx, id, i, fmt.Errorf("enqueue %s: %w", target, err), log)
		}
	}
	return id, nil
}

func (c *Coordinator) truncate(ctx context.Context, id string, enqueued int, cause error, log logx.Logger) error {
	log.Warn("batch submission stopped early", logx.Int("enqueued", enqueued), logx.Err(cause))
	if err := c.store.TruncateBatch(context.WithoutCancel(ctx), id, enqueued); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate batch: %w", err))
	}
	return cause
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
