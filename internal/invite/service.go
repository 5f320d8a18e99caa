package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"inviter/internal/config"
	"inviter/internal/queue"
	"inviter/internal/storage"
	logx "inviter/pkg/logx"
)

// Queue is what the service needs from the job engine.
type Queue interface {
	Enqueuer
	Depth(ctx context.Context, kind string) (int, error)
}

// Service is the operator entry point: enqueue, bulk submit and status.
type Service struct {
	src   config.SnapshotSource
	q     Queue
	store storage.Store
	coord *Coordinator
	log   logx.Logger

	// afterEnqueue runs after a single enqueue, e.g. a backlog check.
	afterEnqueue atomic.Pointer[func(context.Context)]
}

func NewService(src config.SnapshotSource, q Queue, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		src:   src,
		q:     q,
		store: store,
		coord: NewCoordinator(q, store, log),
		log:   log,
	}
}

// SetAfterEnqueue installs (or with nil, removes) a hook run after each
// EnqueueInvite.
func (s *Service) SetAfterEnqueue(fn func(context.Context)) {
	if fn == nil {
		s.afterEnqueue.Store(nil)
		return
	}
	s.afterEnqueue.Store(&fn)
}

// EnqueueInvite validates target and queues one invite job. An empty
// channel is resolved from the config when the job runs.
func (s *Service) EnqueueInvite(ctx context.Context, target, channel string) (string, error) {
	t, err := NormalizeTarget(target)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, target)
	}
	job, err := queue.NewJob(Kind, Payload{Target: t.String(), Channel: strings.TrimSpace(channel)})
	if err != nil {
		return "", err
	}
	if err := s.q.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue invite: %w", err)
	}
	s.log.Info("invite queued", logx.String("job", job.ID), logx.String("target", t.String()))

	if fn := s.afterEnqueue.Load(); fn != nil {
		(*fn)(ctx)
	}
	return job.ID, nil
}

// SubmitBatch fans targets out into a batch. An empty channel falls back to
// the configured one.
func (s *Service) SubmitBatch(ctx context.Context, channel string, targets []string) (string, error) {
	snap, err := s.src.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("config snapshot: %w", err)
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = snap.Channel
	}
	if channel == "" {
		return "", errors.New("no channel configured")
	}
	return s.coord.Submit(ctx, channel, targets, snap.BulkStagger)
}

// JobStatus returns the job's audit records, latest first.
func (s *Service) JobStatus(ctx context.Context, jobID string) ([]storage.AuditRecord, error) {
	return s.store.AuditByJob(ctx, jobID)
}

func (s *Service) BatchProgress(ctx context.Context, batchID string) (storage.Batch, error) {
	return s.store.GetBatch(ctx, batchID)
}

// Depth is the number of invite jobs waiting for delivery.
func (s *Service) Depth(ctx context.Context) (int, error) {
	return s.q.Depth(ctx, Kind)
}
