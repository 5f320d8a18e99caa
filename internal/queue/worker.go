package queue

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "inviter/pkg/logx"
)

func (e *Engine) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	log := e.log.With(logx.Int("worker", idx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		cfg := e.config()
		now := time.Now().UTC()
		kinds := e.claimableKinds(now, cfg)

		var (
			job Job
			ok  bool
			err error
		)
		if len(kinds) > 0 {
			job, ok, err = e.broker.Claim(ctx, kinds, now)
		}
		if err != nil {
			atomic.AddUint64(&e.claimErrors, 1)
			if ctx.Err() == nil && e.shouldWarn(&e.lastClaimWarnAt, now) {
				log.Warn("job claim failed", logx.Err(err), logx.Uint64("claim_errors", atomic.LoadUint64(&e.claimErrors)))
			}
		}
		if !ok {
			if !e.idle(ctx, stopCh, cfg.PollInterval, true) {
				return
			}
			continue
		}

		atomic.AddInt32(&e.inFlight, 1)
		res := e.execOne(ctx, job, cfg, rng, log)
		atomic.AddInt32(&e.inFlight, -1)

		if res.Cooldown > 0 {
			log.Debug("worker cooling down", logx.Duration("cooldown", res.Cooldown))
			atomic.AddInt32(&e.cooling, 1)
			alive := e.idle(ctx, stopCh, res.Cooldown, false)
			atomic.AddInt32(&e.cooling, -1)
			if !alive {
				return
			}
		}
	}
}

// idle waits for d. When wakeable, an Enqueue on this engine ends the wait
// early. It returns false if the worker should exit.
func (e *Engine) idle(ctx context.Context, stopCh <-chan struct{}, d time.Duration, wakeable bool) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = e.wake
	}
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}

func (e *Engine) claimableKinds(now time.Time, cfg Config) []string {
	kinds := e.kinds()
	cc, enabled := cfg.circuit()
	if !enabled {
		return kinds
	}
	out := kinds[:0]
	for _, k := range kinds {
		if !e.circuits.open(now, k, cc) {
			out = append(out, k)
		}
	}
	return out
}

// execOne runs one claimed job and settles it with the broker. Settlement
// uses a context detached from worker cancellation so a job finishing during
// shutdown is still acked.
func (e *Engine) execOne(ctx context.Context, job Job, cfg Config, rng *rand.Rand, log logx.Logger) Result {
	start := time.Now()
	log = log.With(logx.String("job", job.ID), logx.String("kind", job.Kind), logx.Int("attempt", job.Attempt))
	bg := context.WithoutCancel(ctx)

	h := e.handler(job.Kind)
	var (
		res Result
		err error
	)
	if h == nil {
		err = NoRetry(fmt.Errorf("no handler for kind %q", job.Kind))
	} else {
		runCtx, cancel := context.WithTimeout(bg, cfg.JobTimeout)
		// Guard against handler panics so one bad job can't kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					log.Error("job.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			res, err = h.Handle(runCtx, job)
		}()
		cancel()
	}

	item := HistoryItem{ID: job.ID, Kind: job.Kind, Attempt: job.Attempt, Started: start}
	infraFailure := false

	switch {
	case err == nil:
		item.Outcome = OutcomeAck
		if aerr := e.broker.Ack(bg, job.ID); aerr != nil {
			log.Warn("job ack failed", logx.Err(aerr))
		}
		atomic.AddUint64(&e.acked, 1)

	case IsNoRetry(err):
		item.Outcome = OutcomeDead
		e.deadLetter(bg, h, job, err, log)

	default:
		if d, ok := AsRetryAfter(err); ok {
			d = min(d, cfg.MaxDelay)
			item.Outcome = OutcomeRetry
			item.RunAt = time.Now().UTC().Add(d)
			if rerr := e.broker.Retry(bg, job, item.RunAt, err.Error()); rerr != nil {
				log.Error("job retry failed", logx.Err(rerr), logx.Duration("delay", d))
			}
			atomic.AddUint64(&e.retried, 1)
			log.Debug("job.retry_scheduled", logx.Duration("delay", d), logx.Err(err))
			break
		}

		infraFailure = true
		if job.Attempt > cfg.RetryMax {
			item.Outcome = OutcomeDead
			e.deadLetter(bg, h, job, err, log)
			break
		}
		d := backoffDelay(cfg, job.Attempt, rng)
		item.Outcome = OutcomeRetry
		item.RunAt = time.Now().UTC().Add(d)
		if rerr := e.broker.Retry(bg, job, item.RunAt, err.Error()); rerr != nil {
			log.Error("job retry failed", logx.Err(rerr), logx.Duration("delay", d))
		}
		atomic.AddUint64(&e.retried, 1)
		log.Warn("job.failed; retrying", logx.Duration("delay", d), logx.Err(err))
	}

	if cc, enabled := cfg.circuit(); enabled {
		if until := e.circuits.record(time.Now(), job.Kind, cc, infraFailure); !until.IsZero() {
			log.Warn("job kind paused after repeated failures", logx.Time("until", until))
		}
	}

	item.Duration = time.Since(start)
	if err != nil {
		item.Error = err.Error()
	}
	if item.Duration >= 750*time.Millisecond {
		log.Info("job.finished", logx.String("outcome", string(item.Outcome)), logx.Duration("dur", item.Duration))
	} else {
		log.Debug("job.finished", logx.String("outcome", string(item.Outcome)), logx.Duration("dur", item.Duration))
	}
	e.record(item, cfg.HistorySize)
	return res
}

func (e *Engine) deadLetter(ctx context.Context, h Handler, job Job, err error, log logx.Logger) {
	if derr := e.broker.Dead(ctx, job, err.Error()); derr != nil {
		log.Error("job dead-letter failed", logx.Err(derr))
	}
	atomic.AddUint64(&e.dead, 1)
	log.Error("job.dead", logx.Err(err))
	if dh, ok := h.(DeadHandler); ok {
		dh.OnDead(ctx, job, err)
	}
}

// backoffDelay is the exponential backoff for the given attempt with jitter.
func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	if j := cfg.RetryJitter; j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = max(time.Duration(float64(d)*(1+r)), 0)
	}
	return min(d, cfg.RetryMaxDelay)
}
