// Package queuetest holds behavior checks shared by every queue.Broker
// implementation.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inviter/internal/queue"
)

// Factory returns a fresh, empty broker whose lease is lease.
type Factory func(t *testing.T, lease time.Duration) queue.Broker

// Run exercises the Broker contract against brokers built by newBroker.
func Run(t *testing.T, newBroker Factory) {
	t.Helper()

	t.Run("ClaimReadyOnly", func(t *testing.T) { claimReadyOnly(t, newBroker) })
	t.Run("ClaimFiltersKinds", func(t *testing.T) { claimFiltersKinds(t, newBroker) })
	t.Run("ClaimOrdersByRunAt", func(t *testing.T) { claimOrdersByRunAt(t, newBroker) })
	t.Run("RetryIncrementsAttempt", func(t *testing.T) { retryIncrementsAttempt(t, newBroker) })
	t.Run("AckRemoves", func(t *testing.T) { ackRemoves(t, newBroker) })
	t.Run("DeadLeavesCirculation", func(t *testing.T) { deadLeavesCirculation(t, newBroker) })
	t.Run("LeaseExpiryRedelivers", func(t *testing.T) { leaseExpiryRedelivers(t, newBroker) })
	t.Run("DepthCountsWaitingJobs", func(t *testing.T) { depthCountsWaitingJobs(t, newBroker) })
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) { concurrentClaimsAreExclusive(t, newBroker) })
}

func mustJob(t *testing.T, kind string, runAt time.Time) queue.Job {
	t.Helper()
	j, err := queue.NewJob(kind, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if !runAt.IsZero() {
		j.RunAt = runAt.UTC()
	}
	return j
}

func enqueue(t *testing.T, b queue.Broker, j queue.Job) {
	t.Helper()
	if err := b.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func claim(t *testing.T, b queue.Broker, now time.Time, kinds ...string) (queue.Job, bool) {
	t.Helper()
	j, ok, err := b.Claim(context.Background(), kinds, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return j, ok
}

func claimReadyOnly(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Minute)
	now := time.Now().UTC()
	enqueue(t, b, mustJob(t, "invite", now.Add(time.Hour)))

	if _, ok := claim(t, b, now, "invite"); ok {
		t.Fatal("claimed a job before its run_at")
	}
	j, ok := claim(t, b, now.Add(2*time.Hour), "invite")
	if !ok {
		t.Fatal("expected job to be claimable after run_at")
	}
	if j.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", j.Attempt)
	}
}

func claimFiltersKinds(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Minute)
	now := time.Now().UTC()
	enqueue(t, b, mustJob(t, "other", now))

	if _, ok := claim(t, b, now.Add(time.Second), "invite"); ok {
		t.Fatal("claimed a job of an unrequested kind")
	}
	if _, ok := claim(t, b, now.Add(time.Second), "invite", "other"); !ok {
		t.Fatal("expected to claim kind other")
	}
}

func claimOrdersByRunAt(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Minute)
	now := time.Now().UTC()
	late := mustJob(t, "invite", now.Add(-time.Second))
	early := mustJob(t, "invite", now.Add(-time.Minute))
	enqueue(t, b, late)
	enqueue(t, b, early)

	j, ok := claim(t, b, now, "invite")
	if !ok || j.ID != early.ID {
		t.Fatalf("claimed %q, want the earliest job %q", j.ID, early.ID)
	}
}

func retryIncrementsAttempt(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()
	enqueue(t, b, mustJob(t, "invite", now))

	j, ok := claim(t, b, now.Add(time.Second), "invite")
	if !ok {
		t.Fatal("expected a job")
	}
	runAt := now.Add(30 * time.Second)
	if err := b.Retry(ctx, j, runAt, "flood"); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if _, ok := claim(t, b, runAt.Add(-time.Second), "invite"); ok {
		t.Fatal("retried job delivered before its delay")
	}
	again, ok := claim(t, b, runAt.Add(time.Second), "invite")
	if !ok {
		t.Fatal("retried job not delivered after its delay")
	}
	if again.ID != j.ID || again.Attempt != j.Attempt+1 {
		t.Fatalf("got id=%s attempt=%d, want id=%s attempt=%d", again.ID, again.Attempt, j.ID, j.Attempt+1)
	}
	if again.LastError != "flood" {
		t.Fatalf("LastError = %q", again.LastError)
	}
}

func ackRemoves(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Millisecond)
	ctx := context.Background()
	now := time.Now().UTC()
	enqueue(t, b, mustJob(t, "invite", now))

	j, _ := claim(t, b, now.Add(time.Second), "invite")
	if err := b.Ack(ctx, j.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, ok := claim(t, b, now.Add(time.Hour), "invite"); ok {
		t.Fatal("acked job delivered again")
	}
	if err := b.Ack(ctx, j.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("second Ack = %v, want ErrNotFound", err)
	}
}

func deadLeavesCirculation(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Millisecond)
	ctx := context.Background()
	now := time.Now().UTC()
	enqueue(t, b, mustJob(t, "invite", now))

	j, _ := claim(t, b, now.Add(time.Second), "invite")
	if err := b.Dead(ctx, j, "boom"); err != nil {
		t.Fatalf("Dead: %v", err)
	}
	if _, ok := claim(t, b, now.Add(time.Hour), "invite"); ok {
		t.Fatal("dead job delivered again")
	}
	if n, _ := b.Depth(ctx, "invite"); n != 0 {
		t.Fatalf("Depth = %d after dead-letter, want 0", n)
	}
}

func leaseExpiryRedelivers(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Minute)
	now := time.Now().UTC()
	enqueue(t, b, mustJob(t, "invite", now))

	j, ok := claim(t, b, now.Add(time.Second), "invite")
	if !ok {
		t.Fatal("expected a job")
	}
	if _, ok := claim(t, b, now.Add(30*time.Second), "invite"); ok {
		t.Fatal("leased job delivered twice within its lease")
	}
	again, ok := claim(t, b, now.Add(2*time.Minute), "invite")
	if !ok || again.ID != j.ID {
		t.Fatal("expected redelivery after lease expiry")
	}
}

func depthCountsWaitingJobs(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		enqueue(t, b, mustJob(t, "invite", now))
	}
	enqueue(t, b, mustJob(t, "invite", now.Add(time.Hour)))
	enqueue(t, b, mustJob(t, "other", now))

	n, err := b.Depth(ctx, "invite")
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if n != 4 {
		t.Fatalf("Depth = %d, want 4", n)
	}

	if _, ok := claim(t, b, now.Add(time.Second), "invite"); !ok {
		t.Fatal("expected a job")
	}
	if n, _ = b.Depth(ctx, "invite"); n != 3 {
		t.Fatalf("Depth after claim = %d, want 3", n)
	}
}

func concurrentClaimsAreExclusive(t *testing.T, newBroker Factory) {
	b := newBroker(t, time.Minute)
	now := time.Now().UTC()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		enqueue(t, b, mustJob(t, "invite", now))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok, err := b.Claim(context.Background(), []string{"invite"}, now.Add(time.Second))
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}
