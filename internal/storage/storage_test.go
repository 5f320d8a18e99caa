package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"inviter/internal/queue"
	"inviter/internal/queue/queuetest"
	logx "inviter/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	ext := ".db"
	if driver == "file" {
		ext = ".jsonl"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "inviter"+ext)}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var drivers = []string{"sqlite", "file"}

func TestAuditByJobLatestFirst(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, d)
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Millisecond)
			for i, status := range []string{"retry", "retry", "success"} {
				err := st.AppendAudit(ctx, AuditRecord{
					JobID: "j1", Account: "acc", Channel: "@chan", Target: "@alice",
					Status: status, Attempt: i + 1, At: base.Add(time.Duration(i) * time.Second),
				})
				if err != nil {
					t.Fatalf("AppendAudit: %v", err)
				}
			}
			_ = st.AppendAudit(ctx, AuditRecord{JobID: "j2", Channel: "@chan", Target: "@bob", Status: "failed", Attempt: 1, At: base})

			recs, err := st.AuditByJob(ctx, "j1")
			if err != nil {
				t.Fatalf("AuditByJob: %v", err)
			}
			if len(recs) != 3 {
				t.Fatalf("len = %d, want 3", len(recs))
			}
			if recs[0].Status != "success" || recs[0].Attempt != 3 {
				t.Fatalf("latest = %+v", recs[0])
			}
			if !recs[0].At.Equal(base.Add(2 * time.Second)) {
				t.Fatalf("At = %v", recs[0].At)
			}
			if recs, _ := st.AuditByJob(ctx, "missing"); len(recs) != 0 {
				t.Fatalf("missing job has %d records", len(recs))
			}
		})
	}
}

func TestLastUsed(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, d)
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Millisecond)
			_ = st.AppendAudit(ctx, AuditRecord{JobID: "a", Account: "one", Channel: "c", Target: "x", Status: "success", Attempt: 1, At: base})
			_ = st.AppendAudit(ctx, AuditRecord{JobID: "b", Account: "one", Channel: "c", Target: "y", Status: "success", Attempt: 1, At: base.Add(time.Minute)})
			_ = st.AppendAudit(ctx, AuditRecord{JobID: "c", Account: "two", Channel: "c", Target: "z", Status: "success", Attempt: 1, At: base.Add(-time.Minute)})

			got, err := st.LastUsed(ctx, []string{"one", "two", "three"})
			if err != nil {
				t.Fatalf("LastUsed: %v", err)
			}
			if !got["one"].Equal(base.Add(time.Minute)) {
				t.Fatalf("one = %v", got["one"])
			}
			if !got["two"].Equal(base.Add(-time.Minute)) {
				t.Fatalf("two = %v", got["two"])
			}
			if _, ok := got["three"]; ok {
				t.Fatal("unused account present in result")
			}
		})
	}
}

func TestHandledSince(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, d)
			ctx := context.Background()
			now := time.Now().UTC()
			_ = st.AppendAudit(ctx, AuditRecord{JobID: "a", Channel: "@chan", Target: "@alice", Status: "success", Attempt: 1, At: now.Add(-time.Hour)})
			_ = st.AppendAudit(ctx, AuditRecord{JobID: "b", Channel: "@chan", Target: "@bob", Status: "failed", Attempt: 1, At: now})
			_ = st.AppendAudit(ctx, AuditRecord{JobID: "c", Channel: "@chan", Target: "@carol", Status: "success", Attempt: 1, At: now.Add(-48 * time.Hour)})

			terminal := []string{"success", "skipped"}
			cases := []struct {
				target string
				since  time.Time
				want   bool
			}{
				{"@alice", now.Add(-24 * time.Hour), true},
				{"@alice", now.Add(-time.Minute), false},
				{"@bob", now.Add(-24 * time.Hour), false},
				{"@carol", now.Add(-24 * time.Hour), false},
				{"@dave", time.Time{}, false},
			}
			for _, tc := range cases {
				got, err := st.HandledSince(ctx, tc.target, "@chan", terminal, tc.since)
				if err != nil {
					t.Fatalf("HandledSince(%s): %v", tc.target, err)
				}
				if got != tc.want {
					t.Fatalf("HandledSince(%s, %v) = %v, want %v", tc.target, tc.since, got, tc.want)
				}
			}
			if ok, _ := st.HandledSince(ctx, "@alice", "@other", terminal, time.Time{}); ok {
				t.Fatal("channel not part of the match")
			}
		})
	}
}

func TestBatchLifecycle(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, d)
			ctx := context.Background()

			if err := st.CreateBatch(ctx, Batch{ID: "b1", Channel: "@chan", Total: 2}); err != nil {
				t.Fatalf("CreateBatch: %v", err)
			}
			if err := st.CreateBatch(ctx, Batch{ID: "b1", Channel: "@chan", Total: 2}); !errors.Is(err, ErrBatchExists) {
				t.Fatalf("duplicate CreateBatch = %v", err)
			}

			for i, want := range []struct {
				progress int
				advanced bool
			}{{1, true}, {2, true}, {2, false}} {
				b, advanced, err := st.IncrementBatch(ctx, "b1")
				if err != nil {
					t.Fatalf("IncrementBatch #%d: %v", i, err)
				}
				if b.Progress != want.progress || advanced != want.advanced {
					t.Fatalf("#%d: progress=%d advanced=%v", i, b.Progress, advanced)
				}
			}
			if b, _ := st.GetBatch(ctx, "b1"); !b.Done() {
				t.Fatalf("batch not done: %+v", b)
			}
			if _, err := st.GetBatch(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetBatch missing = %v", err)
			}
		})
	}
}

func TestTruncateBatch(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, d)
			ctx := context.Background()
			_ = st.CreateBatch(ctx, Batch{ID: "b", Channel: "@chan", Total: 10})
			_, _, _ = st.IncrementBatch(ctx, "b")

			if err := st.TruncateBatch(ctx, "b", 3); err != nil {
				t.Fatalf("TruncateBatch: %v", err)
			}
			b, _ := st.GetBatch(ctx, "b")
			if b.Total != 3 || b.Progress != 1 {
				t.Fatalf("batch = %+v", b)
			}
			if err := st.TruncateBatch(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("TruncateBatch missing = %v", err)
			}
		})
	}
}

func TestIncrementBatchConcurrentNeverOvershoots(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, d)
			ctx := context.Background()
			const total = 25
			_ = st.CreateBatch(ctx, Batch{ID: "b", Channel: "@chan", Total: total})

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				advanced int
			)
			for i := 0; i < total*2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := st.IncrementBatch(ctx, "b")
					if err != nil {
						t.Errorf("IncrementBatch: %v", err)
						return
					}
					if ok {
						mu.Lock()
						advanced++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			b, _ := st.GetBatch(ctx, "b")
			if b.Progress != total || advanced != total {
				t.Fatalf("progress=%d advanced=%d, want %d", b.Progress, advanced, total)
			}
		})
	}
}

func TestFileStoreReplaysOnReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	at := time.Now().UTC().Truncate(time.Millisecond)
	_ = st.AppendAudit(ctx, AuditRecord{JobID: "j", Account: "acc", Channel: "@c", Target: "@t", Status: "success", Attempt: 1, At: at})
	_ = st.CreateBatch(ctx, Batch{ID: "b", Channel: "@c", Total: 2})
	_, _, _ = st.IncrementBatch(ctx, "b")
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendAudit(ctx, AuditRecord{JobID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendAudit after Close = %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	if b, _ := st.GetBatch(ctx, "b"); b.Progress != 1 || b.Total != 2 {
		t.Fatalf("batch after reopen = %+v", b)
	}
	used, _ := st.LastUsed(ctx, []string{"acc"})
	if !used["acc"].Equal(at) {
		t.Fatalf("LastUsed after reopen = %v", used["acc"])
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSQLiteBrokerContract(t *testing.T) {
	t.Parallel()
	queuetest.Run(t, func(t *testing.T, lease time.Duration) queue.Broker {
		st, err := OpenSQLite(Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st.Broker(lease)
	})
}

func TestSQLiteBrokerSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	st, err := OpenSQLite(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	j, _ := queue.NewJob("invite", map[string]string{"target": "@alice"})
	if err := st.Broker(time.Minute).Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_ = st.Close()

	st, err = OpenSQLite(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, ok, err := st.Broker(time.Minute).Claim(ctx, []string{"invite"}, time.Now().Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}
	var p map[string]string
	if err := got.Decode(&p); err != nil || p["target"] != "@alice" {
		t.Fatalf("payload = %v, %v", p, err)
	}
}
