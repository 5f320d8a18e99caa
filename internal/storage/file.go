package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "inviter/pkg/logx"
)

// fileStore is a dependency-free persistence backend for single-process runs.
//
// Files:
//   - <prefix>.audit.jsonl           (append-only JSON Lines)
//   - <prefix>.batches.snapshot.json (periodic snapshot)
//   - <prefix>.batches.journal.jsonl (append-only journal)
//
// Everything is replayed into memory on open. The batch journal is
// periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	byJob     map[string][]AuditRecord
	byTarget  map[string][]AuditRecord
	lastUsed  map[string]time.Time

	batchSnapshotPath string
	batchJournalFile  *os.File
	batches           map[string]Batch
	batchWrites       int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".batches.snapshot.json"
	journalPath := prefix + ".batches.journal.jsonl"

	s := &fileStore{
		log:               log,
		byJob:             map[string][]AuditRecord{},
		byTarget:          map[string][]AuditRecord{},
		lastUsed:          map[string]time.Time{},
		batchSnapshotPath: snapPath,
		batches:           map[string]Batch{},
	}

	if err := replayJSONL(auditPath, func(r AuditRecord) { s.indexAudit(r) }); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay audit: %w", err)
	}
	if err := loadBatchSnapshot(snapPath, s.batches); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("batch snapshot unreadable; relying on journal", logx.Err(err))
	}
	if err := replayJSONL(journalPath, func(b Batch) {
		if b.ID != "" {
			s.batches[b.ID] = b
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay batches: %w", err)
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.batchJournalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.batchJournalFile != nil {
		errs = append(errs, s.batchJournalFile.Close())
		s.batchJournalFile = nil
	}
	return errors.Join(errs...)
}

func targetKey(target, channel string) string { return channel + "\x00" + target }

func (s *fileStore) indexAudit(r AuditRecord) {
	s.byJob[r.JobID] = append(s.byJob[r.JobID], r)
	k := targetKey(r.Target, r.Channel)
	s.byTarget[k] = append(s.byTarget[k], r)
	if r.Account != "" && r.At.After(s.lastUsed[r.Account]) {
		s.lastUsed[r.Account] = r.At
	}
}

func (s *fileStore) AppendAudit(ctx context.Context, r AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.auditFile).Encode(r); err != nil {
		return err
	}
	s.indexAudit(r)
	return nil
}

func (s *fileStore) AuditByJob(ctx context.Context, jobID string) ([]AuditRecord, error) {
	s.mu.Lock()
	recs := slices.Clone(s.byJob[jobID])
	s.mu.Unlock()
	// Appends are in time order; reversing gives latest first.
	slices.Reverse(recs)
	return recs, nil
}

func (s *fileStore) LastUsed(ctx context.Context, accounts []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(accounts))
	for _, a := range accounts {
		if t, ok := s.lastUsed[a]; ok {
			out[a] = t
		}
	}
	return out, nil
}

func (s *fileStore) HandledSince(ctx context.Context, target, channel string, statuses []string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byTarget[targetKey(target, channel)] {
		if !r.At.Before(since) && slices.Contains(statuses, r.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fileStore) CreateBatch(ctx context.Context, b Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("%w: %s", ErrBatchExists, b.ID)
	}
	return s.putBatchLocked(b)
}

func (s *fileStore) IncrementBatch(ctx context.Context, id string) (Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, false, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if b.Progress >= b.Total {
		return b, false, nil
	}
	b.Progress++
	if err := s.putBatchLocked(b); err != nil {
		return Batch{}, false, err
	}
	return b, true, nil
}

func (s *fileStore) TruncateBatch(ctx context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if n >= b.Total {
		return nil
	}
	b.Total = max(n, 0)
	b.Progress = min(b.Progress, b.Total)
	return s.putBatchLocked(b)
}

func (s *fileStore) GetBatch(ctx context.Context, id string) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	return b, nil
}

func (s *fileStore) putBatchLocked(b Batch) error {
	if s.batchJournalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.batchJournalFile).Encode(b); err != nil {
		return err
	}
	s.batches[b.ID] = b
	s.batchWrites++
	if s.batchWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("batch journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.batchSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.batches); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.batchSnapshotPath); err != nil {
		return err
	}
	if err := s.batchJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.batchJournalFile.Seek(0, 2)
	return err
}

func loadBatchSnapshot(path string, out map[string]Batch) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Batch
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJSONL feeds every decodable line of path to fn. Torn trailing lines
// from a crash are skipped.
func replayJSONL[T any](path string, fn func(T)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		fn(v)
	}
	return sc.Err()
}
