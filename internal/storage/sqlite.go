package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "inviter/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// SQLiteStore implements Store on a single SQLite file. It also serves as a
// durable queue.Broker (see Broker).
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also makes the
	// read-modify-write statements below race-free inside this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &SQLiteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, r AuditRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(job_id, account, channel, target, status, reason, attempt, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.JobID, nullStr(r.Account), r.Channel, r.Target, r.Status, nullStr(r.Reason), r.Attempt, r.At.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) AuditByJob(ctx context.Context, jobID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, COALESCE(account,''), channel, target, status, COALESCE(reason,''), attempt, at
		 FROM audit WHERE job_id = ? ORDER BY at DESC, id DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			r  AuditRecord
			ms int64
		)
		if err := rows.Scan(&r.JobID, &r.Account, &r.Channel, &r.Target, &r.Status, &r.Reason, &r.Attempt, &ms); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastUsed(ctx context.Context, accounts []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(accounts))
	if len(accounts) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, MAX(at) FROM audit WHERE account IN (`+placeholders(len(accounts))+`) GROUP BY account`,
		anySlice(accounts)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			ms   int64
		)
		if err := rows.Scan(&name, &ms); err != nil {
			return nil, err
		}
		out[name] = time.UnixMilli(ms).UTC()
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HandledSince(ctx context.Context, target, channel string, statuses []string, since time.Time) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	args := []any{target, channel, since.UnixMilli()}
	args = append(args, anySlice(statuses)...)
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM audit WHERE target = ? AND channel = ? AND at >= ? AND status IN (`+placeholders(len(statuses))+`) LIMIT 1`,
		args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, b Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches(id, channel, total, progress, created_at) VALUES(?,?,?,?,?)`,
		b.ID, b.Channel, b.Total, b.Progress, b.CreatedAt.UnixMilli())
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: %s", ErrBatchExists, b.ID)
	}
	return err
}

func (s *SQLiteStore) IncrementBatch(ctx context.Context, id string) (Batch, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET progress = progress + 1 WHERE id = ? AND progress < total`, id)
	if err != nil {
		return Batch{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Batch{}, false, err
	}
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return Batch{}, false, err
	}
	return b, n == 1, nil
}

func (s *SQLiteStore) TruncateBatch(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET total = ?, progress = MIN(progress, ?) WHERE id = ? AND total >= ?`,
		n, n, id, n)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.GetBatch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (Batch, error) {
	var (
		b  Batch
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel, total, progress, created_at FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Channel, &b.Total, &b.Progress, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return Batch{}, err
	}
	b.CreatedAt = time.UnixMilli(ms).UTC()
	return b, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
