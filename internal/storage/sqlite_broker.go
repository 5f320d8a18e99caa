package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"inviter/internal/queue"
)

// Broker returns a queue.Broker backed by the store's jobs table. The
// broker shares the store's connection; closing it is a no-op.
func (s *SQLiteStore) Broker(lease time.Duration) queue.Broker {
	if lease <= 0 {
		lease = queue.DefaultLease
	}
	return &sqliteBroker{db: s.db, lease: lease}
}

type sqliteBroker struct {
	db    *sql.DB
	lease time.Duration
}

func (b *sqliteBroker) Enqueue(ctx context.Context, job queue.Job) error {
	job = job.Normalize(time.Now().UTC())
	payload := []byte(job.Payload)
	if payload == nil {
		payload = []byte("null")
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, payload, attempt, state, run_at, enqueued_at, last_error)
		 VALUES(?,?,?,?,'pending',?,?,?)`,
		job.ID, job.Kind, payload, job.Attempt, job.RunAt.UnixMilli(), job.EnqueuedAt.UnixMilli(), nullStr(job.LastError))
	return err
}

func (b *sqliteBroker) Claim(ctx context.Context, kinds []string, now time.Time) (queue.Job, bool, error) {
	if len(kinds) == 0 {
		return queue.Job{}, false, nil
	}
	nowMs := now.UnixMilli()
	args := []any{now.Add(b.lease).UnixMilli()}
	args = append(args, anySlice(kinds)...)
	args = append(args, nowMs, nowMs)

	// One statement, so the pick and the lease are atomic under SQLite's
	// writer lock even across processes.
	row := b.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = 'leased', lease_until = ?
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE kind IN (`+placeholders(len(kinds))+`)
		     AND ((state = 'pending' AND run_at <= ?) OR (state = 'leased' AND lease_until < ?))
		   ORDER BY run_at, enqueued_at
		   LIMIT 1
		 )
		 RETURNING id, kind, payload, attempt, run_at, enqueued_at, COALESCE(last_error, '')`,
		args...)

	var (
		j              queue.Job
		payload        []byte
		runAt, enqueue int64
	)
	err := row.Scan(&j.ID, &j.Kind, &payload, &j.Attempt, &runAt, &enqueue, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Job{}, false, nil
	}
	if err != nil {
		return queue.Job{}, false, err
	}
	j.Payload = payload
	j.RunAt = time.UnixMilli(runAt).UTC()
	j.EnqueuedAt = time.UnixMilli(enqueue).UTC()
	return j, true, nil
}

func (b *sqliteBroker) Ack(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND state != 'dead'`, id)
	return affectedOne(res, err)
}

func (b *sqliteBroker) Retry(ctx context.Context, job queue.Job, runAt time.Time, lastErr string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'pending', attempt = ?, run_at = ?, lease_until = NULL, last_error = ?
		 WHERE id = ? AND state != 'dead'`,
		job.Attempt+1, runAt.UnixMilli(), nullStr(lastErr), job.ID)
	return affectedOne(res, err)
}

func (b *sqliteBroker) Dead(ctx context.Context, job queue.Job, lastErr string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'dead', lease_until = NULL, last_error = ? WHERE id = ?`,
		nullStr(lastErr), job.ID)
	return affectedOne(res, err)
}

func (b *sqliteBroker) Depth(ctx context.Context, kind string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE kind = ? AND state = 'pending'`, kind).Scan(&n)
	return n, err
}

func (b *sqliteBroker) Close() error { return nil }

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}
