package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrBatchExists = errors.New("storage: batch already exists")
	ErrClosed      = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON Lines journal
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditRecord is the immutable outcome of one job invocation.
// Keep it compact and schema-stable.
type AuditRecord struct {
	JobID   string    `json:"job_id"`
	Account string    `json:"account,omitempty"`
	Channel string    `json:"channel"`
	Target  string    `json:"target"`
	Status  string    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// Batch tracks a fan-out of child jobs. Progress never exceeds Total.
type Batch struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Total     int       `json:"total"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
}

// Done reports whether every child reached a terminal outcome.
func (b Batch) Done() bool { return b.Progress >= b.Total }

// Store is the persistence API used by the invite service and the CLI.
type Store interface {
	AppendAudit(ctx context.Context, r AuditRecord) error
	// AuditByJob returns a job's records, latest first.
	AuditByJob(ctx context.Context, jobID string) ([]AuditRecord, error)
	// LastUsed returns, per account name, the time of its latest audit
	// record. Accounts never seen are absent from the map.
	LastUsed(ctx context.Context, accounts []string) (map[string]time.Time, error)
	// HandledSince reports whether a record with one of statuses exists for
	// (target, channel) at or after since.
	HandledSince(ctx context.Context, target, channel string, statuses []string, since time.Time) (bool, error)

	CreateBatch(ctx context.Context, b Batch) error
	// IncrementBatch adds one to progress unless it already equals total.
	// advanced is false when the batch was already complete.
	IncrementBatch(ctx context.Context, id string) (b Batch, advanced bool, err error)
	// TruncateBatch lowers total to n (and clamps progress).
	TruncateBatch(ctx context.Context, id string, n int) error
	GetBatch(ctx context.Context, id string) (Batch, error)

	Close() error
}
