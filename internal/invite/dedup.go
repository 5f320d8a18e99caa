package invite

import (
	"context"
	"time"
)

// HandledSource answers whether a target already reached a handled outcome.
type HandledSource interface {
	HandledSince(ctx context.Context, target, channel string, statuses []string, since time.Time) (bool, error)
}

// Dedup suppresses repeat work for a (target, channel) within a rolling
// window, keyed on the audit log.
type Dedup struct {
	src HandledSource
	now func() time.Time
}

func NewDedup(src HandledSource) *Dedup { return &Dedup{src: src, now: time.Now} }

// AlreadyHandled reports whether target was invited, found to be a member,
// or sent a link in channel within window. A non-positive window disables
// the check.
func (d *Dedup) AlreadyHandled(ctx context.Context, target, channel string, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	return d.src.HandledSince(ctx, target, channel, handledStatuses, d.now().Add(-window))
}
