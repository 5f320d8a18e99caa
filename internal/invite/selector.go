package invite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"inviter/internal/config"
)

var ErrNoActiveAccounts = errors.New("no active accounts")

// UsageSource reports when each account was last used.
type UsageSource interface {
	LastUsed(ctx context.Context, accounts []string) (map[string]time.Time, error)
}

// Selector picks the least recently used active account.
type Selector struct {
	usage UsageSource
}

func NewSelector(usage UsageSource) *Selector { return &Selector{usage: usage} }

// Select returns the active credential with the oldest last use. Accounts
// never used come first; ties keep config order. Concurrent callers may get
// the same account.
func (s *Selector) Select(ctx context.Context, snap config.Snapshot) (config.Credential, error) {
	active := make([]config.Credential, 0, len(snap.Credentials))
	names := make([]string, 0, len(snap.Credentials))
	for _, c := range snap.Credentials {
		if c.Active {
			active = append(active, c)
			names = append(names, c.Name)
		}
	}
	if len(active) == 0 {
		return config.Credential{}, ErrNoActiveAccounts
	}

	used, err := s.usage.LastUsed(ctx, names)
	if err != nil {
		return config.Credential{}, fmt.Errorf("account usage: %w", err)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return used[active[i].Name].Before(used[active[j].Name])
	})
	return active[0], nil
}
