package config

import (
	"context"
	"strings"
	"time"
)

// Credential is one account of the pool. Last-used time is not stored here;
// it is derived from the audit log.
type Credential struct {
	Name    string
	APIID   int
	APIHash string
	Session string
	Phone   string
	Active  bool
	Comment string
}

// Snapshot is an immutable view of the settings a job or monitor tick needs.
type Snapshot struct {
	Channel         string
	FailureMessage  string
	Credentials     []Credential
	PauseMin        time.Duration
	PauseMax        time.Duration
	QueueThreshold  int
	MonitorInterval time.Duration

	DedupWindow  time.Duration
	MaxRetries   int
	FloodMargin  time.Duration
	PeerFloodMin time.Duration
	PeerFloodMax time.Duration
	BulkStagger  time.Duration
}

const (
	DefaultMonitorInterval = 30 * time.Second
	DefaultDedupWindow     = 24 * time.Hour
	DefaultMaxRetries      = 3
	DefaultFloodMargin     = 5 * time.Second
	DefaultPeerFloodMin    = 30 * time.Minute
	DefaultPeerFloodMax    = 3 * time.Hour
	DefaultBulkStagger     = 200 * time.Millisecond
)

// SnapshotSource returns settings read fresh on every call.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// BuildSnapshot derives a Snapshot from a parsed document, applying defaults.
func BuildSnapshot(cfg *Config) (Snapshot, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	ic := cfg.Invite

	var (
		s   Snapshot
		err error
	)
	s.Channel = strings.TrimSpace(ic.ChannelUsername)
	s.FailureMessage = ic.FailureMessage
	s.QueueThreshold = ic.QueueThreshold
	s.PauseMin = time.Duration(ic.PauseMinSeconds) * time.Second
	s.PauseMax = time.Duration(ic.PauseMaxSeconds) * time.Second

	s.MonitorInterval = DefaultMonitorInterval
	if cfg.Monitor.IntervalSeconds > 0 {
		s.MonitorInterval = time.Duration(cfg.Monitor.IntervalSeconds) * time.Second
	}

	s.MaxRetries = DefaultMaxRetries
	if ic.MaxRetries != nil {
		s.MaxRetries = *ic.MaxRetries
	}

	if s.DedupWindow, err = ParseDurationOrDefault("invite.dedup_window", ic.DedupWindow, DefaultDedupWindow); err != nil {
		return Snapshot{}, err
	}
	if s.FloodMargin, err = ParseDurationOrDefault("invite.flood_margin", ic.FloodMargin, DefaultFloodMargin); err != nil {
		return Snapshot{}, err
	}
	if s.PeerFloodMin, err = ParseDurationOrDefault("invite.peer_flood_min", ic.PeerFloodMin, DefaultPeerFloodMin); err != nil {
		return Snapshot{}, err
	}
	if s.PeerFloodMax, err = ParseDurationOrDefault("invite.peer_flood_max", ic.PeerFloodMax, DefaultPeerFloodMax); err != nil {
		return Snapshot{}, err
	}
	if s.BulkStagger, err = ParseDurationOrDefault("invite.bulk_stagger", ic.BulkStagger, DefaultBulkStagger); err != nil {
		return Snapshot{}, err
	}

	s.Credentials = make([]Credential, 0, len(ic.Accounts))
	for _, a := range ic.Accounts {
		s.Credentials = append(s.Credentials, Credential{
			Name:    strings.TrimSpace(a.Name),
			APIID:   a.APIID,
			APIHash: a.APIHash,
			Session: a.SessionString,
			Phone:   strings.TrimSpace(a.Phone),
			Active:  a.IsActive,
			Comment: a.Comment,
		})
	}
	return s, nil
}

// FileSource re-reads the config file on every Snapshot call, so operator
// edits (deactivating an account, changing the threshold) apply to the very
// next job without waiting for the watcher.
type FileSource struct {
	m *Manager
}

func NewFileSource(m *Manager) *FileSource { return &FileSource{m: m} }

func (f *FileSource) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	cfg, err := f.m.Parse()
	if err != nil {
		return Snapshot{}, err
	}
	if err := Validate(cfg); err != nil {
		return Snapshot{}, err
	}
	return BuildSnapshot(cfg)
}

// StaticSource serves a fixed snapshot. Tests and one-shot CLI commands use it.
type StaticSource struct {
	Snap Snapshot
	Err  error
}

func (s StaticSource) Snapshot(ctx context.Context) (Snapshot, error) {
	if s.Err != nil {
		return Snapshot{}, s.Err
	}
	return s.Snap, nil
}

// SourceFunc adapts a function to SnapshotSource.
type SourceFunc func(ctx context.Context) (Snapshot, error)

func (f SourceFunc) Snapshot(ctx context.Context) (Snapshot, error) { return f(ctx) }
