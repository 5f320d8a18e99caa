package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./inviter.db"},
  "queue": {"driver": "memory", "workers": 2},
  "monitor": {"interval_seconds": 15},
  "invite": {
    "channel_username": "@news",
    "failure_message": "Join {{channel}} here:",
    "queue_threshold": 100,
    "pause_min_seconds": 10,
    "pause_max_seconds": 40,
    "accounts": [
      {"name": "a1", "api_id": 1, "api_hash": "h", "session_string": "s", "is_active": true},
      {"name": "a2", "api_id": 2, "api_hash": "h", "session_string": "s", "is_active": false}
    ]
  }
}`

const sampleYAML = `
logging:
  level: debug
invite:
  channel_username: news
  queue_threshold: 5
  pause_min_seconds: 1
  pause_max_seconds: 2
  dedup_window: 1h
  max_retries: 0
  accounts:
    - name: a1
      api_id: 1
      is_active: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestManagerLoadJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}

	snap, err := BuildSnapshot(cfg)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if snap.Channel != "@news" || snap.QueueThreshold != 100 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.PauseMin != 10*time.Second || snap.PauseMax != 40*time.Second {
		t.Fatalf("pause bounds = %v..%v", snap.PauseMin, snap.PauseMax)
	}
	if snap.MonitorInterval != 15*time.Second {
		t.Fatalf("MonitorInterval = %v", snap.MonitorInterval)
	}
	if snap.DedupWindow != DefaultDedupWindow || snap.MaxRetries != DefaultMaxRetries || snap.FloodMargin != DefaultFloodMargin {
		t.Fatalf("defaults not applied: %+v", snap)
	}
	if len(snap.Credentials) != 2 || !snap.Credentials[0].Active || snap.Credentials[1].Active {
		t.Fatalf("unexpected credentials: %+v", snap.Credentials)
	}
}

func TestManagerLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap, err := BuildSnapshot(cfg)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if snap.DedupWindow != time.Hour {
		t.Fatalf("DedupWindow = %v", snap.DedupWindow)
	}
	if snap.MaxRetries != 0 {
		t.Fatalf("explicit max_retries=0 must be kept, got %d", snap.MaxRetries)
	}
	if snap.MonitorInterval != DefaultMonitorInterval {
		t.Fatalf("MonitorInterval = %v", snap.MonitorInterval)
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.json", `{"invite": {"channel_username": "x"}, "bogus": 1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestManagerRejectsTrailingData(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.json", `{"invite": {"channel_username": "x"}} {}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	neg := -1
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "missing channel", mutate: func(c *Config) { c.Invite.ChannelUsername = " " }, wantErr: "channel_username"},
		{name: "pause inverted", mutate: func(c *Config) { c.Invite.PauseMinSeconds = 50 }, wantErr: "pause_min_seconds"},
		{name: "negative threshold", mutate: func(c *Config) { c.Invite.QueueThreshold = -1 }, wantErr: "queue_threshold"},
		{name: "negative retries", mutate: func(c *Config) { c.Invite.MaxRetries = &neg }, wantErr: "max_retries"},
		{name: "duplicate account", mutate: func(c *Config) {
			c.Invite.Accounts = append(c.Invite.Accounts, AccountConfig{Name: "a1"})
		}, wantErr: "duplicated"},
		{name: "blank account name", mutate: func(c *Config) {
			c.Invite.Accounts = append(c.Invite.Accounts, AccountConfig{Name: ""})
		}, wantErr: "name is required"},
		{name: "bad duration", mutate: func(c *Config) { c.Invite.DedupWindow = "soon" }, wantErr: "invite.dedup_window"},
		{name: "peer flood inverted", mutate: func(c *Config) {
			c.Invite.PeerFloodMin = "4h"
			c.Invite.PeerFloodMax = "1h"
		}, wantErr: "peer_flood_min"},
		{name: "redis without addr", mutate: func(c *Config) { c.Queue.Driver = "redis" }, wantErr: "queue.redis.addr"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: "storage.driver"},
		{name: "file storage with shared queue", mutate: func(c *Config) {
			c.Storage.Driver = "file"
			c.Queue.Driver = "valkey"
			c.Queue.Redis.Addr = "127.0.0.1:6379"
		}, wantErr: "storage.driver=file is single-process"},
		{name: "file storage with sqlite queue", mutate: func(c *Config) {
			c.Storage.Driver = "file"
			c.Queue.Driver = "sqlite"
		}, wantErr: "storage.driver=file is single-process"},
		{name: "file storage with memory queue", mutate: func(c *Config) { c.Storage.Driver = "file" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, "config.json", sampleJSON))
			cfg, err := m.Parse()
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestFileSourceReadsFreshEachCall(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", sampleJSON)
	src := NewFileSource(NewManager(path))

	snap, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.QueueThreshold != 100 {
		t.Fatalf("threshold = %d", snap.QueueThreshold)
	}

	updated := strings.Replace(sampleJSON, `"queue_threshold": 100`, `"queue_threshold": 7`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	snap, err = src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.QueueThreshold != 7 {
		t.Fatalf("threshold after edit = %d, want 7", snap.QueueThreshold)
	}
}

func TestFileSourceInvalidFile(t *testing.T) {
	t.Parallel()

	src := NewFileSource(NewManager(writeFile(t, "config.json", `{"invite": {}}`)))
	if _, err := src.Snapshot(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", sampleJSON)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleJSON, `"queue_threshold": 100`, `"queue_threshold": 3`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Invite.QueueThreshold != 3 {
			t.Fatalf("published threshold = %d", cfg.Invite.QueueThreshold)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Invite: InviteConfig{ChannelUsername: "a"}}
	newCfg := &Config{Invite: InviteConfig{ChannelUsername: "b"}, Queue: QueueConfig{Driver: "redis"}}

	sections, _ := SummarizeChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "queue,invite" {
		t.Fatalf("sections = %v", sections)
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "queue" {
		t.Fatalf("RestartRequired = %v", got)
	}
}
