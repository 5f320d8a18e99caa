package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects documents that would leave the dispatcher misconfigured.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	ic := cfg.Invite
	if strings.TrimSpace(ic.ChannelUsername) == "" {
		add("invite.channel_username is required")
	}
	if ic.QueueThreshold < 0 {
		add("invite.queue_threshold must be >= 0")
	}
	if ic.PauseMinSeconds < 0 || ic.PauseMaxSeconds < 0 {
		add("invite.pause_min_seconds/pause_max_seconds must be >= 0")
	}
	if ic.PauseMinSeconds > ic.PauseMaxSeconds {
		add("invite.pause_min_seconds (%d) must be <= pause_max_seconds (%d)", ic.PauseMinSeconds, ic.PauseMaxSeconds)
	}
	if ic.MaxRetries != nil && *ic.MaxRetries < 0 {
		add("invite.max_retries must be >= 0")
	}

	seen := make(map[string]struct{}, len(ic.Accounts))
	for i, a := range ic.Accounts {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			add("invite.accounts[%d].name is required", i)
			continue
		}
		if _, dup := seen[name]; dup {
			add("invite.accounts[%d].name %q is duplicated", i, name)
		}
		seen[name] = struct{}{}
	}

	if snap, err := BuildSnapshot(cfg); err != nil {
		errs = append(errs, err)
	} else if snap.PeerFloodMin > snap.PeerFloodMax {
		add("invite.peer_flood_min must be <= invite.peer_flood_max")
	}

	if cfg.Monitor.IntervalSeconds < 0 {
		add("monitor.interval_seconds must be >= 0")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3":
		if d != "" && strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required when storage.driver=sqlite")
		}
	case "file":
	default:
		add("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	q := cfg.Queue
	switch d := strings.ToLower(strings.TrimSpace(q.Driver)); d {
	case "", "memory", "sqlite":
	case "redis", "valkey":
		if strings.TrimSpace(q.Redis.Addr) == "" {
			add("queue.redis.addr is required when queue.driver=%s", d)
		}
	default:
		add("unknown queue.driver: %s", q.Driver)
	}
	// The file store replays its journal only at open, so a second process
	// would never see batches or audits written by the other.
	if sd, qd := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)), strings.ToLower(strings.TrimSpace(q.Driver)); sd == "file" && qd != "" && qd != "memory" {
		add("storage.driver=file is single-process; use storage.driver=sqlite with queue.driver=%s", qd)
	}
	if q.Workers < 0 {
		add("queue.workers must be >= 0")
	}
	if q.RetryMax < 0 {
		add("queue.retry_max must be >= 0")
	}
	for key, raw := range map[string]string{
		"queue.poll_interval":   q.PollInterval,
		"queue.retry_base":      q.RetryBase,
		"queue.retry_max_delay": q.RetryMaxDelay,
		"queue.max_delay":       q.MaxDelay,
		"queue.lease":           q.Lease,
		"bridge.timeout":        cfg.Bridge.Timeout,
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add("notifier: workers/queue_size/rate_per_sec/retry_max must be >= 0")
		}
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
