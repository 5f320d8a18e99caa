package app

import (
	"fmt"
	"strings"
	"time"

	"inviter/internal/config"
	"inviter/internal/messaging/bridge"
	"inviter/internal/notifier"
	"inviter/internal/queue"
	"inviter/internal/storage"
	"inviter/internal/transport"
	logx "inviter/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.AlertChat,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = storage.DefaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// queueDriver resolves the broker driver. An empty value follows storage:
// a sqlite store doubles as a durable queue, anything else stays in memory.
func queueDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	if d == "valkey" {
		d = "redis"
	}
	if d != "" {
		return d
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		return "sqlite"
	default:
		return "memory"
	}
}

type queueSettings struct {
	Driver string
	Lease  time.Duration
	Engine queue.Config
}

func mapQueueConfig(cfg *config.Config) (queueSettings, error) {
	q := cfg.Queue
	var (
		out queueSettings
		err error
	)
	out.Driver = queueDriver(cfg)
	if out.Lease, err = config.ParseDurationOrDefault("queue.lease", q.Lease, queue.DefaultLease); err != nil {
		return queueSettings{}, err
	}

	ec := queue.Config{
		Workers:     q.Workers,
		RetryMax:    q.RetryMax,
		HistorySize: q.HistorySize,
	}
	if ec.RetryMax == 0 {
		ec.RetryMax = 5
	}
	if ec.PollInterval, err = config.ParseDurationField("queue.poll_interval", q.PollInterval); err != nil {
		return queueSettings{}, err
	}
	if ec.RetryBase, err = config.ParseDurationField("queue.retry_base", q.RetryBase); err != nil {
		return queueSettings{}, err
	}
	if ec.RetryMaxDelay, err = config.ParseDurationField("queue.retry_max_delay", q.RetryMaxDelay); err != nil {
		return queueSettings{}, err
	}
	if ec.MaxDelay, err = config.ParseDurationField("queue.max_delay", q.MaxDelay); err != nil {
		return queueSettings{}, err
	}
	// A handler must finish well inside its lease or another worker may
	// claim the same job.
	ec.JobTimeout = min(5*time.Minute, out.Lease/2)
	out.Engine = ec
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	target := transport.ChatTarget{ChatID: cfg.Telegram.AlertChat, ThreadID: cfg.Telegram.AlertThread}
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, RetryMax: 3, Target: target}, nil
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		Target:        target,
	}, nil
}

func mapBridgeConfig(cfg *config.Config) (bridge.Config, error) {
	timeout, err := config.ParseDurationOrDefault("bridge.timeout", cfg.Bridge.Timeout, bridge.DefaultTimeout)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{
		BaseURL: cfg.Bridge.BaseURL,
		Token:   cfg.Bridge.Token,
		Timeout: timeout,
	}, nil
}

type monitorSettings struct {
	Enabled        bool
	Interval       time.Duration
	CheckOnEnqueue bool
}

func mapMonitorConfig(cfg *config.Config) monitorSettings {
	m := cfg.Monitor
	out := monitorSettings{
		Enabled:        m.Enabled == nil || *m.Enabled,
		Interval:       config.DefaultMonitorInterval,
		CheckOnEnqueue: m.CheckOnEnqueue,
	}
	if m.IntervalSeconds > 0 {
		out.Interval = time.Duration(m.IntervalSeconds) * time.Second
	}
	return out
}
