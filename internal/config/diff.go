package config

import (
	"reflect"
	"strings"

	logx "inviter/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe fields for
// logging. Secrets (bot token, api hashes, session strings, passwords) are
// never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.alert_chat", newCfg.Telegram.AlertChat),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.Int("queue.workers", newCfg.Queue.Workers),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs, logx.Int("monitor.interval_seconds", newCfg.Monitor.IntervalSeconds))
	}
	if !reflect.DeepEqual(oldCfg.Bridge, newCfg.Bridge) {
		changed = append(changed, "bridge")
	}
	if !reflect.DeepEqual(oldCfg.Invite, newCfg.Invite) {
		changed = append(changed, "invite")
		active := 0
		for _, a := range newCfg.Invite.Accounts {
			if a.IsActive {
				active++
			}
		}
		attrs = append(attrs,
			logx.String("invite.channel", newCfg.Invite.ChannelUsername),
			logx.Int("invite.queue_threshold", newCfg.Invite.QueueThreshold),
			logx.Int("invite.accounts", len(newCfg.Invite.Accounts)),
			logx.Int("invite.accounts_active", active),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections that are only read at boot.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "queue", "bridge", "telegram":
			out = append(out, s)
		}
	}
	return out
}
