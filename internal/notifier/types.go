package notifier

import (
	"time"

	"inviter/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// Target is where alerts go when a Notification leaves it zero.
	Target transport.ChatTarget
}

// Notification is one alert.
type Notification struct {
	// Source tags the emitting component (monitor, invite); used in logs.
	Source   string
	Priority int
	Target   transport.ChatTarget
	Text     string
	Options  *transport.SendOptions
}

// Priorities used by the invite service and the backlog monitor.
const (
	PriorityInfo    = 5
	PriorityWarn    = 7
	PriorityCritical = 9
)

type HistoryItem struct {
	At     time.Time
	Source string
	Text   string
}
