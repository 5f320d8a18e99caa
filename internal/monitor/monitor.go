// Package monitor watches the invite backlog and raises an operator alert
// when the number of waiting jobs exceeds the configured threshold.
//
// The monitor is stateless between ticks: every tick re-reads the threshold,
// and a backlog that stays high is reported again on each tick.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"inviter/internal/config"
	"inviter/internal/notifier"
	logx "inviter/pkg/logx"
)

// Kind is the job kind whose depth is measured.
const Kind = "invite"

const tickTimeout = 10 * time.Second

type DepthSource interface {
	Depth(ctx context.Context, kind string) (int, error)
}

type Alerter interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Report is the result of one check.
type Report struct {
	Depth     int
	Threshold int
	Over      bool
}

type Monitor struct {
	src    config.SnapshotSource
	q      DepthSource
	alerts Alerter
	log    logx.Logger
	parser cron.Parser

	mu       sync.Mutex
	c        *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	runCtx   context.Context
}

func New(src config.SnapshotSource, q DepthSource, alerts Alerter, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		src:      src,
		q:        q,
		alerts:   alerts,
		log:      log,
		parser:   cron.NewParser(cron.Descriptor),
		interval: config.DefaultMonitorInterval,
	}
}

// Check measures the backlog against a fresh threshold without alerting.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	snap, err := m.src.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read settings: %w", err)
	}
	depth, err := m.q.Depth(ctx, Kind)
	if err != nil {
		return Report{}, fmt.Errorf("queue depth: %w", err)
	}
	return Report{Depth: depth, Threshold: snap.QueueThreshold, Over: depth > snap.QueueThreshold}, nil
}

// Tick runs one check and emits a single alert when the backlog is over the
// threshold. Errors are logged and the tick is skipped.
func (m *Monitor) Tick(ctx context.Context) {
	rep, err := m.Check(ctx)
	if err != nil {
		m.log.Warn("backlog check skipped", logx.Err(err))
		return
	}
	if !rep.Over {
		m.log.Debug("backlog ok", logx.Int("depth", rep.Depth), logx.Int("threshold", rep.Threshold))
		return
	}
	m.log.Warn("backlog over threshold", logx.Int("depth", rep.Depth), logx.Int("threshold", rep.Threshold))
	if m.alerts == nil {
		return
	}
	err = m.alerts.Notify(ctx, notifier.Notification{
		Source:   "monitor",
		Priority: notifier.PriorityWarn,
		Text:     fmt.Sprintf("Invite queue backlog: %d jobs waiting (threshold %d)", rep.Depth, rep.Threshold),
	})
	if err != nil {
		m.log.Debug("backlog alert not queued", logx.Err(err))
	}
}

// Start registers the periodic trigger. A non-positive interval uses the
// default.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	if interval <= 0 {
		interval = config.DefaultMonitorInterval
	}
	m.runCtx = ctx
	m.interval = interval
	m.c = cron.New(cron.WithParser(m.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if err := m.addLocked(); err != nil {
		m.c = nil
		return err
	}
	m.c.Start()
	m.log.Info("monitor started", logx.Duration("interval", interval))
	return nil
}

// Apply re-registers the trigger when the interval changed. It is a no-op
// while the monitor is stopped.
func (m *Monitor) Apply(interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultMonitorInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil || interval == m.interval {
		m.interval = interval
		return
	}
	old := m.entry
	m.interval = interval
	if err := m.addLocked(); err != nil {
		m.log.Warn("monitor reschedule failed", logx.Err(err))
		return
	}
	m.c.Remove(old)
	m.log.Info("monitor rescheduled", logx.Duration("interval", interval))
}

func (m *Monitor) addLocked() error {
	ctx := m.runCtx
	id, err := m.c.AddFunc("@every "+m.interval.String(), func() {
		if ctx.Err() != nil {
			return
		}
		tctx, cancel := context.WithTimeout(ctx, tickTimeout)
		defer cancel()
		m.Tick(tctx)
	})
	if err != nil {
		return fmt.Errorf("schedule monitor every %s: %w", m.interval, err)
	}
	m.entry = id
	return nil
}

// Interval is the active trigger period.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("monitor stopped")
}
