package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"inviter/internal/config"
	"inviter/internal/invite"
	"inviter/internal/messaging/bridge"
	"inviter/internal/monitor"
	"inviter/internal/notifier"
	"inviter/internal/queue"
	"inviter/internal/queue/valkeybroker"
	rtsup "inviter/internal/runtime/supervisor"
	"inviter/internal/storage"
	"inviter/internal/transport"
	"inviter/internal/transport/telegram"
	logx "inviter/pkg/logx"
)

// App runs the dispatcher: queue workers executing invite jobs, the backlog
// monitor, the alert notifier and config hot reload.
type App struct {
	cfgm *config.Manager
	src  config.SnapshotSource
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	broker  queue.Broker
	engine  *queue.Engine
	exec    *invite.Executor
	notif   *notifier.Service
	mon     *monitor.Monitor
	invites *invite.Service

	mu     sync.Mutex
	monCfg monitorSettings
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	var sender transport.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Offline: cfg.Telegram.Offline}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}

	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	src := config.NewFileSource(cfgm)
	store, broker, err := openBackends(cfg, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	closeAll := func() {
		_ = broker.Close()
		_ = store.Close()
		_ = logSvc.Close()
	}

	qs, err := mapQueueConfig(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	bcfg, err := mapBridgeConfig(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	dialer, err := bridge.New(bcfg, root.With(logx.String("comp", "bridge")))
	if err != nil {
		closeAll()
		return nil, err
	}

	notif := notifier.New(ncfg, sender, root.With(logx.String("comp", "notifier")))
	engine := queue.NewEngine(qs.Engine, broker, root.With(logx.String("comp", "queue")))
	exec := invite.NewExecutor(src, store, dialer, notif, root.With(logx.String("comp", "invite")))
	engine.Register(invite.Kind, exec)

	mon := monitor.New(src, engine, notif, root.With(logx.String("comp", "monitor")))
	invites := invite.NewService(src, engine, store, root.With(logx.String("comp", "invite")))

	log.Info("app configured",
		logx.String("config", cfgPath),
		logx.String("queue", qs.Driver),
		logx.Int("workers", qs.Engine.Workers),
		logx.Bool("alerts", sender != nil),
	)

	return &App{
		cfgm:    cfgm,
		src:     src,
		log:     log,
		logs:    logSvc,
		store:   store,
		broker:  broker,
		engine:  engine,
		exec:    exec,
		notif:   notif,
		mon:     mon,
		invites: invites,
		monCfg:  mapMonitorConfig(cfg),
	}, nil
}

// openBackends opens the store and the job broker the config selects.
func openBackends(cfg *config.Config, log logx.Logger) (storage.Store, queue.Broker, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	qs, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	broker, err := openBroker(qs, cfg.Queue.Redis, store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, broker, nil
}

func openBroker(qs queueSettings, rc config.RedisConfig, store storage.Store) (queue.Broker, error) {
	switch qs.Driver {
	case "memory":
		return queue.NewMemoryBroker(qs.Lease), nil
	case "sqlite":
		bs, ok := store.(interface {
			Broker(lease time.Duration) queue.Broker
		})
		if !ok {
			return nil, errors.New("queue.driver=sqlite requires storage.driver=sqlite")
		}
		return bs.Broker(qs.Lease), nil
	case "redis":
		b, err := valkeybroker.New(valkeybroker.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
			Lease:    qs.Lease,
		})
		if err != nil {
			return nil, fmt.Errorf("open queue: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown queue.driver: %s", qs.Driver)
	}
}

// Invites exposes the operator service (enqueue, bulk, status).
func (a *App) Invites() *invite.Service { return a.invites }

func (a *App) Monitor() *monitor.Monitor { return a.mon }

func (a *App) Engine() *queue.Engine { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.engine.Start(run)

	a.mu.Lock()
	mc := a.monCfg
	a.mu.Unlock()
	if mc.Enabled {
		if err := a.mon.Start(run, mc.Interval); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	a.applyEnqueueCheck(mc)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyEnqueueCheck(mc monitorSettings) {
	if mc.Enabled && mc.CheckOnEnqueue {
		a.invites.SetAfterEnqueue(a.mon.Tick)
		return
	}
	a.invites.SetAfterEnqueue(nil)
}

func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes a validated config into the running components. Settings the
// executor and monitor read per call need nothing here: they take a fresh
// snapshot each time.
func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if qs, err := mapQueueConfig(newCfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(qs.Engine)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	mc := mapMonitorConfig(newCfg)
	a.mu.Lock()
	prev := a.monCfg
	a.monCfg = mc
	a.mu.Unlock()
	switch {
	case prev.Enabled && !mc.Enabled:
		a.log.Info("monitor disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.mon.Stop(stopCtx)
		cancel()
	case !prev.Enabled && mc.Enabled:
		a.log.Info("monitor enabled via config")
		if err := a.mon.Start(c, mc.Interval); err != nil {
			a.log.Warn("monitor start failed", logx.Err(err))
		}
	default:
		a.mon.Apply(mc.Interval)
	}
	a.applyEnqueueCheck(mc)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "monitor", time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	// In-flight jobs finish or are abandoned to their lease.
	a.step(ctx, "queue", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "broker", time.Second, func(context.Context) error { return a.broker.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	es := a.engine.Snapshot()
	ns := a.notif.Stats()
	a.log.Info("stopped",
		logx.Uint64("jobs_acked", es.Acked),
		logx.Uint64("jobs_retried", es.Retried),
		logx.Uint64("jobs_dead", es.Dead),
		logx.Uint64("alerts_sent", ns.Sent),
		logx.Uint64("alerts_failed", ns.Failed),
		logx.Uint64("alerts_dropped", ns.Dropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Client is the one-shot operator surface used by CLI commands: it shares
// the worker's store and broker but runs no workers.
type Client struct {
	Invites *invite.Service
	Monitor *monitor.Monitor

	store  storage.Store
	broker queue.Broker
}

// OpenClient loads the config and opens the store and broker. The memory
// broker is refused since jobs queued there would never reach a worker.
func OpenClient(cfgPath string, log logx.Logger) (*Client, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if queueDriver(cfg) == "memory" {
		return nil, errors.New("queue.driver=memory is local to the worker process; use sqlite or redis to enqueue from the CLI")
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "file") {
		return nil, errors.New("storage.driver=file is local to the worker process; use sqlite to share batches with the CLI")
	}
	store, broker, err := openBackends(cfg, log)
	if err != nil {
		return nil, err
	}
	src := config.NewFileSource(cfgm)
	eng := queue.NewEngine(queue.Config{}, broker, log)
	return &Client{
		Invites: invite.NewService(src, eng, store, log),
		Monitor: monitor.New(src, eng, nil, log),
		store:   store,
		broker:  broker,
	}, nil
}

func (c *Client) Close() error {
	return errors.Join(c.broker.Close(), c.store.Close())
}
