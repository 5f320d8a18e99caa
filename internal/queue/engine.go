package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "inviter/internal/runtime/supervisor"
	logx "inviter/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Config controls the worker engine. The app layer maps config.queue into it.
type Config struct {
	Workers      int
	PollInterval time.Duration

	// JobTimeout bounds one handler invocation. Keep it below the broker lease.
	JobTimeout time.Duration

	// RetryMax bounds re-deliveries after infrastructure failures.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// MaxDelay caps any handler-requested RetryAfter delay.
	MaxDelay time.Duration

	HistorySize int

	// Circuit breaker over consecutive infrastructure failures per kind.
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 24 * time.Hour
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Result is what a handler reports besides its error.
type Result struct {
	// Cooldown idles the worker that ran the job before it claims another.
	Cooldown time.Duration
}

// Handler processes jobs of one kind.
type Handler interface {
	Handle(ctx context.Context, job Job) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }

// DeadHandler is optionally implemented by handlers that need to observe
// jobs leaving circulation without a successful run.
type DeadHandler interface {
	OnDead(ctx context.Context, job Job, err error)
}

type Outcome string

const (
	OutcomeAck   Outcome = "ack"
	OutcomeRetry Outcome = "retry"
	OutcomeDead  Outcome = "dead"
)

type HistoryItem struct {
	ID       string
	Kind     string
	Attempt  int
	Started  time.Time
	Duration time.Duration
	Outcome  Outcome
	RunAt    time.Time // next delivery, for OutcomeRetry
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running      bool
	Workers      int
	Kinds        []string
	InFlight     int
	Cooling      int
	Acked        uint64
	Retried      uint64
	Dead         uint64
	ClaimErrors  uint64
	CircuitsOpen int
	History      []HistoryItem
}

// Engine claims jobs from a Broker and runs them on a worker pool.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	broker   Broker
	handlers map[string]Handler

	sup    *rtsup.Supervisor
	wake   chan struct{}
	stopCh chan struct{}

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	inFlight    int32
	cooling     int32
	acked       uint64
	retried     uint64
	dead        uint64
	claimErrors uint64

	lastClaimWarnAt int64
}

func NewEngine(cfg Config, broker Broker, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		log:      log,
		broker:   broker,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

func (e *Engine) Broker() Broker { return e.broker }

// Register binds a handler to a job kind. Register before Start.
func (e *Engine) Register(kind string, h Handler) {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return
	}
	e.mu.Lock()
	e.handlers[kind] = h
	e.mu.Unlock()
}

// Apply updates retry and pacing settings. Worker count changes take effect
// on the next Start.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.handlers))
	for k := range e.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) handler(kind string) Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[kind]
}

// Enqueue stores job and wakes an idle worker.
func (e *Engine) Enqueue(ctx context.Context, job Job) error {
	if err := e.broker.Enqueue(ctx, job); err != nil {
		return err
	}
	e.notify()
	return nil
}

// Depth proxies Broker.Depth.
func (e *Engine) Depth(ctx context.Context, kind string) (int, error) {
	return e.broker.Depth(ctx, kind)
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers. It is idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.sup != nil {
		e.mu.Unlock()
		return
	}
	cfg := e.cfg
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log),
		// job failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	e.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			e.worker(c, stopCh, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	e.log.Info("queue engine started", logx.Int("workers", cfg.Workers), logx.Any("kinds", e.kinds()))
}

// Stop signals the workers and waits for in-flight jobs until ctx is done.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	sup := e.sup
	stopCh := e.stopCh
	e.sup = nil
	e.stopCh = nil
	e.mu.Unlock()
	if sup == nil {
		return
	}
	close(stopCh)
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		e.log.Warn("queue engine stop timed out", logx.Err(err))
		return
	}
	e.log.Info("queue engine stopped")
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	running := e.sup != nil
	cfg := e.cfg
	e.mu.Unlock()

	e.hmu.Lock()
	h := make([]HistoryItem, len(e.history))
	copy(h, e.history)
	e.hmu.Unlock()

	return Snapshot{
		Running:      running,
		Workers:      cfg.Workers,
		Kinds:        e.kinds(),
		InFlight:     int(atomic.LoadInt32(&e.inFlight)),
		Cooling:      int(atomic.LoadInt32(&e.cooling)),
		Acked:        atomic.LoadUint64(&e.acked),
		Retried:      atomic.LoadUint64(&e.retried),
		Dead:         atomic.LoadUint64(&e.dead),
		ClaimErrors:  atomic.LoadUint64(&e.claimErrors),
		CircuitsOpen: e.circuits.countOpen(time.Now()),
		History:      h,
	}
}

func (e *Engine) record(item HistoryItem, size int) {
	e.hmu.Lock()
	e.history = append(e.history, item)
	if len(e.history) > size {
		e.history = e.history[len(e.history)-size:]
	}
	e.hmu.Unlock()
}

func (e *Engine) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
