package invite

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"inviter/internal/config"
	"inviter/internal/messaging"
	"inviter/internal/notifier"
	"inviter/internal/queue"
	"inviter/internal/storage"
	logx "inviter/pkg/logx"
)

const (
	cleanupTimeout = 15 * time.Second
	auditTimeout   = 5 * time.Second
)

// Store is the slice of storage the executor needs.
type Store interface {
	UsageSource
	HandledSource
	AppendAudit(ctx context.Context, r storage.AuditRecord) error
	AuditByJob(ctx context.Context, jobID string) ([]storage.AuditRecord, error)
	IncrementBatch(ctx context.Context, id string) (storage.Batch, bool, error)
}

// Alerter receives operator alerts. notifier.Service implements it.
type Alerter interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Executor runs one invite job per Handle call.
type Executor struct {
	src    config.SnapshotSource
	store  Store
	dialer messaging.Dialer
	alerts Alerter
	log    logx.Logger

	selector *Selector
	dedup    *Dedup

	randN func(n int64) int64
	now   func() time.Time
}

var (
	_ queue.Handler     = (*Executor)(nil)
	_ queue.DeadHandler = (*Executor)(nil)
)

// NewExecutor wires an executor. alerts may be nil.
func NewExecutor(src config.SnapshotSource, store Store, dialer messaging.Dialer, alerts Alerter, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		src:      src,
		store:    store,
		dialer:   dialer,
		alerts:   alerts,
		log:      log,
		selector: NewSelector(store),
		dedup:    NewDedup(store),
		randN:    rand.Int64N,
		now:      time.Now,
	}
}

// invocation carries one Handle call's inputs.
type invocation struct {
	job     queue.Job
	payload Payload
	snap    config.Snapshot
	channel string
	target  string
}

type outcome struct {
	status  string
	reason  string
	account string
	// retry is the re-delivery delay for StatusRetryScheduled.
	retry time.Duration
	// unavailable marks a platform or transport failure after a credential
	// was picked: audited, then left to the engine's backoff.
	unavailable bool
	cause       error
}

// Handle runs the invite state machine. Platform outcomes are audited and
// returned as nil (terminal) or queue.RetryAfter. A returned plain error is
// an infrastructure failure and leaves the job to the engine's backoff; it
// is audited only when a credential was already in use.
func (e *Executor) Handle(ctx context.Context, job queue.Job) (queue.Result, error) {
	var p Payload
	if err := job.Decode(&p); err != nil {
		return queue.Result{}, err
	}
	snap, err := e.src.Snapshot(ctx)
	if err != nil {
		return queue.Result{}, fmt.Errorf("config snapshot: %w", err)
	}

	inv := &invocation{job: job, payload: p, snap: snap, channel: p.Channel, target: strings.TrimSpace(p.Target)}
	if inv.channel == "" {
		inv.channel = snap.Channel
	}
	log := e.log.With(
		logx.String("job", job.ID),
		logx.String("channel", inv.channel),
		logx.Int("attempt", job.Attempt),
	)

	out, err := e.execute(ctx, inv, log)
	if err != nil {
		return queue.Result{}, err
	}
	return e.settle(ctx, inv, out, log)
}

func (e *Executor) execute(ctx context.Context, inv *invocation, log logx.Logger) (outcome, error) {
	target, err := NormalizeTarget(inv.target)
	if err != nil {
		return outcome{status: StatusFailed, reason: ReasonInvalidTarget, cause: err}, nil
	}
	inv.target = target.String()

	dup, err := e.dedup.AlreadyHandled(ctx, inv.target, inv.channel, inv.snap.DedupWindow)
	if err != nil {
		return outcome{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if dup {
		return outcome{status: StatusSkipped, reason: ReasonDuplicate}, nil
	}

	cred, err := e.selector.Select(ctx, inv.snap)
	if errors.Is(err, ErrNoActiveAccounts) {
		return outcome{status: StatusFailed, reason: ReasonNoActiveAccounts, cause: err}, nil
	}
	if err != nil {
		return outcome{}, err
	}

	out, err := e.drive(ctx, inv, cred, target, log.With(logx.String("account", cred.Name), logx.String("target", inv.target)))
	if err != nil {
		return outcome{}, err
	}
	out.account = cred.Name
	return out, nil
}

// drive talks to the platform with cred. Imported contacts are removed on
// every path; cleanup errors are logged and never change the outcome.
func (e *Executor) drive(ctx context.Context, inv *invocation, cred config.Credential, target Target, log logx.Logger) (outcome, error) {
	client, err := e.dialer.Open(ctx, cred)
	if err != nil {
		return e.classify(ctx, inv, cred, err, log)
	}

	var imported []messaging.UserRef
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if len(imported) > 0 {
			if cerr := client.DeleteContacts(cctx, imported); cerr != nil {
				log.Warn("contact cleanup failed", logx.Err(cerr))
			}
		}
		if cerr := client.Close(); cerr != nil {
			log.Debug("session close failed", logx.Err(cerr))
		}
	}()

	var user messaging.UserRef
	if target.Kind == TargetPhone {
		user, err = client.ImportContact(ctx, target.Value)
		if err == nil {
			imported = append(imported, user)
		}
	} else {
		user, err = client.ResolveHandle(ctx, target.Value)
	}
	if err != nil {
		return e.classify(ctx, inv, cred, err, log)
	}

	member, err := client.IsParticipant(ctx, inv.channel, user)
	if err != nil {
		return e.classify(ctx, inv, cred, err, log)
	}
	if member {
		return outcome{status: StatusAlreadyMember}, nil
	}

	err = client.InviteToChannel(ctx, inv.channel, user)
	switch {
	case err == nil:
		return outcome{status: StatusInvited}, nil
	case messaging.IsPrivacy(err):
		log.Info("direct invite refused; sending link", logx.Err(err))
		return e.sendLink(ctx, inv, cred, client, user, log)
	default:
		return e.classify(ctx, inv, cred, err, log)
	}
}

func (e *Executor) sendLink(ctx context.Context, inv *invocation, cred config.Credential, client messaging.Client, user messaging.UserRef, log logx.Logger) (outcome, error) {
	link, err := client.ExportInviteLink(ctx, inv.channel)
	if err != nil {
		return e.classify(ctx, inv, cred, err, log)
	}
	if err := client.SendMessage(ctx, user, FallbackText(inv.snap.FailureMessage, inv.channel, link)); err != nil {
		return e.classify(ctx, inv, cred, err, log)
	}
	return outcome{status: StatusLinkSent}, nil
}

// FallbackText renders the failure message with {{channel}} substituted,
// followed by the invite link on its own line.
func FallbackText(template, channel, link string) string {
	msg := strings.ReplaceAll(template, "{{channel}}", channel)
	if strings.TrimSpace(msg) == "" {
		return link
	}
	return msg + "\n" + link
}

// classify maps a platform error to an outcome. Transport failures and
// context expiry become unavailable outcomes for the engine to retry.
func (e *Executor) classify(ctx context.Context, inv *invocation, cred config.Credential, err error, log logx.Logger) (outcome, error) {
	switch {
	case errors.Is(err, messaging.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return outcome{status: StatusRetryScheduled, reason: ReasonUnavailable + ": " + err.Error(), unavailable: true, cause: err}, nil
	}

	fw, flood := messaging.AsFloodWait(err)
	if !flood && !errors.Is(err, messaging.ErrPeerFlood) {
		return e.classifyTerminal(err, log), nil
	}
	retries, lerr := e.floodRetries(ctx, inv.job.ID)
	if lerr != nil {
		return outcome{}, fmt.Errorf("flood retry count: %w", lerr)
	}
	exhausted := retries >= inv.snap.MaxRetries

	if flood {
		if exhausted {
			return outcome{status: StatusFailed, reason: ReasonFloodWaitExhausted, cause: err}, nil
		}
		return outcome{status: StatusRetryScheduled, reason: ReasonFloodWait, retry: fw.Wait() + inv.snap.FloodMargin, cause: err}, nil
	}

	log.Warn("account hit peer flood", logx.String("account", cred.Name), logx.Int("flood_retries", retries), logx.Bool("exhausted", exhausted))
	if exhausted {
		return outcome{status: StatusFailed, reason: ReasonPeerFloodExhausted, cause: err}, nil
	}
	return outcome{status: StatusRetryScheduled, reason: ReasonPeerFlood, retry: e.between(inv.snap.PeerFloodMin, inv.snap.PeerFloodMax), cause: err}, nil
}

func (e *Executor) classifyTerminal(err error, log logx.Logger) outcome {
	switch {
	case errors.Is(err, messaging.ErrNotPlatformUser):
		return outcome{status: StatusFailed, reason: ReasonNotPlatformUser, cause: err}
	case errors.Is(err, messaging.ErrAlreadyParticipant):
		return outcome{status: StatusAlreadyMember}
	case messaging.IsPrivacy(err):
		return outcome{status: StatusFailed, reason: ReasonPrivacyRestricted, cause: err}
	default:
		log.Error("unclassified platform error", logx.Err(err))
		return outcome{status: StatusFailed, reason: err.Error(), cause: err}
	}
}

// floodRetries counts the flood and peer-flood re-deliveries already audited
// for the job. Engine backoff after infrastructure errors does not count.
func (e *Executor) floodRetries(ctx context.Context, jobID string) (int, error) {
	recs, err := e.store.AuditByJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.Status == StatusRetryScheduled && (r.Reason == ReasonFloodWait || r.Reason == ReasonPeerFlood) {
			n++
		}
	}
	return n, nil
}

// settle writes the audit record, advances the batch on terminal outcomes
// and turns the outcome into the engine's result.
func (e *Executor) settle(ctx context.Context, inv *invocation, out outcome, log logx.Logger) (queue.Result, error) {
	rec := storage.AuditRecord{
		JobID:   inv.job.ID,
		Account: out.account,
		Channel: inv.channel,
		Target:  inv.target,
		Status:  out.status,
		Reason:  out.reason,
		Attempt: inv.job.Attempt,
		At:      e.now().UTC(),
	}
	// The platform may already have acted; record it even if ctx expired.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	err := e.store.AppendAudit(actx, rec)
	cancel()
	if err != nil {
		if out.unavailable {
			return queue.Result{}, errors.Join(out.cause, fmt.Errorf("append audit: %w", err))
		}
		return queue.Result{}, fmt.Errorf("append audit: %w", err)
	}

	fields := []logx.Field{logx.String("status", out.status), logx.String("target", inv.target)}
	if out.account != "" {
		fields = append(fields, logx.String("account", out.account))
	}
	if out.reason != "" {
		fields = append(fields, logx.String("reason", out.reason))
	}

	if out.unavailable {
		log.Warn("platform unavailable; engine will retry", append(fields, logx.Err(out.cause))...)
		return queue.Result{}, out.cause
	}

	if out.status == StatusRetryScheduled {
		log.Info("invite retry scheduled", append(fields, logx.Duration("delay", out.retry))...)
		if out.reason == ReasonPeerFlood {
			e.alert(ctx, notifier.PriorityWarn, fmt.Sprintf("Account %s hit a peer flood; job %s retries in %s.", out.account, inv.job.ID, out.retry.Round(time.Second)))
		}
		return queue.Result{}, queue.RetryAfter(fmt.Errorf("%s: %w", out.reason, out.cause), out.retry)
	}

	if out.status == StatusFailed {
		log.Warn("invite failed", fields...)
		if alertable(out.reason) {
			e.alert(ctx, notifier.PriorityWarn, fmt.Sprintf("Invite of %s to %s failed (%s), account %q.", inv.target, inv.channel, out.reason, out.account))
		}
	} else {
		log.Info("invite finished", fields...)
	}

	e.advanceBatch(ctx, inv.payload.BatchID, log)

	var res queue.Result
	if out.account != "" {
		res.Cooldown = e.between(inv.snap.PauseMin, inv.snap.PauseMax)
	}
	return res, nil
}

// OnDead audits a job the engine gave up on and still advances its batch so
// the batch can complete.
func (e *Executor) OnDead(ctx context.Context, job queue.Job, err error) {
	var p Payload
	_ = job.Decode(&p)
	target := strings.TrimSpace(p.Target)
	if t, nerr := NormalizeTarget(target); nerr == nil {
		target = t.String()
	}
	channel := p.Channel
	if channel == "" {
		if snap, serr := e.src.Snapshot(ctx); serr == nil {
			channel = snap.Channel
		}
	}
	log := e.log.With(logx.String("job", job.ID), logx.String("target", target))

	rec := storage.AuditRecord{
		JobID:   job.ID,
		Channel: channel,
		Target:  target,
		Status:  StatusFailed,
		Reason:  ReasonDeadLetter + ": " + err.Error(),
		Attempt: job.Attempt,
		At:      e.now().UTC(),
	}
	if aerr := e.store.AppendAudit(ctx, rec); aerr != nil {
		log.Error("dead-letter audit failed", logx.Err(aerr))
	}
	e.advanceBatch(ctx, p.BatchID, log)
	e.alert(ctx, notifier.PriorityCritical, fmt.Sprintf("Invite job %s for %s dead-lettered: %v", job.ID, target, err))
}

func (e *Executor) advanceBatch(ctx context.Context, batchID string, log logx.Logger) {
	if batchID == "" {
		return
	}
	b, advanced, err := e.store.IncrementBatch(ctx, batchID)
	if err != nil {
		log.Error("batch progress update failed", logx.String("batch", batchID), logx.Err(err))
		return
	}
	if !advanced {
		log.Warn("batch already complete", logx.String("batch", batchID))
		return
	}
	if b.Done() {
		log.Info("batch complete", logx.String("batch", batchID), logx.Int("total", b.Total))
	}
}

func (e *Executor) alert(ctx context.Context, priority int, text string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, notifier.Notification{Source: "invite", Priority: priority, Text: text}); err != nil {
		e.log.Debug("alert not queued", logx.Err(err))
	}
}

// between returns a uniform duration in [lo, hi].
func (e *Executor) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return max(lo, 0)
	}
	return lo + time.Duration(e.randN(int64(hi-lo)+1))
}

func alertable(reason string) bool {
	switch reason {
	case ReasonNotPlatformUser, ReasonInvalidTarget:
		return false
	}
	return true
}
