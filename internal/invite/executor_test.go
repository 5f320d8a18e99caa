package invite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"inviter/internal/config"
	"inviter/internal/messaging"
	"inviter/internal/notifier"
	"inviter/internal/queue"
	"inviter/internal/storage"
	logx "inviter/pkg/logx"
)

// fakePlatform scripts the messaging capability and records calls.
type fakePlatform struct {
	mu sync.Mutex

	openErr     error
	importErr   error
	resolveErr  error
	memberErr   error
	member      bool
	inviteErrs  []error // consumed per call; nil when exhausted
	exportErr   error
	sendErr     error
	deleteErr   error
	link        string
	calls       map[string]int
	opened      []string
	messages    []string
	deletedRefs int
}

func newPlatform() *fakePlatform {
	return &fakePlatform{link: "https://t.me/+abc", calls: map[string]int{}}
}

func (f *fakePlatform) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakePlatform) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakePlatform) Open(ctx context.Context, cred config.Credential) (messaging.Client, error) {
	f.hit("open")
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	f.opened = append(f.opened, cred.Name)
	f.mu.Unlock()
	return &fakeClient{p: f}, nil
}

type fakeClient struct{ p *fakePlatform }

func (c *fakeClient) ImportContact(ctx context.Context, phone string) (messaging.UserRef, error) {
	c.p.hit("import")
	if c.p.importErr != nil {
		return messaging.UserRef{}, c.p.importErr
	}
	return messaging.UserRef{ID: 42, AccessHash: 7}, nil
}

func (c *fakeClient) DeleteContacts(ctx context.Context, users []messaging.UserRef) error {
	c.p.hit("delete")
	c.p.mu.Lock()
	c.p.deletedRefs += len(users)
	c.p.mu.Unlock()
	return c.p.deleteErr
}

func (c *fakeClient) ResolveHandle(ctx context.Context, handle string) (messaging.UserRef, error) {
	c.p.hit("resolve")
	if c.p.resolveErr != nil {
		return messaging.UserRef{}, c.p.resolveErr
	}
	return messaging.UserRef{ID: 43, Username: handle}, nil
}

func (c *fakeClient) IsParticipant(ctx context.Context, channel string, user messaging.UserRef) (bool, error) {
	c.p.hit("participant")
	return c.p.member, c.p.memberErr
}

func (c *fakeClient) InviteToChannel(ctx context.Context, channel string, user messaging.UserRef) error {
	c.p.hit("invite")
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if len(c.p.inviteErrs) == 0 {
		return nil
	}
	err := c.p.inviteErrs[0]
	c.p.inviteErrs = c.p.inviteErrs[1:]
	return err
}

func (c *fakeClient) ExportInviteLink(ctx context.Context, channel string) (string, error) {
	c.p.hit("export")
	return c.p.link, c.p.exportErr
}

func (c *fakeClient) SendMessage(ctx context.Context, user messaging.UserRef, text string) error {
	c.p.hit("send")
	if c.p.sendErr != nil {
		return c.p.sendErr
	}
	c.p.mu.Lock()
	c.p.messages = append(c.p.messages, text)
	c.p.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.p.hit("close")
	return nil
}

type fakeAlerts struct {
	mu    sync.Mutex
	texts []string
}

func (a *fakeAlerts) Notify(ctx context.Context, n notifier.Notification) error {
	a.mu.Lock()
	a.texts = append(a.texts, n.Text)
	a.mu.Unlock()
	return nil
}

func (a *fakeAlerts) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func testSnapshot() config.Snapshot {
	return config.Snapshot{
		Channel:        "@chan",
		FailureMessage: "Join {{channel}}",
		Credentials: []config.Credential{
			{Name: "alpha", Active: true},
			{Name: "beta", Active: true},
			{Name: "off", Active: false},
		},
		PauseMin:     2 * time.Second,
		PauseMax:     4 * time.Second,
		DedupWindow:  24 * time.Hour,
		MaxRetries:   3,
		FloodMargin:  5 * time.Second,
		PeerFloodMin: 30 * time.Minute,
		PeerFloodMax: 3 * time.Hour,
	}
}

type harness struct {
	exec     *Executor
	store    storage.Store
	platform *fakePlatform
	alerts   *fakeAlerts
	snap     *config.Snapshot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, platform: newPlatform(), alerts: &fakeAlerts{}}
	snap := testSnapshot()
	h.snap = &snap
	src := config.SourceFunc(func(ctx context.Context) (config.Snapshot, error) { return *h.snap, nil })
	h.exec = NewExecutor(src, st, h.platform, h.alerts, logx.Nop())
	return h
}

func inviteJob(t *testing.T, target string, attempt int) queue.Job {
	t.Helper()
	j, err := queue.NewJob(Kind, Payload{Target: target})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	j.Attempt = attempt
	return j
}

func (h *harness) lastAudit(t *testing.T, jobID string) storage.AuditRecord {
	t.Helper()
	recs, err := h.store.AuditByJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("AuditByJob: %v", err)
	}
	if len(recs) == 0 {
		t.Fatalf("no audit for job %s", jobID)
	}
	return recs[0]
}

func TestInviteSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	j := inviteJob(t, "+1 (555) 000-1111", 1)
	res, err := h.exec.Handle(context.Background(), j)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	rec := h.lastAudit(t, j.ID)
	if rec.Status != StatusInvited || rec.Account != "alpha" || rec.Target != "+15550001111" || rec.Channel != "@chan" {
		t.Fatalf("audit = %+v", rec)
	}
	if res.Cooldown < 2*time.Second || res.Cooldown > 4*time.Second {
		t.Fatalf("Cooldown = %v, want within [2s, 4s]", res.Cooldown)
	}
	if h.platform.count("delete") != 1 || h.platform.count("close") != 1 {
		t.Fatalf("cleanup calls: delete=%d close=%d", h.platform.count("delete"), h.platform.count("close"))
	}
}

func TestPrivacyFallsBackToLink(t *testing.T) {
	t.Parallel()
	for _, cause := range []error{messaging.ErrPrivacyRestricted, messaging.ErrNotMutualContact} {
		h := newHarness(t)
		h.platform.inviteErrs = []error{cause}

		j := inviteJob(t, "@Alice", 1)
		if _, err := h.exec.Handle(context.Background(), j); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if rec := h.lastAudit(t, j.ID); rec.Status != StatusLinkSent || rec.Target != "@alice" {
			t.Fatalf("audit = %+v", rec)
		}
		if len(h.platform.messages) != 1 || h.platform.messages[0] != "Join @chan\nhttps://t.me/+abc" {
			t.Fatalf("messages = %q", h.platform.messages)
		}
		if h.platform.count("import") != 0 || h.platform.count("delete") != 0 {
			t.Fatal("handle targets must not touch contacts")
		}
	}
}

func TestFloodWaitRetriesThenExhausts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.platform.inviteErrs = []error{
		&messaging.FloodWaitError{Seconds: 10},
		&messaging.FloodWaitError{Seconds: 10},
		&messaging.FloodWaitError{Seconds: 10},
		&messaging.FloodWaitError{Seconds: 10},
	}

	j := inviteJob(t, "+15550002222", 1)
	for attempt := 1; attempt <= 3; attempt++ {
		j.Attempt = attempt
		res, err := h.exec.Handle(context.Background(), j)
		d, ok := queue.AsRetryAfter(err)
		if !ok {
			t.Fatalf("attempt %d: err = %v, want RetryAfter", attempt, err)
		}
		if d != 15*time.Second {
			t.Fatalf("attempt %d: delay = %v, want 15s", attempt, d)
		}
		if res.Cooldown != 0 {
			t.Fatalf("retry must not pace the worker, got %v", res.Cooldown)
		}
		rec := h.lastAudit(t, j.ID)
		if rec.Status != StatusRetryScheduled || rec.Reason != ReasonFloodWait || rec.Attempt != attempt {
			t.Fatalf("attempt %d: audit = %+v", attempt, rec)
		}
	}

	j.Attempt = 4
	if _, err := h.exec.Handle(context.Background(), j); err != nil {
		t.Fatalf("exhausted attempt returned %v", err)
	}
	if rec := h.lastAudit(t, j.ID); rec.Status != StatusFailed || rec.Reason != ReasonFloodWaitExhausted {
		t.Fatalf("audit = %+v", rec)
	}
	recs, _ := h.store.AuditByJob(context.Background(), j.ID)
	if len(recs) != 4 {
		t.Fatalf("audit records = %d, want one per invocation", len(recs))
	}
	if h.platform.count("delete") != 4 {
		t.Fatalf("cleanup ran %d times, want 4", h.platform.count("delete"))
	}
}

func TestFloodWaitDuringImportIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.platform.importErr = &messaging.FloodWaitError{Seconds: 3}

	_, err := h.exec.Handle(context.Background(), inviteJob(t, "+15550003333", 1))
	if d, ok := queue.AsRetryAfter(err); !ok || d != 8*time.Second {
		t.Fatalf("err = %v (delay %v)", err, d)
	}
}

func TestPeerFloodUsesLongRandomDelayAndAlerts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.platform.inviteErrs = []error{messaging.ErrPeerFlood}

	_, err := h.exec.Handle(context.Background(), inviteJob(t, "+15550004444", 1))
	d, ok := queue.AsRetryAfter(err)
	if !ok {
		t.Fatalf("err = %v, want RetryAfter", err)
	}
	if d < 30*time.Minute || d > 3*time.Hour {
		t.Fatalf("delay = %v, want within [30m, 3h]", d)
	}
	alerts := h.alerts.all()
	if len(alerts) != 1 || !strings.Contains(alerts[0], "alpha") {
		t.Fatalf("alerts = %q", alerts)
	}
}

func TestPeerFloodExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.platform.inviteErrs = []error{messaging.ErrPeerFlood}

	j := inviteJob(t, "+15550005555", 4)
	for attempt := 1; attempt <= 3; attempt++ {
		prior := storage.AuditRecord{JobID: j.ID, Account: "beta", Channel: "@chan", Target: "+15550005555",
			Status: StatusRetryScheduled, Reason: ReasonPeerFlood, Attempt: attempt, At: time.Now().UTC()}
		if err := h.store.AppendAudit(context.Background(), prior); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	if _, err := h.exec.Handle(context.Background(), j); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec := h.lastAudit(t, j.ID); rec.Status != StatusFailed || rec.Reason != ReasonPeerFloodExhausted {
		t.Fatalf("audit = %+v", rec)
	}
}

func TestDedupShortCircuits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	first := inviteJob(t, "+15550006666", 1)
	if _, err := h.exec.Handle(context.Background(), first); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	opens := h.platform.count("open")

	for i := 0; i < 2; i++ {
		again := inviteJob(t, "+1 555 000 6666", 1)
		res, err := h.exec.Handle(context.Background(), again)
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		rec := h.lastAudit(t, again.ID)
		if rec.Status != StatusSkipped || rec.Account != "" {
			t.Fatalf("audit = %+v", rec)
		}
		if res.Cooldown != 0 {
			t.Fatalf("skipped job paced the worker: %v", res.Cooldown)
		}
	}
	if h.platform.count("open") != opens {
		t.Fatal("dedup hit must not open a session")
	}
}

func TestNoActiveAccounts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.snap.Credentials = []config.Credential{{Name: "off", Active: false}}

	j := inviteJob(t, "+15550007777", 1)
	res, err := h.exec.Handle(context.Background(), j)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec := h.lastAudit(t, j.ID); rec.Status != StatusFailed || rec.Reason != ReasonNoActiveAccounts {
		t.Fatalf("audit = %+v", rec)
	}
	if res.Cooldown != 0 || h.platform.count("open") != 0 {
		t.Fatal("no account was used, expected no cooldown and no session")
	}
}

func TestTerminalTargetOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		setup      func(p *fakePlatform)
		wantStatus string
		wantReason string
	}{
		{"not platform user", func(p *fakePlatform) { p.importErr = messaging.ErrNotPlatformUser }, StatusFailed, ReasonNotPlatformUser},
		{"already member", func(p *fakePlatform) { p.member = true }, StatusAlreadyMember, ""},
		{"already participant on invite", func(p *fakePlatform) { p.inviteErrs = []error{messaging.ErrAlreadyParticipant} }, StatusAlreadyMember, ""},
		{"unclassified", func(p *fakePlatform) { p.inviteErrs = []error{errors.New("CHANNEL_PRIVATE")} }, StatusFailed, "CHANNEL_PRIVATE"},
		{"cleanup failure ignored", func(p *fakePlatform) { p.deleteErr = errors.New("delete failed") }, StatusInvited, ""},
		{"link send fails", func(p *fakePlatform) {
			p.inviteErrs = []error{messaging.ErrPrivacyRestricted}
			p.sendErr = errors.New("USER_IS_BLOCKED")
		}, StatusFailed, "USER_IS_BLOCKED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tc.setup(h.platform)

			j := inviteJob(t, "+15550008888", 1)
			res, err := h.exec.Handle(context.Background(), j)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			rec := h.lastAudit(t, j.ID)
			if rec.Status != tc.wantStatus || rec.Reason != tc.wantReason {
				t.Fatalf("audit = %+v, want %s/%s", rec, tc.wantStatus, tc.wantReason)
			}
			if res.Cooldown == 0 {
				t.Fatal("terminal outcome after using an account must pace the worker")
			}
			if h.platform.count("delete") != 1 {
				t.Fatalf("cleanup ran %d times", h.platform.count("delete"))
			}
		})
	}
}

func TestInvalidTargetFailsWithoutAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	j := inviteJob(t, "not a target!", 1)
	if _, err := h.exec.Handle(context.Background(), j); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec := h.lastAudit(t, j.ID); rec.Status != StatusFailed || rec.Reason != ReasonInvalidTarget {
		t.Fatalf("audit = %+v", rec)
	}
}

func TestInfrastructureErrorsAreNotOutcomes(t *testing.T) {
	t.Parallel()

	t.Run("config unreadable", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.exec.src = config.StaticSource{Err: errors.New("permission denied")}
		j := inviteJob(t, "+15550009999", 1)
		if _, err := h.exec.Handle(context.Background(), j); err == nil {
			t.Fatal("expected error")
		}
		if recs, _ := h.store.AuditByJob(context.Background(), j.ID); len(recs) != 0 {
			t.Fatalf("audit written before a credential was used: %+v", recs)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		j := inviteJob(t, "+1", 1)
		j.Payload = []byte("{")
		if _, err := h.exec.Handle(context.Background(), j); !queue.IsNoRetry(err) {
			t.Fatalf("err = %v, want NoRetry", err)
		}
	})
}

func TestUnavailablePlatformIsAuditedOnce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		setup       func(p *fakePlatform)
		wantImports int
		wantDeletes int
	}{
		{"session open", func(p *fakePlatform) {
			p.openErr = errors.Join(messaging.ErrUnavailable, errors.New("connection refused"))
		}, 0, 0},
		{"membership check after import", func(p *fakePlatform) { p.memberErr = messaging.ErrUnavailable }, 1, 1},
		{"invite deadline", func(p *fakePlatform) { p.inviteErrs = []error{context.DeadlineExceeded} }, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tc.setup(h.platform)
			ctx := context.Background()
			_ = h.store.CreateBatch(ctx, storage.Batch{ID: "b", Channel: "@chan", Total: 1})

			j, _ := queue.NewJob(Kind, Payload{Target: "+15550009999", BatchID: "b"})
			j.Attempt = 1
			res, err := h.exec.Handle(ctx, j)
			if err == nil || queue.IsNoRetry(err) {
				t.Fatalf("err = %v, want a plain infrastructure error", err)
			}
			if _, ok := queue.AsRetryAfter(err); ok {
				t.Fatal("infrastructure errors use engine backoff, not RetryAfter")
			}
			if res.Cooldown != 0 {
				t.Fatalf("cooldown = %v", res.Cooldown)
			}

			recs, _ := h.store.AuditByJob(ctx, j.ID)
			if len(recs) != 1 {
				t.Fatalf("audit records = %d, want 1", len(recs))
			}
			rec := recs[0]
			if rec.Status != StatusRetryScheduled || rec.Account != "alpha" || !strings.HasPrefix(rec.Reason, ReasonUnavailable+": ") {
				t.Fatalf("audit = %+v", rec)
			}
			used, _ := h.store.LastUsed(ctx, []string{"alpha"})
			if _, ok := used["alpha"]; !ok {
				t.Fatal("credential use not visible to the selector")
			}
			if h.platform.count("import") != tc.wantImports || h.platform.count("delete") != tc.wantDeletes {
				t.Fatalf("imports=%d deletes=%d", h.platform.count("import"), h.platform.count("delete"))
			}
			if b, _ := h.store.GetBatch(ctx, "b"); b.Progress != 0 {
				t.Fatalf("batch advanced on a retried job: %+v", b)
			}
		})
	}
}

func TestFloodCeilingIgnoresEngineRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	j := inviteJob(t, "+15550001212", 1)
	h.platform.memberErr = messaging.ErrUnavailable
	for attempt := 1; attempt <= 3; attempt++ {
		j.Attempt = attempt
		if _, err := h.exec.Handle(ctx, j); !errors.Is(err, messaging.ErrUnavailable) {
			t.Fatalf("attempt %d: err = %v", attempt, err)
		}
	}

	h.platform.memberErr = nil
	h.platform.inviteErrs = []error{&messaging.FloodWaitError{Seconds: 10}}
	j.Attempt = 4
	_, err := h.exec.Handle(ctx, j)
	if d, ok := queue.AsRetryAfter(err); !ok || d != 15*time.Second {
		t.Fatalf("err = %v, want the first flood retry", err)
	}
	if rec := h.lastAudit(t, j.ID); rec.Status != StatusRetryScheduled || rec.Reason != ReasonFloodWait {
		t.Fatalf("audit = %+v", rec)
	}
}

func TestBatchProgressAdvancesOnTerminalOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.CreateBatch(ctx, storage.Batch{ID: "b1", Channel: "@chan", Total: 3})

	h.platform.inviteErrs = []error{&messaging.FloodWaitError{Seconds: 1}}
	targets := []string{"+15551110001", "+15551110002", "+15551110003"}
	jobs := make([]queue.Job, len(targets))
	for i, target := range targets {
		j, _ := queue.NewJob(Kind, Payload{Target: target, BatchID: "b1"})
		jobs[i] = j
	}

	// First child hits a flood wait: no progress.
	if _, err := h.exec.Handle(ctx, jobs[0]); err == nil {
		t.Fatal("expected RetryAfter")
	}
	if b, _ := h.store.GetBatch(ctx, "b1"); b.Progress != 0 {
		t.Fatalf("progress after retry = %d", b.Progress)
	}

	jobs[0].Attempt = 2
	for _, j := range jobs {
		if _, err := h.exec.Handle(ctx, j); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	b, _ := h.store.GetBatch(ctx, "b1")
	if b.Progress != 3 || !b.Done() {
		t.Fatalf("batch = %+v", b)
	}
}

func TestOnDeadAuditsAndAdvancesBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.CreateBatch(ctx, storage.Batch{ID: "b", Channel: "@chan", Total: 1})

	j, _ := queue.NewJob(Kind, Payload{Target: "@Bob", BatchID: "b"})
	h.exec.OnDead(ctx, j, errors.New("store unavailable"))

	rec := h.lastAudit(t, j.ID)
	if rec.Status != StatusFailed || !strings.HasPrefix(rec.Reason, ReasonDeadLetter) || rec.Target != "@bob" {
		t.Fatalf("audit = %+v", rec)
	}
	if b, _ := h.store.GetBatch(ctx, "b"); !b.Done() {
		t.Fatalf("batch = %+v", b)
	}
	if len(h.alerts.all()) != 1 {
		t.Fatalf("alerts = %q", h.alerts.all())
	}
}

func TestFallbackText(t *testing.T) {
	t.Parallel()
	cases := []struct{ tmpl, want string }{
		{"Join {{channel}}!", "Join @c!\nL"},
		{"{{channel}} {{channel}}", "@c @c\nL"},
		{"", "L"},
	}
	for _, tc := range cases {
		if got := FallbackText(tc.tmpl, "@c", "L"); got != tc.want {
			t.Fatalf("FallbackText(%q) = %q, want %q", tc.tmpl, got, tc.want)
		}
	}
}
