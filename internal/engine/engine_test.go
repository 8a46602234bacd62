package engine_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"porthub/internal/config"
	"porthub/internal/db"
	"porthub/internal/domain"
	"porthub/internal/engine"
	"porthub/internal/events"
	"porthub/internal/migrate"
	"porthub/internal/notify"
	"porthub/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type sentMessage struct {
	Recipient string
	Ref       notify.Ref
	Msg       notify.Message
}

// recordingChannel keeps every message in memory.
type recordingChannel struct {
	mu        sync.Mutex
	sent      []sentMessage
	retracted []notify.Ref
	seq       int
	fail      bool
	onSend    func(recipient string, msg notify.Message)
}

func (c *recordingChannel) Send(_ context.Context, recipient string, msg notify.Message) (notify.Ref, error) {
	c.mu.Lock()
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(recipient, msg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return "", notify.ErrDeliveryFailed
	}
	c.seq++
	ref := notify.Ref(fmt.Sprintf("ref-%d", c.seq))
	c.sent = append(c.sent, sentMessage{Recipient: recipient, Ref: ref, Msg: msg})
	return ref, nil
}

func (c *recordingChannel) RetractControls(_ context.Context, ref notify.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return notify.ErrDeliveryFailed
	}
	c.retracted = append(c.retracted, ref)
	return nil
}

func (c *recordingChannel) messages(kind, recipient string) []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMessage
	for _, m := range c.sent {
		if (kind == "" || m.Msg.Kind == kind) && (recipient == "" || m.Recipient == recipient) {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingChannel) wasRetracted(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.retracted {
		if string(r) == ref {
			return true
		}
	}
	return false
}

type fakeProbe struct{ ok bool }

func (p fakeProbe) CheckToken(context.Context, string, string) bool { return p.ok }

type testEnv struct {
	Engine  engine.Engine
	Repo    repo.Repo
	Channel *recordingChannel
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	r.Now = fixed
	cfg := config.Default()
	cfg.Marketplace.AdminIdentity = "admin"
	ch := &recordingChannel{}
	eng := engine.New(r, ch, cfg)
	eng.Now = fixed
	return testEnv{Engine: eng, Repo: r, Channel: ch, Ctx: context.Background()}
}

func (env testEnv) register(t *testing.T, identity string, role domain.Role) domain.Account {
	t.Helper()
	a, err := env.Engine.Register(env.Ctx, engine.RegisterInput{Identity: identity, DisplayName: identity, Role: string(role)})
	if err != nil {
		t.Fatalf("register %s: %v", identity, err)
	}
	return a
}

func (env testEnv) post(t *testing.T, customer string) domain.Job {
	t.Helper()
	j, err := env.Engine.PostJob(env.Ctx, engine.PostJobInput{
		CustomerIdentity: customer,
		Category:         "cargo",
		Location:         "Area18",
		Payment:          25000,
		Description:      "haul medical supplies",
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	return j
}

func (env testEnv) accepted(t *testing.T, customer string, porter domain.Account) domain.Job {
	t.Helper()
	j := env.post(t, customer)
	if _, err := env.Engine.ClaimJob(env.Ctx, j.Number, porter.Identity); err != nil {
		t.Fatalf("claim: %v", err)
	}
	j, err := env.Engine.ResolveClaim(env.Ctx, j.Number, customer, porter.ID, engine.DecisionApprove)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return j
}

func TestPostJobValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	env.register(t, "porter", domain.RolePorter)

	j := env.post(t, "cust")
	if j.Status != domain.StatusOpen || j.Category != "Cargo" || j.PorterID != nil {
		t.Fatalf("unexpected job %+v", j)
	}
	if !regexp.MustCompile(`^JOB-\d{4}$`).MatchString(j.Number) {
		t.Fatalf("unexpected job number %q", j.Number)
	}

	cases := []struct {
		name string
		in   engine.PostJobInput
		want error
	}{
		{"unknown category", engine.PostJobInput{CustomerIdentity: "cust", Category: "Mining"}, engine.ErrValidation},
		{"negative payment", engine.PostJobInput{CustomerIdentity: "cust", Category: "Trading", Payment: -1}, engine.ErrValidation},
		{"porter cannot post", engine.PostJobInput{CustomerIdentity: "porter", Category: "Trading"}, engine.ErrAuthorization},
		{"unregistered", engine.PostJobInput{CustomerIdentity: "nobody", Category: "Trading"}, engine.ErrAuthorization},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.Engine.PostJob(env.Ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

// gatedStore holds every conditional update until all racers arrive.
type gatedStore struct {
	repo.Repo
	arrived sync.WaitGroup
	release chan struct{}
}

func (g *gatedStore) ConditionalUpdateJob(ctx context.Context, number string, expected domain.JobStatus, change repo.JobChange, evt events.Event) (domain.Job, domain.Job, error) {
	g.arrived.Done()
	<-g.release
	return g.Repo.ConditionalUpdateJob(ctx, number, expected, change, evt)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	j := env.post(t, "cust")

	const racers = 8
	porters := make([]domain.Account, racers)
	for i := range porters {
		porters[i] = env.register(t, fmt.Sprintf("porter-%d", i), domain.RolePorter)
	}
	gate := &gatedStore{Repo: env.Repo, release: make(chan struct{})}
	gate.arrived.Add(racers)
	eng := env.Engine
	eng.Store = gate

	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := range porters {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.ClaimJob(env.Ctx, j.Number, porters[i].Identity)
		}(i)
	}
	gate.arrived.Wait()
	close(gate.release)
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Fatalf("two winners: %d and %d", winner, i)
			}
			winner = i
		case !errors.Is(err, engine.ErrConflict):
			t.Fatalf("racer %d: expected conflict, got %v", i, err)
		}
	}
	if winner < 0 {
		t.Fatalf("no winner")
	}
	got, err := env.Engine.GetJob(env.Ctx, j.Number)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusPendingApproval || got.Porter() != porters[winner].ID {
		t.Fatalf("job not held by winner: %+v", got)
	}
	if n := len(env.Channel.messages(notify.KindClaimRequest, "cust")); n != 1 {
		t.Fatalf("expected one claim request, got %d", n)
	}
}

func TestConcurrentFeedbackCountsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)
	j := env.accepted(t, "cust", porter)
	if _, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "cust", engine.OutcomeComplete); err != nil {
		t.Fatalf("complete: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.SubmitFeedback(env.Ctx, j.Number, "cust", engine.VerdictLike)
		}(i)
	}
	close(start)
	wg.Wait()

	ok := 0
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, engine.ErrConflict):
			t.Fatalf("racer %d: expected conflict, got %v", i, err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected one accepted feedback, got %d", ok)
	}
	fb, err := env.Repo.ListFeedbackForJob(env.Ctx, j.ID)
	if err != nil || len(fb) != 1 {
		t.Fatalf("expected one record, got %d (%v)", len(fb), err)
	}
	acc, err := env.Repo.GetAccountByID(env.Ctx, porter.ID)
	if err != nil {
		t.Fatalf("get porter: %v", err)
	}
	if acc.Likes != 1 || acc.CompletedJobs != 1 {
		t.Fatalf("porter counters inflated: likes=%d completed=%d", acc.Likes, acc.CompletedJobs)
	}
}

func TestCompleteFlow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)

	j := env.post(t, "cust")
	claimed, err := env.Engine.ClaimJob(env.Ctx, j.Number, "porter")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusPendingApproval || claimed.Porter() != porter.ID {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}
	reqs := env.Channel.messages(notify.KindClaimRequest, "cust")
	if len(reqs) != 1 || len(reqs[0].Msg.Controls) != 2 || reqs[0].Msg.Controls[0].ID != engine.ControlApprove+":"+porter.ID {
		t.Fatalf("unexpected claim request %+v", reqs)
	}
	if len(env.Channel.messages(notify.KindClaimAck, "porter")) != 1 {
		t.Fatalf("porter not acknowledged")
	}

	accepted, err := env.Engine.ResolveClaim(env.Ctx, j.Number, "cust", porter.ID, engine.DecisionApprove)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if accepted.Status != domain.StatusAccepted || accepted.CustomerPromptRef == nil || accepted.PorterPromptRef == nil {
		t.Fatalf("prompts not recorded: %+v", accepted)
	}
	customerRef, porterRef := *accepted.CustomerPromptRef, *accepted.PorterPromptRef

	done, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "cust", engine.OutcomeComplete)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.CustomerPromptRef != nil || done.PorterPromptRef != nil {
		t.Fatalf("unexpected completed job %+v", done)
	}
	if !env.Channel.wasRetracted(customerRef) || !env.Channel.wasRetracted(porterRef) {
		t.Fatalf("prompt controls not retracted")
	}
	if len(env.Channel.messages(notify.KindFeedbackPrompt, "cust")) != 1 {
		t.Fatalf("expected feedback prompt for the customer")
	}
	if len(env.Channel.messages(notify.KindCounterpartActed, "porter")) != 1 {
		t.Fatalf("porter not told the customer acted")
	}
	if len(env.Channel.messages(notify.KindDisputeEscalation, "")) != 0 {
		t.Fatalf("no escalation expected")
	}
	acc, _ := env.Engine.GetAccount(env.Ctx, "porter")
	if acc.CompletedJobs != 0 {
		t.Fatalf("completion must not be credited before feedback, got %d", acc.CompletedJobs)
	}

	out, err := env.Engine.SubmitFeedback(env.Ctx, j.Number, "cust", engine.VerdictLike)
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if !out.Credited || out.Reputation.Likes != 1 {
		t.Fatalf("unexpected feedback outcome %+v", out)
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, j.Number, "cust", engine.VerdictDislike); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("second verdict should conflict, got %v", err)
	}
	out, err = env.Engine.SubmitFeedback(env.Ctx, j.Number, "cust", engine.VerdictSkip)
	if err != nil || out.Credited {
		t.Fatalf("skip after credit: %+v %v", out, err)
	}
	acc, _ = env.Engine.GetAccount(env.Ctx, "porter")
	if acc.CompletedJobs != 1 || acc.Likes != 1 || acc.Dislikes != 0 {
		t.Fatalf("unexpected porter counters %+v", acc)
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, j.Number, "porter", engine.VerdictLike); !errors.Is(err, engine.ErrAuthorization) {
		t.Fatalf("porter cannot review, got %v", err)
	}
}

func TestSecondClaimConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	p1 := env.register(t, "p1", domain.RolePorter)
	env.register(t, "p2", domain.RolePorter)
	j := env.post(t, "cust")

	if _, err := env.Engine.ClaimJob(env.Ctx, j.Number, "p1"); err != nil {
		t.Fatalf("claim p1: %v", err)
	}
	_, err := env.Engine.ClaimJob(env.Ctx, j.Number, "p2")
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := env.Engine.GetJob(env.Ctx, j.Number)
	if got.Porter() != p1.ID {
		t.Fatalf("porter changed: %+v", got)
	}
}

func TestDenyReopensJob(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	p1 := env.register(t, "p1", domain.RolePorter)
	p2 := env.register(t, "p2", domain.RolePorter)
	j := env.post(t, "cust")

	if _, err := env.Engine.ClaimJob(env.Ctx, j.Number, "p1"); err != nil {
		t.Fatalf("claim p1: %v", err)
	}
	open, err := env.Engine.ResolveClaim(env.Ctx, j.Number, "cust", p1.ID, engine.DecisionDeny)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if open.Status != domain.StatusOpen || open.PorterID != nil {
		t.Fatalf("deny must reopen and clear porter: %+v", open)
	}
	if len(env.Channel.messages(notify.KindClaimDenied, "p1")) != 1 {
		t.Fatalf("p1 not told about the denial")
	}
	claimed, err := env.Engine.ClaimJob(env.Ctx, j.Number, "p2")
	if err != nil || claimed.Porter() != p2.ID {
		t.Fatalf("reclaim by p2: %+v %v", claimed, err)
	}
	// the old prompt for p1 must not approve p2's claim
	if _, err := env.Engine.ResolveClaim(env.Ctx, j.Number, "cust", p1.ID, engine.DecisionApprove); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("stale approve should conflict, got %v", err)
	}
}

func TestIncompleteEscalatesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)
	j := env.accepted(t, "cust", porter)

	disputed, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "porter", engine.OutcomeIncomplete)
	if err != nil {
		t.Fatalf("incomplete: %v", err)
	}
	if disputed.Status != domain.StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", disputed.Status)
	}
	if _, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "cust", engine.OutcomeIncomplete); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("second confirmation should conflict, got %v", err)
	}
	esc := env.Channel.messages(notify.KindDisputeEscalation, notify.ChannelRecipient("disputes"))
	if len(esc) != 1 {
		t.Fatalf("expected exactly one escalation, got %d", len(esc))
	}
	if len(env.Channel.messages(notify.KindFeedbackPrompt, "")) != 0 {
		t.Fatalf("no feedback prompt expected for a dispute")
	}
	if len(env.Channel.messages(notify.KindCounterpartActed, "cust")) != 1 {
		t.Fatalf("customer not told the porter acted")
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)
	env.register(t, "late", domain.RolePorter)

	open := env.post(t, "cust")
	if _, err := env.Engine.ResolveCompletion(env.Ctx, open.Number, "cust", engine.OutcomeComplete); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("complete on OPEN should conflict, got %v", err)
	}
	got, _ := env.Engine.GetJob(env.Ctx, open.Number)
	if got.Status != domain.StatusOpen {
		t.Fatalf("job mutated: %+v", got)
	}

	j := env.accepted(t, "cust", porter)
	if _, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "cust", engine.OutcomeIncomplete); err != nil {
		t.Fatalf("incomplete: %v", err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.Number, "late"); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("claim on DISPUTED should conflict, got %v", err)
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, j.Number, "cust", engine.VerdictLike); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("feedback on DISPUTED should conflict, got %v", err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, "JOB-0000", "late"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOnlyCustomerResolvesClaim(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	env.register(t, "other", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)
	j := env.post(t, "cust")
	if _, err := env.Engine.ClaimJob(env.Ctx, j.Number, "porter"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, actor := range []string{"porter", "other"} {
		if _, err := env.Engine.ResolveClaim(env.Ctx, j.Number, actor, porter.ID, engine.DecisionApprove); !errors.Is(err, engine.ErrAuthorization) {
			t.Fatalf("%s approving: expected authorization rejection, got %v", actor, err)
		}
	}
	if _, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "other", engine.OutcomeComplete); !errors.Is(err, engine.ErrAuthorization) {
		t.Fatalf("outsider confirming: expected authorization rejection, got %v", err)
	}
	got, _ := env.Engine.GetJob(env.Ctx, j.Number)
	if got.Status != domain.StatusPendingApproval {
		t.Fatalf("job mutated: %+v", got)
	}
}

func TestCannotClaimOwnJob(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	j := env.post(t, "cust")
	if _, err := env.Engine.SwitchRole(env.Ctx, "cust", "porter"); err != nil {
		t.Fatalf("switch role: %v", err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.Number, "cust"); !errors.Is(err, engine.ErrAuthorization) {
		t.Fatalf("expected authorization rejection, got %v", err)
	}
}

func TestNotificationFailureKeepsTransition(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)
	env.Channel.fail = true

	j := env.accepted(t, "cust", porter)
	if j.Status != domain.StatusAccepted || j.CustomerPromptRef != nil {
		t.Fatalf("unexpected job %+v", j)
	}
	done, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "porter", engine.OutcomeComplete)
	if err != nil || done.Status != domain.StatusCompleted {
		t.Fatalf("completion must commit despite delivery failures: %+v %v", done, err)
	}
}

func TestLatePromptsAreRetracted(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)
	j := env.post(t, "cust")
	if _, err := env.Engine.ClaimJob(env.Ctx, j.Number, "porter"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// the porter confirms while the completion prompts are still in flight
	var once sync.Once
	env.Channel.mu.Lock()
	env.Channel.onSend = func(_ string, msg notify.Message) {
		if msg.Kind != notify.KindCompletionPrompt {
			return
		}
		once.Do(func() {
			if _, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "porter", engine.OutcomeComplete); err != nil {
				t.Errorf("early completion: %v", err)
			}
		})
	}
	env.Channel.mu.Unlock()

	out, err := env.Engine.ResolveClaim(env.Ctx, j.Number, "cust", porter.ID, engine.DecisionApprove)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.CustomerPromptRef != nil || out.PorterPromptRef != nil {
		t.Fatalf("refs must not be reported once the job moved on: %+v", out)
	}
	got, _ := env.Engine.GetJob(env.Ctx, j.Number)
	if got.Status != domain.StatusCompleted || got.CustomerPromptRef != nil || got.PorterPromptRef != nil {
		t.Fatalf("refs stored on a completed job: %+v", got)
	}
	for _, m := range env.Channel.messages(notify.KindCompletionPrompt, "") {
		if !env.Channel.wasRetracted(string(m.Ref)) {
			t.Fatalf("prompt %s to %s not retracted", m.Ref, m.Recipient)
		}
	}
}

func TestDeleteAccountOrphansRecords(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)
	j := env.accepted(t, "cust", porter)
	if _, err := env.Engine.ResolveCompletion(env.Ctx, j.Number, "cust", engine.OutcomeComplete); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, j.Number, "cust", engine.VerdictDislike); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	if err := env.Engine.DeleteAccount(env.Ctx, "cust", "porter"); !errors.Is(err, engine.ErrAuthorization) {
		t.Fatalf("non-admin delete: expected authorization rejection, got %v", err)
	}
	if err := env.Engine.DeleteAccount(env.Ctx, "admin", "porter"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.DeleteAccount(env.Ctx, "admin", "porter"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
	if _, err := env.Repo.GetAccountByID(env.Ctx, porter.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("account should be gone, got %v", err)
	}
	got, err := env.Repo.GetJobByID(env.Ctx, j.ID)
	if err != nil || got.Porter() != porter.ID {
		t.Fatalf("job lost its porter reference: %+v %v", got, err)
	}
	fb, err := env.Repo.ListFeedbackForJob(env.Ctx, j.ID)
	if err != nil || len(fb) != 1 || fb[0].ReviewedID != porter.ID {
		t.Fatalf("feedback lost: %+v %v", fb, err)
	}
	// reputation can still be recomputed for the orphaned id
	if _, err := env.Engine.SubmitFeedback(env.Ctx, j.Number, "cust", engine.VerdictSkip); err != nil {
		t.Fatalf("feedback after delete: %v", err)
	}
}

func TestVerification(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "porter", domain.RolePorter)
	if _, err := env.Engine.StartVerification(env.Ctx, "porter"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation without handle, got %v", err)
	}
	handle := "SpaceCadet"
	if _, err := env.Engine.UpdateProfile(env.Ctx, "porter", repo.ProfileUpdate{Handle: &handle}); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	token, err := env.Engine.StartVerification(env.Ctx, "porter")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !regexp.MustCompile(`^PORT-[A-Z0-9]{8}$`).MatchString(token) {
		t.Fatalf("unexpected token %q", token)
	}

	env.Engine.Probe = fakeProbe{ok: false}
	ok, err := env.Engine.CheckVerification(env.Ctx, "porter")
	if err != nil || ok {
		t.Fatalf("expected unverified: %v %v", ok, err)
	}
	env.Engine.Probe = fakeProbe{ok: true}
	ok, err = env.Engine.CheckVerification(env.Ctx, "porter")
	if err != nil || !ok {
		t.Fatalf("expected verified: %v %v", ok, err)
	}
	acc, _ := env.Engine.GetAccount(env.Ctx, "porter")
	if !acc.Verified || acc.VerificationToken != token {
		t.Fatalf("verification not stored: %+v", acc)
	}

	// a new handle drops the verification
	handle = "OtherCadet"
	acc, err = env.Engine.UpdateProfile(env.Ctx, "porter", repo.ProfileUpdate{Handle: &handle})
	if err != nil || acc.Verified {
		t.Fatalf("handle change must reset verification: %+v %v", acc, err)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Register(env.Ctx, engine.RegisterInput{Identity: "u1", DisplayName: "One", Role: "customer", Specialty: "trading", Bio: "hi"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := env.Engine.Register(env.Ctx, engine.RegisterInput{Identity: "u1", DisplayName: "Uno", Role: "PORTER"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first.ID != second.ID || second.DisplayName != "Uno" || second.Role != domain.RolePorter || second.Bio != "hi" || second.Specialty != "Trading" {
		t.Fatalf("unexpected upsert result %+v -> %+v", first, second)
	}
	third, err := env.Engine.Register(env.Ctx, engine.RegisterInput{Identity: "u1", Role: "porter"})
	if err != nil {
		t.Fatalf("re-register without name: %v", err)
	}
	if third.DisplayName != "Uno" {
		t.Fatalf("display name overwritten: %q", third.DisplayName)
	}
	fresh, err := env.Engine.Register(env.Ctx, engine.RegisterInput{Identity: "u3", Role: "customer"})
	if err != nil {
		t.Fatalf("register unnamed: %v", err)
	}
	if fresh.DisplayName != "u3" {
		t.Fatalf("new account should be named after its identity, got %q", fresh.DisplayName)
	}
	if _, err := env.Engine.Register(env.Ctx, engine.RegisterInput{Identity: "u2", Role: "pilot"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation for role, got %v", err)
	}
	if _, err := env.Engine.Register(env.Ctx, engine.RegisterInput{Identity: "u2", Role: "porter", Specialty: "Mining"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation for specialty, got %v", err)
	}
}

func TestListOpenJobsPages(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	env.Engine.Config.Marketplace.JobsPageSize = 2
	for i := 0; i < 3; i++ {
		env.post(t, "cust")
	}
	page1, err := env.Engine.ListOpenJobs(env.Ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page1.Total != 3 || len(page1.Jobs) != 2 || page1.Jobs[0].CustomerName != "cust" {
		t.Fatalf("unexpected first page %+v", page1)
	}
	page2, _ := env.Engine.ListOpenJobs(env.Ctx, 2)
	if len(page2.Jobs) != 1 {
		t.Fatalf("unexpected second page %+v", page2)
	}
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "cust", domain.RoleCustomer)
	porter := env.register(t, "porter", domain.RolePorter)

	res := env.Engine.Dispatch(env.Ctx, engine.PostJobCommand{Input: engine.PostJobInput{CustomerIdentity: "cust", Category: "Salvaging", Payment: 10}})
	if !res.OK() || res.Job.Number == "" {
		t.Fatalf("post: %+v", res)
	}
	number := res.Job.Number
	steps := []engine.Command{
		engine.ClaimJobCommand{JobNumber: number, PorterIdentity: "porter"},
		engine.ResolveClaimCommand{JobNumber: number, CustomerIdentity: "cust", PorterID: porter.ID, Decision: engine.DecisionApprove},
		engine.ResolveCompletionCommand{JobNumber: number, ActorIdentity: "porter", Outcome: engine.OutcomeComplete},
	}
	for _, cmd := range steps {
		if res := env.Engine.Dispatch(env.Ctx, cmd); !res.OK() {
			t.Fatalf("%T: %v", cmd, res.Failure())
		}
	}
	res = env.Engine.Dispatch(env.Ctx, engine.SubmitFeedbackCommand{JobNumber: number, ReviewerIdentity: "cust", Verdict: engine.VerdictLike})
	if !res.OK() || res.Feedback == nil || !res.Feedback.Credited {
		t.Fatalf("feedback: %+v", res)
	}

	res = env.Engine.Dispatch(env.Ctx, engine.ClaimJobCommand{JobNumber: number, PorterIdentity: "porter"})
	if res.Rejection == nil || res.Rejection.Kind != engine.KindConflict || res.Err != nil {
		t.Fatalf("expected conflict rejection, got %+v", res)
	}
	res = env.Engine.Dispatch(env.Ctx, engine.ResolveCompletionCommand{JobNumber: number, ActorIdentity: "porter", Outcome: "maybe"})
	if res.Rejection == nil || res.Rejection.Kind != engine.KindValidation {
		t.Fatalf("expected validation rejection, got %+v", res)
	}
}
