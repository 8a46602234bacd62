// Package engine owns the job lifecycle. It is the only code that changes a
// job's status or porter.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"porthub/internal/config"
	"porthub/internal/domain"
	"porthub/internal/engine/auth"
	"porthub/internal/events"
	"porthub/internal/ledger"
	"porthub/internal/notify"
	"porthub/internal/repo"
)

// maxJobNumberAttempts bounds retries when a random job number is taken.
const maxJobNumberAttempts = 20

// Store is the persistence the engine depends on.
type Store interface {
	ledger.Store

	GetAccountByIdentity(ctx context.Context, identity string) (domain.Account, error)
	GetAccountByID(ctx context.Context, id string) (domain.Account, error)
	UpsertAccount(ctx context.Context, a domain.Account, evt events.Event) (domain.Account, error)
	UpdateAccountRole(ctx context.Context, identity string, role domain.Role, evt events.Event) (domain.Account, error)
	UpdateAccountProfile(ctx context.Context, identity string, u repo.ProfileUpdate, evt events.Event) (domain.Account, error)
	SetVerification(ctx context.Context, identity, token string, verified bool, evt events.Event) error
	DeleteAccountByIdentity(ctx context.Context, identity string, evt events.Event) error
	TopPorters(ctx context.Context, limit int) ([]domain.Account, error)

	InsertJob(ctx context.Context, j domain.Job, evt events.Event) error
	GetJob(ctx context.Context, number string) (domain.Job, error)
	ConditionalUpdateJob(ctx context.Context, number string, expected domain.JobStatus, change repo.JobChange, evt events.Event) (domain.Job, domain.Job, error)
	SetPromptRefs(ctx context.Context, number, customerRef, porterRef string) error
	ListOpenJobs(ctx context.Context, page, pageSize int) ([]domain.JobSummary, error)
	CountOpenJobs(ctx context.Context) (int, error)
}

var _ Store = repo.Repo{}

// Prober confirms a verification token on an external profile.
type Prober interface {
	CheckToken(ctx context.Context, handle, token string) bool
}

type Engine struct {
	Store   Store
	Ledger  ledger.Ledger
	Channel notify.Channel
	Probe   Prober
	Config  *config.Config
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(store Store, ch notify.Channel, cfg *config.Config) Engine {
	return Engine{
		Store:   store,
		Ledger:  ledger.New(store, nil),
		Channel: ch,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) ledger() ledger.Ledger {
	l := e.Ledger
	if l.Store == nil {
		l.Store = e.Store
	}
	if l.Logger == nil {
		l.Logger = e.Logger
	}
	return l
}

// ensureJobTransition is the single authority on legal status edges.
func ensureJobTransition(from, to domain.JobStatus) error {
	switch from {
	case domain.StatusOpen:
		if to == domain.StatusPendingApproval {
			return nil
		}
	case domain.StatusPendingApproval:
		if to == domain.StatusAccepted || to == domain.StatusOpen {
			return nil
		}
	case domain.StatusAccepted:
		if to == domain.StatusCompleted || to == domain.StatusDisputed {
			return nil
		}
	}
	return fmt.Errorf("invalid job status transition %s -> %s", from, to)
}

func (e Engine) transition(op string, j domain.Job, to domain.JobStatus) error {
	if err := ensureJobTransition(j.Status, to); err != nil {
		return &Rejection{Kind: KindConflict, Op: op, Message: fmt.Sprintf("job %s is %s", j.Number, j.Status), Err: err}
	}
	return nil
}

// account loads the acting account. An unknown identity may not act.
func (e Engine) account(ctx context.Context, op, identity string) (domain.Account, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return domain.Account{}, reject(KindValidation, op, "identity is required")
	}
	a, err := e.Store.GetAccountByIdentity(ctx, identity)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Account{}, reject(KindAuthorization, op, "%s is not registered", identity)
	}
	if err != nil {
		return domain.Account{}, storeError(op, "account", err)
	}
	return a, nil
}

func (e Engine) job(ctx context.Context, op, number string) (domain.Job, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return domain.Job{}, reject(KindValidation, op, "job number is required")
	}
	j, err := e.Store.GetJob(ctx, number)
	if err != nil {
		return domain.Job{}, storeError(op, "job "+number, err)
	}
	return j, nil
}

func forbidden(op string, err error) error {
	if err == nil {
		return nil
	}
	return storeError(op, "", err)
}

// PostJobInput are the fields of a new job.
type PostJobInput struct {
	CustomerIdentity string
	Category         string
	Location         string
	Payment          int64
	Description      string
	NeededBy         string
}

func (e Engine) PostJob(ctx context.Context, in PostJobInput) (domain.Job, error) {
	const op = "post job"
	category, ok := domain.ParseCategory(in.Category)
	if !ok {
		return domain.Job{}, reject(KindValidation, op, "unknown category %q", in.Category)
	}
	if in.Payment < 0 {
		return domain.Job{}, reject(KindValidation, op, "payment must not be negative")
	}
	customer, err := e.account(ctx, op, in.CustomerIdentity)
	if err != nil {
		return domain.Job{}, err
	}
	if err := forbidden(op, auth.RequireRole(customer, domain.RoleCustomer, auth.PermPostJob)); err != nil {
		return domain.Job{}, err
	}
	now := e.timestamp()
	j := domain.Job{
		ID:          uuid.NewString(),
		Category:    category,
		CustomerID:  customer.ID,
		Status:      domain.StatusOpen,
		Location:    strings.TrimSpace(in.Location),
		Payment:     in.Payment,
		Description: strings.TrimSpace(in.Description),
		NeededBy:    strings.TrimSpace(in.NeededBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for attempt := 0; attempt < maxJobNumberAttempts; attempt++ {
		j.Number = fmt.Sprintf("JOB-%d", 1000+rand.IntN(9000))
		evt := events.Event{
			Type:       "job.posted",
			EntityKind: events.KindJob,
			EntityID:   j.ID,
			ActorID:    customer.ID,
			Payload:    events.EventPayload{"job_number": j.Number, "category": j.Category, "payment": j.Payment},
		}
		err = e.Store.InsertJob(ctx, j, evt)
		if errors.Is(err, repo.ErrDuplicate) {
			continue
		}
		if err != nil {
			return domain.Job{}, fmt.Errorf("%s: %w", op, err)
		}
		e.logger().Info("job posted", slog.String("job", j.Number), slog.String("customer", customer.ID))
		return j, nil
	}
	return domain.Job{}, fmt.Errorf("%s: no free job number after %d attempts: %w", op, maxJobNumberAttempts, repo.ErrDuplicate)
}

// ClaimJob moves an OPEN job to PENDING_APPROVAL for porterIdentity. Of many
// concurrent claims exactly one wins; the rest get a conflict.
func (e Engine) ClaimJob(ctx context.Context, jobNumber, porterIdentity string) (domain.Job, error) {
	const op = "claim job"
	porter, err := e.account(ctx, op, porterIdentity)
	if err != nil {
		return domain.Job{}, err
	}
	if err := forbidden(op, auth.RequireRole(porter, domain.RolePorter, auth.PermClaimJob)); err != nil {
		return domain.Job{}, err
	}
	j, err := e.job(ctx, op, jobNumber)
	if err != nil {
		return domain.Job{}, err
	}
	if err := forbidden(op, auth.RequireNotOwner(porter, j)); err != nil {
		return domain.Job{}, err
	}
	if err := e.transition(op, j, domain.StatusPendingApproval); err != nil {
		return domain.Job{}, err
	}
	_, after, err := e.Store.ConditionalUpdateJob(ctx, j.Number, domain.StatusOpen,
		repo.JobChange{Status: domain.StatusPendingApproval, PorterID: &porter.ID},
		jobEvent("job.claimed", j, porter.ID, events.EventPayload{"porter_id": porter.ID}))
	if err != nil {
		return domain.Job{}, storeError(op, "job "+j.Number, err)
	}
	e.logger().Info("job claimed", slog.String("job", j.Number), slog.String("porter", porter.ID))
	e.notifyClaim(ctx, after, porter)
	return after, nil
}

// Decision answers a pending claim.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

func ParseDecision(s string) (Decision, bool) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionDeny:
		return d, true
	}
	return "", false
}

// ResolveClaim approves or denies the pending claim of porterID. porterID
// guards against answering a stale request for a porter who is no longer
// the claimant.
func (e Engine) ResolveClaim(ctx context.Context, jobNumber, customerIdentity, porterID string, decision Decision) (domain.Job, error) {
	const op = "resolve claim"
	if _, ok := ParseDecision(string(decision)); !ok {
		return domain.Job{}, reject(KindValidation, op, "decision must be approve or deny")
	}
	porterID = strings.TrimSpace(porterID)
	if porterID == "" {
		return domain.Job{}, reject(KindValidation, op, "porter id is required")
	}
	customer, err := e.account(ctx, op, customerIdentity)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := e.job(ctx, op, jobNumber)
	if err != nil {
		return domain.Job{}, err
	}
	if err := forbidden(op, auth.RequireCustomerOf(customer, j, auth.PermResolveClaim)); err != nil {
		return domain.Job{}, err
	}
	change := repo.JobChange{Status: domain.StatusAccepted, ExpectPorter: &porterID}
	evtType := "job.claim_approved"
	if decision == DecisionDeny {
		change = repo.JobChange{Status: domain.StatusOpen, ClearPorter: true, ExpectPorter: &porterID}
		evtType = "job.claim_denied"
	}
	if err := e.transition(op, j, change.Status); err != nil {
		return domain.Job{}, err
	}
	if j.Porter() != porterID {
		return domain.Job{}, reject(KindConflict, op, "job %s is no longer claimed by %s", j.Number, porterID)
	}
	_, after, err := e.Store.ConditionalUpdateJob(ctx, j.Number, domain.StatusPendingApproval, change,
		jobEvent(evtType, j, customer.ID, events.EventPayload{"porter_id": porterID}))
	if err != nil {
		return domain.Job{}, storeError(op, "job "+j.Number, err)
	}
	e.logger().Info("claim resolved", slog.String("job", j.Number), slog.String("decision", string(decision)))
	if decision == DecisionApprove {
		return e.sendCompletionPrompts(ctx, after), nil
	}
	e.notifyDenied(ctx, after, porterID)
	return after, nil
}

// Outcome is a party's confirmation of an accepted job.
type Outcome string

const (
	OutcomeComplete   Outcome = "complete"
	OutcomeIncomplete Outcome = "incomplete"
)

func ParseOutcome(s string) (Outcome, bool) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeComplete, OutcomeIncomplete:
		return o, true
	}
	return "", false
}

// ResolveCompletion lets either party close an ACCEPTED job. The first
// confirmation wins; a second one gets a conflict.
func (e Engine) ResolveCompletion(ctx context.Context, jobNumber, actorIdentity string, outcome Outcome) (domain.Job, error) {
	const op = "resolve completion"
	if _, ok := ParseOutcome(string(outcome)); !ok {
		return domain.Job{}, reject(KindValidation, op, "outcome must be complete or incomplete")
	}
	actor, err := e.account(ctx, op, actorIdentity)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := e.job(ctx, op, jobNumber)
	if err != nil {
		return domain.Job{}, err
	}
	if err := forbidden(op, auth.RequireParticipant(actor, j, auth.PermConfirm)); err != nil {
		return domain.Job{}, err
	}
	target := domain.StatusCompleted
	evtType := "job.completed"
	if outcome == OutcomeIncomplete {
		target = domain.StatusDisputed
		evtType = "job.disputed"
	}
	if err := e.transition(op, j, target); err != nil {
		return domain.Job{}, err
	}
	before, after, err := e.Store.ConditionalUpdateJob(ctx, j.Number, domain.StatusAccepted,
		repo.JobChange{Status: target, ClearPromptRefs: true},
		jobEvent(evtType, j, actor.ID, events.EventPayload{"outcome": string(outcome)}))
	if err != nil {
		return domain.Job{}, storeError(op, "job "+j.Number, err)
	}
	e.logger().Info("job confirmed", slog.String("job", j.Number), slog.String("status", string(after.Status)), slog.String("actor", actor.ID))
	e.notifyCompletion(ctx, before, after, actor, outcome)
	return after, nil
}

// Verdict is the customer's feedback on the porter.
type Verdict string

const (
	VerdictLike    Verdict = "like"
	VerdictDislike Verdict = "dislike"
	VerdictSkip    Verdict = "skip"
)

func ParseVerdict(s string) (Verdict, bool) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case VerdictLike, VerdictDislike, VerdictSkip:
		return v, true
	}
	return "", false
}

// FeedbackOutcome reports what a feedback submission changed.
type FeedbackOutcome struct {
	Job        domain.Job        `json:"job"`
	Reputation domain.Reputation `json:"reputation"`
	Credited   bool              `json:"credited"`
}

// SubmitFeedback records the customer's verdict on the porter of a completed
// job and credits the porter with the completion. Skip records nothing but
// still credits.
func (e Engine) SubmitFeedback(ctx context.Context, jobNumber, reviewerIdentity string, verdict Verdict) (FeedbackOutcome, error) {
	const op = "submit feedback"
	if _, ok := ParseVerdict(string(verdict)); !ok {
		return FeedbackOutcome{}, reject(KindValidation, op, "verdict must be like, dislike or skip")
	}
	reviewer, err := e.account(ctx, op, reviewerIdentity)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	j, err := e.job(ctx, op, jobNumber)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	if err := forbidden(op, auth.RequireCustomerOf(reviewer, j, auth.PermFeedback)); err != nil {
		return FeedbackOutcome{}, err
	}
	if j.Status != domain.StatusCompleted {
		return FeedbackOutcome{}, reject(KindConflict, op, "job %s is %s, feedback needs %s", j.Number, j.Status, domain.StatusCompleted)
	}
	porterID := j.Porter()
	l := e.ledger()
	if verdict != VerdictSkip {
		rec := domain.FeedbackRecord{
			ID:         uuid.NewString(),
			JobID:      j.ID,
			ReviewerID: reviewer.ID,
			ReviewedID: porterID,
			Liked:      verdict == VerdictLike,
			CreatedAt:  e.timestamp(),
		}
		if err := l.RecordFirst(ctx, rec); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return FeedbackOutcome{}, reject(KindConflict, op, "feedback for %s was already given", j.Number)
			}
			return FeedbackOutcome{}, fmt.Errorf("%s: %w", op, err)
		}
	}
	rep, err := l.Recompute(ctx, porterID)
	if err != nil {
		return FeedbackOutcome{}, fmt.Errorf("%s: %w", op, err)
	}
	out := FeedbackOutcome{Job: j, Reputation: rep}
	reviewed, err := e.Store.GetAccountByID(ctx, porterID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		e.logger().Info("feedback: porter account is gone, completion not credited", slog.String("job", j.Number))
	case err != nil:
		return out, fmt.Errorf("%s: %w", op, err)
	case reviewed.Role == domain.RolePorter:
		out.Credited, err = l.CreditCompletion(ctx, j.ID, porterID)
		if err != nil {
			return out, fmt.Errorf("%s: %w", op, err)
		}
	}
	return out, nil
}

func jobEvent(typ string, j domain.Job, actorID string, payload events.EventPayload) events.Event {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["job_number"] = j.Number
	payload["from"] = string(j.Status)
	return events.Event{Type: typ, EntityKind: events.KindJob, EntityID: j.ID, ActorID: actorID, Payload: payload}
}
