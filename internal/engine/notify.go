package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"porthub/internal/domain"
	"porthub/internal/notify"
)

// Control ids carried on interactive messages. Claim controls embed the
// porter id so a stale prompt cannot resolve a newer claim.
const (
	ControlApprove    = "approve"
	ControlDeny       = "deny"
	ControlComplete   = "complete"
	ControlIncomplete = "incomplete"
	ControlLike       = "like"
	ControlDislike    = "dislike"
)

// delivery is one best-effort send. ref receives the message ref on success.
type delivery struct {
	recipient string
	msg       notify.Message
	ref       *notify.Ref
}

// deliver sends all messages concurrently. Failures are logged and dropped:
// a committed transition is never undone by a missing notification.
func (e Engine) deliver(ctx context.Context, ds ...delivery) {
	if e.Channel == nil {
		return
	}
	// sends outlive a canceled request; the transition already happened
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, d := range ds {
		if d.recipient == "" {
			continue
		}
		g.Go(func() error {
			ref, err := e.Channel.Send(ctx, d.recipient, d.msg)
			if err != nil {
				e.logger().Warn("notify: send failed",
					slog.String("job", d.msg.JobNumber),
					slog.String("recipient", d.recipient),
					slog.String("kind", d.msg.Kind),
					slog.Any("err", err))
				return nil
			}
			if d.ref != nil {
				*d.ref = ref
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e Engine) retract(ctx context.Context, jobNumber string, refs ...*string) {
	if e.Channel == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, ref := range refs {
		if ref == nil || *ref == "" {
			continue
		}
		g.Go(func() error {
			if err := e.Channel.RetractControls(ctx, notify.Ref(*ref)); err != nil {
				e.logger().Warn("notify: retract failed",
					slog.String("job", jobNumber), slog.String("ref", *ref), slog.Any("err", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// identityOf resolves the delivery address of an account. A deleted account
// has none and is skipped.
func (e Engine) identityOf(ctx context.Context, accountID string) (domain.Account, bool) {
	if accountID == "" {
		return domain.Account{}, false
	}
	a, err := e.Store.GetAccountByID(ctx, accountID)
	if err != nil {
		e.logger().Warn("notify: recipient unavailable", slog.String("account", accountID), slog.Any("err", err))
		return domain.Account{}, false
	}
	return a, true
}

func (e Engine) notifyClaim(ctx context.Context, j domain.Job, porter domain.Account) {
	customer, ok := e.identityOf(ctx, j.CustomerID)
	var ds []delivery
	if ok {
		ds = append(ds, delivery{recipient: customer.Identity, msg: notify.Message{
			Kind:      notify.KindClaimRequest,
			JobNumber: j.Number,
			Body: fmt.Sprintf("%s wants to take %s (%s, %d aUEC). %s",
				porter.DisplayName, j.Number, j.Category, j.Payment, porterSummary(porter)),
			Controls: []notify.Control{
				{ID: ControlApprove + ":" + porter.ID, Label: "Approve"},
				{ID: ControlDeny + ":" + porter.ID, Label: "Deny"},
			},
		}})
	}
	ds = append(ds, delivery{recipient: porter.Identity, msg: notify.Message{
		Kind:      notify.KindClaimAck,
		JobNumber: j.Number,
		Body:      fmt.Sprintf("Your request for %s was sent to the customer. You will hear back once they decide.", j.Number),
	}})
	e.deliver(ctx, ds...)
}

func porterSummary(a domain.Account) string {
	s := fmt.Sprintf("Likes %d, dislikes %d, completed jobs %d.", a.Likes, a.Dislikes, a.CompletedJobs)
	if a.Verified {
		s += " Verified."
	}
	return s
}

func (e Engine) notifyDenied(ctx context.Context, j domain.Job, porterID string) {
	porter, ok := e.identityOf(ctx, porterID)
	if !ok {
		return
	}
	e.deliver(ctx, delivery{recipient: porter.Identity, msg: notify.Message{
		Kind:      notify.KindClaimDenied,
		JobNumber: j.Number,
		Body:      fmt.Sprintf("The customer declined your request for %s.", j.Number),
	}})
}

// sendCompletionPrompts asks both parties to confirm the outcome and records
// the prompt refs. If a party confirmed before the refs could be stored, the
// fresh prompts are retracted instead.
func (e Engine) sendCompletionPrompts(ctx context.Context, j domain.Job) domain.Job {
	var customerRef, porterRef notify.Ref
	var ds []delivery
	controls := []notify.Control{
		{ID: ControlComplete, Label: "Complete"},
		{ID: ControlIncomplete, Label: "Incomplete"},
	}
	if c, ok := e.identityOf(ctx, j.CustomerID); ok {
		ds = append(ds, delivery{recipient: c.Identity, ref: &customerRef, msg: notify.Message{
			Kind:      notify.KindCompletionPrompt,
			JobNumber: j.Number,
			Body:      fmt.Sprintf("%s is accepted. Confirm here once the job is done.", j.Number),
			Controls:  controls,
		}})
	}
	if p, ok := e.identityOf(ctx, j.Porter()); ok {
		ds = append(ds, delivery{recipient: p.Identity, ref: &porterRef, msg: notify.Message{
			Kind:      notify.KindCompletionPrompt,
			JobNumber: j.Number,
			Body:      fmt.Sprintf("The customer approved you for %s. Confirm here once the job is done.", j.Number),
			Controls:  controls,
		}})
	}
	e.deliver(ctx, ds...)
	if customerRef == "" && porterRef == "" {
		return j
	}
	err := e.Store.SetPromptRefs(context.WithoutCancel(ctx), j.Number, string(customerRef), string(porterRef))
	if err != nil {
		e.logger().Warn("notify: prompt refs not stored", slog.String("job", j.Number), slog.Any("err", err))
		c, p := string(customerRef), string(porterRef)
		e.retract(ctx, j.Number, &c, &p)
		return j
	}
	if customerRef != "" {
		ref := string(customerRef)
		j.CustomerPromptRef = &ref
	}
	if porterRef != "" {
		ref := string(porterRef)
		j.PorterPromptRef = &ref
	}
	return j
}

func (e Engine) notifyCompletion(ctx context.Context, before, after domain.Job, actor domain.Account, outcome Outcome) {
	e.retract(ctx, after.Number, before.CustomerPromptRef, before.PorterPromptRef)

	cfg := e.config()
	verb := "completed"
	if outcome == OutcomeIncomplete {
		verb = "incomplete"
	}
	var ds []delivery
	counterpartID := after.CustomerID
	if actor.ID == after.CustomerID {
		counterpartID = after.Porter()
	}
	if cp, ok := e.identityOf(ctx, counterpartID); ok {
		ds = append(ds, delivery{recipient: cp.Identity, msg: notify.Message{
			Kind:      notify.KindCounterpartActed,
			JobNumber: after.Number,
			Body:      fmt.Sprintf("The other party has marked %s as %s. %s", after.Number, verb, cfg.Marketplace.TicketHint),
		}})
	}
	switch outcome {
	case OutcomeComplete:
		if c, ok := e.identityOf(ctx, after.CustomerID); ok {
			porterName := "your porter"
			if p, ok := e.identityOf(ctx, after.Porter()); ok {
				porterName = p.DisplayName
			}
			ds = append(ds, delivery{recipient: c.Identity, msg: notify.Message{
				Kind:      notify.KindFeedbackPrompt,
				JobNumber: after.Number,
				Body:      fmt.Sprintf("How did %s do on %s?", porterName, after.Number),
				Controls: []notify.Control{
					{ID: ControlLike, Label: "Like"},
					{ID: ControlDislike, Label: "Dislike"},
				},
			}})
		}
	case OutcomeIncomplete:
		ds = append(ds, delivery{recipient: notify.ChannelRecipient(cfg.Marketplace.OpsChannel), msg: notify.Message{
			Kind:      notify.KindDisputeEscalation,
			JobNumber: after.Number,
			Body: fmt.Sprintf("%s was marked incomplete by %s. Customer %s, porter %s.",
				after.Number, actor.DisplayName, after.CustomerID, after.Porter()),
		}})
	}
	e.deliver(ctx, ds...)
}
