package engine

import (
	"context"
	"log/slog"

	"porthub/internal/domain"
)

// Command is a user action on a job. Adapters build commands and hand them
// to Dispatch.
type Command interface {
	commandName() string
}

type PostJobCommand struct {
	Input PostJobInput
}

type ClaimJobCommand struct {
	JobNumber      string
	PorterIdentity string
}

type ResolveClaimCommand struct {
	JobNumber        string
	CustomerIdentity string
	PorterID         string
	Decision         Decision
}

type ResolveCompletionCommand struct {
	JobNumber     string
	ActorIdentity string
	Outcome       Outcome
}

type SubmitFeedbackCommand struct {
	JobNumber        string
	ReviewerIdentity string
	Verdict          Verdict
}

func (PostJobCommand) commandName() string           { return "post_job" }
func (ClaimJobCommand) commandName() string          { return "claim_job" }
func (ResolveClaimCommand) commandName() string      { return "resolve_claim" }
func (ResolveCompletionCommand) commandName() string { return "resolve_completion" }
func (SubmitFeedbackCommand) commandName() string    { return "submit_feedback" }

// Result is the outcome of a dispatched command. At most one of Rejection
// and Err is set.
type Result struct {
	Job       domain.Job
	Feedback  *FeedbackOutcome
	Rejection *Rejection
	Err       error
}

// OK reports whether the command succeeded.
func (r Result) OK() bool {
	return r.Rejection == nil && r.Err == nil
}

// Failure returns the rejection or failure as a single error.
func (r Result) Failure() error {
	if r.Rejection != nil {
		return r.Rejection
	}
	return r.Err
}

// Dispatch runs cmd and classifies its outcome.
func (e Engine) Dispatch(ctx context.Context, cmd Command) Result {
	var (
		res Result
		err error
	)
	switch c := cmd.(type) {
	case PostJobCommand:
		res.Job, err = e.PostJob(ctx, c.Input)
	case ClaimJobCommand:
		res.Job, err = e.ClaimJob(ctx, c.JobNumber, c.PorterIdentity)
	case ResolveClaimCommand:
		res.Job, err = e.ResolveClaim(ctx, c.JobNumber, c.CustomerIdentity, c.PorterID, c.Decision)
	case ResolveCompletionCommand:
		res.Job, err = e.ResolveCompletion(ctx, c.JobNumber, c.ActorIdentity, c.Outcome)
	case SubmitFeedbackCommand:
		var out FeedbackOutcome
		out, err = e.SubmitFeedback(ctx, c.JobNumber, c.ReviewerIdentity, c.Verdict)
		if err == nil {
			res.Job = out.Job
			res.Feedback = &out
		}
	case nil:
		err = reject(KindValidation, "dispatch", "no command")
	default:
		err = reject(KindValidation, "dispatch", "unknown command %T", cmd)
	}
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			res.Rejection = rej
		} else {
			res.Err = err
		}
		e.logger().Debug("command failed", slog.String("command", commandName(cmd)), slog.Any("err", err))
	}
	return res
}

func commandName(cmd Command) string {
	if cmd == nil {
		return "<nil>"
	}
	return cmd.commandName()
}
