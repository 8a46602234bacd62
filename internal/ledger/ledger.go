// Package ledger keeps the like/dislike reputation and completed-job counters
// of accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"porthub/internal/domain"
	"porthub/internal/events"
	"porthub/internal/repo"
)

// Store is the persistence the ledger needs. repo.Repo implements it.
type Store interface {
	AppendFeedback(ctx context.Context, f domain.FeedbackRecord, evt events.Event) error
	AppendFirstFeedback(ctx context.Context, f domain.FeedbackRecord, evt events.Event) error
	FeedbackTally(ctx context.Context, reviewedID string) (likes, total int, err error)
	SetReputation(ctx context.Context, accountID string, likes, dislikes int) error
	CreditCompletion(ctx context.Context, jobID, porterID string, evt events.Event) (bool, error)
}

var _ Store = repo.Repo{}

type Ledger struct {
	Store  Store
	Logger *slog.Logger
}

func New(store Store, logger *slog.Logger) Ledger {
	return Ledger{Store: store, Logger: logger}
}

func (l Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Record appends one feedback record. Records are never updated.
func (l Ledger) Record(ctx context.Context, f domain.FeedbackRecord) error {
	if err := l.Store.AppendFeedback(ctx, f, feedbackEvent(f)); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

// RecordFirst appends f unless the reviewer already left feedback on the job,
// in which case the error wraps repo.ErrDuplicate.
func (l Ledger) RecordFirst(ctx context.Context, f domain.FeedbackRecord) error {
	if err := l.Store.AppendFirstFeedback(ctx, f, feedbackEvent(f)); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

func feedbackEvent(f domain.FeedbackRecord) events.Event {
	return events.Event{
		Type:       "feedback.recorded",
		EntityKind: events.KindFeedback,
		EntityID:   f.ID,
		ActorID:    f.ReviewerID,
		Payload: events.EventPayload{
			"job_id":      f.JobID,
			"reviewed_id": f.ReviewedID,
			"liked":       f.Liked,
		},
	}
}

// Recompute derives the reputation of reviewedID from every record and
// writes it onto the account. A deleted account keeps its records; only the
// write is skipped.
func (l Ledger) Recompute(ctx context.Context, reviewedID string) (domain.Reputation, error) {
	likes, total, err := l.Store.FeedbackTally(ctx, reviewedID)
	if err != nil {
		return domain.Reputation{}, fmt.Errorf("tally feedback: %w", err)
	}
	rep := domain.Reputation{Likes: likes, Dislikes: total - likes, Total: total}
	if err := l.Store.SetReputation(ctx, reviewedID, rep.Likes, rep.Dislikes); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.logger().Info("ledger: reviewed account is gone, counters not written", slog.String("account", reviewedID))
			return rep, nil
		}
		return rep, fmt.Errorf("write reputation: %w", err)
	}
	return rep, nil
}

// CreditCompletion increments the porter's completed-job counter once per
// job. It reports whether this call granted the credit.
func (l Ledger) CreditCompletion(ctx context.Context, jobID, porterID string) (bool, error) {
	evt := events.Event{
		Type:       "porter.completion_credited",
		EntityKind: events.KindAccount,
		EntityID:   porterID,
		Payload:    events.EventPayload{"job_id": jobID},
	}
	ok, err := l.Store.CreditCompletion(ctx, jobID, porterID, evt)
	if err != nil {
		return false, fmt.Errorf("credit completion: %w", err)
	}
	return ok, nil
}
