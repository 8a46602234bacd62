package repo

import (
	"context"
	"database/sql"
	"fmt"

	"porthub/internal/domain"
	"porthub/internal/events"
)

func (r Repo) AppendFeedback(ctx context.Context, f domain.FeedbackRecord, evt events.Event) error {
	if f.CreatedAt == "" {
		f.CreatedAt = r.now()
	}
	return r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO feedback(id,job_id,reviewer_id,reviewed_id,liked,created_at) VALUES (?,?,?,?,?,?)`,
			f.ID, f.JobID, f.ReviewerID, f.ReviewedID, boolToInt(f.Liked), f.CreatedAt)
		return err
	})
}

// AppendFirstFeedback stores f only if the reviewer has no record for the job
// yet. Otherwise it returns ErrDuplicate and logs no event.
func (r Repo) AppendFirstFeedback(ctx context.Context, f domain.FeedbackRecord, evt events.Event) error {
	if f.CreatedAt == "" {
		f.CreatedAt = r.now()
	}
	return r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO feedback(id,job_id,reviewer_id,reviewed_id,liked,created_at)
SELECT ?,?,?,?,?,? WHERE NOT EXISTS (SELECT 1 FROM feedback WHERE job_id=? AND reviewer_id=?)`,
			f.ID, f.JobID, f.ReviewerID, f.ReviewedID, boolToInt(f.Liked), f.CreatedAt, f.JobID, f.ReviewerID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("feedback on job %s by %s: %w", f.JobID, f.ReviewerID, ErrDuplicate)
		}
		return nil
	})
}

// FeedbackTally counts likes and all records for a reviewed account.
func (r Repo) FeedbackTally(ctx context.Context, reviewedID string) (likes, total int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(liked),0), COUNT(*) FROM feedback WHERE reviewed_id=?`, reviewedID).
		Scan(&likes, &total)
	return likes, total, err
}

// SetReputation overwrites the like/dislike counters of an account.
func (r Repo) SetReputation(ctx context.Context, accountID string, likes, dislikes int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE accounts SET likes=?, dislikes=? WHERE id=?`, likes, dislikes, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreditCompletion bumps the porter's completed job counter once per job.
// It reports whether this call granted the credit.
func (r Repo) CreditCompletion(ctx context.Context, jobID, porterID string, evt events.Event) (bool, error) {
	credited := false
	err := r.inTx(ctx, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO completion_credits(job_id,porter_id,created_at) VALUES (?,?,?)`,
			jobID, porterID, r.now())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		credited = true
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET completed_jobs=completed_jobs+1 WHERE id=?`, porterID); err != nil {
			return err
		}
		return r.eventWriter().Append(ctx, tx, evt)
	})
	if err != nil {
		return false, err
	}
	return credited, nil
}

func (r Repo) ListFeedbackForJob(ctx context.Context, jobID string) ([]domain.FeedbackRecord, error) {
	return r.listFeedback(ctx, `SELECT id,job_id,reviewer_id,reviewed_id,liked,created_at FROM feedback WHERE job_id=? ORDER BY created_at, rowid`, jobID)
}

func (r Repo) ListFeedbackFor(ctx context.Context, reviewedID string) ([]domain.FeedbackRecord, error) {
	return r.listFeedback(ctx, `SELECT id,job_id,reviewer_id,reviewed_id,liked,created_at FROM feedback WHERE reviewed_id=? ORDER BY created_at, rowid`, reviewedID)
}

func (r Repo) listFeedback(ctx context.Context, query string, arg string) ([]domain.FeedbackRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedbackRecord
	for rows.Next() {
		var f domain.FeedbackRecord
		var liked int
		if err := rows.Scan(&f.ID, &f.JobID, &f.ReviewerID, &f.ReviewedID, &liked, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Liked = liked != 0
		res = append(res, f)
	}
	return res, rows.Err()
}
