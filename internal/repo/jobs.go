package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"porthub/internal/domain"
	"porthub/internal/events"
)

const jobColumns = `id,job_number,category,customer_id,porter_id,status,location,payment,description,needed_by,customer_prompt_ref,porter_prompt_ref,created_at,updated_at`

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var porterID, location, description, neededBy, customerRef, porterRef sql.NullString
	err := row.Scan(&j.ID, &j.Number, &j.Category, &j.CustomerID, &porterID, &j.Status, &location, &j.Payment,
		&description, &neededBy, &customerRef, &porterRef, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.PorterID = ptrFromNull(porterID)
	j.Location = location.String
	j.Description = description.String
	j.NeededBy = neededBy.String
	j.CustomerPromptRef = ptrFromNull(customerRef)
	j.PorterPromptRef = ptrFromNull(porterRef)
	return j, nil
}

// InsertJob stores a new job. A job number collision returns ErrDuplicate.
func (r Repo) InsertJob(ctx context.Context, j domain.Job, evt events.Event) error {
	if j.CreatedAt == "" {
		j.CreatedAt = r.now()
	}
	if j.UpdatedAt == "" {
		j.UpdatedAt = j.CreatedAt
	}
	return r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,job_number,category,customer_id,porter_id,status,location,payment,description,needed_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, j.Number, j.Category, j.CustomerID, nullableStringPtr(j.PorterID), string(j.Status), nullable(j.Location),
			j.Payment, nullable(j.Description), nullable(j.NeededBy), j.CreatedAt, j.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", j.Number, ErrDuplicate)
		}
		return err
	})
}

func (r Repo) GetJob(ctx context.Context, number string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_number=?`, number))
}

func (r Repo) GetJobByID(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// JobChange describes the fields a conditional job update writes.
type JobChange struct {
	Status domain.JobStatus
	// PorterID assigns a porter when non-nil.
	PorterID    *string
	ClearPorter bool
	// ExpectPorter adds porter_id=? to the guard.
	ExpectPorter *string
	// ClearPromptRefs drops both outstanding prompt references.
	ClearPromptRefs bool
}

// ConditionalUpdateJob applies change only if the job is still in expected
// status (and held by ExpectPorter when set). The guard and the write are one
// UPDATE statement; a miss returns ErrPrecondition and writes nothing. It
// returns the job as it was read before the write and as it is after.
func (r Repo) ConditionalUpdateJob(ctx context.Context, number string, expected domain.JobStatus, change JobChange, evt events.Event) (domain.Job, domain.Job, error) {
	var before, after domain.Job
	err := r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		var err error
		before, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_number=?`, number))
		if err != nil {
			return err
		}
		fields := []string{"status=?", "updated_at=?"}
		args := []any{string(change.Status), r.now()}
		switch {
		case change.PorterID != nil:
			fields = append(fields, "porter_id=?")
			args = append(args, *change.PorterID)
		case change.ClearPorter:
			fields = append(fields, "porter_id=NULL")
		}
		if change.ClearPromptRefs {
			fields = append(fields, "customer_prompt_ref=NULL", "porter_prompt_ref=NULL")
		}
		where := "job_number=? AND status=?"
		args = append(args, number, string(expected))
		if change.ExpectPorter != nil {
			where += " AND porter_id=?"
			args = append(args, *change.ExpectPorter)
		}
		query := fmt.Sprintf(`UPDATE jobs SET %s WHERE %s`, strings.Join(fields, ","), where)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPrecondition
		}
		after, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_number=?`, number))
		return err
	})
	return before, after, err
}

// SetPromptRefs records the outstanding completion prompts. It only applies
// while the job is ACCEPTED and no refs are recorded yet; otherwise a party
// already acted and ErrPrecondition is returned.
func (r Repo) SetPromptRefs(ctx context.Context, number, customerRef, porterRef string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET customer_prompt_ref=?, porter_prompt_ref=?, updated_at=?
WHERE job_number=? AND status=? AND customer_prompt_ref IS NULL AND porter_prompt_ref IS NULL`,
		nullable(customerRef), nullable(porterRef), r.now(), number, string(domain.StatusAccepted))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPrecondition
	}
	return nil
}

// ListOpenJobs returns one page (1-based) of OPEN jobs, newest first.
func (r Repo) ListOpenJobs(ctx context.Context, page, pageSize int) ([]domain.JobSummary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT j.job_number, j.category, j.payment, COALESCE(a.display_name,''), j.created_at
FROM jobs j LEFT JOIN accounts a ON a.id = j.customer_id
WHERE j.status=?
ORDER BY j.created_at DESC, j.rowid DESC
LIMIT ? OFFSET ?`, string(domain.StatusOpen), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobSummary
	for rows.Next() {
		var s domain.JobSummary
		if err := rows.Scan(&s.Number, &s.Category, &s.Payment, &s.CustomerName, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountOpenJobs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status=?`, string(domain.StatusOpen)).Scan(&n)
	return n, err
}
