package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"porthub/internal/domain"
	"porthub/internal/events"
)

const accountColumns = `id,identity,display_name,role,bio,language,specialty,handle,verification_token,verified,likes,dislikes,completed_jobs,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var a domain.Account
	var bio, language, specialty, handle, token sql.NullString
	var verified int
	err := row.Scan(&a.ID, &a.Identity, &a.DisplayName, &a.Role, &bio, &language, &specialty, &handle, &token,
		&verified, &a.Likes, &a.Dislikes, &a.CompletedJobs, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Bio = bio.String
	a.Language = language.String
	a.Specialty = specialty.String
	a.Handle = handle.String
	a.VerificationToken = token.String
	a.Verified = verified != 0
	return a, nil
}

func (r Repo) GetAccountByIdentity(ctx context.Context, identity string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE identity=?`, identity))
}

func (r Repo) GetAccountByID(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id))
}

// UpsertAccount inserts a by identity or refreshes the existing row. The
// internal id of an existing account never changes; empty profile fields keep
// their stored values. A new account without a display name is named after
// its identity.
func (r Repo) UpsertAccount(ctx context.Context, a domain.Account, evt events.Event) (domain.Account, error) {
	if a.CreatedAt == "" {
		a.CreatedAt = r.now()
	}
	var out domain.Account
	err := r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,identity,display_name,role,bio,language,specialty,handle,created_at)
VALUES (?,?,COALESCE(?,?),?,?,?,?,?,?)
ON CONFLICT(identity) DO UPDATE SET
  display_name=COALESCE(?, accounts.display_name),
  role=excluded.role,
  bio=COALESCE(excluded.bio, accounts.bio),
  language=COALESCE(excluded.language, accounts.language),
  specialty=COALESCE(excluded.specialty, accounts.specialty),
  handle=COALESCE(excluded.handle, accounts.handle)`,
			a.ID, a.Identity, nullable(a.DisplayName), a.Identity, string(a.Role), nullable(a.Bio), nullable(a.Language), nullable(a.Specialty), nullable(a.Handle), a.CreatedAt,
			nullable(a.DisplayName))
		if err != nil {
			return fmt.Errorf("upsert account: %w", err)
		}
		out, err = scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE identity=?`, a.Identity))
		if err != nil {
			return err
		}
		evt.EntityID = out.ID
		return nil
	})
	return out, err
}

func (r Repo) UpdateAccountRole(ctx context.Context, identity string, role domain.Role, evt events.Event) (domain.Account, error) {
	var out domain.Account
	err := r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET role=? WHERE identity=?`, string(role), identity)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		out, err = scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE identity=?`, identity))
		return err
	})
	return out, err
}

// ProfileUpdate holds optional profile fields; nil leaves a field unchanged.
type ProfileUpdate struct {
	DisplayName *string
	Bio         *string
	Language    *string
	Specialty   *string
	Handle      *string
}

func (u ProfileUpdate) Empty() bool {
	return u.DisplayName == nil && u.Bio == nil && u.Language == nil && u.Specialty == nil && u.Handle == nil
}

func (r Repo) UpdateAccountProfile(ctx context.Context, identity string, u ProfileUpdate, evt events.Event) (domain.Account, error) {
	var (
		fields []string
		args   []any
	)
	if u.DisplayName != nil {
		fields = append(fields, "display_name=?")
		args = append(args, *u.DisplayName)
	}
	if u.Bio != nil {
		fields = append(fields, "bio=?")
		args = append(args, nullableStringPtr(u.Bio))
	}
	if u.Language != nil {
		fields = append(fields, "language=?")
		args = append(args, nullableStringPtr(u.Language))
	}
	if u.Specialty != nil {
		fields = append(fields, "specialty=?")
		args = append(args, nullableStringPtr(u.Specialty))
	}
	if u.Handle != nil {
		// a new handle invalidates any previous verification
		fields = append(fields, "handle=?", "verified=0")
		args = append(args, nullableStringPtr(u.Handle))
	}
	var out domain.Account
	err := r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		if len(fields) > 0 {
			query := fmt.Sprintf(`UPDATE accounts SET %s WHERE identity=?`, strings.Join(fields, ","))
			res, err := tx.ExecContext(ctx, query, append(args, identity)...)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
		}
		var err error
		out, err = scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE identity=?`, identity))
		return err
	})
	return out, err
}

// SetVerification stores the verification token and confirmation flag.
func (r Repo) SetVerification(ctx context.Context, identity, token string, verified bool, evt events.Event) error {
	return r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET verification_token=?, verified=? WHERE identity=?`,
			nullable(token), boolToInt(verified), identity)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteAccountByIdentity removes only the account row. Jobs and feedback
// keep their references to its id.
func (r Repo) DeleteAccountByIdentity(ctx context.Context, identity string, evt events.Event) error {
	return r.inTx(ctx, &evt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE identity=?`, identity)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TopPorters ranks porters by likes, then completed jobs.
func (r Repo) TopPorters(ctx context.Context, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE role=?
ORDER BY likes DESC, completed_jobs DESC, dislikes ASC, created_at ASC LIMIT ?`, string(domain.RolePorter), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
