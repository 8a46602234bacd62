package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"porthub/internal/domain"
)

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	if m.CreatedAt == "" {
		m.CreatedAt = r.now()
	}
	var controls any
	if len(m.Controls) > 0 {
		b, err := json.Marshal(m.Controls)
		if err != nil {
			return err
		}
		controls = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id,recipient,kind,job_number,body,controls_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.Recipient, m.Kind, nullable(m.JobNumber), m.Body, controls, m.CreatedAt)
	return err
}

// RetractMessageControls marks the interactive controls of a message as gone.
func (r Repo) RetractMessageControls(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET controls_retracted=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,recipient,kind,job_number,body,controls_json,controls_retracted,created_at FROM messages WHERE id=?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// ListMessages returns a recipient's messages newest first.
func (r Repo) ListMessages(ctx context.Context, recipient string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,recipient,kind,job_number,body,controls_json,controls_retracted,created_at
FROM messages WHERE recipient=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var jobNumber, controls sql.NullString
	var retracted int
	if err := row.Scan(&m.ID, &m.Recipient, &m.Kind, &jobNumber, &m.Body, &controls, &retracted, &m.CreatedAt); err != nil {
		return m, err
	}
	m.JobNumber = jobNumber.String
	m.ControlsRetracted = retracted != 0
	if controls.Valid && controls.String != "" {
		if err := json.Unmarshal([]byte(controls.String), &m.Controls); err != nil {
			return m, err
		}
	}
	return m, nil
}
