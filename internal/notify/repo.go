package notify

import (
	"context"
	"database/sql"
)

// Repository persists the notification log in Postgres. The log is the only
// durable side effect delivery guarantees.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record inserts one outcome row.
func (r *Repository) Record(ctx context.Context, rec Record) error {
	var detail any
	if rec.Detail != "" {
		detail = rec.Detail
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_log (recipient, channel, subject, status, error_detail)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Recipient, rec.Channel, rec.Subject, rec.Status, detail)
	return err
}

// ListByRecipient returns recent outcomes for a recipient, newest first.
func (r *Repository) ListByRecipient(ctx context.Context, recipient string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient, channel, subject, status, COALESCE(error_detail, '')
		FROM notification_log
		WHERE recipient = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Recipient, &rec.Channel, &rec.Subject, &rec.Status, &rec.Detail); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
