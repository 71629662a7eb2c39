package attendance

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Record is one immutable boarding entry. Records are append-only; nothing
// updates or deletes them except the administrative purge on student
// deletion.
type Record struct {
	ID                 string    `json:"id"`
	StudentID          int64     `json:"student_id"`
	StudentName        string    `json:"student_name"`
	BusID              string    `json:"bus_id"`
	Lat                *float64  `json:"lat,omitempty"`
	Lng                *float64  `json:"lng,omitempty"`
	DeviceID           string    `json:"device_id,omitempty"`
	EntryMethod        string    `json:"entry_method"`
	VerificationStatus string    `json:"verification_status"`
	CreatedAt          time.Time `json:"created_at"`
}

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a new record.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var device any
	if rec.DeviceID != "" {
		device = rec.DeviceID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, student_id, student_name, bus_id, lat, lng, device_id, entry_method, verification_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.StudentID, rec.StudentName, rec.BusID, rec.Lat, rec.Lng, device,
		rec.EntryMethod, rec.VerificationStatus, rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

const recordColumns = `id, student_id, student_name, bus_id, lat, lng, COALESCE(device_id, ''), entry_method, verification_status, created_at`

// ListForStudent returns a student's boarding history, newest first.
func (r *Repository) ListForStudent(ctx context.Context, studentID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// ListForBusSince returns a bus's records created at or after the given
// instant, newest first. The driver manifest passes local midnight.
func (r *Repository) ListForBusSince(ctx context.Context, busID string, since time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE bus_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, busID, since)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.StudentName, &rec.BusID,
			&rec.Lat, &rec.Lng, &rec.DeviceID, &rec.EntryMethod, &rec.VerificationStatus, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
