// Package student is the directory of registered students the engine
// verifies boarding attempts for. Registration and profile editing happen
// elsewhere; this package only reads identities and handles the
// administrative deletion purge.
package student

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// ErrNotFound is returned when no student matches the lookup.
var ErrNotFound = errors.New("student not found")

// Student is a registered rider.
type Student struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	GuardianEmail string  `json:"guardian_email"`
	GuardianPhone string  `json:"guardian_phone,omitempty"`
	BusID         string  `json:"bus_id"`
	DeviceID      *string `json:"device_id,omitempty"`
}

// Repository reads student identities from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const studentColumns = `id, name, guardian_email, guardian_phone, bus_id, device_id`

// GetByID returns a student by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+` FROM students WHERE id = $1
	`, id)
	return scanStudent(row)
}

// Resolve looks a student up by numeric id or by display name, in that
// order. Used by the manual-record path where the operator types either.
func (r *Repository) Resolve(ctx context.Context, identifier string) (Student, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		if s, err := r.GetByID(ctx, id); err == nil {
			return s, nil
		} else if !errors.Is(err, ErrNotFound) {
			return Student{}, err
		}
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+` FROM students WHERE name = $1
	`, identifier)
	return scanStudent(row)
}

// Delete removes a student together with their attendance records, leaving
// an audit row behind. All writes share one transaction.
func (r *Repository) Delete(ctx context.Context, id int64, actor string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var name string
	row := tx.QueryRowContext(ctx, `SELECT name FROM students WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attendance_records WHERE student_id = $1`, id); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_audit (student_id, action, prev_device_id, actor)
		VALUES ($1, 'account_deleted', NULL, $2)
	`, id, actor); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id); err != nil {
		return "", err
	}
	return name, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (Student, error) {
	var s Student
	var phone, device sql.NullString
	if err := row.Scan(&s.ID, &s.Name, &s.GuardianEmail, &phone, &s.BusID, &device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, ErrNotFound
		}
		return Student{}, err
	}
	if phone.Valid {
		s.GuardianPhone = phone.String
	}
	if device.Valid {
		s.DeviceID = &device.String
	}
	return s, nil
}
