// Package binding enforces the one-to-one association between a student
// account and the device identifier it was first verified from. A device
// identifier is an opaque client-supplied token (browser fingerprint hash);
// this is possession-of-previously-seen-identifier, not authentication.
package binding

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStudentNotFound is returned when the student id has no row.
var ErrStudentNotFound = errors.New("student not found")

// Outcome is the result of a check-or-bind attempt.
type Outcome int

const (
	// OutcomeBound: no prior binding existed; the device is now bound.
	OutcomeBound Outcome = iota
	// OutcomeMatched: a binding existed and matches the presented device.
	OutcomeMatched
	// OutcomeDeviceMissing: no device identifier was supplied and no
	// binding exists yet.
	OutcomeDeviceMissing
	// OutcomeDeviceMismatch: a binding exists and differs from the
	// presented device.
	OutcomeDeviceMismatch
	// OutcomeDeviceConflict: the presented device is already bound to a
	// different student. Surfaced to clients as a lockout.
	OutcomeDeviceConflict
)

// Allowed reports whether the outcome permits the attempt to proceed.
func (o Outcome) Allowed() bool {
	return o == OutcomeBound || o == OutcomeMatched
}

func (o Outcome) String() string {
	switch o {
	case OutcomeBound:
		return "bound"
	case OutcomeMatched:
		return "matched"
	case OutcomeDeviceMissing:
		return "device_missing"
	case OutcomeDeviceMismatch:
		return "device_mismatch"
	case OutcomeDeviceConflict:
		return "device_conflict"
	default:
		return "unknown"
	}
}

// uniqueViolation is the Postgres error code raised by the unique index on
// students.device_id when two accounts contend for one device.
const uniqueViolation = "23505"

// Ledger mediates device bindings stored on the students table.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// CheckOrBind checks the student's binding against the presented device and
// binds on first use. First-time binds are a conditional atomic update, so
// two competing binds for the same student cannot both win: the loser reads
// the winner's device and reports a mismatch.
func (l *Ledger) CheckOrBind(ctx context.Context, studentID int64, deviceID string) (Outcome, error) {
	if deviceID == "" {
		bound, err := l.current(ctx, studentID)
		if err != nil {
			return OutcomeDeviceMissing, err
		}
		if bound == nil {
			return OutcomeDeviceMissing, nil
		}
		return OutcomeDeviceMismatch, nil
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE students SET device_id = $2
		WHERE id = $1 AND device_id IS NULL
	`, studentID, deviceID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return OutcomeDeviceConflict, nil
		}
		return OutcomeDeviceMismatch, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return OutcomeBound, nil
	}

	bound, err := l.current(ctx, studentID)
	if err != nil {
		return OutcomeDeviceMismatch, err
	}
	if bound != nil && *bound == deviceID {
		return OutcomeMatched, nil
	}
	return OutcomeDeviceMismatch, nil
}

// Reset clears the student's binding unconditionally and records an audit
// entry with the previous device identifier. Both writes share one
// transaction.
func (l *Ledger) Reset(ctx context.Context, studentID int64, actor string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prev sql.NullString
	row := tx.QueryRowContext(ctx, `
		SELECT device_id FROM students WHERE id = $1 FOR UPDATE
	`, studentID)
	if err := row.Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStudentNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE students SET device_id = NULL WHERE id = $1
	`, studentID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_audit (student_id, action, prev_device_id, actor)
		VALUES ($1, 'device_reset', $2, $3)
	`, studentID, prev, actor); err != nil {
		return err
	}

	return tx.Commit()
}

func (l *Ledger) current(ctx context.Context, studentID int64) (*string, error) {
	var device sql.NullString
	row := l.db.QueryRowContext(ctx, `SELECT device_id FROM students WHERE id = $1`, studentID)
	if err := row.Scan(&device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}
	if !device.Valid {
		return nil, nil
	}
	return &device.String, nil
}
