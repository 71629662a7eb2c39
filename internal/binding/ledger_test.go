package binding

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedger(db), mock
}

func TestCheckOrBindFirstUse(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE students SET device_id = $2`)).
		WithArgs(int64(1), "device-A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := l.CheckOrBind(context.Background(), 1, "device-A")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, out)
	assert.True(t, out.Allowed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckOrBindMatchingDevice(t *testing.T) {
	l, mock := newLedger(t)

	// Conditional update touches nothing because a binding already exists.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE students SET device_id = $2`)).
		WithArgs(int64(1), "device-A").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT device_id FROM students WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow("device-A"))

	out, err := l.CheckOrBind(context.Background(), 1, "device-A")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckOrBindMismatch(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE students SET device_id = $2`)).
		WithArgs(int64(1), "device-B").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT device_id FROM students WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow("device-A"))

	out, err := l.CheckOrBind(context.Background(), 1, "device-B")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeviceMismatch, out)
	assert.False(t, out.Allowed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckOrBindMissingDeviceNoBinding(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT device_id FROM students WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow(nil))

	out, err := l.CheckOrBind(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeviceMissing, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckOrBindMissingDeviceWithBinding(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT device_id FROM students WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow("device-A"))

	out, err := l.CheckOrBind(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeviceMismatch, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckOrBindDeviceBoundElsewhere(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE students SET device_id = $2`)).
		WithArgs(int64(2), "device-A").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	out, err := l.CheckOrBind(context.Background(), 2, "device-A")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeviceConflict, out)
	assert.False(t, out.Allowed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetClearsBindingAndWritesAudit(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT device_id FROM students WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow("device-A"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE students SET device_id = NULL WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO device_audit`)).
		WithArgs(int64(1), "device-A", "admin").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, l.Reset(context.Background(), 1, "admin"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetUnknownStudent(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT device_id FROM students WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}))
	mock.ExpectRollback()

	err := l.Reset(context.Background(), 42, "admin")
	assert.ErrorIs(t, err, ErrStudentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
