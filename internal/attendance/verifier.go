// Package attendance implements the boarding verification engine: one
// linear pass of gates over a claimed boarding event, ending in a durable
// record and an asynchronous guardian notification.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"smartbus/internal/binding"
	"smartbus/internal/geo"
	"smartbus/internal/metrics"
	"smartbus/internal/notify"
	"smartbus/internal/position"
	"smartbus/internal/qrtoken"
	"smartbus/internal/student"
)

// Verification statuses and entry methods stored on records.
const (
	StatusVerified       = "VERIFIED"
	StatusVerifiedManual = "VERIFIED_MANUAL"

	MethodQR     = "QR"
	MethodManual = "MANUAL"
)

// RejectCode identifies the gate a boarding attempt failed at.
type RejectCode string

const (
	RejectMalformedToken RejectCode = "malformed_token"
	RejectTokenExpired   RejectCode = "token_expired"
	RejectBusUnavailable RejectCode = "bus_unavailable"
	RejectGeofence       RejectCode = "geofence_exceeded"
	RejectDeviceMissing  RejectCode = "device_missing"
	RejectDeviceMismatch RejectCode = "device_mismatch"
	// RejectDeviceLocked: the device is bound to a different account.
	RejectDeviceLocked RejectCode = "device_locked"
)

// Rejection is a typed refusal of a boarding attempt. There is no retry or
// rollback within an attempt; the student may simply scan again.
type Rejection struct {
	Code      RejectCode
	Message   string
	DistanceM float64 // set for geofence rejections
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("boarding rejected (%s): %s", r.Code, r.Message)
}

// AsRejection unwraps err into a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// PositionSource resolves the live position of a bus.
type PositionSource interface {
	Get(ctx context.Context, busID string) (position.Position, error)
}

// BindingLedger enforces the student/device association.
type BindingLedger interface {
	CheckOrBind(ctx context.Context, studentID int64, deviceID string) (binding.Outcome, error)
}

// Directory looks up student identities.
type Directory interface {
	GetByID(ctx context.Context, id int64) (student.Student, error)
	Resolve(ctx context.Context, identifier string) (student.Student, error)
}

// RecordStore persists attendance records.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) (Record, error)
}

// Dispatcher hands a confirmation off for asynchronous delivery.
type Dispatcher interface {
	Dispatch(job notify.Job)
}

// Options tune the verifier's gates.
type Options struct {
	// GeofenceRadiusM is the maximum accepted distance between the claimed
	// and live bus positions, in meters.
	GeofenceRadiusM float64
	// TokenMaxAge rejects tokens issued longer ago than this. Zero
	// disables the freshness gate.
	TokenMaxAge time.Duration
	// FutureSkew tolerates clocks ahead of ours by this much.
	FutureSkew time.Duration
}

// Verifier runs the gate sequence for boarding attempts.
type Verifier struct {
	positions PositionSource
	ledger    BindingLedger
	students  Directory
	records   RecordStore
	dispatch  Dispatcher
	opts      Options
	now       func() time.Time
}

// NewVerifier wires the engine. Zero options get working defaults.
func NewVerifier(positions PositionSource, ledger BindingLedger, students Directory, records RecordStore, dispatch Dispatcher, opts Options) *Verifier {
	if opts.GeofenceRadiusM <= 0 {
		opts.GeofenceRadiusM = 15
	}
	if opts.FutureSkew <= 0 {
		opts.FutureSkew = 30 * time.Second
	}
	return &Verifier{
		positions: positions,
		ledger:    ledger,
		students:  students,
		records:   records,
		dispatch:  dispatch,
		opts:      opts,
		now:       time.Now,
	}
}

// MarkBoarding verifies a claimed boarding event and, if every gate passes,
// records it durably. The guardian notification is dispatched regardless of
// the record write's outcome and never delays the return.
func (v *Verifier) MarkBoarding(ctx context.Context, studentID int64, rawToken string, lat, lng float64, deviceID string) (Record, error) {
	busID, issuedAt, err := qrtoken.Decode(rawToken)
	if err != nil {
		return Record{}, v.reject(&Rejection{Code: RejectMalformedToken, Message: "invalid boarding code"})
	}

	if v.opts.TokenMaxAge > 0 {
		age := qrtoken.Age(issuedAt, v.now())
		if age > v.opts.TokenMaxAge || age < -v.opts.FutureSkew {
			return Record{}, v.reject(&Rejection{Code: RejectTokenExpired, Message: "boarding code expired, scan the current one"})
		}
	}

	pos, err := v.positions.Get(ctx, busID)
	if err != nil {
		if errors.Is(err, position.ErrNotTracked) {
			return Record{}, v.reject(&Rejection{Code: RejectBusUnavailable, Message: "bus not active yet, try again shortly"})
		}
		return Record{}, v.internal(fmt.Errorf("resolve bus %s: %w", busID, err))
	}

	dist := geo.Distance(lat, lng, pos.Lat, pos.Lng)
	if dist > v.opts.GeofenceRadiusM {
		return Record{}, v.reject(&Rejection{
			Code:      RejectGeofence,
			Message:   fmt.Sprintf("too far from bus (%dm)", int(dist)),
			DistanceM: dist,
		})
	}

	stu, err := v.students.GetByID(ctx, studentID)
	if err != nil {
		return Record{}, v.internal(fmt.Errorf("load student %d: %w", studentID, err))
	}

	outcome, err := v.ledger.CheckOrBind(ctx, studentID, deviceID)
	if err != nil {
		return Record{}, v.internal(fmt.Errorf("device check for student %d: %w", studentID, err))
	}
	switch outcome {
	case binding.OutcomeDeviceMissing:
		return Record{}, v.reject(&Rejection{Code: RejectDeviceMissing, Message: "missing device identifier"})
	case binding.OutcomeDeviceMismatch:
		return Record{}, v.reject(&Rejection{Code: RejectDeviceMismatch, Message: "device mismatch, use your registered device"})
	case binding.OutcomeDeviceConflict:
		return Record{}, v.reject(&Rejection{Code: RejectDeviceLocked, Message: "device locked to another account, contact admin"})
	}

	now := v.now()
	rec := Record{
		StudentID:          studentID,
		StudentName:        stu.Name,
		BusID:              busID,
		Lat:                &lat,
		Lng:                &lng,
		DeviceID:           deviceID,
		EntryMethod:        MethodQR,
		VerificationStatus: StatusVerified,
		CreatedAt:          now,
	}
	saved, insertErr := v.records.Insert(ctx, rec)

	// The confirmation goes out either way; attendance is committed (or the
	// inconsistency is being logged) before delivery is attempted.
	v.notifyGuardian(stu, busID, now)

	if insertErr != nil {
		if outcome == binding.OutcomeBound {
			log.Printf("attendance: INCONSISTENT state: device %s bound to student %d but record write failed: %v",
				deviceID, studentID, insertErr)
		}
		return Record{}, v.internal(fmt.Errorf("persist record: %w", insertErr))
	}

	metrics.BoardingsTotal.WithLabelValues("verified").Inc()
	return saved, nil
}

// ManualRecord is the operator path: no token, no geofence, no device check.
// The operator's identification of student and bus is trusted.
func (v *Verifier) ManualRecord(ctx context.Context, busID, identifier string) (Record, error) {
	stu, err := v.students.Resolve(ctx, identifier)
	if err != nil {
		if errors.Is(err, student.ErrNotFound) {
			return Record{}, err
		}
		return Record{}, v.internal(fmt.Errorf("resolve student %q: %w", identifier, err))
	}
	if busID == "" {
		busID = stu.BusID
	}

	now := v.now()
	saved, err := v.records.Insert(ctx, Record{
		StudentID:          stu.ID,
		StudentName:        stu.Name,
		BusID:              busID,
		EntryMethod:        MethodManual,
		VerificationStatus: StatusVerifiedManual,
		CreatedAt:          now,
	})

	v.notifyGuardian(stu, busID, now)

	if err != nil {
		return Record{}, v.internal(fmt.Errorf("persist manual record: %w", err))
	}
	metrics.BoardingsTotal.WithLabelValues("verified_manual").Inc()
	return saved, nil
}

func (v *Verifier) notifyGuardian(stu student.Student, busID string, at time.Time) {
	v.dispatch.Dispatch(notify.Job{
		Recipient:   stu.GuardianEmail,
		StudentName: stu.Name,
		BusID:       busID,
		TimeOfDay:   at.Format("15:04"),
		Date:        at.Format("02-01-2006"),
	})
}

func (v *Verifier) reject(rej *Rejection) error {
	metrics.BoardingsTotal.WithLabelValues(string(rej.Code)).Inc()
	return rej
}

func (v *Verifier) internal(err error) error {
	metrics.BoardingsTotal.WithLabelValues("internal_error").Inc()
	log.Printf("attendance: %v", err)
	return err
}
