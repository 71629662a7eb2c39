// Package qrtoken encodes the rotating boarding token a driver's client
// renders as a QR code and a student's client presents on scan.
package qrtoken

import (
	"errors"
	"strings"
	"time"
)

// Separator joins the bus id and the issuance instant on the wire.
// Bus ids must not contain it; the instant (RFC3339) never does.
const Separator = "_"

// ErrMalformedToken is returned when a raw token cannot be decoded.
var ErrMalformedToken = errors.New("malformed boarding token")

// Encode serializes a bus id and issuance instant into the wire format
// "<busId>_<RFC3339-instant>".
func Encode(busID string, issuedAt time.Time) string {
	return busID + Separator + issuedAt.Format(time.RFC3339)
}

// Decode parses a raw token into its bus id and issuance instant. The
// token is split on the first separator so the instant keeps any of its
// own characters intact. Decode performs no freshness check; that is the
// verifier's gate.
func Decode(raw string) (busID string, issuedAt time.Time, err error) {
	idx := strings.Index(raw, Separator)
	if idx <= 0 {
		return "", time.Time{}, ErrMalformedToken
	}
	busID = raw[:idx]
	issuedAt, perr := time.Parse(time.RFC3339, raw[idx+1:])
	if perr != nil {
		// Tokens issued by older driver clients omit the zone suffix.
		issuedAt, perr = time.ParseInLocation("2006-01-02T15:04:05", raw[idx+1:], time.Local)
		if perr != nil {
			return "", time.Time{}, ErrMalformedToken
		}
	}
	return busID, issuedAt, nil
}

// Age reports how long ago the token was issued relative to now.
// Negative values mean the token claims a future instant.
func Age(issuedAt, now time.Time) time.Duration {
	return now.Sub(issuedAt)
}
