package qrtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	busID, issuedAt, err := Decode("Bus-10_2024-01-01T10:00:00")
	require.NoError(t, err)
	assert.Equal(t, "Bus-10", busID)
	assert.Equal(t, 2024, issuedAt.Year())
	assert.Equal(t, 10, issuedAt.Hour())
}

func TestDecodeRFC3339(t *testing.T) {
	busID, issuedAt, err := Decode("Bus-7_2024-06-15T08:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, "Bus-7", busID)
	assert.True(t, issuedAt.Equal(time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC)))
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		"garbage",
		"",
		"_2024-01-01T10:00:00",
		"Bus-10_not-a-time",
		"Bus-10_",
	}
	for _, raw := range cases {
		_, _, err := Decode(raw)
		assert.ErrorIs(t, err, ErrMalformedToken, "input %q", raw)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	issued := time.Date(2024, 3, 9, 7, 45, 12, 0, time.FixedZone("IST", 5*3600+1800))
	raw := Encode("Bus-10", issued)

	busID, got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "Bus-10", busID)
	assert.True(t, got.Equal(issued))
}

func TestAge(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Minute, Age(now.Add(-time.Minute), now))
	assert.Negative(t, Age(now.Add(time.Minute), now))
}
