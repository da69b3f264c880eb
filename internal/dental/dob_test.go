package dental

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDOB(t *testing.T) {
	manila := time.FixedZone("PHT", 8*60*60)

	cases := []struct {
		name string
		in   any
		want string
	}{
		{"canonical", "05/01/2015", "05/01/2015"},
		{"single digits", "5/1/2015", "05/01/2015"},
		{"dashes", "05-01-2015", "05/01/2015"},
		{"iso date", "2015-01-05", "05/01/2015"},
		{"time value", time.Date(2015, 1, 5, 0, 0, 0, 0, time.UTC), "05/01/2015"},
		{"iso timestamp shifted into location", "2015-01-04T16:00:00.000Z", "05/01/2015"},
		{"sheet serial", float64(42009), "05/01/2015"},
		{"sheet serial number", json.Number("42009"), "05/01/2015"},
		{"serial text", "42009", "05/01/2015"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeDOB(tc.in, manila)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeDOB_Invalid(t *testing.T) {
	for _, in := range []any{"", "31/02/2015", "not a date", "05/01/15", nil, time.Time{}} {
		_, err := NormalizeDOB(in, time.UTC)
		assert.True(t, errors.Is(err, ErrInvalidDOB), "input %v", in)
	}
}

func TestKey_CaseAndSpacingInsensitive(t *testing.T) {
	a, err := NewKey("Juan  Dela Cruz", "05/01/2015", "Rizal ES", time.UTC)
	require.NoError(t, err)
	b, err := NewKey("juan dela cruz ", time.Date(2015, 1, 5, 0, 0, 0, 0, time.UTC), "rizal es", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "juan dela cruz|05/01/2015|rizal es", a.String())
}
