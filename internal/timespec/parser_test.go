package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 10, 29, 14, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		spec string
		want time.Time
	}{
		{"1h", now.Add(-time.Hour)},
		{"1h30m", now.Add(-90 * time.Minute)},
		{"2d", now.Add(-48 * time.Hour)},
		{" 30s ", now.Add(-30 * time.Second)},
		{"2025-10-29T13:00:00Z", time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, spec := range []string{"", "yesterday", "-1h", "xd"} {
		_, err := Parse(spec, now)
		assert.Error(t, err, spec)
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("2h", "1h", now)
	require.NoError(t, err)
	assert.True(t, r.Contains(now.Add(-90*time.Minute)))
	assert.False(t, r.Contains(now.Add(-3*time.Hour)))
	assert.False(t, r.Contains(now.Add(-time.Hour)), "until is exclusive")

	open, err := ParseRange("", "", now)
	require.NoError(t, err)
	assert.True(t, open.Contains(time.Time{}))

	_, err = ParseRange("1h", "2h", now)
	assert.ErrorContains(t, err, "--since must be before --until")

	_, err = ParseRange("bogus", "", now)
	assert.ErrorContains(t, err, "invalid --since")
}
