package timeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinutes(t *testing.T) {
	m, err := ToMinutes("14:00")
	require.NoError(t, err)
	assert.Equal(t, 840, m)

	m, err = ToMinutes("9:05")
	require.NoError(t, err)
	assert.Equal(t, 545, m)

	for _, bad := range []string{"", "24:00", "12:60", "1200", "ab:cd", "12:5"} {
		_, err := ToMinutes(bad)
		assert.Error(t, err, bad)
	}
}

func TestEndTimeWrapsWithinDay(t *testing.T) {
	end, err := EndTime("14:00", 45)
	require.NoError(t, err)
	assert.Equal(t, "14:45", end)

	end, err = EndTime("23:30", 60)
	require.NoError(t, err)
	assert.Equal(t, "00:30", end)

	_, err = EndTime("nope", 30)
	assert.Error(t, err)
}

func TestOverlapsIsStrictOnBoundary(t *testing.T) {
	assert.True(t, Overlaps(840, 885, 870, 900))
	assert.True(t, Overlaps(870, 900, 840, 885))
	assert.True(t, Overlaps(840, 900, 850, 860))
	assert.False(t, Overlaps(540, 600, 600, 630), "back-to-back lessons must not conflict")
	assert.False(t, Overlaps(600, 630, 540, 600))
}

func TestIntervalKeepsLateEndUnwrapped(t *testing.T) {
	s, e, err := Interval("23:30", 60)
	require.NoError(t, err)
	assert.Equal(t, 1410, s)
	assert.Equal(t, 1470, e)
}

func TestDayAndDurationEnums(t *testing.T) {
	assert.True(t, ValidDuration(45))
	assert.False(t, ValidDuration(50))
	assert.True(t, ValidDay("FRIDAY"))
	assert.False(t, ValidDay("SATURDAY"))
	assert.Equal(t, 1, DayIndex("MONDAY"))
	assert.Equal(t, -1, DayIndex("monday"))
}
