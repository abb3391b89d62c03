package clock

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestNowStrictlyIncreasing(t *testing.T) {
	mock := clock.NewMock()
	epoch := time.Unix(0, 0).UTC()
	c := NewWithSource(mock, epoch)

	var prev int64
	for i := 0; i < 1000; i++ {
		v := c.Now()
		require.Greater(t, v, prev)
		prev = v
	}
}

func TestNowAdvancesWithWallClockWhenFaster(t *testing.T) {
	mock := clock.NewMock()
	epoch := time.Unix(0, 0).UTC()
	c := NewWithSource(mock, epoch)

	first := c.Now()
	mock.Add(5 * time.Second)
	second := c.Now()

	require.Greater(t, second, first)
	require.GreaterOrEqual(t, second, int64(5*time.Second/time.Microsecond))
}

func TestNowNeverRepeatsUnderIdenticalReadings(t *testing.T) {
	mock := clock.NewMock()
	epoch := time.Unix(0, 0).UTC()
	c := NewWithSource(mock, epoch)

	a := c.Now()
	b := c.Now() // mock clock has not advanced
	require.Equal(t, a+1, b)
}

func TestTimeRoundTrips(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewWithSource(mock, epoch)

	micros := c.Now()
	got := c.Time(micros)
	require.WithinDuration(t, epoch, got, time.Millisecond)
}
