package failuredetector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvalidParameters(t *testing.T) {
	_, err := New(0, 100, 1, func() int64 { return 0 })
	require.ErrorIs(t, err, ErrInvalidParameters)

	_, err = New(0.2, 0, 1, func() int64 { return 0 })
	require.ErrorIs(t, err, ErrInvalidParameters)

	_, err = New(0.2, 100, 0, func() int64 { return 0 })
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestBootstrapNoInterval(t *testing.T) {
	now := int64(0)
	clock := func() int64 { return now }

	d, err := New(0.2, 100, 1, clock)
	require.NoError(t, err)

	d.Heartbeat()
	require.Equal(t, float64(0), d.Suspicion(now))
}

func TestSuspicionMonotonicBetweenHeartbeats(t *testing.T) {
	now := int64(0)
	clock := func() int64 { return now }

	d, err := New(0.2, 100, 1.0, clock)
	require.NoError(t, err)

	d.Heartbeat() // bootstrap
	now = int64(time.Second)
	d.Heartbeat() // records a 1s interval
	now = int64(2 * time.Second)
	d.Heartbeat() // records a 1s interval

	var prev float64 = -1
	for i := 0; i <= 10; i++ {
		t2 := now + int64(i)*int64(time.Millisecond*100)
		s := d.Suspicion(t2)
		require.GreaterOrEqual(t, s, prev)
		prev = s
	}
}

func TestIsAvailableBecomesFalseOnSilence(t *testing.T) {
	now := int64(0)
	clock := func() int64 { return now }

	d, err := New(0.2, 100, 1.0, clock)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		now += int64(time.Second)
		d.Heartbeat()
	}

	require.True(t, d.IsAvailable(now))

	// A long silence pushes suspicion up (more of the recorded intervals fit
	// under the scaled silence) until isAvailable flips to false.
	far := now + int64(20*time.Second)
	require.False(t, d.IsAvailable(far))
}

func TestDeterminismGivenIdenticalHistory(t *testing.T) {
	build := func() *Detector {
		now := int64(0)
		clock := func() int64 { return now }
		d, _ := New(0.2, 10, 0.9, clock)
		for i := 0; i < 10; i++ {
			d.Heartbeat()
			now += int64(time.Second)
		}
		return d
	}

	d1 := build()
	d2 := build()

	require.Equal(t, d1.Suspicion(int64(15*time.Second)), d2.Suspicion(int64(15*time.Second)))
}
