package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ms(v ...int) []time.Duration {
	r := []time.Duration{}
	for _, x := range v {
		r = append(r, time.Duration(x)*time.Millisecond)
	}
	return r
}

func TestEstimateFPS(t *testing.T) {
	require.Equal(t, 0.0, EstimateFPS(nil))
	require.Equal(t, 15.0, EstimateFPS(ms(66, 67, 66)))
	require.Equal(t, 10.0, EstimateFPS(ms(100, 101, 99, 101)))
	require.Equal(t, 1.0, EstimateFPS(ms(1000, 1001, 999)))
	require.Equal(t, 0.5, EstimateFPS(ms(2000, 2001, 1999)))
	require.Equal(t, 0.25, EstimateFPS(ms(4005, 4008, 3950)))
	// A single stall doesn't move the median
	require.Equal(t, 10.0, EstimateFPS(ms(100, 100, 5000, 100, 100)))
}

func TestFrameClock(t *testing.T) {
	c := newFrameClock()
	now := time.Now()
	require.Equal(t, 0.0, c.fps())
	for i := 0; i < 100; i++ {
		c.tick(now)
		now = now.Add(40 * time.Millisecond)
	}
	require.Equal(t, 25.0, c.fps())

	// A long outage followed by a reset must not drag the estimate down
	c.reset()
	now = now.Add(time.Minute)
	c.tick(now)
	require.Equal(t, 25.0, c.fps())
}
