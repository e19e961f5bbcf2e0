package camera

import (
	"math"
	"slices"
	"time"

	"github.com/bmharper/ringbuffer"
)

// Number of recent frame intervals that we remember (must be a power of 2)
const fpsWindow = 32

// EstimateFPS returns the frame rate implied by the median frame interval, or 0 if there
// are no intervals. Rates of 1 FPS and above are rounded to an integer. Slower cameras are
// configured as 1/2, 1/4, 1/8 FPS, so below 1 FPS we snap to 1/N.
func EstimateFPS(intervals []time.Duration) float64 {
	if len(intervals) == 0 {
		return 0
	}
	sorted := slices.Clone(intervals)
	slices.Sort(sorted)
	median := sorted[len(sorted)/2]
	if median <= 0 {
		return 0
	}
	fps := float64(time.Second) / float64(median)
	if fps >= 0.9 {
		return math.Round(fps)
	}
	return 1 / math.Round(1/fps)
}

// frameClock remembers the intervals between recent frames
type frameClock struct {
	last      time.Time
	intervals ringbuffer.RingP[time.Duration]
}

func newFrameClock() frameClock {
	return frameClock{
		intervals: ringbuffer.NewRingP[time.Duration](fpsWindow),
	}
}

func (c *frameClock) tick(now time.Time) {
	if !c.last.IsZero() {
		c.intervals.Add(now.Sub(c.last))
	}
	c.last = now
}

// After a reconnect, the outage must not count as a frame interval
func (c *frameClock) reset() {
	c.last = time.Time{}
}

func (c *frameClock) fps() float64 {
	intervals := make([]time.Duration, c.intervals.Len())
	for i := range intervals {
		intervals[i] = c.intervals.Peek(i)
	}
	return EstimateFPS(intervals)
}
