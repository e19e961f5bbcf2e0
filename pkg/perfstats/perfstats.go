package perfstats

import "time"

// TimeAccumulator collects samples of how long something took.
// It is not thread safe.
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Milliseconds returns the average in milliseconds, for status reports
func (a *TimeAccumulator) Milliseconds() float64 {
	return float64(a.Average().Microseconds()) / 1000
}
