package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	require.Equal(t, 0.0, Mean([]float64{}))
	mean, variance := MeanVar([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.Equal(t, 5.0, mean)
	require.Equal(t, 4.0, variance)

	require.Equal(t, 0.0, SampleStdDev([]int{3}))
	require.InDelta(t, math.Sqrt(32.0/7.0), SampleStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-12)
	require.InDelta(t, math.Sqrt(0.5), SampleStdDev([]int32{1, 2}), 1e-12)

	require.Equal(t, 1.23, RoundTo(1.2345, 2))
	require.Equal(t, 0.0, RoundTo(0.004, 2))
}
