package stats

import (
	"math"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/gen"
)

// Returns (mean, variance) of the given samples.
func MeanVar[T gen.Float | gen.Integer](samples []T) (float64, float64) {
	mean := Mean(samples)
	variance := Variance(samples, mean)
	return mean, variance
}

// Returns the mean of the given samples, or zero if there are none.
func Mean[T gen.Float | gen.Integer](samples []T) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += float64(v)
	}
	return sum / float64(len(samples))
}

// Returns the population variance of the given samples.
func Variance[T gen.Float | gen.Integer](samples []T, mean float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return sumSquares(samples, mean) / float64(len(samples))
}

// Returns the sample standard deviation (N-1 denominator).
// Fewer than two samples have zero deviation.
func SampleStdDev[T gen.Float | gen.Integer](samples []T) float64 {
	if len(samples) < 2 {
		return 0
	}
	return math.Sqrt(sumSquares(samples, Mean(samples)) / float64(len(samples)-1))
}

func sumSquares[T gen.Float | gen.Integer](samples []T, mean float64) float64 {
	sum := 0.0
	for _, v := range samples {
		diff := float64(v) - mean
		sum += diff * diff
	}
	return sum
}

// RoundTo rounds v to the given number of decimal places
func RoundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
