// Package dsp implements the signal analysis used by the test steps: population
// statistics, a zero-phase Butterworth low-pass filter and local-maxima search.
package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MeanStd returns the population mean and standard deviation (N divisor) of xs.
// An empty input yields zeros.
func MeanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(xs, nil)
}

// MeanStdInts is MeanStd over integer samples such as raw ADC counts.
func MeanStdInts(xs []int) (mean, std float64) {
	fs := make([]float64, len(xs))
	for i, x := range xs {
		fs[i] = float64(x)
	}
	return MeanStd(fs)
}

// Round rounds x to the given number of decimal places, halves to even.
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.RoundToEven(x*p) / p
}

// Max returns the largest value in xs and its first index, or -1 for empty input.
func Max(xs []float64) (float64, int) {
	if len(xs) == 0 {
		return 0, -1
	}
	i := floats.MaxIdx(xs)
	return xs[i], i
}
