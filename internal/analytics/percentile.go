package analytics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// PercentileRanks returns the fractional ascending rank of every value in
// [0,1]. Ties share their average rank; a single present value ranks 0.
// Missing inputs are excluded from the ranking and come back Missing.
// When lowerIsWorse is set the rank is inverted to 1 - rank, so the
// smallest value receives the largest penalty.
func PercentileRanks(values []Value, lowerIsWorse bool) []Value {
	out := make([]Value, len(values))

	idx := make([]int, 0, len(values))
	for i, v := range values {
		if !v.IsMissing() {
			idx = append(idx, i)
		}
	}
	n := len(idx)
	if n == 0 {
		return out
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return values[idx[a]].v < values[idx[b]].v
	})

	for start := 0; start < n; {
		end := start + 1
		for end < n && values[idx[end]].v == values[idx[start]].v {
			end++
		}
		// 1-based ranks start+1..end share their average.
		avg := float64(start+1+end) / 2
		rank := 0.0
		if n > 1 {
			rank = (avg - 1) / float64(n-1)
		}
		if lowerIsWorse {
			rank = 1 - rank
		}
		rank = clamp01(rank)
		for _, i := range idx[start:end] {
			out[i] = Present(rank)
		}
		start = end
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// meanStd returns the mean and population standard deviation of xs.
// The standard deviation is 0 for fewer than two samples.
func meanStd(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return math.NaN(), math.NaN()
	case 1:
		return xs[0], 0
	}
	mean, variance := stat.PopMeanVariance(xs, nil)
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// weightedMean returns the weighted mean of xs, or NaN when empty.
func weightedMean(xs, weights []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return stat.Mean(xs, weights)
}
