// Package stats provides pure statistics over sample slices. Callers own the
// slices they pass in; nothing here synchronizes or mutates its input.
package stats

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the population variance, or 0 for an empty slice.
func Variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation.
func StdDev(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// Percentile selects by nearest rank: the input is sorted ascending and the
// element at index floor(n*p) is returned. Dashboards downstream expect this
// exact selection rule, not interpolation.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// TrendSlope fits an ordinary least-squares line over (index, value) pairs
// and returns its slope. Fewer than two points have no trend.
func TrendSlope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	fn := float64(n)
	return (fn*sumXY - sumX*sumY) / (fn*sumX2 - sumX*sumX)
}

// TrendConfidence normalizes trend strength to [0,1] as |slope|/sqrt(variance).
// Series shorter than three points, or flat series, carry no confidence.
func TrendConfidence(values []float64, slope float64) float64 {
	if len(values) < 3 {
		return 0
	}
	variance := Variance(values)
	if variance == 0 {
		return 0
	}
	return math.Min(math.Abs(slope)/math.Sqrt(variance), 1.0)
}

// Gini returns the Gini coefficient of the distribution, 0 for perfectly
// even and approaching 1 for maximally skewed.
func Gini(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	var sum, total float64
	for i, v := range sorted {
		total += v
		sum += float64(n-i) * v
	}
	if total == 0 {
		return 0
	}
	return (2.0*sum)/(float64(n)*total) - (float64(n)+1.0)/float64(n)
}
