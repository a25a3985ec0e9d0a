package tracestore

import (
	"math"
	"sort"
)

// Percentile returns the p-th percentile (0..1) of values, linearly
// interpolated between the closest ranks. values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (pos-float64(lower))*(sorted[upper]-sorted[lower])
}

func Median(values []float64) float64 {
	return Percentile(values, 0.5)
}

// MAD is the median absolute deviation of values around median.
func MAD(values []float64, median float64) float64 {
	deviations := make([]float64, len(values))
	for i, value := range values {
		deviations[i] = math.Abs(value - median)
	}
	return Median(deviations)
}

// IsOutlier reports whether point lies more than threshold MADs from the
// median of history. A zero MAD flags every point off the median.
func IsOutlier(history []float64, point, threshold float64) bool {
	if len(history) == 0 {
		return false
	}
	median := Median(history)
	mad := MAD(history, median)
	deviation := math.Abs(point - median)
	if mad == 0 {
		return deviation > 0
	}
	return deviation/mad > threshold
}
