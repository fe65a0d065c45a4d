package pricing

import (
	"math"
	"sort"
)

const (
	// DefaultMADThreshold is the k in |x - median| > k * MAD.
	DefaultMADThreshold = 3.0
	// DefaultMinFilterSamples is the smallest set robust statistics
	// apply to; below it the filter passes everything through.
	DefaultMinFilterSamples = 5
)

// Median returns the sample median. Even-sized sets average the two
// middle values so repeated runs over the same set are bit-identical.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MAD returns the median absolute deviation around m.
func MAD(values []float64, m float64) float64 {
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - m)
	}
	return Median(deviations)
}

// OutlierBounds computes the accept interval [lo, hi] for the sample
// set. filtered is false when the set is too small (< minSamples) or
// collapsed (MAD = 0); in both cases every value is acceptable.
// minSamples <= 0 uses DefaultMinFilterSamples.
func OutlierBounds(values []float64, k float64, minSamples int) (lo, hi float64, filtered bool) {
	if minSamples <= 0 {
		minSamples = DefaultMinFilterSamples
	}
	if len(values) < minSamples {
		return math.Inf(-1), math.Inf(1), false
	}
	m := Median(values)
	mad := MAD(values, m)
	if mad == 0 {
		return math.Inf(-1), math.Inf(1), false
	}
	return m - k*mad, m + k*mad, true
}

// FilterOutliers partitions values into retained and rejected samples
// using the median/MAD rule. One erroneous listing or one high-grade
// one-off sale must not move the typical price, so the spread measure
// has to itself be outlier-resistant.
func FilterOutliers(values []float64, k float64, minSamples int) (kept, removed []float64) {
	lo, hi, filtered := OutlierBounds(values, k, minSamples)
	if !filtered {
		return values, nil
	}
	kept = make([]float64, 0, len(values))
	for _, v := range values {
		if v < lo || v > hi {
			removed = append(removed, v)
		} else {
			kept = append(kept, v)
		}
	}
	return kept, removed
}
