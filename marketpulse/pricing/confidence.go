package pricing

// Confidence derives a 0-1 score from the filtered sample size and the
// age span of the sample window. Both terms are step functions, summed
// and clamped. Summing means a very recent single sale can outrank a
// larger but slightly older sample.
func Confidence(liquidityCount, daysCovered int) float64 {
	var score float64

	switch {
	case liquidityCount >= 10:
		score += 0.5
	case liquidityCount >= 5:
		score += 0.3
	case liquidityCount >= 2:
		score += 0.15
	case liquidityCount >= 1:
		score += 0.05
	}

	switch {
	case liquidityCount == 0:
		// no samples, no recency credit
	case daysCovered <= 7:
		score += 0.5
	case daysCovered <= 14:
		score += 0.35
	case daysCovered <= 30:
		score += 0.2
	}

	if score > 1 {
		score = 1
	}
	return score
}
