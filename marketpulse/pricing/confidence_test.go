package pricing

import (
	"math"
	"testing"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		name           string
		liquidityCount int
		daysCovered    int
		want           float64
	}{
		{
			name:           "no samples",
			liquidityCount: 0,
			daysCovered:    0,
			want:           0,
		},
		{
			name:           "single fresh sale",
			liquidityCount: 1,
			daysCovered:    5,
			want:           0.55,
		},
		{
			name:           "deep and fresh clamps to one",
			liquidityCount: 12,
			daysCovered:    5,
			want:           1.0,
		},
		{
			name:           "deep but stale",
			liquidityCount: 10,
			daysCovered:    40,
			want:           0.5,
		},
		{
			name:           "mid liquidity two weeks old",
			liquidityCount: 5,
			daysCovered:    10,
			want:           0.65,
		},
		{
			name:           "thin and aging",
			liquidityCount: 2,
			daysCovered:    20,
			want:           0.35,
		},
		{
			name:           "older than a month earns no recency",
			liquidityCount: 4,
			daysCovered:    31,
			want:           0.15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(tt.liquidityCount, tt.daysCovered)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Confidence(%d, %d) = %v, want %v",
					tt.liquidityCount, tt.daysCovered, got, tt.want)
			}
		})
	}
}

func TestConfidenceMonotonicInLiquidity(t *testing.T) {
	for days := 1; days <= 45; days += 3 {
		prev := -1.0
		for count := 0; count <= 15; count++ {
			got := Confidence(count, days)
			if got < prev {
				t.Fatalf("Confidence(%d, %d) = %v decreased from %v", count, days, got, prev)
			}
			prev = got
		}
	}
}

func TestConfidenceMonotonicInFreshness(t *testing.T) {
	for count := 1; count <= 15; count++ {
		prev := 2.0
		for days := 1; days <= 45; days++ {
			got := Confidence(count, days)
			if got > prev {
				t.Fatalf("Confidence(%d, %d) = %v increased from %v as data aged", count, days, got, prev)
			}
			prev = got
		}
	}
}

func TestConfidenceBounds(t *testing.T) {
	for count := 0; count <= 20; count++ {
		for days := 0; days <= 60; days++ {
			got := Confidence(count, days)
			if got < 0 || got > 1 {
				t.Fatalf("Confidence(%d, %d) = %v out of [0, 1]", count, days, got)
			}
		}
	}
}
