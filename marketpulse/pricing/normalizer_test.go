package pricing

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
)

// stubRateSource serves fixed per-currency rates and counts lookups.
type stubRateSource struct {
	rates   map[string]float64
	lookups int
	err     error
}

func (s *stubRateSource) RateAt(_ context.Context, base, _ string, _ time.Time) (float64, bool, error) {
	s.lookups++
	if s.err != nil {
		return 0, false, s.err
	}
	rate, ok := s.rates[base]
	return rate, ok, nil
}

func TestNormalize(t *testing.T) {
	observedAt := time.Date(2026, 8, 27, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		obs        models.PriceObservation
		rates      map[string]float64
		wantAmount float64
		wantOK     bool
	}{
		{
			name: "reference currency passes through",
			obs: models.PriceObservation{
				ItemID:      1,
				RawAmount:   10.5,
				RawCurrency: "USD",
				ObservedAt:  observedAt,
			},
			rates:      map[string]float64{},
			wantAmount: 10.5,
			wantOK:     true,
		},
		{
			name: "foreign currency converted at observation-time rate",
			obs: models.PriceObservation{
				ItemID:      1,
				RawAmount:   100,
				RawCurrency: "EUR",
				ObservedAt:  observedAt,
			},
			rates:      map[string]float64{"EUR": 1.1},
			wantAmount: 110,
			wantOK:     true,
		},
		{
			name: "missing rate excludes observation",
			obs: models.PriceObservation{
				ItemID:      1,
				RawAmount:   5000,
				RawCurrency: "JPY",
				ObservedAt:  observedAt,
			},
			rates:  map[string]float64{"EUR": 1.1},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNormalizer("USD", &stubRateSource{rates: tt.rates})
			got, ok, err := n.Normalize(context.Background(), tt.obs)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("Normalize() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if math.Abs(got.Amount-tt.wantAmount) > 1e-9 {
				t.Errorf("Normalize() amount = %v, want %v", got.Amount, tt.wantAmount)
			}
			if got.ItemID != tt.obs.ItemID {
				t.Errorf("Normalize() item = %v, want %v", got.ItemID, tt.obs.ItemID)
			}
			if !got.ObservedAt.Equal(tt.obs.ObservedAt) {
				t.Errorf("Normalize() observedAt = %v, want %v", got.ObservedAt, tt.obs.ObservedAt)
			}
		})
	}
}

func TestNormalizeRateError(t *testing.T) {
	src := &stubRateSource{err: fmt.Errorf("connection refused")}
	n := NewNormalizer("USD", src)

	_, _, err := n.Normalize(context.Background(), models.PriceObservation{
		ItemID:      1,
		RawAmount:   100,
		RawCurrency: "EUR",
		ObservedAt:  time.Now().UTC(),
	})
	if err == nil {
		t.Fatal("Normalize() error = nil, want rate lookup error")
	}
}

func TestNormalizeCachesByTimestamp(t *testing.T) {
	src := &stubRateSource{rates: map[string]float64{"EUR": 1.1}}
	n := NewNormalizer("USD", src)

	observedAt := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		obs := models.PriceObservation{
			ItemID:      1,
			RawAmount:   100,
			RawCurrency: "EUR",
			ObservedAt:  observedAt,
		}
		if _, ok, err := n.Normalize(context.Background(), obs); err != nil || !ok {
			t.Fatalf("Normalize() ok = %v, err = %v", ok, err)
		}
	}

	if src.lookups != 1 {
		t.Errorf("rate lookups = %d, want 1 (duplicate submissions share a timestamp)", src.lookups)
	}

	// A different timestamp may resolve to a different rate, so it is a
	// different cache key.
	obs := models.PriceObservation{
		ItemID:      1,
		RawAmount:   100,
		RawCurrency: "EUR",
		ObservedAt:  observedAt.Add(time.Hour),
	}
	if _, _, err := n.Normalize(context.Background(), obs); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if src.lookups != 2 {
		t.Errorf("rate lookups = %d, want 2 after timestamp change", src.lookups)
	}
}

// steppedRateSource serves the latest rate at or before asOf from a
// fixed table, like the real repository does.
type steppedRateSource struct {
	steps []struct {
		from time.Time
		rate float64
	}
}

func (s *steppedRateSource) RateAt(_ context.Context, _, _ string, asOf time.Time) (float64, bool, error) {
	rate, ok := 0.0, false
	for _, step := range s.steps {
		if !step.from.After(asOf) {
			rate, ok = step.rate, true
		}
	}
	return rate, ok, nil
}

func TestNormalizeIntradayRateChange(t *testing.T) {
	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	src := &steppedRateSource{steps: []struct {
		from time.Time
		rate float64
	}{
		{from: day.Add(7 * time.Hour), rate: 1.0},
		{from: day.Add(12 * time.Hour), rate: 2.0},
	}}
	n := NewNormalizer("USD", src)

	morning := models.PriceObservation{
		ItemID:      1,
		RawAmount:   100,
		RawCurrency: "EUR",
		ObservedAt:  day.Add(8 * time.Hour),
	}
	got, ok, err := n.Normalize(context.Background(), morning)
	if err != nil || !ok {
		t.Fatalf("Normalize() ok = %v, err = %v", ok, err)
	}
	if math.Abs(got.Amount-100) > 1e-9 {
		t.Fatalf("morning amount = %v, want 100", got.Amount)
	}

	// A later observation on the same day must use the rate valid at its
	// own timestamp, not whichever rate was looked up first.
	evening := models.PriceObservation{
		ItemID:      1,
		RawAmount:   100,
		RawCurrency: "EUR",
		ObservedAt:  day.Add(20 * time.Hour),
	}
	got, ok, err = n.Normalize(context.Background(), evening)
	if err != nil || !ok {
		t.Fatalf("Normalize() ok = %v, err = %v", ok, err)
	}
	if math.Abs(got.Amount-200) > 1e-9 {
		t.Errorf("evening amount = %v, want 200", got.Amount)
	}
}
