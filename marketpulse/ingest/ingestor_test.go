package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
)

func TestNormalizeSource(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "exact match",
			raw:  "ebay",
			want: models.SourceEbay,
		},
		{
			name: "case and whitespace",
			raw:  "  eBay ",
			want: models.SourceEbay,
		},
		{
			name: "domain variant",
			raw:  "www.ebay.co.uk",
			want: models.SourceEbay,
		},
		{
			name: "marketplace with suffix",
			raw:  "Heritage Auctions",
			want: models.SourceHeritage,
		},
		{
			name: "tcgplayer spelled loosely",
			raw:  "TCGplayer",
			want: models.SourceTCGPlayer,
		},
		{
			name: "empty",
			raw:  "",
			want: models.SourceOther,
		},
		{
			name: "unknown marketplace",
			raw:  "craigslist",
			want: models.SourceOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSource(tt.raw); got != tt.want {
				t.Errorf("NormalizeSource(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

// recordingObservationRepo captures created observations.
type recordingObservationRepo struct {
	mu      sync.Mutex
	created []*models.PriceObservation
}

func (r *recordingObservationRepo) Create(_ context.Context, obs *models.PriceObservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, obs)
	return nil
}

func (r *recordingObservationRepo) CreateBatch(_ context.Context, observations []*models.PriceObservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, observations...)
	return nil
}

func (r *recordingObservationRepo) all() []*models.PriceObservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.PriceObservation(nil), r.created...)
}

func (r *recordingObservationRepo) ListForItem(context.Context, int64, time.Time) ([]models.PriceObservation, error) {
	return nil, nil
}

func (r *recordingObservationRepo) MarkOutliers(context.Context, []int64, []int64) error {
	return nil
}

func (r *recordingObservationRepo) ActiveItemIDs(context.Context, time.Time) ([]int64, error) {
	return nil, nil
}

func TestSubmitObservation(t *testing.T) {
	repo := &recordingObservationRepo{}
	ing := NewIngestor(repo)

	observedAt := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	if err := ing.SubmitObservation(context.Background(), 42, "eBay", 10.5, "usd", observedAt); err != nil {
		t.Fatalf("SubmitObservation() error = %v", err)
	}

	if len(repo.created) != 1 {
		t.Fatalf("created = %d observations, want 1", len(repo.created))
	}
	obs := repo.created[0]
	if obs.ItemID != 42 || obs.RawAmount != 10.5 {
		t.Errorf("observation = %+v, want item 42 amount 10.5", obs)
	}
	if obs.RawCurrency != "USD" {
		t.Errorf("RawCurrency = %q, want normalized %q", obs.RawCurrency, "USD")
	}
	if obs.Source != models.SourceEbay {
		t.Errorf("Source = %q, want %q", obs.Source, models.SourceEbay)
	}
}

func TestSubmitObservationRejectsBadInput(t *testing.T) {
	repo := &recordingObservationRepo{}
	ing := NewIngestor(repo)
	ctx := context.Background()
	now := time.Now().UTC()

	tests := []struct {
		name     string
		itemID   int64
		amount   float64
		currency string
	}{
		{name: "zero item", itemID: 0, amount: 10, currency: "USD"},
		{name: "negative amount", itemID: 1, amount: -5, currency: "USD"},
		{name: "zero amount", itemID: 1, amount: 0, currency: "USD"},
		{name: "bad currency", itemID: 1, amount: 10, currency: "DOLLARS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ing.SubmitObservation(ctx, tt.itemID, "ebay", tt.amount, tt.currency, now); err == nil {
				t.Error("SubmitObservation() error = nil, want validation error")
			}
		})
	}

	if len(repo.created) != 0 {
		t.Errorf("created = %d observations from invalid input, want 0", len(repo.created))
	}
}
