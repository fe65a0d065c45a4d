package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	"github.com/collectr/marketpulse/marketpulse/database/repositories"
	"github.com/sahilm/fuzzy"
)

// Ingestor accepts raw price observations from external collaborators.
// Intake is fire-and-forget and best-effort; duplicates are tolerated
// because aggregation re-derives filtered sets from the full history.
type Ingestor struct {
	observations repositories.ObservationRepository
}

func NewIngestor(observations repositories.ObservationRepository) *Ingestor {
	return &Ingestor{observations: observations}
}

// SubmitObservation validates and records one observation.
func (i *Ingestor) SubmitObservation(ctx context.Context, itemID int64, source string, amount float64, currency string, observedAt time.Time) error {
	if itemID <= 0 {
		return fmt.Errorf("invalid item id %d", itemID)
	}
	if amount <= 0 {
		return fmt.Errorf("invalid amount %f", amount)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return fmt.Errorf("invalid currency %q", currency)
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	obs := &models.PriceObservation{
		ItemID:      itemID,
		Source:      NormalizeSource(source),
		RawAmount:   amount,
		RawCurrency: currency,
		ObservedAt:  observedAt.UTC(),
	}

	if err := i.observations.Create(ctx, obs); err != nil {
		return err
	}

	slog.Debug("Observation recorded",
		slog.String("type", "market"),
		slog.Int64("item_id", itemID),
		slog.String("source", obs.Source),
		slog.Float64("amount", amount),
		slog.String("currency", currency))
	return nil
}

// NormalizeSource maps a messy marketplace name onto the known source
// enum. Exact match first, then fuzzy ("eBay.com" -> ebay); anything
// unrecognizable is kept as other rather than rejected.
func NormalizeSource(raw string) string {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	if cleaned == "" {
		return models.SourceOther
	}

	for _, known := range models.KnownSources {
		if cleaned == known {
			return known
		}
	}

	matches := fuzzy.Find(cleaned, models.KnownSources)
	if len(matches) > 0 {
		return models.KnownSources[matches[0].Index]
	}

	// The pattern may also be the longer string, e.g. "www.ebay.co.uk".
	for _, known := range models.KnownSources {
		if strings.Contains(cleaned, known) {
			return known
		}
	}

	return models.SourceOther
}
