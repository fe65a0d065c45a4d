package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	lru "github.com/hashicorp/golang-lru"
)

const rateCacheSize = 4096

// RateSource is the point-in-time exchange-rate lookup port. The bool
// reports whether a rate exists at or before asOf for the pair.
type RateSource interface {
	RateAt(ctx context.Context, base, quote string, asOf time.Time) (float64, bool, error)
}

// ReferenceAmount is a normalized observation: the raw amount expressed
// in the reference currency at the rate valid when it was observed.
type ReferenceAmount struct {
	ItemID     int64
	Amount     float64
	ObservedAt time.Time
}

// Normalizer converts raw observation amounts into the reference
// currency. The lookup is latest-at-or-before the exact observation
// timestamp, so the cache is keyed per (pair, timestamp). Duplicate
// submissions repeat exact timestamps, which is what the LRU absorbs.
type Normalizer struct {
	reference string
	rates     RateSource
	cache     *lru.Cache
}

func NewNormalizer(reference string, rates RateSource) *Normalizer {
	cache, _ := lru.New(rateCacheSize)
	return &Normalizer{
		reference: reference,
		rates:     rates,
		cache:     cache,
	}
}

// ReferenceCurrency returns the fixed target currency of this normalizer.
func (n *Normalizer) ReferenceCurrency() string {
	return n.reference
}

// Normalize converts one observation. ok is false when no rate exists
// at or before the observation timestamp; the caller excludes the
// observation from aggregation and counts it, it is not fatal.
func (n *Normalizer) Normalize(ctx context.Context, obs models.PriceObservation) (ReferenceAmount, bool, error) {
	if obs.RawCurrency == n.reference {
		return ReferenceAmount{ItemID: obs.ItemID, Amount: obs.RawAmount, ObservedAt: obs.ObservedAt}, true, nil
	}

	rate, ok, err := n.lookupRate(ctx, obs.RawCurrency, obs.ObservedAt)
	if err != nil {
		return ReferenceAmount{}, false, fmt.Errorf("rate lookup for %s: %w", obs.RawCurrency, err)
	}
	if !ok {
		slog.Warn("No exchange rate for observation, excluding",
			slog.String("type", "market"),
			slog.Int64("item_id", obs.ItemID),
			slog.String("currency", obs.RawCurrency),
			slog.Time("observed_at", obs.ObservedAt))
		return ReferenceAmount{}, false, nil
	}

	return ReferenceAmount{
		ItemID:     obs.ItemID,
		Amount:     obs.RawAmount * rate,
		ObservedAt: obs.ObservedAt,
	}, true, nil
}

func (n *Normalizer) lookupRate(ctx context.Context, currency string, asOf time.Time) (float64, bool, error) {
	key := fmt.Sprintf("%s/%s@%d", currency, n.reference, asOf.UTC().UnixNano())
	if cached, hit := n.cache.Get(key); hit {
		if rate, valid := cached.(float64); valid {
			return rate, true, nil
		}
	}

	rate, ok, err := n.rates.RateAt(ctx, currency, n.reference, asOf)
	if err != nil || !ok {
		return 0, ok, err
	}

	n.cache.Add(key, rate)
	return rate, true, nil
}
