package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/collectr/marketpulse/marketpulse/live"
)

// TrustedFeed consumes authoritative price updates (completed
// transactions, trusted source ticks) and applies them to the live
// cache. A completed transaction is also a sale, so it is recorded as
// an observation and feeds the next aggregation run.
type TrustedFeed struct {
	cache    *live.Cache
	ingestor *Ingestor
	updates  chan live.PriceUpdate
}

func NewTrustedFeed(cache *live.Cache, ingestor *Ingestor, buffer int) *TrustedFeed {
	if buffer <= 0 {
		buffer = 256
	}
	return &TrustedFeed{
		cache:    cache,
		ingestor: ingestor,
		updates:  make(chan live.PriceUpdate, buffer),
	}
}

// Submit queues an update without blocking; a full queue drops the
// tick, the poll fallback re-derives it.
func (f *TrustedFeed) Submit(u live.PriceUpdate) bool {
	select {
	case f.updates <- u:
		return true
	default:
		slog.Warn("Trusted feed queue full, dropping tick",
			slog.String("type", "market"),
			slog.Int64("item_id", u.ItemID))
		return false
	}
}

// Start launches the consumer loop; it stops when ctx is cancelled.
func (f *TrustedFeed) Start(ctx context.Context, currency string) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-f.updates:
				f.cache.Apply(u)

				if f.ingestor != nil && u.Source == "transaction" {
					at := u.At
					if at.IsZero() {
						at = time.Now().UTC()
					}
					if err := f.ingestor.SubmitObservation(ctx, u.ItemID, u.Source, u.Price, currency, at); err != nil {
						slog.Warn("Failed to record transaction observation",
							slog.String("type", "market"),
							slog.Int64("item_id", u.ItemID),
							slog.Any("error", err))
					}
				}
			}
		}
	}()
}
