package live

import (
	"context"
	"log/slog"
	"time"
)

// Authority is the pull-side source of authoritative prices for the
// periodic fallback path.
type Authority interface {
	LatestPrices(ctx context.Context, itemIDs []int64) ([]PriceUpdate, error)
}

// Poller is the fixed-interval pull fallback for consumers that cannot
// hold a push subscription. It feeds the same idempotent Apply as the
// push path, so a change delivered by both is applied once.
type Poller struct {
	cache    *Cache
	source   Authority
	interval time.Duration
}

func NewPoller(cache *Cache, source Authority, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		cache:    cache,
		source:   source,
		interval: interval,
	}
}

// Start launches the poll loop; it returns immediately and stops when
// ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

func (p *Poller) pollOnce(ctx context.Context) {
	itemIDs := p.cache.ItemIDs()
	if len(itemIDs) == 0 {
		return
	}

	// Fetched before touching any per-item lock.
	updates, err := p.source.LatestPrices(ctx, itemIDs)
	if err != nil {
		slog.Warn("Poll fallback fetch failed, serving cached values",
			slog.String("type", "market"),
			slog.Any("error", err))
		return
	}

	for _, u := range updates {
		p.cache.Apply(u)
	}
}
