package live

import (
	"context"
	"time"
)

// SnapshotAuthority serves the poll fallback from snapshot history:
// when no live tick exists the latest snapshot median is the
// authoritative current price.
type SnapshotAuthority struct {
	lookup SnapshotLookup
}

func NewSnapshotAuthority(lookup SnapshotLookup) *SnapshotAuthority {
	return &SnapshotAuthority{lookup: lookup}
}

func (a *SnapshotAuthority) LatestPrices(ctx context.Context, itemIDs []int64) ([]PriceUpdate, error) {
	updates := make([]PriceUpdate, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		snap, err := a.lookup.LatestOnOrBefore(ctx, itemID, time.Now().UTC())
		if err != nil {
			// No history yet, or a per-item lookup failure; either way
			// the consumer keeps its cached value.
			continue
		}
		if snap == nil {
			continue
		}
		updates = append(updates, PriceUpdate{
			ItemID: itemID,
			Price:  snap.MedianRef,
			Source: "snapshot",
			At:     snap.SnapshotDate,
		})
	}
	return updates, nil
}
