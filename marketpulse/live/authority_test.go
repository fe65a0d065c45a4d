package live

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	"github.com/collectr/marketpulse/marketpulse/database/repositories"
)

// historyLookup serves a fixed snapshot per item and a not-found error
// for everything else, mirroring the repository contract.
type historyLookup struct {
	snapshots map[int64]*models.DailySnapshot
	errFor    map[int64]error
}

func (h *historyLookup) LatestOnOrBefore(_ context.Context, itemID int64, _ time.Time) (*models.DailySnapshot, error) {
	if err := h.errFor[itemID]; err != nil {
		return nil, err
	}
	if snap, ok := h.snapshots[itemID]; ok {
		return snap, nil
	}
	return nil, &repositories.NotFoundError{Entity: "snapshot", ID: itemID}
}

func TestSnapshotAuthoritySkipsItemsWithoutHistory(t *testing.T) {
	date := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	lookup := &historyLookup{
		snapshots: map[int64]*models.DailySnapshot{
			1: {ItemID: 1, MedianRef: 10.5, SnapshotDate: date},
		},
		errFor: map[int64]error{
			3: fmt.Errorf("connection refused"),
		},
	}
	authority := NewSnapshotAuthority(lookup)

	// Item 2 has no history, item 3 fails outright; neither aborts the
	// poll and neither produces an update.
	updates, err := authority.LatestPrices(context.Background(), []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("LatestPrices() error = %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("LatestPrices() = %d updates, want 1", len(updates))
	}
	got := updates[0]
	if got.ItemID != 1 || got.Price != 10.5 || got.Source != "snapshot" {
		t.Errorf("update = %+v, want item 1 at 10.5 from snapshot", got)
	}
	if !got.At.Equal(date) {
		t.Errorf("update At = %v, want %v", got.At, date)
	}
}
