package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultHighlightWindow is how long just_changed stays true after an
// accepted update. It is a soft UI affordance, not a correctness
// mechanism: consumers must treat a missed flag as harmless.
const DefaultHighlightWindow = 500 * time.Millisecond

// State is the externally visible live price view of one item.
type State struct {
	ItemID        int64     `json:"item_id"`
	CurrentPrice  float64   `json:"current_price"`
	PreviousPrice float64   `json:"previous_price"`
	Change24hPct  float64   `json:"change_24h_pct"`
	Change7dPct   float64   `json:"change_7d_pct"`
	Change30dPct  float64   `json:"change_30d_pct"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	JustChanged   bool      `json:"just_changed"`
}

// PriceUpdate is one authoritative price tick, from a trusted source
// feed or a completed transaction.
type PriceUpdate struct {
	ItemID int64
	Price  float64
	Source string
	At     time.Time
}

// Anchors are the snapshot baselines percentage changes are computed
// against. The batch refreshes them; live ticks never move the
// denominator.
type Anchors struct {
	Day   float64
	Week  float64
	Month float64
}

// SnapshotLookup resolves anchor baselines from snapshot history. An
// error covers both real failures and an item with no history yet;
// callers skip the anchor either way.
type SnapshotLookup interface {
	LatestOnOrBefore(ctx context.Context, itemID int64, t time.Time) (*models.DailySnapshot, error)
}

// itemState serializes all transitions for one item. gen guards the
// highlight timer against clearing a newer update's flag.
type itemState struct {
	mu      sync.Mutex
	st      State
	seeded  bool
	anchors Anchors
	gen     uint64
	timer   *time.Timer
}

// Cache keeps the latest known price per item and broadcasts change
// events. Different items update fully concurrently; updates for the
// same item are serialized per item, last accepted write wins.
type Cache struct {
	states    *xsync.MapOf[int64, *itemState]
	bc        *Broadcaster
	highlight time.Duration
	mirror    Mirror
}

func NewCache(bc *Broadcaster, highlight time.Duration, mirror Mirror) *Cache {
	if highlight <= 0 {
		highlight = DefaultHighlightWindow
	}
	return &Cache{
		states:    xsync.NewMapOf[int64, *itemState](),
		bc:        bc,
		highlight: highlight,
		mirror:    mirror,
	}
}

// Apply accepts one authoritative update. It reports false when the
// price is unchanged: push and pull may both deliver the same change
// and applying it twice must be a no-op.
func (c *Cache) Apply(u PriceUpdate) bool {
	st, _ := c.states.LoadOrStore(u.ItemID, &itemState{})

	st.mu.Lock()
	if st.seeded && st.st.CurrentPrice == u.Price {
		st.mu.Unlock()
		return false
	}
	// A dated update older than the current state is stale, typically a
	// poll result racing a fresher push tick.
	if st.seeded && !u.At.IsZero() && u.At.Before(st.st.LastUpdatedAt) {
		st.mu.Unlock()
		return false
	}

	prev := st.st.CurrentPrice
	if !st.seeded {
		prev = u.Price
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	st.st = State{
		ItemID:        u.ItemID,
		CurrentPrice:  u.Price,
		PreviousPrice: prev,
		Change24hPct:  pctChange(u.Price, st.anchors.Day),
		Change7dPct:   pctChange(u.Price, st.anchors.Week),
		Change30dPct:  pctChange(u.Price, st.anchors.Month),
		LastUpdatedAt: at,
		JustChanged:   true,
	}
	st.seeded = true

	st.gen++
	gen := st.gen
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(c.highlight, func() {
		st.mu.Lock()
		if st.gen == gen {
			st.st.JustChanged = false
		}
		st.mu.Unlock()
	})

	snapshot := st.st
	st.mu.Unlock()

	// Mirror write-through happens outside the per-item lock; a slow
	// or down mirror must not stall the hot path.
	if c.mirror != nil {
		go c.mirrorStore(snapshot)
	}

	if c.bc != nil {
		c.bc.Publish(ChangeEvent{
			ItemID:       snapshot.ItemID,
			CurrentPrice: snapshot.CurrentPrice,
			ChangePct:    snapshot.Change24hPct,
			JustChanged:  true,
		})
	}
	return true
}

// Get returns the live state for an item. On a local miss it falls
// back to the mirror, so a restarted process serves last-known values
// instead of failing reads.
func (c *Cache) Get(ctx context.Context, itemID int64) (State, bool) {
	if st, ok := c.states.Load(itemID); ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.seeded {
			return st.st, true
		}
	}

	if c.mirror != nil {
		mirrored, ok, err := c.mirror.Load(ctx, itemID)
		if err != nil {
			slog.Warn("Live mirror read failed",
				slog.String("type", "market"),
				slog.Int64("item_id", itemID),
				slog.Any("error", err))
			return State{}, false
		}
		if ok {
			mirrored.JustChanged = false
			c.seedState(mirrored)
			return mirrored, true
		}
	}

	return State{}, false
}

// Seed installs a baseline price without emitting a change event or
// touching just_changed. Used to warm the cache from snapshot history.
func (c *Cache) Seed(itemID int64, price float64, at time.Time) {
	c.seedState(State{
		ItemID:        itemID,
		CurrentPrice:  price,
		PreviousPrice: price,
		LastUpdatedAt: at,
	})
}

func (c *Cache) seedState(s State) {
	st, _ := c.states.LoadOrStore(s.ItemID, &itemState{})
	st.mu.Lock()
	if !st.seeded {
		s.Change24hPct = pctChange(s.CurrentPrice, st.anchors.Day)
		s.Change7dPct = pctChange(s.CurrentPrice, st.anchors.Week)
		s.Change30dPct = pctChange(s.CurrentPrice, st.anchors.Month)
		st.st = s
		st.seeded = true
	}
	st.mu.Unlock()
}

// SetAnchors installs fresh baselines and recomputes the current
// percentage deltas against them.
func (c *Cache) SetAnchors(itemID int64, anchors Anchors) {
	st, _ := c.states.LoadOrStore(itemID, &itemState{})
	st.mu.Lock()
	st.anchors = anchors
	if st.seeded {
		st.st.Change24hPct = pctChange(st.st.CurrentPrice, anchors.Day)
		st.st.Change7dPct = pctChange(st.st.CurrentPrice, anchors.Week)
		st.st.Change30dPct = pctChange(st.st.CurrentPrice, anchors.Month)
	}
	st.mu.Unlock()
}

// RefreshAnchors reloads the 24h/7d/30d baselines for the given items
// from snapshot history and warms unseeded items with their latest
// snapshot median. All lookups run outside the per-item locks.
func (c *Cache) RefreshAnchors(ctx context.Context, lookup SnapshotLookup, itemIDs []int64) {
	now := time.Now().UTC()
	for _, itemID := range itemIDs {
		anchors := Anchors{}
		if snap, err := lookup.LatestOnOrBefore(ctx, itemID, now.Add(-24*time.Hour)); err == nil && snap != nil {
			anchors.Day = snap.MedianRef
		}
		if snap, err := lookup.LatestOnOrBefore(ctx, itemID, now.AddDate(0, 0, -7)); err == nil && snap != nil {
			anchors.Week = snap.MedianRef
		}
		if snap, err := lookup.LatestOnOrBefore(ctx, itemID, now.AddDate(0, 0, -30)); err == nil && snap != nil {
			anchors.Month = snap.MedianRef
		}
		c.SetAnchors(itemID, anchors)

		latest, err := lookup.LatestOnOrBefore(ctx, itemID, now)
		if err != nil || latest == nil {
			continue
		}
		c.Seed(itemID, latest.MedianRef, latest.SnapshotDate)
	}
}

// ItemIDs returns every item currently tracked by the cache.
func (c *Cache) ItemIDs() []int64 {
	ids := make([]int64, 0, c.states.Size())
	c.states.Range(func(id int64, _ *itemState) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

func (c *Cache) mirrorStore(s State) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.mirror.Store(ctx, s); err != nil {
		slog.Warn("Live mirror write failed",
			slog.String("type", "market"),
			slog.Int64("item_id", s.ItemID),
			slog.Any("error", err))
	}
}

func pctChange(current, anchor float64) float64 {
	if anchor <= 0 {
		return 0
	}
	return (current - anchor) / anchor * 100
}
