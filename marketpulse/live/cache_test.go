package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
)

func newTestCache(highlight time.Duration) (*Cache, *Broadcaster) {
	bc := NewBroadcaster(16)
	return NewCache(bc, highlight, nil), bc
}

func TestApplyTracksPreviousPrice(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	if !c.Apply(PriceUpdate{ItemID: 1, Price: 10}) {
		t.Fatal("first Apply() = false, want true")
	}
	st, ok := c.Get(context.Background(), 1)
	if !ok {
		t.Fatal("Get() miss after Apply")
	}
	if st.CurrentPrice != 10 || st.PreviousPrice != 10 {
		t.Errorf("first write state = %+v, want previous equal to current", st)
	}

	if !c.Apply(PriceUpdate{ItemID: 1, Price: 12}) {
		t.Fatal("second Apply() = false, want true")
	}
	st, _ = c.Get(context.Background(), 1)
	if st.CurrentPrice != 12 || st.PreviousPrice != 10 {
		t.Errorf("state = %+v, want current 12, previous 10", st)
	}
	if !st.JustChanged {
		t.Error("JustChanged = false right after an accepted update")
	}
}

func TestApplySamePriceIsNoOp(t *testing.T) {
	c, bc := newTestCache(time.Minute)
	sub := bc.Subscribe(nil)

	c.Apply(PriceUpdate{ItemID: 1, Price: 10})
	if c.Apply(PriceUpdate{ItemID: 1, Price: 10}) {
		t.Fatal("Apply() with unchanged price = true, want false")
	}

	// Push and pull may deliver the same change: exactly one event.
	if got := len(sub.Events()); got != 1 {
		t.Errorf("events published = %d, want 1", got)
	}
}

func TestApplyRejectsStaleUpdate(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	now := time.Now().UTC()

	c.Apply(PriceUpdate{ItemID: 1, Price: 12, At: now})
	if c.Apply(PriceUpdate{ItemID: 1, Price: 10, At: now.Add(-time.Hour)}) {
		t.Fatal("Apply() accepted an update older than current state")
	}

	st, _ := c.Get(context.Background(), 1)
	if st.CurrentPrice != 12 {
		t.Errorf("CurrentPrice = %v, want 12 (stale poll result ignored)", st.CurrentPrice)
	}
}

func TestJustChangedExpires(t *testing.T) {
	c, _ := newTestCache(20 * time.Millisecond)

	c.Apply(PriceUpdate{ItemID: 1, Price: 10})
	st, _ := c.Get(context.Background(), 1)
	if !st.JustChanged {
		t.Fatal("JustChanged = false immediately after update")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ = c.Get(context.Background(), 1)
		if !st.JustChanged {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("JustChanged still true after highlight window")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRapidUpdatesExtendHighlight(t *testing.T) {
	c, _ := newTestCache(40 * time.Millisecond)

	c.Apply(PriceUpdate{ItemID: 1, Price: 10})
	time.Sleep(25 * time.Millisecond)
	// Second update lands inside the first window and restarts it.
	c.Apply(PriceUpdate{ItemID: 1, Price: 11})
	time.Sleep(25 * time.Millisecond)

	st, _ := c.Get(context.Background(), 1)
	if !st.JustChanged {
		t.Error("JustChanged = false, want true (window restarted by second update)")
	}
}

func TestSeedDoesNotPublishOrHighlight(t *testing.T) {
	c, bc := newTestCache(time.Minute)
	sub := bc.Subscribe(nil)

	c.Seed(1, 25, time.Now().UTC())

	st, ok := c.Get(context.Background(), 1)
	if !ok {
		t.Fatal("Get() miss after Seed")
	}
	if st.JustChanged {
		t.Error("Seed() set JustChanged")
	}
	if st.CurrentPrice != 25 {
		t.Errorf("CurrentPrice = %v, want 25", st.CurrentPrice)
	}
	if got := len(sub.Events()); got != 0 {
		t.Errorf("events published by Seed = %d, want 0", got)
	}

	// Seeding never overwrites a live value.
	c.Apply(PriceUpdate{ItemID: 1, Price: 30})
	c.Seed(1, 25, time.Now().UTC())
	st, _ = c.Get(context.Background(), 1)
	if st.CurrentPrice != 30 {
		t.Errorf("CurrentPrice = %v after re-seed, want 30", st.CurrentPrice)
	}
}

func TestAnchorsDrivePercentChanges(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	c.SetAnchors(1, Anchors{Day: 100, Week: 80, Month: 50})
	c.Apply(PriceUpdate{ItemID: 1, Price: 110})

	st, _ := c.Get(context.Background(), 1)
	if st.Change24hPct != 10 {
		t.Errorf("Change24hPct = %v, want 10", st.Change24hPct)
	}
	if st.Change7dPct != 37.5 {
		t.Errorf("Change7dPct = %v, want 37.5", st.Change7dPct)
	}
	if st.Change30dPct != 120 {
		t.Errorf("Change30dPct = %v, want 120", st.Change30dPct)
	}

	// A missing anchor reports zero, not a division blowup.
	c.SetAnchors(1, Anchors{})
	st, _ = c.Get(context.Background(), 1)
	if st.Change24hPct != 0 || st.Change7dPct != 0 || st.Change30dPct != 0 {
		t.Errorf("changes with zero anchors = %+v, want all zero", st)
	}
}

func TestGetUnknownItem(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	if _, ok := c.Get(context.Background(), 404); ok {
		t.Error("Get() = hit for unknown item, want miss")
	}
}

// fakeMirror is an in-memory stand-in for the external mirror.
type fakeMirror struct {
	mu     sync.Mutex
	states map[int64]State
}

func (m *fakeMirror) Store(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[int64]State)
	}
	m.states[s.ItemID] = s
	return nil
}

func (m *fakeMirror) Load(_ context.Context, itemID int64) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[itemID]
	return s, ok, nil
}

func (m *fakeMirror) Close() error { return nil }

func TestGetFallsBackToMirror(t *testing.T) {
	mirror := &fakeMirror{}
	mirror.states = map[int64]State{
		5: {ItemID: 5, CurrentPrice: 99, PreviousPrice: 95, JustChanged: true},
	}
	c := NewCache(NewBroadcaster(4), time.Minute, mirror)

	st, ok := c.Get(context.Background(), 5)
	if !ok {
		t.Fatal("Get() miss, want mirror fallback hit")
	}
	if st.CurrentPrice != 99 {
		t.Errorf("CurrentPrice = %v, want 99", st.CurrentPrice)
	}
	if st.JustChanged {
		t.Error("mirror-recovered state kept JustChanged, want cleared")
	}
}

func TestApplyConcurrentItems(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Apply(PriceUpdate{ItemID: int64(n), Price: float64(j + 1)})
			}
		}(i)
	}
	wg.Wait()

	if got := len(c.ItemIDs()); got != 8 {
		t.Fatalf("ItemIDs() = %d items, want 8", got)
	}
	for i := 0; i < 8; i++ {
		st, ok := c.Get(context.Background(), int64(i))
		if !ok {
			t.Fatalf("Get(%d) miss", i)
		}
		if st.CurrentPrice != 100 {
			t.Errorf("item %d CurrentPrice = %v, want 100 (last write wins)", i, st.CurrentPrice)
		}
	}
}

func TestRefreshAnchors(t *testing.T) {
	now := time.Now().UTC()
	lookup := &fakeLookup{snaps: map[string]float64{
		"day":   100,
		"week":  80,
		"month": 50,
	}, now: now}
	c, _ := newTestCache(time.Minute)

	c.RefreshAnchors(context.Background(), lookup, []int64{1})

	// Warm seed installs the latest median without a change event.
	st, ok := c.Get(context.Background(), 1)
	if !ok {
		t.Fatal("Get() miss after RefreshAnchors")
	}
	if st.CurrentPrice != 100 {
		t.Errorf("seeded price = %v, want 100", st.CurrentPrice)
	}

	c.Apply(PriceUpdate{ItemID: 1, Price: 110})
	st, _ = c.Get(context.Background(), 1)
	if st.Change24hPct != 10 {
		t.Errorf("Change24hPct = %v, want 10", st.Change24hPct)
	}
}

// fakeLookup answers anchor lookups by bucketing the requested time.
type fakeLookup struct {
	snaps map[string]float64
	now   time.Time
}

func (f *fakeLookup) LatestOnOrBefore(_ context.Context, _ int64, at time.Time) (*models.DailySnapshot, error) {
	var median float64
	switch {
	case at.After(f.now.Add(-48 * time.Hour)):
		median = f.snaps["day"]
	case at.After(f.now.AddDate(0, 0, -8)):
		median = f.snaps["week"]
	default:
		median = f.snaps["month"]
	}
	if median == 0 {
		return nil, nil
	}
	return &models.DailySnapshot{MedianRef: median, SnapshotDate: at}, nil
}
