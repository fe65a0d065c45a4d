package live

import (
	"sync"
)

// ChangeEvent is one price change pushed to subscribers.
type ChangeEvent struct {
	ItemID       int64   `json:"item_id"`
	CurrentPrice float64 `json:"current_price"`
	ChangePct    float64 `json:"change_pct"`
	JustChanged  bool    `json:"just_changed"`
}

// Subscription receives change events for a set of items. Delivery is
// at-most-once and best-effort: a consumer that misses a push
// re-derives current state from the read API.
type Subscription struct {
	items map[int64]struct{}
	ch    chan ChangeEvent
}

// Events is the subscriber's receive channel. It is closed on
// Unsubscribe.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.ch
}

func (s *Subscription) wants(itemID int64) bool {
	if len(s.items) == 0 {
		return true
	}
	_, ok := s.items[itemID]
	return ok
}

// Broadcaster fans price change events out to subscribers keyed by
// item id. A full subscriber buffer drops the event rather than
// blocking the hot path.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers interest in the given items. An empty list
// subscribes to every item.
func (b *Broadcaster) Subscribe(itemIDs []int64) *Subscription {
	sub := &Subscription{
		ch: make(chan ChangeEvent, b.buffer),
	}
	if len(itemIDs) > 0 {
		sub.items = make(map[int64]struct{}, len(itemIDs))
		for _, id := range itemIDs {
			sub.items[id] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every matching subscriber without
// blocking; slow consumers lose events.
func (b *Broadcaster) Publish(ev ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(ev.ItemID) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
