package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror persists live state outside the process so restarts and other
// replicas serve last-known values.
type Mirror interface {
	Store(ctx context.Context, st State) error
	Load(ctx context.Context, itemID int64) (State, bool, error)
	Close() error
}

// RedisMirror keeps the latest live state per item in Redis. Failures
// degrade to the in-process cache; they are never surfaced to readers.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisMirror{rdb: rdb, ttl: ttl}, nil
}

func liveKey(itemID int64) string { return fmt.Sprintf("live:%d", itemID) }

func (m *RedisMirror) Store(ctx context.Context, st State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, liveKey(st.ItemID), b, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mirror live state for item %d: %w", st.ItemID, err)
	}
	return nil
}

func (m *RedisMirror) Load(ctx context.Context, itemID int64) (State, bool, error) {
	b, err := m.rdb.Get(ctx, liveKey(itemID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("failed to read mirrored state for item %d: %w", itemID, err)
	}

	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, false, fmt.Errorf("corrupt mirrored state for item %d: %w", itemID, err)
	}
	return st, true, nil
}

func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
