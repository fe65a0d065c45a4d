package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	"github.com/uptrace/bun"
)

type SnapshotRepository interface {
	Upsert(ctx context.Context, snapshot *models.DailySnapshot) error
	History(ctx context.Context, itemID int64, from, to time.Time) ([]models.DailySnapshot, error)
	LatestOnOrBefore(ctx context.Context, itemID int64, t time.Time) (*models.DailySnapshot, error)
	ForDate(ctx context.Context, date time.Time) ([]models.DailySnapshot, error)
}

type snapshotRepository struct {
	db *bun.DB
}

func NewSnapshotRepository(db *bun.DB) SnapshotRepository {
	return &snapshotRepository{db: db}
}

// Upsert writes the snapshot with overwrite-on-conflict semantics keyed
// by (item_id, snapshot_date). The whole row is replaced, never merged.
func (r *snapshotRepository) Upsert(ctx context.Context, snapshot *models.DailySnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	snapshot.CreatedAt = time.Now().UTC()
	_, err := r.db.NewInsert().
		Model(snapshot).
		On("CONFLICT (item_id, snapshot_date) DO UPDATE").
		Set("median_ref = EXCLUDED.median_ref").
		Set("secondary_medians = EXCLUDED.secondary_medians").
		Set("low = EXCLUDED.low").
		Set("high = EXCLUDED.high").
		Set("liquidity_count = EXCLUDED.liquidity_count").
		Set("days_covered = EXCLUDED.days_covered").
		Set("confidence = EXCLUDED.confidence").
		Set("sources = EXCLUDED.sources").
		Set("created_at = EXCLUDED.created_at").
		Exec(ctx)
	if err != nil {
		return &RepositoryError{Operation: "upsert", Entity: "snapshot", Err: err}
	}
	return nil
}

// History returns snapshots in the range ordered by date ascending.
// Callers derive period-over-period change from first vs last.
func (r *snapshotRepository) History(ctx context.Context, itemID int64, from, to time.Time) ([]models.DailySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var snapshots []models.DailySnapshot
	err := r.db.NewSelect().
		Model(&snapshots).
		Where("item_id = ?", itemID).
		Where("snapshot_date >= ?", from).
		Where("snapshot_date <= ?", to).
		Order("snapshot_date ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot history: %w", err)
	}
	return snapshots, nil
}

// LatestOnOrBefore is the anchor lookup: the newest snapshot whose date
// is at or before t. An item with no history yet yields a NotFoundError.
func (r *snapshotRepository) LatestOnOrBefore(ctx context.Context, itemID int64, t time.Time) (*models.DailySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	snapshot := new(models.DailySnapshot)
	err := r.db.NewSelect().
		Model(snapshot).
		Where("item_id = ?", itemID).
		Where("snapshot_date <= ?", t).
		Order("snapshot_date DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Entity: "snapshot", ID: itemID}
		}
		return nil, fmt.Errorf("failed to fetch latest snapshot: %w", err)
	}
	return snapshot, nil
}

func (r *snapshotRepository) ForDate(ctx context.Context, date time.Time) ([]models.DailySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var snapshots []models.DailySnapshot
	err := r.db.NewSelect().
		Model(&snapshots).
		Where("snapshot_date = ?", date).
		Order("item_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshots for date: %w", err)
	}
	return snapshots, nil
}
