package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	"github.com/uptrace/bun"
)

type ObservationRepository interface {
	Create(ctx context.Context, obs *models.PriceObservation) error
	CreateBatch(ctx context.Context, observations []*models.PriceObservation) error
	ListForItem(ctx context.Context, itemID int64, since time.Time) ([]models.PriceObservation, error)
	MarkOutliers(ctx context.Context, keepIDs, outlierIDs []int64) error
	ActiveItemIDs(ctx context.Context, since time.Time) ([]int64, error)
}

type observationRepository struct {
	db *bun.DB
}

func NewObservationRepository(db *bun.DB) ObservationRepository {
	return &observationRepository{db: db}
}

func (r *observationRepository) Create(ctx context.Context, obs *models.PriceObservation) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	obs.CreatedAt = time.Now().UTC()
	_, err := r.db.NewInsert().Model(obs).Exec(ctx)
	if err != nil {
		return &RepositoryError{Operation: "create", Entity: "observation", Err: err}
	}
	return nil
}

func (r *observationRepository) CreateBatch(ctx context.Context, observations []*models.PriceObservation) error {
	if len(observations) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	now := time.Now().UTC()
	for _, obs := range observations {
		if obs.CreatedAt.IsZero() {
			obs.CreatedAt = now
		}
	}
	_, err := r.db.NewInsert().Model(&observations).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert observations: %w", err)
	}
	return nil
}

// ListForItem returns the item's observations in the trailing window,
// oldest first.
func (r *observationRepository) ListForItem(ctx context.Context, itemID int64, since time.Time) ([]models.PriceObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var observations []models.PriceObservation
	err := r.db.NewSelect().
		Model(&observations).
		Where("item_id = ?", itemID).
		Where("observed_at >= ?", since).
		Order("observed_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	return observations, nil
}

// MarkOutliers reconciles the outlier flags after a filter pass. Both
// sets are written so that a re-run over a changed window stays
// consistent with the latest filter verdict.
func (r *observationRepository) MarkOutliers(ctx context.Context, keepIDs, outlierIDs []int64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if len(keepIDs) > 0 {
		_, err := r.db.NewUpdate().
			Model((*models.PriceObservation)(nil)).
			Set("is_outlier = ?", false).
			Where("id IN (?)", bun.In(keepIDs)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear outlier flags: %w", err)
		}
	}
	if len(outlierIDs) > 0 {
		_, err := r.db.NewUpdate().
			Model((*models.PriceObservation)(nil)).
			Set("is_outlier = ?", true).
			Where("id IN (?)", bun.In(outlierIDs)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to set outlier flags: %w", err)
		}
	}
	return nil
}

// ActiveItemIDs returns the ids of every item with at least one
// observation in the window, the batch scope for "all".
func (r *observationRepository) ActiveItemIDs(ctx context.Context, since time.Time) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var itemIDs []int64
	err := r.db.NewSelect().
		Model((*models.PriceObservation)(nil)).
		Column("item_id").
		Where("observed_at >= ?", since).
		GroupExpr("item_id").
		Order("item_id ASC").
		Scan(ctx, &itemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list active items: %w", err)
	}
	return itemIDs, nil
}
