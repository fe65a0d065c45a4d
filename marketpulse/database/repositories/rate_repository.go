package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	"github.com/uptrace/bun"
)

type RateRepository interface {
	Record(ctx context.Context, rate *models.ExchangeRate) error
	RecordBatch(ctx context.Context, rates []*models.ExchangeRate) error
	// RateAt returns the latest rate at or before asOf for base->quote.
	// The bool reports whether any such rate exists; no interpolation.
	RateAt(ctx context.Context, base, quote string, asOf time.Time) (float64, bool, error)
}

type rateRepository struct {
	db *bun.DB
}

func NewRateRepository(db *bun.DB) RateRepository {
	return &rateRepository{db: db}
}

func (r *rateRepository) Record(ctx context.Context, rate *models.ExchangeRate) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	_, err := r.db.NewInsert().Model(rate).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record exchange rate: %w", err)
	}
	return nil
}

func (r *rateRepository) RecordBatch(ctx context.Context, rates []*models.ExchangeRate) error {
	if len(rates) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	_, err := r.db.NewInsert().Model(&rates).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record exchange rates: %w", err)
	}
	return nil
}

func (r *rateRepository) RateAt(ctx context.Context, base, quote string, asOf time.Time) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	rate := new(models.ExchangeRate)
	err := r.db.NewSelect().
		Model(rate).
		Where("base = ?", base).
		Where("quote = ?", quote).
		Where("as_of <= ?", asOf).
		Order("as_of DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to look up exchange rate: %w", err)
	}
	return rate.Rate, true, nil
}
