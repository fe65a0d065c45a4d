package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultWorkers = 4

// Config holds the aggregation batch parameters.
type Config struct {
	WindowDays   int
	MADThreshold float64
	MinSamples   int
	Workers      int
}

// ObservationStore is the engine's read/flag port over raw observations.
type ObservationStore interface {
	ListForItem(ctx context.Context, itemID int64, since time.Time) ([]models.PriceObservation, error)
	MarkOutliers(ctx context.Context, keepIDs, outlierIDs []int64) error
	ActiveItemIDs(ctx context.Context, since time.Time) ([]int64, error)
}

// SnapshotStore persists one snapshot row per (item, day).
type SnapshotStore interface {
	Upsert(ctx context.Context, snapshot *models.DailySnapshot) error
}

// ItemError is one isolated per-item failure surfaced in the report.
type ItemError struct {
	ItemID int64  `json:"item_id"`
	Reason string `json:"reason"`
}

// Report summarizes one aggregation run.
type Report struct {
	Processed               int         `json:"processed"`
	Created                 int         `json:"created"`
	SkippedInsufficientData int         `json:"skipped_insufficient_data"`
	ExcludedMissingRate     int         `json:"excluded_missing_rate"`
	Errors                  []ItemError `json:"errors"`
	ItemIDs                 []int64     `json:"-"`
}

// Engine turns raw per-sale observations into daily per-item snapshots.
// Items are independent: the batch runs them on a bounded worker pool
// with no ordering guarantee and no transactional coupling, so one
// item's failure never aborts the run.
type Engine struct {
	observations ObservationStore
	snapshots    SnapshotStore
	normalizer   *Normalizer
	cfg          Config
	running      atomic.Bool
}

func NewEngine(observations ObservationStore, snapshots SnapshotStore, normalizer *Normalizer, cfg Config) *Engine {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if cfg.MADThreshold <= 0 {
		cfg.MADThreshold = DefaultMADThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinFilterSamples
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Engine{
		observations: observations,
		snapshots:    snapshots,
		normalizer:   normalizer,
		cfg:          cfg,
	}
}

// ErrAlreadyRunning is returned when a batch is triggered while a
// previous one on the same engine is still in flight.
var ErrAlreadyRunning = fmt.Errorf("aggregation already in progress")

// RunAggregation processes the given items, or every item with recent
// observations when itemIDs is empty. windowDays <= 0 uses the
// configured default. The run can be aborted between items via ctx;
// already-written snapshots stay valid because each upsert is atomic.
func (e *Engine) RunAggregation(ctx context.Context, itemIDs []int64, windowDays int) (*Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	start := time.Now()
	if windowDays <= 0 {
		windowDays = e.cfg.WindowDays
	}
	day := dayOf(time.Now().UTC())
	since := day.AddDate(0, 0, -windowDays)

	if len(itemIDs) == 0 {
		var err error
		itemIDs, err = e.observations.ActiveItemIDs(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve batch scope: %w", err)
		}
	}

	var (
		created  int32
		skipped  int32
		excluded int32

		errMu     sync.Mutex
		itemErrs  []ItemError
		processed int32
	)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.cfg.Workers))

	for _, itemID := range itemIDs {
		// Checkpoint between items: a cancelled run stops dispatching
		// but never corrupts partial state.
		if gctx.Err() != nil {
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		itemID := itemID
		g.Go(func() error {
			defer sem.Release(1)

			outcome := e.aggregateItem(gctx, itemID, day, since)
			atomic.AddInt32(&processed, 1)
			atomic.AddInt32(&excluded, int32(outcome.excludedMissingRate))
			switch {
			case outcome.err != nil:
				errMu.Lock()
				itemErrs = append(itemErrs, ItemError{ItemID: itemID, Reason: outcome.err.Error()})
				errMu.Unlock()
				slog.Error("Item aggregation failed",
					slog.String("type", "market"),
					slog.Int64("item_id", itemID),
					slog.Any("error", outcome.err))
			case outcome.created:
				atomic.AddInt32(&created, 1)
			default:
				atomic.AddInt32(&skipped, 1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Processed:               int(processed),
		Created:                 int(created),
		SkippedInsufficientData: int(skipped),
		ExcludedMissingRate:     int(excluded),
		Errors:                  itemErrs,
		ItemIDs:                 itemIDs,
	}

	slog.Info("Aggregation run completed",
		slog.String("type", "market"),
		slog.Int("processed", report.Processed),
		slog.Int("created", report.Created),
		slog.Int("skipped", report.SkippedInsufficientData),
		slog.Int("errors", len(report.Errors)),
		slog.Duration("took", time.Since(start)))

	return report, nil
}

type itemOutcome struct {
	created             bool
	excludedMissingRate int
	err                 error
}

type refSample struct {
	obs models.PriceObservation
	ref float64
}

func (e *Engine) aggregateItem(ctx context.Context, itemID int64, day, since time.Time) itemOutcome {
	observations, err := e.observations.ListForItem(ctx, itemID, since)
	if err != nil {
		return itemOutcome{err: err}
	}
	if len(observations) == 0 {
		return itemOutcome{}
	}

	var (
		samples  []refSample
		excluded int
	)
	for _, obs := range observations {
		ref, ok, err := e.normalizer.Normalize(ctx, obs)
		if err != nil {
			return itemOutcome{err: err}
		}
		if !ok {
			excluded++
			continue
		}
		samples = append(samples, refSample{obs: obs, ref: ref.Amount})
	}

	// Zero usable samples is not an error: the snapshot is simply
	// skipped for this item/day.
	if len(samples) == 0 {
		return itemOutcome{excludedMissingRate: excluded}
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.ref
	}

	lo, hi, filtered := OutlierBounds(values, e.cfg.MADThreshold, e.cfg.MinSamples)

	var (
		kept    []refSample
		keepIDs []int64
		outIDs  []int64
	)
	for _, s := range samples {
		if filtered && (s.ref < lo || s.ref > hi) {
			outIDs = append(outIDs, s.obs.ID)
			continue
		}
		kept = append(kept, s)
		keepIDs = append(keepIDs, s.obs.ID)
	}

	// Flag reconciliation is best-effort: the snapshot itself is the
	// authoritative output and is still written on a flag failure.
	if err := e.observations.MarkOutliers(ctx, keepIDs, outIDs); err != nil {
		slog.Warn("Failed to reconcile outlier flags",
			slog.String("type", "market"),
			slog.Int64("item_id", itemID),
			slog.Any("error", err))
	}

	snapshot := e.buildSnapshot(itemID, day, kept)
	if err := e.snapshots.Upsert(ctx, snapshot); err != nil {
		return itemOutcome{excludedMissingRate: excluded, err: err}
	}
	return itemOutcome{created: true, excludedMissingRate: excluded}
}

func (e *Engine) buildSnapshot(itemID int64, day time.Time, kept []refSample) *models.DailySnapshot {
	keptValues := make([]float64, len(kept))
	low, high := kept[0].ref, kept[0].ref
	oldest, newest := kept[0].obs.ObservedAt, kept[0].obs.ObservedAt
	sourceSet := make(map[string]struct{})
	byCurrency := make(map[string][]float64)

	for i, s := range kept {
		keptValues[i] = s.ref
		if s.ref < low {
			low = s.ref
		}
		if s.ref > high {
			high = s.ref
		}
		if s.obs.ObservedAt.Before(oldest) {
			oldest = s.obs.ObservedAt
		}
		if s.obs.ObservedAt.After(newest) {
			newest = s.obs.ObservedAt
		}
		sourceSet[s.obs.Source] = struct{}{}
		// Secondary medians come from same-currency sample sets, never
		// from converting the reference median post-hoc, to avoid
		// compounding rate-staleness error.
		if s.obs.RawCurrency != e.normalizer.ReferenceCurrency() {
			byCurrency[s.obs.RawCurrency] = append(byCurrency[s.obs.RawCurrency], s.obs.RawAmount)
		}
	}

	sources := make([]string, 0, len(sourceSet))
	for s := range sourceSet {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	var secondary map[string]float64
	if len(byCurrency) > 0 {
		secondary = make(map[string]float64, len(byCurrency))
		for currency, amounts := range byCurrency {
			secondary[currency] = Median(amounts)
		}
	}

	daysCovered := int(dayOf(newest).Sub(dayOf(oldest)).Hours()/24) + 1

	return &models.DailySnapshot{
		ItemID:           itemID,
		SnapshotDate:     day,
		MedianRef:        Median(keptValues),
		SecondaryMedians: secondary,
		Low:              low,
		High:             high,
		LiquidityCount:   len(kept),
		DaysCovered:      daysCovered,
		Confidence:       Confidence(len(kept), daysCovered),
		Sources:          sources,
	}
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
