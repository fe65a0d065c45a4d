package web

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/collectr/marketpulse/marketpulse/database"
	"github.com/collectr/marketpulse/marketpulse/database/models"
	"github.com/collectr/marketpulse/marketpulse/database/repositories"
	"github.com/collectr/marketpulse/marketpulse/ingest"
	"github.com/collectr/marketpulse/marketpulse/live"
	"github.com/collectr/marketpulse/marketpulse/pricing"
)

const submitTimeout = 10 * time.Second

// WebApp bundles the dependencies the HTTP handlers work against.
type WebApp struct {
	DB        *database.DB
	Snapshots repositories.SnapshotRepository
	Rates     repositories.RateRepository
	Cache     *live.Cache
	Feed      *ingest.TrustedFeed
	Ingestor  *ingest.Ingestor
	Engine    *pricing.Engine
	Reference string
	Version   string
}

type observationRequest struct {
	ItemID     int64   `json:"item_id"`
	Source     string  `json:"source"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	ObservedAt string  `json:"observed_at"` // RFC 3339, optional
	Live       bool    `json:"live"`
}

type aggregationRequest struct {
	ItemIDs    []int64 `json:"item_ids"`
	WindowDays int     `json:"window_days"`
}

type rateRequest struct {
	Base  string  `json:"base"`
	Quote string  `json:"quote"`
	Rate  float64 `json:"rate"`
	AsOf  string  `json:"as_of"` // RFC 3339, optional
}

// SubmitObservation accepts one market observation and records it in
// the background. Clients get a 202 once the payload parses; storage
// failures are logged, not surfaced.
func SubmitObservation(app *WebApp) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req observationRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if req.ItemID <= 0 || req.Amount <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "item_id and amount must be positive")
		}

		observedAt := time.Now().UTC()
		if req.ObservedAt != "" {
			t, err := time.Parse(time.RFC3339, req.ObservedAt)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "observed_at must be RFC 3339")
			}
			observedAt = t.UTC()
		}

		source := ingest.NormalizeSource(req.Source)

		if req.Live && req.Currency == app.Reference {
			app.Feed.Submit(live.PriceUpdate{
				ItemID: req.ItemID,
				Price:  req.Amount,
				Source: source,
				At:     observedAt,
			})
		} else {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
				defer cancel()
				if err := app.Ingestor.SubmitObservation(ctx, req.ItemID, source, req.Amount, req.Currency, observedAt); err != nil {
					slog.Warn("Failed to record observation",
						slog.String("type", "web"),
						slog.Int64("item_id", req.ItemID),
						slog.String("error", err.Error()))
				}
			}()
		}

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
	}
}

// SubmitRates records a batch of externally sourced exchange rates.
func SubmitRates(app *WebApp) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var reqs []rateRequest
		if err := c.BodyParser(&reqs); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if len(reqs) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "empty rate batch")
		}

		rates := make([]*models.ExchangeRate, 0, len(reqs))
		for _, r := range reqs {
			base := strings.ToUpper(strings.TrimSpace(r.Base))
			quote := strings.ToUpper(strings.TrimSpace(r.Quote))
			if len(base) != 3 || len(quote) != 3 || r.Rate <= 0 {
				return fiber.NewError(fiber.StatusBadRequest, "rates need 3-letter pair codes and a positive rate")
			}
			asOf := time.Now().UTC()
			if r.AsOf != "" {
				t, err := time.Parse(time.RFC3339, r.AsOf)
				if err != nil {
					return fiber.NewError(fiber.StatusBadRequest, "as_of must be RFC 3339")
				}
				asOf = t.UTC()
			}
			rates = append(rates, &models.ExchangeRate{Base: base, Quote: quote, Rate: r.Rate, AsOf: asOf})
		}

		if err := app.Rates.RecordBatch(c.Context(), rates); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to record rates")
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"recorded": len(rates)})
	}
}

// RunAggregation triggers a batch synchronously and returns its report.
// Only one batch runs at a time; concurrent triggers get a 409.
func RunAggregation(app *WebApp) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req aggregationRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
			}
		}

		report, err := app.Engine.RunAggregation(c.Context(), req.ItemIDs, req.WindowDays)
		if err != nil {
			if errors.Is(err, pricing.ErrAlreadyRunning) {
				return fiber.NewError(fiber.StatusConflict, "aggregation already in progress")
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(report)
	}
}

// SnapshotHistory returns an item's daily snapshots over a date range,
// oldest first. Defaults to the last 30 days.
func SnapshotHistory(app *WebApp) fiber.Handler {
	return func(c *fiber.Ctx) error {
		itemID, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil || itemID <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid item id")
		}

		to := time.Now().UTC()
		from := to.AddDate(0, 0, -30)
		if v := c.Query("from"); v != "" {
			if from, err = time.Parse("2006-01-02", v); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "from must be YYYY-MM-DD")
			}
		}
		if v := c.Query("to"); v != "" {
			if to, err = time.Parse("2006-01-02", v); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "to must be YYYY-MM-DD")
			}
		}

		snaps, err := app.Snapshots.History(c.Context(), itemID, from, to)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to load snapshots")
		}
		return c.JSON(fiber.Map{
			"item_id":   itemID,
			"snapshots": snaps,
		})
	}
}

// LivePrice returns the current live state for one item.
func LivePrice(app *WebApp) fiber.Handler {
	return func(c *fiber.Ctx) error {
		itemID, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil || itemID <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid item id")
		}

		state, ok := app.Cache.Get(c.Context(), itemID)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_data"})
		}
		return c.JSON(state)
	}
}

// HealthCheck reports process and database health.
func HealthCheck(app *WebApp) fiber.Handler {
	return func(c *fiber.Ctx) error {
		dbStatus := "ok"
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := app.DB.GetPool().Ping(ctx); err != nil {
			dbStatus = "unreachable"
		}

		status := fiber.StatusOK
		if dbStatus != "ok" {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":   dbStatus,
			"version":  app.Version,
			"items":    len(app.Cache.ItemIDs()),
			"database": dbStatus,
		})
	}
}
