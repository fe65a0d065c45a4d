package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

const scrapeTimeout = 30 * time.Second

// ScrapeTarget is one marketplace sold-listings page sampled for an
// item. Selector matches the elements holding sold prices.
type ScrapeTarget struct {
	ItemID   int64
	URL      string
	Source   string
	Currency string
	Selector string
}

// Scraper samples marketplace sold-listing pages through a headless
// browser and submits the extracted prices as raw observations. It is
// one producer among several; the aggregation pipeline treats its
// output like any other source.
type Scraper struct {
	ingestor *Ingestor
	targets  []ScrapeTarget
	interval time.Duration
	logger   *slog.Logger
}

func NewScraper(ingestor *Ingestor, targets []ScrapeTarget, interval time.Duration) *Scraper {
	if interval <= 0 {
		interval = time.Hour
	}
	s := &Scraper{
		ingestor: ingestor,
		targets:  targets,
		interval: interval,
		logger:   slog.With(slog.String("service", "scraper")),
	}
	s.testChromedpAvailability()
	return s
}

func (s *Scraper) testChromedpAvailability() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chromedpCtx, cancel := chromedp.NewContext(ctx)
	defer cancel()

	err := chromedp.Run(chromedpCtx, chromedp.Navigate("data:text/html,<html><body>test</body></html>"))
	if err != nil {
		s.logger.Error("chromedp not available - scraping will fail",
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("chromedp is available and working")
	}
}

// Start launches the periodic scrape loop; it stops when ctx is
// cancelled.
func (s *Scraper) Start(ctx context.Context) {
	if len(s.targets) == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scrapeAll(ctx)
			}
		}
	}()
}

func (s *Scraper) scrapeAll(ctx context.Context) {
	for _, target := range s.targets {
		if ctx.Err() != nil {
			return
		}
		count, err := s.scrapeTarget(ctx, target)
		if err != nil {
			s.logger.Warn("Scrape failed",
				slog.Int64("item_id", target.ItemID),
				slog.String("url", target.URL),
				slog.Any("error", err))
			continue
		}
		s.logger.Info("Scrape completed",
			slog.Int64("item_id", target.ItemID),
			slog.String("source", target.Source),
			slog.Int("prices", count))
	}
}

func (s *Scraper) scrapeTarget(ctx context.Context, target ScrapeTarget) (int, error) {
	chromedpCtx, cancel := chromedp.NewContext(ctx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancel()

	chromedpCtx, cancel = context.WithTimeout(chromedpCtx, scrapeTimeout)
	defer cancel()

	selector := target.Selector
	if selector == "" {
		selector = ".sold-price"
	}

	var texts []string
	err := chromedp.Run(chromedpCtx,
		chromedp.Navigate(target.URL),
		chromedp.Evaluate(fmt.Sprintf(
			`Array.from(document.querySelectorAll(%q)).map(e => e.textContent)`, selector), &texts),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to scrape %s: %w", target.URL, err)
	}

	now := time.Now().UTC()
	submitted := 0
	for _, text := range texts {
		price, ok := parsePrice(text)
		if !ok {
			continue
		}
		if err := s.ingestor.SubmitObservation(ctx, target.ItemID, target.Source, price, target.Currency, now); err != nil {
			s.logger.Warn("Failed to submit scraped price",
				slog.Int64("item_id", target.ItemID),
				slog.Any("error", err))
			continue
		}
		submitted++
	}
	return submitted, nil
}

// parsePrice extracts a positive decimal from a listing price string
// like "$1,234.56" or "EUR 99,00 shipped".
func parsePrice(text string) (float64, bool) {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == ',':
			// thousands separator; decimal commas are out of scope for
			// the marketplaces sampled here
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, false
	}
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}
