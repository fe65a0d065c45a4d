package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collectr/marketpulse/marketpulse"
	"github.com/collectr/marketpulse/marketpulse/archive"
	"github.com/collectr/marketpulse/marketpulse/database"
	"github.com/collectr/marketpulse/marketpulse/database/repositories"
	"github.com/collectr/marketpulse/marketpulse/ingest"
	"github.com/collectr/marketpulse/marketpulse/live"
	"github.com/collectr/marketpulse/marketpulse/logger"
	"github.com/collectr/marketpulse/marketpulse/migration"
	"github.com/collectr/marketpulse/marketpulse/pricing"
	"github.com/collectr/marketpulse/marketpulse/web"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	customHandler := logger.NewHandler("MarketPulse")
	slog.SetDefault(slog.New(customHandler))

	slog.Info("Starting MarketPulse",
		slog.String("version", version),
		slog.String("commit", commit))

	runOnce := flag.Bool("run-aggregation", false, "Run one aggregation batch and exit")
	importLegacy := flag.Bool("import-legacy", false, "Import legacy Mongo sales and exit")
	path := flag.String("config", "config.toml", "path to config")
	flag.Parse()

	cfg, err := marketpulse.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}
	slog.Info("Configuration loaded successfully")

	slog.Info("Initializing database connection...")
	dbStartTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	dbConfig := database.DBConfig{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Database: cfg.DB.Database,
		PoolSize: cfg.DB.PoolSize,
	}

	db, err := database.New(ctx, dbConfig)
	if err != nil {
		slog.Error("Database connection failed",
			slog.String("error", err.Error()),
			slog.Duration("attempted_for", time.Since(dbStartTime)))
		os.Exit(-1)
	}

	slog.Info("Database connected successfully",
		slog.String("database", cfg.DB.Database),
		slog.Duration("took", time.Since(dbStartTime)))

	slog.Info("Initializing database schema...")
	if err := db.InitializeSchema(ctx); err != nil {
		slog.Error("Failed to initialize database schema",
			slog.String("error", err.Error()))
		os.Exit(-1)
	}
	defer db.Close()

	observationRepo := repositories.NewObservationRepository(db.BunDB())
	snapshotRepo := repositories.NewSnapshotRepository(db.BunDB())
	rateRepo := repositories.NewRateRepository(db.BunDB())

	if *importLegacy {
		if cfg.Mongo.URI == "" {
			slog.Error("Legacy import requested but mongo.uri is not configured")
			os.Exit(-1)
		}
		client, err := migration.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			slog.Error("Mongo connection failed", slog.Any("error", err))
			os.Exit(-1)
		}
		defer client.Disconnect(ctx)

		migrator := migration.NewMigrator(observationRepo)
		migrator.UseMongo(client, cfg.Mongo.Database)
		migrator.SetCollectionName(cfg.Mongo.Collection)
		if err := migrator.ImportSales(ctx, time.Time{}); err != nil {
			logger.LogError("Legacy import failed", err)
			os.Exit(-1)
		}
		return
	}

	normalizer := pricing.NewNormalizer(cfg.Market.ReferenceCurrency, rateRepo)
	engine := pricing.NewEngine(observationRepo, snapshotRepo, normalizer, pricing.Config{
		WindowDays:   cfg.Market.WindowDays,
		MADThreshold: cfg.Market.MADThreshold,
		MinSamples:   cfg.Market.MinFilterSamples,
		Workers:      cfg.Market.Workers,
	})

	if *runOnce {
		runStart := time.Now()
		report, err := engine.RunAggregation(ctx, nil, cfg.Market.WindowDays)
		if err != nil {
			logger.LogBatch(0, 0, 0, time.Since(runStart), err)
			os.Exit(-1)
		}
		logger.LogBatch(report.Processed, report.Created, report.SkippedInsufficientData, time.Since(runStart), nil)
		return
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broadcaster := live.NewBroadcaster(cfg.Live.SubscriberBuffer)

	var mirror live.Mirror
	if cfg.Redis.Enabled {
		m, err := live.NewRedisMirror(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 24*time.Hour)
		if err != nil {
			slog.Warn("Redis unavailable, continuing without live mirror",
				slog.String("error", err.Error()))
		} else {
			mirror = m
			defer m.Close()
		}
	}

	cache := live.NewCache(broadcaster, time.Duration(cfg.Live.HighlightMS)*time.Millisecond, mirror)

	var archiver *archive.SpacesArchiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewSpacesArchiver(
			cfg.Archive.Key,
			cfg.Archive.Secret,
			cfg.Archive.Region,
			cfg.Archive.Bucket,
			cfg.Archive.Prefix,
		)
		if err != nil {
			slog.Error("Failed to initialize snapshot archiver", slog.Any("error", err))
			os.Exit(-1)
		}
	}

	// Each batch re-anchors the live cache and optionally archives the
	// day's snapshots off-database.
	afterRun := func(ctx context.Context, report *pricing.Report) {
		cache.RefreshAnchors(ctx, snapshotRepo, report.ItemIDs)
		if archiver == nil {
			return
		}
		day := time.Now().UTC().Truncate(24 * time.Hour)
		snaps, err := snapshotRepo.ForDate(ctx, day)
		if err != nil {
			slog.Warn("Failed to load snapshots for archiving", slog.String("error", err.Error()))
			return
		}
		if err := archiver.ArchiveSnapshots(ctx, day, snaps); err != nil {
			slog.Warn("Snapshot archiving failed", slog.String("error", err.Error()))
		}
	}

	scheduler := pricing.NewScheduler(engine, time.Duration(cfg.Market.UpdateIntervalMin)*time.Minute, afterRun)
	scheduler.Start(runCtx)

	ingestor := ingest.NewIngestor(observationRepo)
	feed := ingest.NewTrustedFeed(cache, ingestor, 1024)
	feed.Start(runCtx, cfg.Market.ReferenceCurrency)

	poller := live.NewPoller(cache, live.NewSnapshotAuthority(snapshotRepo), time.Duration(cfg.Live.PollIntervalSec)*time.Second)
	poller.Start(runCtx)

	if cfg.Scraper.Enabled && len(cfg.Scraper.Targets) > 0 {
		targets := make([]ingest.ScrapeTarget, 0, len(cfg.Scraper.Targets))
		for _, t := range cfg.Scraper.Targets {
			targets = append(targets, ingest.ScrapeTarget{
				ItemID:   t.ItemID,
				URL:      t.URL,
				Source:   t.Source,
				Currency: t.Currency,
				Selector: t.Selector,
			})
		}
		scraper := ingest.NewScraper(ingestor, targets, time.Duration(cfg.Scraper.IntervalMin)*time.Minute)
		scraper.Start(runCtx)
	}

	webApp := &web.WebApp{
		DB:        db,
		Snapshots: snapshotRepo,
		Rates:     rateRepo,
		Cache:     cache,
		Feed:      feed,
		Ingestor:  ingestor,
		Engine:    engine,
		Reference: cfg.Market.ReferenceCurrency,
		Version:   version,
	}
	app := web.NewApp(webApp)

	go func() {
		if err := web.Serve(runCtx, app, cfg.Web.Addr); err != nil {
			slog.Error("API server stopped", slog.String("error", err.Error()))
		}
	}()

	stream := web.NewStreamServer(cfg.Web.WSAddr, broadcaster)
	go func() {
		if err := stream.Start(runCtx); err != nil {
			slog.Error("Stream server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.LogSystem("MarketPulse is now running. Press CTRL-C to exit.",
		slog.String("api", cfg.Web.Addr),
		slog.String("stream", cfg.Web.WSAddr))

	<-runCtx.Done()
	stream.Stop()
	logger.LogSystem("Shutting down MarketPulse...")
}
