package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/collectr/marketpulse/marketpulse/database/models"
	"github.com/collectr/marketpulse/marketpulse/database/repositories"
)

// MongoSale mirrors a document in the legacy sales collection.
type MongoSale struct {
	CardID   int64   `bson:"cardid"`
	Price    float64 `bson:"price"`
	Currency string  `bson:"currency"`
	Source   string  `bson:"source"`
	SoldAt   int64   `bson:"soldat"` // unix seconds
}

type ImportStats struct {
	Read      int
	Imported  int
	Skipped   int
	StartTime time.Time
}

// Migrator backfills price observations from the legacy Mongo sales
// archive into Postgres so that aggregation windows have history from
// day one.
type Migrator struct {
	observations repositories.ObservationRepository
	mongoDB      *mongo.Database
	collName     string
	batchSize    int
	stats        ImportStats
}

func NewMigrator(observations repositories.ObservationRepository) *Migrator {
	return &Migrator{
		observations: observations,
		collName:     "sales",
		batchSize:    1000,
		stats:        ImportStats{StartTime: time.Now()},
	}
}

// UseMongo enables direct-from-Mongo import mode
func (m *Migrator) UseMongo(client *mongo.Client, dbName string) {
	if client != nil && dbName != "" {
		m.mongoDB = client.Database(dbName)
	}
}

// SetCollectionName overrides the legacy sales collection name
func (m *Migrator) SetCollectionName(name string) {
	if name != "" {
		m.collName = name
	}
}

// SetBatchSize overrides the default batch size for inserts (useful for poolers/timeouts)
func (m *Migrator) SetBatchSize(size int) {
	if size > 0 {
		m.batchSize = size
	}
}

// Connect opens a Mongo client and points the migrator at dbName.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}
	return client, nil
}

// ImportSales streams the legacy sales collection into price_observations.
// Rows older than `since` are skipped; zero `since` imports everything.
func (m *Migrator) ImportSales(ctx context.Context, since time.Time) error {
	if m.mongoDB == nil {
		return fmt.Errorf("mongoDB not configured; call UseMongo first")
	}

	logProgress(fmt.Sprintf("Starting legacy sales import from collection %q", m.collName))

	col := m.mongoDB.Collection(m.collName)
	cur, err := col.Find(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("failed to query sales collection: %w", err)
	}
	defer cur.Close(ctx)

	var batch []*models.PriceObservation
	for cur.Next(ctx) {
		var ms MongoSale
		if err := cur.Decode(&ms); err != nil {
			m.stats.Skipped++
			continue
		}
		m.stats.Read++

		obs, ok := m.convertSale(ms, since)
		if !ok {
			m.stats.Skipped++
			continue
		}
		batch = append(batch, obs)
		if len(batch) >= m.batchSize {
			if err := m.flush(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := m.flush(ctx, batch); err != nil {
			return err
		}
	}

	m.logFinalStats()
	return nil
}

func (m *Migrator) convertSale(ms MongoSale, since time.Time) (*models.PriceObservation, bool) {
	if ms.CardID <= 0 || ms.Price <= 0 {
		return nil, false
	}
	soldAt := time.Unix(ms.SoldAt, 0).UTC()
	if !since.IsZero() && soldAt.Before(since) {
		return nil, false
	}

	currency := strings.ToUpper(strings.TrimSpace(ms.Currency))
	if len(currency) != 3 {
		currency = "USD"
	}
	source := strings.ToLower(strings.TrimSpace(ms.Source))
	if source == "" {
		source = models.SourceOther
	}

	return &models.PriceObservation{
		ItemID:      ms.CardID,
		RawAmount:   ms.Price,
		RawCurrency: currency,
		Source:      source,
		ObservedAt:  soldAt,
	}, true
}

func (m *Migrator) flush(ctx context.Context, batch []*models.PriceObservation) error {
	if err := m.observations.CreateBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert sales batch: %w", err)
	}
	m.stats.Imported += len(batch)
	logProgress(fmt.Sprintf("Imported %d observations so far", m.stats.Imported))
	return nil
}

func (m *Migrator) logFinalStats() {
	slog.Info("Legacy sales import completed",
		slog.String("type", "db"),
		slog.Int("read", m.stats.Read),
		slog.Int("imported", m.stats.Imported),
		slog.Int("skipped", m.stats.Skipped),
		slog.Duration("took", time.Since(m.stats.StartTime)))
}

func logProgress(msg string) {
	slog.Info(msg, slog.String("type", "db"))
}
