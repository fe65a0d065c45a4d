package marketpulse

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

type Config struct {
	Log     LogConfig     `toml:"log"`
	DB      DBConfig      `toml:"db"`
	Redis   RedisConfig   `toml:"redis"`
	Market  MarketConfig  `toml:"market"`
	Live    LiveConfig    `toml:"live"`
	Web     WebConfig     `toml:"web"`
	Archive ArchiveConfig `toml:"archive"`
	Mongo   MongoConfig   `toml:"mongo"`
	Scraper ScraperConfig `toml:"scraper"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

type DBConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	PoolSize int    `toml:"pool_size"`
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// MarketConfig controls the aggregation batch.
type MarketConfig struct {
	ReferenceCurrency string  `toml:"reference_currency"`
	WindowDays        int     `toml:"window_days"`
	MADThreshold      float64 `toml:"mad_threshold"`
	MinFilterSamples  int     `toml:"min_filter_samples"`
	Workers           int     `toml:"workers"`
	UpdateIntervalMin int     `toml:"update_interval_min"`
}

// LiveConfig controls the live price cache and delivery paths.
type LiveConfig struct {
	HighlightMS      int `toml:"highlight_ms"`
	PollIntervalSec  int `toml:"poll_interval_sec"`
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

type WebConfig struct {
	Addr   string `toml:"addr"`
	WSAddr string `toml:"ws_addr"`
}

type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Key     string `toml:"key"`
	Secret  string `toml:"secret"`
	Region  string `toml:"region"`
	Bucket  string `toml:"bucket"`
	Prefix  string `toml:"prefix"`
}

type MongoConfig struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

type ScraperConfig struct {
	Enabled     bool           `toml:"enabled"`
	IntervalMin int            `toml:"interval_min"`
	Targets     []ScrapeTarget `toml:"targets"`
}

// ScrapeTarget is one marketplace sold-listings page to sample.
type ScrapeTarget struct {
	ItemID   int64  `toml:"item_id"`
	URL      string `toml:"url"`
	Source   string `toml:"source"`
	Currency string `toml:"currency"`
	Selector string `toml:"selector"`
}

func (c *Config) applyDefaults() {
	if c.Market.ReferenceCurrency == "" {
		c.Market.ReferenceCurrency = "USD"
	}
	if c.Market.WindowDays == 0 {
		c.Market.WindowDays = 30
	}
	if c.Market.MADThreshold == 0 {
		c.Market.MADThreshold = 3.0
	}
	if c.Market.MinFilterSamples == 0 {
		c.Market.MinFilterSamples = 5
	}
	if c.Market.Workers == 0 {
		c.Market.Workers = 4
	}
	if c.Market.UpdateIntervalMin == 0 {
		c.Market.UpdateIntervalMin = 24 * 60
	}
	if c.Live.HighlightMS == 0 {
		c.Live.HighlightMS = 500
	}
	if c.Live.PollIntervalSec == 0 {
		c.Live.PollIntervalSec = 5
	}
	if c.Live.SubscriberBuffer == 0 {
		c.Live.SubscriberBuffer = 64
	}
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
	if c.Web.WSAddr == "" {
		c.Web.WSAddr = ":8081"
	}
}
