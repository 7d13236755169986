package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Feed cache configuration
	Cache struct {
		// Root of the {year}/{month}/{day}/{hour}/{hash}.rss tree
		Dir string `env:"CACHE_DIR" envDefault:"cache/rss"`

		// Seconds a cached feed payload stays fresh
		ValiditySeconds int `env:"CACHE_VALIDITY_SECONDS" envDefault:"300"`
	}

	// Listing store configuration
	Store struct {
		// One of files, sqlite, postgres
		Backend string `env:"STORE_BACKEND" envDefault:"files"`

		// Root of the {category}/{hash}.listing tree for the files backend
		ObjectDir string `env:"OBJECT_CACHE_DIR" envDefault:"cache/objects"`

		// Connection string for the relational backends
		DSN string `env:"DATABASE_DSN" envDefault:"database/listings.db"`
	}

	// Idempotency ledger configuration
	Ledger struct {
		// database/sql driver name, sqlite3 or postgres
		Driver string `env:"LEDGER_DRIVER" envDefault:"sqlite3"`
		DSN    string `env:"LEDGER_DSN" envDefault:"database/ledger.db"`
	}

	Stats struct {
		DSN string `env:"STATS_DSN" envDefault:"database/stats.db"`
	}

	// Ingestion configuration
	Ingest struct {
		// Number of independent ingestion workers
		Workers int `env:"INGEST_WORKERS" envDefault:"4"`

		// Capacity of the payload queue
		QueueSize int `env:"INGEST_QUEUE_SIZE" envDefault:"256"`

		// Maximum number of retries for a failed listing write
		MaxRetries int `env:"INGEST_MAX_RETRIES" envDefault:"2"`

		// Delay between retries in milliseconds
		RetryDelay int `env:"INGEST_RETRY_DELAY" envDefault:"200"`
	}

	Retrieval struct {
		TrackingList   string `env:"TRACKING_LIST" envDefault:"tracking.json"`
		TimeoutSeconds int    `env:"FETCH_TIMEOUT_SECONDS" envDefault:"20"`
		UserAgent      string `env:"USER_AGENT" envDefault:"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"`
	}

	Enrichment struct {
		// Detail page requests per second
		RequestsPerSecond float64 `env:"ENRICH_REQUESTS_PER_SECOND" envDefault:"1"`
	}

	// Street geocoding for apartments, off by default
	Geocoding struct {
		Enabled  bool    `env:"GEOCODING_ENABLED" envDefault:"false"`
		URL      string  `env:"GEOCODING_URL" envDefault:"https://nominatim.openstreetmap.org/search"`
		CacheDir string  `env:"GEOCODING_CACHE_DIR" envDefault:"cache/geocoding"`
		Rate     float64 `env:"GEOCODING_REQUESTS_PER_SECOND" envDefault:"1"`
	}

	HTTP struct {
		Addr string `env:"HTTP_ADDR" envDefault:":5250"`
	}

	Scheduler struct {
		IntervalMinutes int `env:"SCHEDULE_INTERVAL_MINUTES" envDefault:"15"`
	}

	Log struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
	}
}

// LoadConfig reads an optional .env file and parses the environment.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside of local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CacheValidity returns the freshness window as a duration.
func (c *Config) CacheValidity() time.Duration {
	return time.Duration(c.Cache.ValiditySeconds) * time.Second
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Retrieval.TimeoutSeconds) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Ingest.RetryDelay) * time.Millisecond
}

func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalMinutes) * time.Minute
}

// NewLogger builds the process logger from the Log section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if c.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
