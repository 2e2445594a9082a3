// Package config loads the process configuration: an optional YAML file with
// FIGSYNC_* environment variables layered on top, so containerized deploys
// can run file-less.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Server  Server  `yaml:"server"`
	Queue   Queue   `yaml:"queue"`
	Store   Store   `yaml:"store"`
	Blob    Blob    `yaml:"blob"`
	Catalog Catalog `yaml:"catalog"`
	Scrape  Scrape  `yaml:"scrape"`
	Status  Status  `yaml:"status"`
	Workers int     `yaml:"workers"`
}

// Server configures the admin HTTP listener (metrics, health).
type Server struct {
	Addr string `yaml:"addr"`
}

// Queue selects the durable job queue backend.
type Queue struct {
	Driver       string        `yaml:"driver"` // memory | postgres | sqlite
	DSN          string        `yaml:"dsn"`
	SQLitePath   string        `yaml:"sqlite_path"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	JanitorEvery time.Duration `yaml:"janitor_every"`
}

// Store selects the relational store backend.
type Store struct {
	Driver string `yaml:"driver"` // memory | postgres
	DSN    string `yaml:"dsn"`
}

// Blob selects the image object-storage backend.
type Blob struct {
	Driver            string `yaml:"driver"` // fs | s3 | memory
	FSRoot            string `yaml:"fs_root"`
	FSBaseURL         string `yaml:"fs_base_url"`
	S3Region          string `yaml:"s3_region"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Endpoint        string `yaml:"s3_endpoint"`
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3PathStyle       bool   `yaml:"s3_path_style"`
}

// Catalog configures the upstream fetcher.
type Catalog struct {
	BaseURL           string        `yaml:"base_url"`
	ProxyURL          string        `yaml:"proxy_url"`
	Timeout           time.Duration `yaml:"timeout"`
	InsecureTLS       bool          `yaml:"insecure_tls"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	UserAgent         string        `yaml:"user_agent"`
}

// Scrape tunes the retry loop.
type Scrape struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	ChunkSize  int           `yaml:"chunk_size"`
	ChunkPause time.Duration `yaml:"chunk_pause"`
}

// Status tunes the live status cache.
type Status struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxKeys int           `yaml:"max_keys"`
}

// Default returns the configuration used when no file and no env are set.
func Default() Config {
	return Config{
		Server:  Server{Addr: ":9090"},
		Queue:   Queue{Driver: "memory", StaleAfter: 10 * time.Minute, JanitorEvery: time.Minute},
		Store:   Store{Driver: "memory"},
		Blob:    Blob{Driver: "fs", FSRoot: "./imagedata"},
		Catalog: Catalog{BaseURL: "https://myfigurecollection.net", Timeout: 10 * time.Second},
		Scrape:  Scrape{MaxRetries: 3, BaseDelay: time.Second, ChunkSize: 5, ChunkPause: 2 * time.Second},
		Status:  Status{TTL: 30 * time.Minute, MaxKeys: 4096},
		Workers: 2,
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("FIGSYNC_SERVER_ADDR", &c.Server.Addr)
	envString("FIGSYNC_QUEUE_DRIVER", &c.Queue.Driver)
	envString("FIGSYNC_QUEUE_DSN", &c.Queue.DSN)
	envString("FIGSYNC_QUEUE_SQLITE_PATH", &c.Queue.SQLitePath)
	envDuration("FIGSYNC_QUEUE_STALE_AFTER", &c.Queue.StaleAfter)
	envString("FIGSYNC_STORE_DRIVER", &c.Store.Driver)
	envString("FIGSYNC_STORE_DSN", &c.Store.DSN)
	envString("FIGSYNC_BLOB_DRIVER", &c.Blob.Driver)
	envString("FIGSYNC_BLOB_FS_ROOT", &c.Blob.FSRoot)
	envString("FIGSYNC_BLOB_FS_BASE_URL", &c.Blob.FSBaseURL)
	envString("FIGSYNC_S3_REGION", &c.Blob.S3Region)
	envString("FIGSYNC_S3_BUCKET", &c.Blob.S3Bucket)
	envString("FIGSYNC_S3_ENDPOINT", &c.Blob.S3Endpoint)
	envString("FIGSYNC_S3_ACCESS_KEY_ID", &c.Blob.S3AccessKeyID)
	envString("FIGSYNC_S3_SECRET_ACCESS_KEY", &c.Blob.S3SecretAccessKey)
	envBool("FIGSYNC_S3_PATH_STYLE", &c.Blob.S3PathStyle)
	envString("FIGSYNC_CATALOG_BASE_URL", &c.Catalog.BaseURL)
	envString("FIGSYNC_CATALOG_PROXY_URL", &c.Catalog.ProxyURL)
	envDuration("FIGSYNC_CATALOG_TIMEOUT", &c.Catalog.Timeout)
	envBool("FIGSYNC_CATALOG_INSECURE_TLS", &c.Catalog.InsecureTLS)
	envFloat("FIGSYNC_CATALOG_RPS", &c.Catalog.RequestsPerSecond)
	envString("FIGSYNC_CATALOG_USER_AGENT", &c.Catalog.UserAgent)
	envInt("FIGSYNC_SCRAPE_MAX_RETRIES", &c.Scrape.MaxRetries)
	envDuration("FIGSYNC_SCRAPE_BASE_DELAY", &c.Scrape.BaseDelay)
	envInt("FIGSYNC_SCRAPE_CHUNK_SIZE", &c.Scrape.ChunkSize)
	envDuration("FIGSYNC_SCRAPE_CHUNK_PAUSE", &c.Scrape.ChunkPause)
	envDuration("FIGSYNC_STATUS_TTL", &c.Status.TTL)
	envInt("FIGSYNC_STATUS_MAX_KEYS", &c.Status.MaxKeys)
	envInt("FIGSYNC_WORKERS", &c.Workers)
}

func (c Config) validate() error {
	switch c.Queue.Driver {
	case "memory":
	case "postgres":
		if c.Queue.DSN == "" {
			return fmt.Errorf("config: queue driver postgres requires dsn")
		}
	case "sqlite":
		if c.Queue.SQLitePath == "" {
			return fmt.Errorf("config: queue driver sqlite requires sqlite_path")
		}
	default:
		return fmt.Errorf("config: unknown queue driver %q", c.Queue.Driver)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store driver postgres requires dsn")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Blob.Driver == "s3" && c.Blob.S3Bucket == "" {
		return fmt.Errorf("config: blob driver s3 requires s3_bucket")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
