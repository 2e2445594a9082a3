package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 2 {
		t.Fatalf("workers = %d, want 2", cfg.Workers)
	}
	if cfg.Scrape.MaxRetries != 3 || cfg.Scrape.BaseDelay != time.Second {
		t.Fatalf("scrape defaults = %+v", cfg.Scrape)
	}
	if cfg.Scrape.ChunkSize != 5 || cfg.Scrape.ChunkPause != 2*time.Second {
		t.Fatalf("chunk defaults = %+v", cfg.Scrape)
	}
	if cfg.Queue.Driver != "memory" || cfg.Store.Driver != "memory" {
		t.Fatalf("driver defaults = %s/%s", cfg.Queue.Driver, cfg.Store.Driver)
	}
	if cfg.Catalog.Timeout != 10*time.Second {
		t.Fatalf("catalog timeout = %v", cfg.Catalog.Timeout)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "figsync.yaml")
	doc := `
workers: 4
queue:
  driver: postgres
  dsn: postgres://figsync@localhost/figsync
store:
  driver: postgres
  dsn: postgres://figsync@localhost/figsync
scrape:
  chunk_size: 10
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("workers = %d", cfg.Workers)
	}
	if cfg.Queue.Driver != "postgres" || cfg.Queue.DSN == "" {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Scrape.ChunkSize != 10 {
		t.Fatalf("chunk size = %d", cfg.Scrape.ChunkSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Scrape.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want default", cfg.Scrape.MaxRetries)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FIGSYNC_WORKERS", "8")
	t.Setenv("FIGSYNC_QUEUE_DRIVER", "sqlite")
	t.Setenv("FIGSYNC_QUEUE_SQLITE_PATH", "/tmp/figsync.db")
	t.Setenv("FIGSYNC_SCRAPE_BASE_DELAY", "500ms")
	t.Setenv("FIGSYNC_CATALOG_INSECURE_TLS", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 {
		t.Fatalf("workers = %d", cfg.Workers)
	}
	if cfg.Queue.Driver != "sqlite" || cfg.Queue.SQLitePath != "/tmp/figsync.db" {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Scrape.BaseDelay != 500*time.Millisecond {
		t.Fatalf("base delay = %v", cfg.Scrape.BaseDelay)
	}
	if !cfg.Catalog.InsecureTLS {
		t.Fatalf("insecure tls not applied")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("FIGSYNC_QUEUE_DRIVER", "postgres")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error: postgres queue without dsn")
	}

	t.Setenv("FIGSYNC_QUEUE_DRIVER", "memory")
	t.Setenv("FIGSYNC_BLOB_DRIVER", "s3")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error: s3 blob without bucket")
	}
}
