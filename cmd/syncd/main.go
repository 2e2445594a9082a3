// Command syncd runs the figure catalog sync worker: it pulls sync jobs from
// the durable queue, scrapes the upstream catalog, persists the assembled
// entities, and serves Prometheus metrics on an admin listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"figsync/internal/blob"
	"figsync/internal/catalog"
	"figsync/internal/config"
	"figsync/internal/metrics"
	"figsync/internal/pipeline"
	"figsync/internal/queue"
	"figsync/internal/scrape"
	"figsync/internal/status"
	"figsync/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional; env overrides apply)")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	logJSON := flag.Bool("log-json", false, "emit JSON logs")
	flag.Parse()

	logger := newLogger(*logLevel, *logJSON)
	if err := run(*configPath, logger); err != nil {
		logger.Error("syncd exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string, jsonOut bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	images, err := blob.Open(ctx, blob.Options{
		Driver:            blob.Driver(cfg.Blob.Driver),
		FSRoot:            cfg.Blob.FSRoot,
		FSBaseURL:         cfg.Blob.FSBaseURL,
		S3Region:          cfg.Blob.S3Region,
		S3Bucket:          cfg.Blob.S3Bucket,
		S3Endpoint:        cfg.Blob.S3Endpoint,
		S3AccessKeyID:     cfg.Blob.S3AccessKeyID,
		S3SecretAccessKey: cfg.Blob.S3SecretAccessKey,
		S3PathStyle:       cfg.Blob.S3PathStyle,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	fetcher, err := catalog.NewFetcher(catalog.FetcherConfig{
		BaseURL:           cfg.Catalog.BaseURL,
		ProxyURL:          cfg.Catalog.ProxyURL,
		Timeout:           cfg.Catalog.Timeout,
		InsecureTLS:       cfg.Catalog.InsecureTLS,
		RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
		UserAgent:         cfg.Catalog.UserAgent,
	})
	if err != nil {
		return err
	}
	adapter := catalog.NewAdapter(fetcher, images, logger)
	scraper := scrape.New(adapter, scrape.Config{
		MaxRetries: cfg.Scrape.MaxRetries,
		BaseDelay:  cfg.Scrape.BaseDelay,
		ChunkSize:  cfg.Scrape.ChunkSize,
		ChunkPause: cfg.Scrape.ChunkPause,
		OnAttempt: func(attempt int) {
			m.ScrapeAttempts.Inc()
			if attempt > 1 {
				m.ScrapeRetries.Inc()
			}
		},
	}, logger)

	broadcaster := status.NewMemory(cfg.Status.MaxKeys, cfg.Status.TTL)
	proc := pipeline.New(q, st, scraper, broadcaster, m, logger)
	proc.Workers = cfg.Workers

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: adminMux(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("admin listener up", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin listener", "error", err)
		}
	}()

	if cfg.Queue.JanitorEvery > 0 {
		go janitor(ctx, q, cfg.Queue.StaleAfter, cfg.Queue.JanitorEvery, logger)
	}

	logger.Info("syncd started", "workers", cfg.Workers,
		"queue", cfg.Queue.Driver, "store", cfg.Store.Driver, "blob", cfg.Blob.Driver)
	err = proc.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("admin shutdown", "error", serr)
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("syncd stopped")
		return nil
	}
	return err
}

func adminMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// janitor periodically returns jobs stuck in running back to pending, so a
// crashed worker's claims are not lost.
func janitor(ctx context.Context, q queue.Queue, staleAfter, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := q.RequeueStale(ctx, staleAfter)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("requeue stale", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Info("requeued stale jobs", "count", n)
			}
		}
	}
}

func openQueue(ctx context.Context, cfg config.Queue) (queue.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return queue.NewMemory(0), nil
	case "postgres":
		return queue.NewPostgres(ctx, cfg.DSN)
	case "sqlite":
		return queue.NewSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		return store.NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
