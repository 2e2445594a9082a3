// Package scrape runs the retrying, chunked fetch loop over a set of
// catalog item IDs. Items inside a chunk run fully in parallel; chunks run
// sequentially with a fixed pause between them to stay polite toward the
// upstream site.
package scrape

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"figsync/internal/catalog"
)

// ItemFetcher fetches and parses one catalog item.
type ItemFetcher interface {
	FetchAndParse(ctx context.Context, externalID int64) (catalog.Record, error)
}

// Config tunes the scrape loop. Zero values select the defaults.
type Config struct {
	// MaxRetries is the number of attempts per item, not the number of
	// retries after the first failure.
	MaxRetries int
	// BaseDelay is the wait before the second attempt; each further
	// attempt doubles it.
	BaseDelay time.Duration
	// ChunkSize bounds how many items are in flight at once.
	ChunkSize int
	// ChunkPause is the wait between consecutive chunks.
	ChunkPause time.Duration
	// Sleep is swappable so tests can observe delays without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnAttempt, when non-nil, observes every fetch attempt (1-based).
	OnAttempt func(attempt int)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 5
	}
	if c.ChunkPause <= 0 {
		c.ChunkPause = 2 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is the settled outcome of a scrape run. Every requested ID lands in
// exactly one of Records or Failed.
type Result struct {
	Records []catalog.Record
	// Failed maps an item's external ID to the reason its last attempt
	// failed.
	Failed map[int64]string
}

// Scraper drives the fetch loop.
type Scraper struct {
	fetcher ItemFetcher
	cfg     Config
	logger  *slog.Logger
}

// New constructs a Scraper. A nil logger discards log output.
func New(fetcher ItemFetcher, cfg Config, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scraper{fetcher: fetcher, cfg: cfg.withDefaults(), logger: logger}
}

// Run scrapes ids and reports the settled outcome. onProgress, when non-nil,
// is invoked after each item settles (success or final failure) with the
// number settled so far and the total. The run stops early only when ctx is
// cancelled; individual item failures never abort the remaining items.
func (s *Scraper) Run(ctx context.Context, ids []int64, onProgress func(done, total int)) (Result, error) {
	res := Result{Failed: make(map[int64]string)}
	if len(ids) == 0 {
		return res, nil
	}

	type outcome struct {
		id     int64
		record catalog.Record
		reason string
		ok     bool
	}

	total := len(ids)
	done := 0
	var mu sync.Mutex

	for start := 0; start < len(ids); start += s.cfg.ChunkSize {
		if start > 0 {
			if err := s.cfg.Sleep(ctx, s.cfg.ChunkPause); err != nil {
				return res, err
			}
		}
		end := start + s.cfg.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		outcomes := make([]outcome, len(chunk))
		var wg sync.WaitGroup
		for i, id := range chunk {
			wg.Add(1)
			go func(i int, id int64) {
				defer wg.Done()
				rec, err := s.fetchWithRetry(ctx, id)
				if err != nil {
					outcomes[i] = outcome{id: id, reason: err.Error()}
				} else {
					outcomes[i] = outcome{id: id, record: rec, ok: true}
				}
				mu.Lock()
				done++
				settled := done
				mu.Unlock()
				if onProgress != nil {
					onProgress(settled, total)
				}
			}(i, id)
		}
		wg.Wait()

		for _, o := range outcomes {
			if o.ok {
				res.Records = append(res.Records, o.record)
			} else {
				res.Failed[o.id] = o.reason
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Scraper) fetchWithRetry(ctx context.Context, id int64) (catalog.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := s.cfg.BaseDelay << (attempt - 2)
			if err := s.cfg.Sleep(ctx, delay); err != nil {
				return catalog.Record{}, err
			}
		}
		if s.cfg.OnAttempt != nil {
			s.cfg.OnAttempt(attempt)
		}
		rec, err := s.fetcher.FetchAndParse(ctx, id)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		s.logger.Warn("scrape attempt failed",
			"item", id, "attempt", attempt, "max", s.cfg.MaxRetries, "error", err)
		if ctx.Err() != nil {
			return catalog.Record{}, ctx.Err()
		}
	}
	return catalog.Record{}, lastErr
}
