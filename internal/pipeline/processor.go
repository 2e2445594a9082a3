// Package pipeline runs sync jobs end to end: dequeue, scrape, assemble,
// persist, and resolve the session's terminal status, with live progress
// pushed to the status broadcaster alongside every durable state change.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"figsync/internal/assemble"
	"figsync/internal/metrics"
	"figsync/internal/queue"
	"figsync/internal/scrape"
	"figsync/internal/status"
	"figsync/internal/store"
)

// Scraper is the retrying fetch loop consumed by the processor.
type Scraper interface {
	Run(ctx context.Context, ids []int64, onProgress func(done, total int)) (scrape.Result, error)
}

// Processor pulls jobs off the queue and drives each through the pipeline.
type Processor struct {
	queue   queue.Queue
	store   store.Store
	scraper Scraper
	status  status.Broadcaster
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Workers is the number of concurrent job slots. Zero means 2.
	Workers int
}

// New constructs a Processor. A nil logger discards log output.
func New(q queue.Queue, st store.Store, sc Scraper, bc status.Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.NewTest()
	}
	return &Processor{queue: q, store: st, scraper: sc, status: bc, metrics: m, logger: logger, Workers: 2}
}

// Run blocks, pulling jobs until ctx is cancelled or the queue closes. Each
// worker slot processes one job at a time; jobs never share in-process state.
func (p *Processor) Run(ctx context.Context) error {
	workers := p.Workers
	if workers <= 0 {
		workers = 2
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for {
				job, err := p.queue.Dequeue(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
						p.logger.Error("dequeue failed", "slot", slot, "error", err)
					}
					return
				}
				p.handle(ctx, job)
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// handle runs one job and settles its queue state. Business-level failures
// (partial or zero scrapes, persistence errors) still complete the job: the
// session row records the sync outcome, the queue only records that the job
// ran. Only malformed payloads fail the job itself.
func (p *Processor) handle(ctx context.Context, job *queue.Job) {
	p.metrics.JobsInFlight.Inc()
	started := time.Now()
	defer p.metrics.JobsInFlight.Dec()

	payload, err := DecodePayload(job.Payload)
	if err != nil {
		p.logger.Error("fatal job payload", "job", job.ID, "error", err)
		p.failFatally(ctx, job, payload.SyncSessionID, err)
		p.metrics.JobDuration.WithLabelValues("unknown", "fatal").Observe(time.Since(started).Seconds())
		return
	}

	session, err := p.process(ctx, job.ID, payload)
	if err != nil {
		// Infrastructure error before a terminal status could be resolved
		// (store unreachable, context cancelled). Hand the job back.
		p.logger.Error("job aborted", "job", job.ID, "session", payload.SyncSessionID, "error", err)
		if ferr := p.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			p.logger.Error("queue fail", "job", job.ID, "error", ferr)
		}
		p.metrics.JobDuration.WithLabelValues(string(payload.Type), "aborted").Observe(time.Since(started).Seconds())
		return
	}

	if err := p.queue.Complete(ctx, job.ID); err != nil {
		p.logger.Error("queue complete", "job", job.ID, "error", err)
	}
	p.metrics.JobDuration.WithLabelValues(string(payload.Type), string(session.Status)).Observe(time.Since(started).Seconds())
}

// failFatally marks both the session (when identifiable) and the job failed.
func (p *Processor) failFatally(ctx context.Context, job *queue.Job, sessionID string, cause error) {
	if sessionID != "" {
		if err := p.store.FailSession(ctx, sessionID, cause.Error()); err != nil {
			p.logger.Error("fail session", "session", sessionID, "error", err)
		}
	}
	p.broadcast(ctx, job.ID, status.Finished(cause.Error(), status.TerminalError))
	if err := p.queue.Fail(ctx, job.ID, cause.Error()); err != nil {
		p.logger.Error("queue fail", "job", job.ID, "error", err)
	}
}

// process drives one decoded job to a terminal session status. It returns an
// error only when the session could not be resolved at all; scrape and
// persistence failures resolve through the session counts instead.
func (p *Processor) process(ctx context.Context, jobID string, payload Payload) (store.SyncSession, error) {
	ids := payload.ItemIDs()
	log := p.logger.With("job", jobID, "session", payload.SyncSessionID, "type", payload.Type)

	if err := p.store.MarkProcessing(ctx, payload.SyncSessionID); err != nil {
		return store.SyncSession{}, fmt.Errorf("mark processing: %w", err)
	}
	p.broadcast(ctx, jobID, status.Progress(fmt.Sprintf("Syncing... 0/%d", len(ids))))

	res, err := p.scraper.Run(ctx, ids, func(done, total int) {
		p.broadcast(ctx, jobID, status.Progress(fmt.Sprintf("Syncing... %d/%d", done, total)))
	})
	if err != nil {
		return store.SyncSession{}, fmt.Errorf("scrape: %w", err)
	}
	scrapedIDs := make([]int64, 0, len(res.Records))
	for _, rec := range res.Records {
		scrapedIDs = append(scrapedIDs, rec.ExternalID)
	}
	p.metrics.ScrapeFailures.Add(float64(len(res.Failed)))
	if err := p.store.RecordScrapeOutcomes(ctx, payload.SyncSessionID, scrapedIDs, res.Failed); err != nil {
		return store.SyncSession{}, fmt.Errorf("record scrape outcomes: %w", err)
	}

	success := payload.ExistingCount + len(scrapedIDs)
	failed := len(res.Failed)

	if len(res.Records) == 0 {
		// Nothing to persist; prior existing items still count as successes.
		log.Warn("no items scraped", "failed", failed)
		return p.complete(ctx, jobID, payload.SyncSessionID, payload.ExistingCount, failed,
			fmt.Sprintf("no items scraped (%d failed)", failed))
	}

	batch := assemble.Assemble(res.Records)
	if err := p.store.PersistAssembly(ctx, batch, payload.SessionContext()); err != nil {
		// Demote this run's scraped items so retry re-claims them; items
		// committed by an earlier run stay scraped.
		log.Error("persistence failed", "error", err)
		demoted, derr := p.store.DemoteScrapedItems(ctx, payload.SyncSessionID, scrapedIDs, "persistence failed")
		if derr != nil {
			return store.SyncSession{}, fmt.Errorf("demote scraped items: %w", derr)
		}
		return p.complete(ctx, jobID, payload.SyncSessionID, payload.ExistingCount, failed+demoted,
			fmt.Sprintf("persistence failed: %v", err))
	}

	msg := fmt.Sprintf("synced %d of %d items", len(scrapedIDs), len(ids))
	if failed > 0 {
		msg = fmt.Sprintf("synced %d of %d items (%d failed)", len(scrapedIDs), len(ids), failed)
	}
	log.Info("job finished", "scraped", len(scrapedIDs), "failed", failed)
	return p.complete(ctx, jobID, payload.SyncSessionID, success, failed, msg)
}

func (p *Processor) complete(ctx context.Context, jobID, sessionID string, success, failed int, message string) (store.SyncSession, error) {
	session, err := p.store.CompleteSession(ctx, sessionID, success, failed, message)
	if err != nil {
		return store.SyncSession{}, fmt.Errorf("complete session: %w", err)
	}
	terminal := status.TerminalSuccess
	if session.Status == store.SessionFailed {
		terminal = status.TerminalError
	}
	p.broadcast(ctx, jobID, status.Finished(message, terminal))
	return session, nil
}

// broadcast is best effort; the session row is the durable source of truth.
func (p *Processor) broadcast(ctx context.Context, jobID string, st status.JobStatus) {
	if p.status == nil {
		return
	}
	if err := p.status.Publish(ctx, jobID, st); err != nil {
		p.logger.Warn("status publish", "job", jobID, "error", err)
	}
}
