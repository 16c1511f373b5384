// Package orchestrator drives one acquisition run end to end: reclaim rows
// interrupted by a crash, seed fresh candidates, then claim and dispatch
// pending URLs through per-domain politeness gates to a bounded worker
// pool until the table drains. Workers never talk to each other; all
// coordination happens through the store.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/harvest"
	"github.com/nwelch/newsharvest/internal/metrics"
	"github.com/nwelch/newsharvest/internal/notify"
	"github.com/nwelch/newsharvest/internal/progress"
	"github.com/nwelch/newsharvest/internal/seed"
	"github.com/nwelch/newsharvest/internal/store"
	"github.com/nwelch/newsharvest/internal/urlnorm"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultWorkerCount = 20
	DefaultClaimBatch  = 50
	DefaultGracePeriod = 30 * time.Second
	defaultIdleWait    = 250 * time.Millisecond

	// recordTimeout bounds outcome writes and the final summary query.
	// Both run on contexts detached from the run so a shutdown signal
	// never abandons a finished URL mid-write.
	recordTimeout = 10 * time.Second
)

// Writer is the mutation surface the run loop drives. *store.Writer
// satisfies it.
type Writer interface {
	ResetInFlight(ctx context.Context) (int64, error)
	ClaimNext(ctx context.Context, limit int) ([]harvest.URLRecord, error)
	RecordSuccess(ctx context.Context, art *harvest.Article, extractor string) (harvest.Status, error)
	RecordFailure(ctx context.Context, url string, f store.FailureUpdate) error
}

// Summarizer reports completion metrics once the table drains. The store
// backends satisfy it.
type Summarizer interface {
	Metrics(ctx context.Context) (harvest.RunSummary, error)
}

// Seeder loads candidate rows into the store before claiming begins.
type Seeder interface {
	Load(ctx context.Context, reader seed.RowReader) (seed.Result, error)
}

// Processor turns one claimed URL into a terminal outcome.
type Processor interface {
	Process(ctx context.Context, rec harvest.URLRecord) harvest.Outcome
}

// Limiter spaces dispatches to the same registrable domain.
type Limiter interface {
	Wait(ctx context.Context, domain string) error
}

// Config tunes the run loop.
type Config struct {
	// WorkerCount bounds how many URLs are processed at once.
	WorkerCount int
	// ClaimBatch is how many pending rows each claim flips to processing.
	ClaimBatch int
	// GracePeriod is how long in-flight workers get to report outcomes
	// after the run context is cancelled.
	GracePeriod time.Duration
	// IdleWait is the pause between empty claims while workers drain.
	IdleWait time.Duration
}

// Orchestrator owns the claim/dispatch loop for a single process.
type Orchestrator struct {
	writer    Writer
	summary   Summarizer
	seeder    Seeder
	proc      Processor
	limiter   Limiter
	publisher notify.Publisher
	emitter   progress.Emitter
	idGen     harvest.IDGenerator
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger

	// inFlight counts records handed past the politeness gate whose
	// outcomes are not yet durable. Zero plus an empty claim means the
	// run has drained.
	inFlight atomic.Int64
}

// New constructs an Orchestrator. limiter may be nil to disable politeness
// waits; publisher and emitter may be nil to disable completion messages
// and progress events.
func New(
	writer Writer,
	summary Summarizer,
	seeder Seeder,
	proc Processor,
	limiter Limiter,
	publisher notify.Publisher,
	emitter progress.Emitter,
	idGen harvest.IDGenerator,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = DefaultClaimBatch
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = defaultIdleWait
	}
	if publisher == nil {
		publisher = notify.Noop{}
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		writer:    writer,
		summary:   summary,
		seeder:    seeder,
		proc:      proc,
		limiter:   limiter,
		publisher: publisher,
		emitter:   emitter,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run drives one run to completion and returns its summary. seeds may be
// nil when the table was loaded out of band. A cancelled ctx stops
// claiming; workers already past the gate get GracePeriod to report
// before their fetches are abandoned, and rows claimed but never finished
// stay processing for the next startup to reclaim.
func (o *Orchestrator) Run(ctx context.Context, seeds seed.RowReader) (harvest.RunSummary, error) {
	runID, err := o.idGen.NewID()
	if err != nil {
		return harvest.RunSummary{}, fmt.Errorf("mint run id: %w", err)
	}
	logger := o.logger.With(zap.String("run_id", runID))
	start := o.clock.Now()

	reset, err := o.writer.ResetInFlight(ctx)
	if err != nil {
		return harvest.RunSummary{}, fmt.Errorf("reset in-flight rows: %w", err)
	}
	if reset > 0 {
		logger.Info("reclaimed interrupted urls", zap.Int64("count", reset))
	}

	if seeds != nil {
		if o.seeder == nil {
			return harvest.RunSummary{}, fmt.Errorf("seed rows provided but no seeder configured")
		}
		res, err := o.seeder.Load(ctx, seeds)
		if err != nil {
			return harvest.RunSummary{}, fmt.Errorf("seed candidates: %w", err)
		}
		o.emitter.Emit(progress.Event{
			RunID: runID,
			TS:    o.clock.Now(),
			Stage: progress.StageSeed,
			Note:  fmt.Sprintf("read=%d seeded=%d discarded=%d", res.Read, res.Seeded, res.Discarded),
		})
	}

	// workCtx outlives ctx so outcomes in flight at shutdown still land.
	// It is cancelled only once the grace period expires.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	jobs := make(chan harvest.URLRecord)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				o.handle(workCtx, runID, rec)
			}
		}()
	}

	claimErr := o.claimLoop(ctx, runID, jobs, logger)
	close(jobs)
	o.awaitWorkers(ctx, &wg, cancelWork, logger)

	sumCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	sum, err := o.summary.Metrics(sumCtx)
	if err != nil {
		return harvest.RunSummary{}, fmt.Errorf("run summary: %w", err)
	}
	logger.Info("run complete",
		zap.Int64("total_urls", sum.TotalURLs),
		zap.Int64("successes", sum.Successes),
		zap.Float64("success_rate", sum.SuccessRate),
		zap.Duration("elapsed", o.clock.Now().Sub(start)),
	)
	return sum, claimErr
}

// claimLoop flips pending rows to processing and feeds them to the worker
// pool until both the table and the pool are empty. Claimed rows that are
// never dispatched because ctx died stay processing on purpose.
func (o *Orchestrator) claimLoop(ctx context.Context, runID string, jobs chan<- harvest.URLRecord, logger *zap.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			logger.Info("claiming stopped", zap.Int64("in_flight", o.inFlight.Load()))
			return err
		}

		recs, err := o.writer.ClaimNext(ctx, o.cfg.ClaimBatch)
		if err != nil {
			return fmt.Errorf("claim next batch: %w", err)
		}
		if len(recs) == 0 {
			if o.inFlight.Load() == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.IdleWait):
			}
			continue
		}

		o.emitter.Emit(progress.Event{
			RunID: runID,
			TS:    o.clock.Now(),
			Stage: progress.StageClaim,
			Note:  fmt.Sprintf("claimed=%d", len(recs)),
		})
		for _, rec := range recs {
			if err := o.dispatch(ctx, rec, jobs); err != nil {
				return err
			}
		}
	}
}

// dispatch waits out the domain's politeness window before handing the
// record to a worker, so no slot is pinned while a window is closed and
// worker count never multiplies the request rate against one publisher.
func (o *Orchestrator) dispatch(ctx context.Context, rec harvest.URLRecord, jobs chan<- harvest.URLRecord) error {
	if o.limiter != nil {
		domain := urlnorm.RegistrableDomain(urlnorm.Host(rec.NormalizedURL))
		if err := o.limiter.Wait(ctx, domain); err != nil {
			return err
		}
	}
	o.inFlight.Add(1)
	select {
	case jobs <- rec:
		return nil
	case <-ctx.Done():
		o.inFlight.Add(-1)
		return ctx.Err()
	}
}

// handle runs one claimed URL through the cascade and makes its outcome
// durable before the in-flight count drops.
func (o *Orchestrator) handle(ctx context.Context, runID string, rec harvest.URLRecord) {
	defer o.inFlight.Add(-1)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	out := o.proc.Process(ctx, rec)

	// A fetch killed by the post-grace cancel is not a verdict on the
	// URL; leave the row processing so the next startup reclaims it.
	if ctx.Err() != nil && out.Status == harvest.StatusErrorNetwork {
		o.logger.Info("url abandoned by shutdown", zap.String("url", rec.NormalizedURL))
		return
	}

	o.record(runID, out)
}

// record persists one terminal outcome and emits its log line, progress
// event, and completion message.
func (o *Orchestrator) record(runID string, out harvest.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	status := out.Status
	var err error
	if out.Status == harvest.StatusSuccess && out.Article != nil {
		// The writer reports duplicate when another URL already owns
		// this content hash.
		status, err = o.writer.RecordSuccess(ctx, out.Article, out.Extractor)
	} else {
		err = o.writer.RecordFailure(ctx, out.NormalizedURL, store.FailureUpdate{
			Status:        out.Status,
			ErrorMessage:  out.ErrorMessage,
			BlockReason:   out.BlockReason,
			ExtractorUsed: out.Extractor,
		})
	}
	if err != nil {
		// The row stays processing and is reclaimed on next startup.
		o.logger.Error("outcome write failed",
			zap.String("url", out.NormalizedURL),
			zap.Error(err),
		)
		return
	}

	metrics.ObserveOutcome(out.Source, string(status))
	o.logger.Info("url finished",
		zap.String("run_id", runID),
		zap.String("url", out.NormalizedURL),
		zap.String("source", out.Source),
		zap.String("status", string(status)),
		zap.String("extractor", out.Extractor),
		zap.String("reason", string(out.BlockReason)),
		zap.Int("attempt", out.Attempts),
		zap.Duration("duration", out.Duration),
	)
	o.emitter.Emit(progress.Event{
		RunID:     runID,
		TS:        o.clock.Now(),
		Stage:     progress.StageOutcome,
		URL:       out.NormalizedURL,
		Source:    out.Source,
		Status:    status,
		Extractor: out.Extractor,
		Attempt:   out.Attempts,
		Bytes:     int64(out.BytesFetched),
		Duration:  out.Duration,
	})

	if status == harvest.StatusSuccess && out.Article != nil {
		msg := notify.Message{
			RunID:         runID,
			NormalizedURL: out.Article.NormalizedURL,
			Source:        out.Article.Source,
			ContentHash:   out.Article.ContentHash,
		}
		if err := o.publisher.Publish(ctx, msg); err != nil {
			o.logger.Warn("completion publish failed",
				zap.String("url", out.NormalizedURL),
				zap.Error(err),
			)
		}
	}
}

// awaitWorkers blocks until every worker returns. After a shutdown signal
// the wait is bounded by GracePeriod, then in-flight fetches are cut off
// and only their bounded outcome writes remain.
func (o *Orchestrator) awaitWorkers(ctx context.Context, wg *sync.WaitGroup, cancelWork context.CancelFunc, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if ctx.Err() == nil {
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(o.cfg.GracePeriod):
		logger.Warn("grace period expired, abandoning in-flight fetches",
			zap.Int64("in_flight", o.inFlight.Load()),
		)
		cancelWork()
		<-done
	}
}
