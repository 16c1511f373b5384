package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/harvest"
	"github.com/nwelch/newsharvest/internal/metrics"
)

type opResult struct {
	result Result
	err    error
}

type pending struct {
	mut   Mutation
	reply chan opResult
}

type ctrlKind int

const (
	ctrlSeed ctrlKind = iota
	ctrlReset
	ctrlClaim
)

type ctrlRes struct {
	n    int64
	urls []harvest.URLRecord
	err  error
}

type ctrlReq struct {
	kind  ctrlKind
	recs  []harvest.SeedRecord
	limit int
	reply chan ctrlRes
}

// Writer serializes all database writes through one goroutine. Mutations
// accumulate into batches that commit in a single transaction when the
// batch fills or the flush interval elapses; each caller blocks until its
// mutation is durable. Control operations (seed, reset, claim) flush the
// open batch first so they always observe every prior write.
//
// The writer applies batches under a background context: once a mutation
// is accepted it commits even if the submitting caller goes away.
type Writer struct {
	store         Store
	clock         harvest.Clock
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration

	muts      chan pending
	ctrl      chan ctrlReq
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWriter starts the writer goroutine over st. queueDepth caps how many
// submitted mutations may wait unbatched before submitters block; zero
// derives it from the batch size.
func NewWriter(st Store, clk harvest.Clock, batchSize, queueDepth int, flushInterval time.Duration, logger *zap.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if queueDepth <= 0 {
		queueDepth = batchSize * 2
	}
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	w := &Writer{
		store:         st,
		clock:         clk,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		muts:          make(chan pending, queueDepth),
		ctrl:          make(chan ctrlReq),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	var batch []pending
	for {
		select {
		case p := <-w.muts:
			batch = append(batch, p)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = nil
			}
		case c := <-w.ctrl:
			w.flush(batch)
			batch = nil
			c.reply <- w.runCtrl(c)
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = nil
			}
		case <-w.closing:
			for {
				select {
				case p := <-w.muts:
					batch = append(batch, p)
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []pending) {
	if len(batch) == 0 {
		return
	}
	muts := make([]Mutation, len(batch))
	for i, p := range batch {
		muts[i] = p.mut
	}
	results, err := w.store.Apply(context.Background(), muts)
	metrics.ObserveStoreBatch(len(batch))
	if err != nil {
		w.logger.Error("batch flush failed", zap.Int("size", len(batch)), zap.Error(err))
		for i, p := range batch {
			metrics.ObserveStoreWrite(muts[i].Kind.String(), false)
			p.reply <- opResult{err: err}
		}
		return
	}
	for i, p := range batch {
		metrics.ObserveStoreWrite(muts[i].Kind.String(), true)
		p.reply <- opResult{result: results[i]}
	}
}

func (w *Writer) runCtrl(c ctrlReq) ctrlRes {
	ctx := context.Background()
	switch c.kind {
	case ctrlSeed:
		n, err := w.store.Seed(ctx, c.recs)
		return ctrlRes{n: n, err: err}
	case ctrlReset:
		n, err := w.store.ResetInFlight(ctx)
		return ctrlRes{n: n, err: err}
	case ctrlClaim:
		urls, err := w.store.ClaimNext(ctx, c.limit)
		return ctrlRes{urls: urls, err: err}
	default:
		return ctrlRes{}
	}
}

func (w *Writer) submit(ctx context.Context, m Mutation) (Result, error) {
	p := pending{mut: m, reply: make(chan opResult, 1)}
	select {
	case w.muts <- p:
	case <-w.closing:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-p.reply:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (w *Writer) control(ctx context.Context, c ctrlReq) (ctrlRes, error) {
	c.reply = make(chan ctrlRes, 1)
	select {
	case w.ctrl <- c:
	case <-w.closing:
		return ctrlRes{}, ErrClosed
	case <-ctx.Done():
		return ctrlRes{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r, r.err
	case <-ctx.Done():
		return ctrlRes{}, ctx.Err()
	}
}

// RecordSuccess persists an extracted article and resolves the url row.
// The returned status is StatusDuplicate when the content hash already
// belongs to another article.
func (w *Writer) RecordSuccess(ctx context.Context, art *harvest.Article, extractor string) (harvest.Status, error) {
	res, err := w.submit(ctx, Mutation{
		Kind:      MutRecordSuccess,
		URL:       art.NormalizedURL,
		At:        w.clock.Now(),
		Extractor: extractor,
		Article:   art,
	})
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

// RecordFailure persists a terminal or retriable failure for a url.
func (w *Writer) RecordFailure(ctx context.Context, url string, f FailureUpdate) error {
	_, err := w.submit(ctx, Mutation{
		Kind:    MutRecordFailure,
		URL:     url,
		At:      w.clock.Now(),
		Failure: &f,
	})
	return err
}

// UpsertProxies registers freshly validated proxies, reactivating known ones.
func (w *Writer) UpsertProxies(ctx context.Context, proxies []harvest.Proxy) error {
	if len(proxies) == 0 {
		return nil
	}
	_, err := w.submit(ctx, Mutation{Kind: MutProxyUpsert, At: w.clock.Now(), Proxies: proxies})
	return err
}

// RecordProxyOutcome updates a proxy's success or failure counters.
func (w *Writer) RecordProxyOutcome(ctx context.Context, proxyID int64, success bool) error {
	_, err := w.submit(ctx, Mutation{
		Kind:  MutProxyOutcome,
		At:    w.clock.Now(),
		Proxy: &ProxyOutcome{ProxyID: proxyID, Success: success},
	})
	return err
}

// RetireProxy deactivates a proxy without deleting its history.
func (w *Writer) RetireProxy(ctx context.Context, proxyID int64) error {
	_, err := w.submit(ctx, Mutation{Kind: MutProxyRetire, At: w.clock.Now(), ProxyID: proxyID})
	return err
}

// Seed inserts new pending urls, reporting how many were actually new.
func (w *Writer) Seed(ctx context.Context, recs []harvest.SeedRecord) (int64, error) {
	res, err := w.control(ctx, ctrlReq{kind: ctrlSeed, recs: recs})
	if err != nil {
		return 0, err
	}
	return res.n, nil
}

// ResetInFlight returns crashed processing rows to pending.
func (w *Writer) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := w.control(ctx, ctrlReq{kind: ctrlReset})
	if err != nil {
		return 0, err
	}
	return res.n, nil
}

// ClaimNext atomically claims up to limit pending urls for processing.
func (w *Writer) ClaimNext(ctx context.Context, limit int) ([]harvest.URLRecord, error) {
	res, err := w.control(ctx, ctrlReq{kind: ctrlClaim, limit: limit})
	if err != nil {
		return nil, err
	}
	return res.urls, nil
}

// Close flushes the open batch and stops the writer. Mutations already
// accepted are committed before Close returns; new submissions fail with
// ErrClosed. The context bounds how long Close waits for the final flush.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.closing) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
