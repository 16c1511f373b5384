package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nwelch/newsharvest/internal/harvest"
	"github.com/nwelch/newsharvest/internal/metrics"
)

const refreshTimeout = 2 * time.Minute

// Prober filters candidate endpoints down to working ones. *Validator is
// the production implementation.
type Prober interface {
	Validate(ctx context.Context, cands []harvest.Proxy, now time.Time) []harvest.Proxy
}

// Recorder mirrors pool health into the proxies table. The store writer
// satisfies it; a nil Recorder keeps the pool memory-only.
type Recorder interface {
	UpsertProxies(ctx context.Context, proxies []harvest.Proxy) error
	RecordProxyOutcome(ctx context.Context, proxyID int64, success bool) error
	RetireProxy(ctx context.Context, proxyID int64) error
}

// Lister reads canonical proxy rows back after an upsert so pool entries
// carry store IDs. Store backends satisfy it.
type Lister interface {
	ActiveProxies(ctx context.Context) ([]harvest.Proxy, error)
}

// Config tunes pool health thresholds.
type Config struct {
	// LowWater triggers a background refresh when active endpoints drop
	// below it. Default 10.
	LowWater int
	// RetireAfter is the consecutive-failure count that retires an
	// endpoint. Default 3.
	RetireAfter int
}

type entry struct {
	proxy    harvest.Proxy
	leased   bool
	lastUsed time.Time
	failures int
	retired  bool
}

// Pool hands out validated proxies least-recently-used first and retires
// the ones that keep failing. All methods are safe for concurrent use.
type Pool struct {
	source    Source
	validator Prober
	recorder  Recorder
	lister    Lister
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	nextID  int64

	refresh singleflight.Group
}

// New builds an empty pool; call Refresh to populate it. recorder and
// lister may be nil together, in which case health lives only in memory
// and entries get locally assigned IDs.
func New(source Source, validator Prober, recorder Recorder, lister Lister, clock harvest.Clock, cfg Config, logger *zap.Logger) *Pool {
	if cfg.LowWater <= 0 {
		cfg.LowWater = 10
	}
	if cfg.RetireAfter <= 0 {
		cfg.RetireAfter = 3
	}
	return &Pool{
		source:    source,
		validator: validator,
		recorder:  recorder,
		lister:    lister,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Refresh reloads the source, validates every candidate and merges the
// survivors into the pool. Endpoints already present are revived with a
// clean failure count; their lease state is untouched.
func (p *Pool) Refresh(ctx context.Context) error {
	cands, err := p.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load proxy source %s: %w", p.source.Name(), err)
	}
	valid := p.validator.Validate(ctx, cands, p.clock.Now())

	if p.recorder != nil && len(valid) > 0 {
		if err := p.recorder.UpsertProxies(ctx, valid); err != nil {
			return fmt.Errorf("upsert proxies: %w", err)
		}
	}
	if p.lister != nil {
		rows, err := p.lister.ActiveProxies(ctx)
		if err != nil {
			return fmt.Errorf("read back proxies: %w", err)
		}
		byAddr := make(map[string]harvest.Proxy, len(rows))
		for _, row := range rows {
			byAddr[row.Addr()] = row
		}
		for i := range valid {
			if row, ok := byAddr[valid[i].Addr()]; ok {
				valid[i].ID = row.ID
				valid[i].SuccessCount = row.SuccessCount
			}
		}
	}

	p.mu.Lock()
	for i := range valid {
		addr := valid[i].Addr()
		if e, ok := p.entries[addr]; ok {
			e.proxy.LastValidatedAt = valid[i].LastValidatedAt
			if valid[i].ID != 0 {
				e.proxy.ID = valid[i].ID
			}
			e.failures = 0
			e.retired = false
			continue
		}
		if valid[i].ID == 0 {
			p.nextID++
			valid[i].ID = p.nextID
		}
		p.entries[addr] = &entry{proxy: valid[i]}
	}
	active := p.activeLocked()
	p.mu.Unlock()

	metrics.SetActiveProxies(active)
	p.logger.Info("proxy pool refreshed",
		zap.String("source", p.source.Name()),
		zap.Int("candidates", len(cands)),
		zap.Int("validated", len(valid)),
		zap.Int("active", active),
	)
	return nil
}

// Get leases the least-recently-used active endpoint. An exhausted pool
// returns harvest.ErrNoProxy and kicks off a background refresh.
func (p *Pool) Get(_ context.Context) (harvest.Proxy, error) {
	p.mu.Lock()
	best := p.pickLocked()
	if best == nil {
		p.mu.Unlock()
		p.refreshAsync()
		return harvest.Proxy{}, harvest.ErrNoProxy
	}
	best.leased = true
	best.lastUsed = p.clock.Now()
	px := best.proxy
	low := p.activeLocked() < p.cfg.LowWater
	p.mu.Unlock()

	if low {
		p.refreshAsync()
	}
	return px, nil
}

// Release returns a leased endpoint to the pool without judging it.
func (p *Pool) Release(proxyID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.byIDLocked(proxyID); e != nil {
		e.leased = false
	}
}

// ReportSuccess clears the consecutive-failure count and records the win.
func (p *Pool) ReportSuccess(ctx context.Context, proxyID int64) {
	p.mu.Lock()
	if e := p.byIDLocked(proxyID); e != nil {
		e.failures = 0
		e.proxy.SuccessCount++
	}
	p.mu.Unlock()

	if p.recorder != nil {
		if err := p.recorder.RecordProxyOutcome(ctx, proxyID, true); err != nil {
			p.logger.Warn("record proxy outcome", zap.Int64("proxy_id", proxyID), zap.Error(err))
		}
	}
}

// ReportFailure counts a miss and retires the endpoint once it crosses the
// configured threshold.
func (p *Pool) ReportFailure(ctx context.Context, proxyID int64) {
	p.mu.Lock()
	var retired bool
	var addr string
	if e := p.byIDLocked(proxyID); e != nil {
		e.failures++
		if e.failures >= p.cfg.RetireAfter && !e.retired {
			e.retired = true
			e.leased = false
			retired = true
			addr = e.proxy.Addr()
		}
	}
	active := p.activeLocked()
	low := active < p.cfg.LowWater
	p.mu.Unlock()

	if p.recorder != nil {
		if err := p.recorder.RecordProxyOutcome(ctx, proxyID, false); err != nil {
			p.logger.Warn("record proxy outcome", zap.Int64("proxy_id", proxyID), zap.Error(err))
		}
	}
	if retired {
		metrics.ObserveProxyRetirement()
		metrics.SetActiveProxies(active)
		p.logger.Warn("proxy retired",
			zap.Int64("proxy_id", proxyID),
			zap.String("proxy", addr),
			zap.Int("failures", p.cfg.RetireAfter),
		)
		if p.recorder != nil {
			if err := p.recorder.RetireProxy(ctx, proxyID); err != nil {
				p.logger.Warn("retire proxy", zap.Int64("proxy_id", proxyID), zap.Error(err))
			}
		}
	}
	if low {
		p.refreshAsync()
	}
}

// Lease satisfies the fetcher and browser provider contract.
func (p *Pool) Lease(ctx context.Context) (harvest.Proxy, error) {
	return p.Get(ctx)
}

// Report releases the lease and folds the result into endpoint health.
// Mirroring to the store is best-effort with its own deadline.
func (p *Pool) Report(proxyID int64, ok bool) {
	p.Release(proxyID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ok {
		p.ReportSuccess(ctx, proxyID)
	} else {
		p.ReportFailure(ctx, proxyID)
	}
}

// Active reports how many endpoints are currently usable.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

func (p *Pool) pickLocked() *entry {
	var best *entry
	for _, e := range p.entries {
		if e.retired || e.leased {
			continue
		}
		if best == nil || e.lastUsed.Before(best.lastUsed) ||
			(e.lastUsed.Equal(best.lastUsed) && e.proxy.Addr() < best.proxy.Addr()) {
			best = e
		}
	}
	return best
}

func (p *Pool) byIDLocked(proxyID int64) *entry {
	for _, e := range p.entries {
		if e.proxy.ID == proxyID {
			return e
		}
	}
	return nil
}

func (p *Pool) activeLocked() int {
	n := 0
	for _, e := range p.entries {
		if !e.retired {
			n++
		}
	}
	return n
}

func (p *Pool) refreshAsync() {
	go func() {
		_, err, _ := p.refresh.Do("refresh", func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			return nil, p.Refresh(ctx)
		})
		if err != nil {
			p.logger.Warn("background proxy refresh failed", zap.Error(err))
		}
	}()
}
