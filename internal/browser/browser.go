// Package browser runs the headless fallback: a bounded pool of chromium
// contexts driven over the DevTools protocol. Each context is its own
// browser process with an isolated session, paired with one proxy for its
// whole life. Contexts are created lazily and torn down on any render
// failure, so a wedged browser or a dead proxy never poisons more than one
// request.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/harvest"
	"github.com/nwelch/newsharvest/internal/metrics"
)

// ErrClosed is returned by Render once the pool is shut down.
var ErrClosed = errors.New("browser pool closed")

// settleDelay gives client-side rendering a beat to paint after body-ready.
const settleDelay = 500 * time.Millisecond

// ProxyPool supplies one proxy per browser context. The context keeps its
// lease until teardown; render results feed the proxy's health. A nil pool
// means direct connections.
type ProxyPool interface {
	Get(ctx context.Context) (harvest.Proxy, error)
	Release(proxyID int64)
	ReportSuccess(ctx context.Context, proxyID int64)
	ReportFailure(ctx context.Context, proxyID int64)
}

// Config tunes the pool.
type Config struct {
	// PoolSize is the number of concurrent browser contexts. Default 3.
	PoolSize int
	// NavTimeout bounds one navigation and snapshot. Default 30s.
	NavTimeout time.Duration
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// ChromePath points at the chromium binary; empty uses the allocator
	// default lookup.
	ChromePath string
}

type request struct {
	ctx   context.Context
	url   string
	reply chan result
}

type result struct {
	res *harvest.FetchResult
	err error
}

// Pool implements harvest.Renderer over a fixed set of worker goroutines,
// each owning at most one live browser context at a time.
type Pool struct {
	cfg     Config
	proxies ProxyPool
	logger  *zap.Logger

	requests chan request
	closing  chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	live atomic.Int64
}

// NewPool starts the worker goroutines. No browser process is spawned
// until the first render request arrives.
func NewPool(cfg Config, proxies ProxyPool, logger *zap.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 3
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	p := &Pool{
		cfg:      cfg,
		proxies:  proxies,
		logger:   logger,
		requests: make(chan request),
		closing:  make(chan struct{}),
	}
	p.wg.Add(cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		go p.worker(i)
	}
	return p
}

// Render navigates the URL in a pooled context and returns the rendered
// DOM. Blocks while all contexts are busy.
func (p *Pool) Render(ctx context.Context, url string) (*harvest.FetchResult, error) {
	reply := make(chan result, 1)
	select {
	case p.requests <- request{ctx: ctx, url: url, reply: reply}:
	case <-p.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down all contexts and waits for the workers to exit.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.closing) })
	p.wg.Wait()
}

// browserContext is one chromium process plus its proxy lease.
type browserContext struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	proxyID       int64
	hasProxy      bool
}

func (p *Pool) worker(slot int) {
	defer p.wg.Done()
	var bc *browserContext
	defer func() {
		if bc != nil {
			p.teardown(bc)
		}
	}()

	for {
		select {
		case <-p.closing:
			return
		case req := <-p.requests:
			if bc == nil {
				created, err := p.newContext(req.ctx)
				if err != nil {
					req.reply <- result{err: err}
					continue
				}
				bc = created
			}

			res, err := p.render(bc, req)
			switch {
			case err == nil:
				if bc.hasProxy {
					p.proxies.ReportSuccess(req.ctx, bc.proxyID)
				}
			case req.ctx.Err() != nil:
				// Caller gave up; the browser is not at fault.
			default:
				p.logger.Warn("browser context failed, recycling",
					zap.Int("slot", slot),
					zap.String("url", req.url),
					zap.Error(err),
				)
				if bc.hasProxy {
					p.proxies.ReportFailure(context.Background(), bc.proxyID)
				}
				p.teardown(bc)
				bc = nil
			}
			req.reply <- result{res: res, err: err}
		}
	}
}

// newContext spawns a browser process, leasing a proxy for it when a pool
// is wired. The warmup run surfaces spawn failures immediately.
func (p *Pool) newContext(ctx context.Context) (*browserContext, error) {
	var proxy *harvest.Proxy
	if p.proxies != nil {
		leased, err := p.proxies.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("browser context proxy: %w", err)
		}
		proxy = &leased
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if p.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(p.cfg.UserAgent))
	}
	if p.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(p.cfg.ChromePath))
	}
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.URL()))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		if proxy != nil {
			p.proxies.ReportFailure(context.Background(), proxy.ID)
			p.proxies.Release(proxy.ID)
		}
		return nil, fmt.Errorf("browser warmup: %w", err)
	}

	bc := &browserContext{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}
	if proxy != nil {
		bc.proxyID = proxy.ID
		bc.hasProxy = true
	}
	metrics.SetBrowserContexts(int(p.live.Add(1)))
	return bc, nil
}

// teardown cancels the context and allocator, reaping the subprocess, and
// returns the proxy lease.
func (p *Pool) teardown(bc *browserContext) {
	bc.browserCancel()
	bc.allocCancel()
	if bc.hasProxy {
		p.proxies.Release(bc.proxyID)
	}
	metrics.SetBrowserContexts(int(p.live.Add(-1)))
}

// render opens a fresh tab, navigates and snapshots the DOM. The tab is
// always released, whatever the outcome.
func (p *Pool) render(bc *browserContext, req request) (*harvest.FetchResult, error) {
	tabCtx, cancelTab := chromedp.NewContext(bc.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, p.cfg.NavTimeout)
	defer cancelTask()
	stop := forwardCancel(req.ctx, cancelTask)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		network.Enable(),
	}
	if p.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(p.cfg.UserAgent))
	}
	actions = append(actions,
		chromedp.Navigate(req.url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("render %s: %w", req.url, err)
	}

	status, headers, responseURL := meta.snapshot(req.url, finalURL)
	return &harvest.FetchResult{
		URL:         req.url,
		FinalURL:    responseURL,
		StatusCode:  status,
		Headers:     headers,
		Body:        []byte(html),
		Duration:    time.Since(start),
		Attempts:    1,
		UsedBrowser: true,
	}, nil
}

// forwardCancel propagates caller cancellation into the chromedp task
// context without tying the tab's lifetime to the caller.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// responseMeta captures the document response from DevTools network events.
type responseMeta struct {
	once    sync.Once
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.once.Do(func() {
		m.status = int(resp.Response.Status)
		m.url = resp.Response.URL
		for key, value := range resp.Response.Headers {
			m.headers.Add(key, fmt.Sprint(value))
		}
	})
}

// snapshot returns the captured metadata, falling back to the navigation's
// own view when no document event arrived.
func (m *responseMeta) snapshot(requestURL, finalURL string) (int, http.Header, string) {
	url := m.url
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return status, m.headers, url
}
