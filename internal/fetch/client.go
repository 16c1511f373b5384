// Package fetch implements the plain-HTTP fetch path on a Colly collector.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/harvest"
	"github.com/nwelch/newsharvest/internal/metrics"
	"github.com/nwelch/newsharvest/internal/urlnorm"
)

// ProxyProvider leases health-tracked proxies to the client. A nil provider
// means direct connections.
type ProxyProvider interface {
	Lease(ctx context.Context) (harvest.Proxy, error)
	Report(proxyID int64, ok bool)
}

// Options configures the HTTP client.
type Options struct {
	UserAgents []string
	Timeout    time.Duration
	Retry      *RetryPolicy
	Proxies    ProxyProvider
}

// Client fetches pages through cloned Colly collectors. Each request gets
// the next user agent in rotation and, when a provider is wired, a leased
// proxy. Non-2xx responses are returned as results so the caller can
// classify them; only transport failures surface as errors.
type Client struct {
	base    *colly.Collector
	opts    Options
	logger  *zap.Logger
	uaIndex atomic.Uint64
}

// NewClient constructs a Client.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if len(opts.UserAgents) == 0 {
		return nil, errors.New("fetch: at least one user agent required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = NewRetryPolicy(3, time.Second)
	}

	base := colly.NewCollector(colly.Async(true))
	base.AllowURLRevisit = true
	base.ParseHTTPErrorResponse = true
	base.SetRequestTimeout(opts.Timeout)

	return &Client{base: base, opts: opts, logger: logger}, nil
}

// Fetch retrieves one page, retrying rate limits, server errors, and
// timeouts with exponential backoff. The returned result carries the total
// attempt count and wall time across attempts.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*harvest.FetchResult, error) {
	source, ok := urlnorm.SourceLabel(urlnorm.Host(rawURL))
	if !ok {
		source = "unknown"
	}
	start := time.Now()

	var (
		result  *harvest.FetchResult
		lastErr error
	)
	attempts := 0
	for attempts < c.opts.Retry.MaxAttempts() {
		attempts++
		res, err := c.fetchOnce(ctx, rawURL)
		if err != nil {
			lastErr = err
			if !c.opts.Retry.RetryError(err) || attempts >= c.opts.Retry.MaxAttempts() {
				break
			}
		} else {
			result = res
			lastErr = nil
			if !c.opts.Retry.RetryStatus(res.StatusCode) || attempts >= c.opts.Retry.MaxAttempts() {
				break
			}
		}
		backoff := c.opts.Retry.Backoff(attempts)
		c.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
		)
		if err := sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	duration := time.Since(start)
	if lastErr != nil {
		metrics.ObserveFetch(source, duration, 0, attempts)
		return nil, fmt.Errorf("fetch %s: %w", rawURL, lastErr)
	}
	result.URL = rawURL
	result.Attempts = attempts
	result.Duration = duration
	metrics.ObserveFetch(source, duration, len(result.Body), attempts)
	return result, nil
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string) (*harvest.FetchResult, error) {
	collector := c.base.Clone()
	collector.UserAgent = c.nextUserAgent()

	var proxy *harvest.Proxy
	if c.opts.Proxies != nil {
		leased, err := c.opts.Proxies.Lease(ctx)
		if err != nil {
			return nil, fmt.Errorf("lease proxy: %w", err)
		}
		proxy = &leased
	}
	collector.WithTransport(c.transport(proxy))

	resultCh := make(chan onceResult, 1)
	var once sync.Once
	send := func(res onceResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		send(onceResult{result: &harvest.FetchResult{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte{}, r.Body...),
		}})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(onceResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		c.reportProxy(proxy, false)
		return nil, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			c.reportProxy(proxy, false)
			return nil, err
		}
		c.reportProxy(proxy, res.err == nil)
		return res.result, res.err
	default:
		c.reportProxy(proxy, false)
		return nil, errors.New("fetch produced no result")
	}
}

func (c *Client) reportProxy(p *harvest.Proxy, ok bool) {
	if p == nil || c.opts.Proxies == nil {
		return
	}
	c.opts.Proxies.Report(p.ID, ok)
}

func (c *Client) transport(proxy *harvest.Proxy) *http.Transport {
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: c.opts.Timeout,
		ForceAttemptHTTP2:     true,
	}
	if proxy != nil {
		if u, err := url.Parse(proxy.URL()); err == nil {
			t.Proxy = http.ProxyURL(u)
		}
	}
	return t
}

func (c *Client) nextUserAgent() string {
	i := c.uaIndex.Add(1)
	return c.opts.UserAgents[int(i-1)%len(c.opts.UserAgents)]
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type onceResult struct {
	result *harvest.FetchResult
	err    error
}
