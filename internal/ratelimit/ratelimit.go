// Package ratelimit enforces per-domain politeness delays across workers.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nwelch/newsharvest/internal/metrics"
)

// DelayFunc maps a registrable domain to its minimum inter-request delay.
type DelayFunc func(domain string) time.Duration

// Limiter hands out one token per domain per delay window. Limiters are
// created lazily on first use with burst 1, so the very first request to a
// domain proceeds immediately and every later one waits out the interval.
type Limiter struct {
	delayFor DelayFunc

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Limiter using delayFor to size each domain's window.
func New(delayFor DelayFunc) *Limiter {
	return &Limiter{
		delayFor: delayFor,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the domain's next token is available or ctx is done.
// Waits are attributed to the domain in the rate limit histogram.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	lim := l.limiter(domain)
	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(domain, waited)
	}
	return nil
}

// Delay reports the configured window for a domain, mainly for logging.
func (l *Limiter) Delay(domain string) time.Duration {
	return l.delayFor(domain)
}

func (l *Limiter) limiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[domain]; ok {
		return lim
	}
	delay := l.delayFor(domain)
	lim := rate.NewLimiter(rate.Every(delay), 1)
	l.limiters[domain] = lim
	return lim
}
