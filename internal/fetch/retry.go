package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// RetryPolicy decides which fetch outcomes deserve another attempt and how
// long to back off between attempts.
type RetryPolicy struct {
	maxAttempts int
	base        time.Duration
}

// NewRetryPolicy builds a policy that doubles the base delay each attempt.
func NewRetryPolicy(maxAttempts int, base time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	return &RetryPolicy{maxAttempts: maxAttempts, base: base}
}

// MaxAttempts returns the attempt ceiling.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// RetryStatus reports whether an HTTP status is worth retrying. Rate
// limiting and server errors are transient; everything else is settled.
func (p *RetryPolicy) RetryStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// RetryError reports whether a transport error is worth retrying.
// Context cancellation ends the attempt loop immediately, and an empty
// proxy pool fails fast since its refresh runs in the background.
func (p *RetryPolicy) RetryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, harvest.ErrNoProxy) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the pause before the given retry: base doubled per
// attempt plus up to one second of jitter.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.base << uint(attempt)
	return delay + randomJitter(time.Second)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
