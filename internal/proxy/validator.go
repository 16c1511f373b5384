package proxy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nwelch/newsharvest/internal/harvest"
)

const probeConcurrency = 8

// Validator probes candidate proxies by routing a HEAD request for a known
// URL through each one. Anything but a 200 inside the timeout discards the
// candidate.
type Validator struct {
	checkURL string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewValidator builds a validator probing checkURL. A zero timeout defaults
// to 5 seconds.
func NewValidator(checkURL string, timeout time.Duration, logger *zap.Logger) *Validator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Validator{checkURL: checkURL, timeout: timeout, logger: logger}
}

// Validate probes candidates concurrently and returns the survivors stamped
// with the validation time.
func (v *Validator) Validate(ctx context.Context, cands []harvest.Proxy, now time.Time) []harvest.Proxy {
	passed := make([]bool, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i := range cands {
		g.Go(func() error {
			passed[i] = v.probe(gctx, cands[i])
			return nil
		})
	}
	_ = g.Wait()

	valid := make([]harvest.Proxy, 0, len(cands))
	for i, ok := range passed {
		if !ok {
			v.logger.Debug("proxy failed validation", zap.String("proxy", cands[i].Addr()))
			continue
		}
		px := cands[i]
		px.Active = true
		stamp := now
		px.LastValidatedAt = &stamp
		valid = append(valid, px)
	}
	return valid
}

func (v *Validator) probe(ctx context.Context, px harvest.Proxy) bool {
	proxyURL, err := url.Parse(px.URL())
	if err != nil {
		return false
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   v.timeout,
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, v.checkURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
