// Package cascade turns one claimed URL into a terminal outcome by walking
// the staged extraction pipeline: path prefilter, plain HTTP fetch,
// readability extraction with a selector fallback, and a headless browser
// pass reserved for configured paywall domains. Workers never report
// errors upward; every failure is folded into a status and block reason.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/extract"
	"github.com/nwelch/newsharvest/internal/harvest"
	"github.com/nwelch/newsharvest/internal/metrics"
	"github.com/nwelch/newsharvest/internal/urlnorm"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMinTextLength     = 300
	DefaultPrimaryFloor      = 150
	DefaultMaxDateDivergence = 7 * 24 * time.Hour
)

// Limiter gates the second hit a browser render makes against a domain.
type Limiter interface {
	Wait(ctx context.Context, domain string) error
}

// Config tunes the cascade thresholds. Archiver is optional; when set, the
// winning HTML of every success is stored and the article row carries the
// returned URI.
type Config struct {
	MinTextLength     int
	PrimaryFloor      int
	MaxDateDivergence time.Duration
	BrowserEnabled    bool
	PaywallDomain     func(domain string) bool
	Archiver          harvest.Archiver
}

// Processor executes the extraction cascade for single URLs.
type Processor struct {
	fetcher   harvest.Fetcher
	renderer  harvest.Renderer
	primary   harvest.BodyExtractor
	secondary harvest.BodyExtractor
	hasher    harvest.Hasher
	clock     harvest.Clock
	limiter   Limiter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Processor. renderer and limiter may be nil, which
// disables the browser stage and its politeness wait respectively.
func New(
	fetcher harvest.Fetcher,
	renderer harvest.Renderer,
	primary harvest.BodyExtractor,
	secondary harvest.BodyExtractor,
	hasher harvest.Hasher,
	clock harvest.Clock,
	limiter Limiter,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = DefaultMinTextLength
	}
	if cfg.PrimaryFloor <= 0 {
		cfg.PrimaryFloor = DefaultPrimaryFloor
	}
	if cfg.MaxDateDivergence <= 0 {
		cfg.MaxDateDivergence = DefaultMaxDateDivergence
	}
	return &Processor{
		fetcher:   fetcher,
		renderer:  renderer,
		primary:   primary,
		secondary: secondary,
		hasher:    hasher,
		clock:     clock,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process runs one URL through the cascade and returns its outcome.
func (p *Processor) Process(ctx context.Context, rec harvest.URLRecord) harvest.Outcome {
	out := harvest.Outcome{
		NormalizedURL: rec.NormalizedURL,
		Source:        rec.Source,
	}

	if urlnorm.NonProsePath(rec.NormalizedURL) {
		out.Status = harvest.StatusSkipped
		out.BlockReason = harvest.BlockNonProsePath
		return out
	}

	res, err := p.fetcher.Fetch(ctx, rec.NormalizedURL)
	if err != nil {
		if errors.Is(err, harvest.ErrNoProxy) {
			out.Status = harvest.StatusSkipped
			out.BlockReason = harvest.BlockNoProxy
			out.ErrorMessage = err.Error()
			return out
		}
		out.Status = harvest.StatusErrorNetwork
		out.BlockReason = harvest.BlockTransport
		out.ErrorMessage = err.Error()
		return out
	}
	out.HTTPStatus = res.StatusCode
	out.BytesFetched = len(res.Body)
	out.Attempts = res.Attempts
	out.Duration = res.Duration

	if res.StatusCode != http.StatusOK {
		out.Status, out.BlockReason = classifyResponse(res, 0, p.cfg.MinTextLength)
		out.ErrorMessage = fmt.Sprintf("http status %d", res.StatusCode)
		return out
	}

	html, err := extract.DecodeHTML(res.Body)
	if err != nil {
		out.Status = harvest.StatusErrorParse
		out.BlockReason = harvest.BlockJSRequired
		out.ErrorMessage = err.Error()
		return out
	}

	body, label := p.extractBest(html, rec.NormalizedURL)
	if len(body.Text) >= p.cfg.MinTextLength {
		return p.finishSuccess(ctx, out, rec, html, body, label)
	}

	if p.browserEligible(rec) {
		if done, browserOut := p.tryBrowser(ctx, rec, out); done {
			return browserOut
		}
	}

	out.Status, out.BlockReason = classifyResponse(res, len(body.Text), p.cfg.MinTextLength)
	out.ErrorMessage = fmt.Sprintf("extracted %d chars, need %d", len(body.Text), p.cfg.MinTextLength)
	return out
}

// extractBest runs the primary extractor and falls back to the selector
// extractor when the primary result is suspiciously short.
func (p *Processor) extractBest(html, pageURL string) (harvest.ExtractedBody, string) {
	primaryBody, perr := p.primary.Extract(html, pageURL)
	if perr == nil && len(primaryBody.Text) >= p.cfg.PrimaryFloor {
		return primaryBody, p.primary.Name()
	}
	if perr != nil {
		primaryBody = harvest.ExtractedBody{}
	}
	secondaryBody, serr := p.secondary.Extract(html, pageURL)
	if serr == nil && len(secondaryBody.Text) > len(primaryBody.Text) {
		return secondaryBody, p.secondary.Name()
	}
	return primaryBody, p.primary.Name()
}

func (p *Processor) browserEligible(rec harvest.URLRecord) bool {
	if !p.cfg.BrowserEnabled || p.renderer == nil || p.cfg.PaywallDomain == nil {
		return false
	}
	domain := urlnorm.RegistrableDomain(urlnorm.Host(rec.NormalizedURL))
	return p.cfg.PaywallDomain(domain)
}

// tryBrowser runs the headless pass. It reports done=false only when the
// render itself failed, in which case the plain response is classified.
func (p *Processor) tryBrowser(ctx context.Context, rec harvest.URLRecord, out harvest.Outcome) (bool, harvest.Outcome) {
	domain := urlnorm.RegistrableDomain(urlnorm.Host(rec.NormalizedURL))
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, domain); err != nil {
			return false, out
		}
	}

	rendered, err := p.renderer.Render(ctx, rec.NormalizedURL)
	metrics.ObserveBrowserFetch(domain, err == nil)
	if err != nil {
		if errors.Is(err, harvest.ErrNoProxy) {
			out.Status = harvest.StatusSkipped
			out.BlockReason = harvest.BlockNoProxy
			out.ErrorMessage = err.Error()
			return true, out
		}
		p.logger.Warn("browser fallback failed",
			zap.String("url", rec.NormalizedURL),
			zap.Error(err),
		)
		return false, out
	}
	out.HTTPStatus = rendered.StatusCode
	out.BytesFetched += len(rendered.Body)

	html, err := extract.DecodeHTML(rendered.Body)
	if err != nil {
		out.Status = harvest.StatusErrorParse
		out.BlockReason = harvest.BlockJSRequired
		out.ErrorMessage = err.Error()
		return true, out
	}

	body, perr := p.primary.Extract(html, rec.NormalizedURL)
	if perr == nil && len(body.Text) >= p.cfg.MinTextLength {
		p.logger.Info("browser fallback recovered article",
			zap.String("url", rec.NormalizedURL),
			zap.Int("chars", len(body.Text)),
		)
		return true, p.finishSuccess(ctx, out, rec, html, body, harvest.ExtractorBrowserPrimary)
	}

	out.Status, out.BlockReason = classifyResponse(rendered, len(body.Text), p.cfg.MinTextLength)
	out.ErrorMessage = "rendered page below minimum text length"
	return true, out
}

func (p *Processor) finishSuccess(ctx context.Context, out harvest.Outcome, rec harvest.URLRecord, html string, body harvest.ExtractedBody, label string) harvest.Outcome {
	art, err := p.buildArticle(rec, html, body)
	if err != nil {
		out.Status = harvest.StatusErrorParse
		out.BlockReason = harvest.BlockJSRequired
		out.ErrorMessage = err.Error()
		return out
	}
	p.archiveHTML(ctx, art, html)
	out.Status = harvest.StatusSuccess
	out.Extractor = label
	out.Article = art
	return out
}

// archiveHTML stores the winning document. Archive failures never demote a
// success; the article simply goes out without a URI.
func (p *Processor) archiveHTML(ctx context.Context, art *harvest.Article, html string) {
	if p.cfg.Archiver == nil {
		return
	}
	key := archiveKey(art)
	uri, err := p.cfg.Archiver.Put(ctx, key, []byte(html))
	if err != nil {
		p.logger.Warn("raw html archive failed",
			zap.String("url", art.NormalizedURL),
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	art.ArchiveURI = uri
}

// archiveKey is content-addressed: source/date/hash.html. Two URLs with the
// same winning text share one blob.
func archiveKey(art *harvest.Article) string {
	return path.Join(art.Source, art.ExtractedAt.UTC().Format("2006-01-02"), art.ContentHash+".html")
}

func (p *Processor) buildArticle(rec harvest.URLRecord, html string, body harvest.ExtractedBody) (*harvest.Article, error) {
	md := extract.ParseMetadata(html)

	headline := md.Headline
	if headline == "" {
		headline = body.Headline
	}
	authors := md.Authors
	if len(authors) == 0 {
		authors = body.Authors
	}

	pub, src := p.resolveDate(md, body, rec)
	divergent := false
	if pub != nil && src != harvest.DateSourceUpstream {
		if up := extract.ParseDate(rec.GdeltPublishDate); up != nil {
			if diff := pub.Sub(*up); diff > p.cfg.MaxDateDivergence || diff < -p.cfg.MaxDateDivergence {
				divergent = true
			}
		}
	}

	hash, err := p.hasher.Hash([]byte(extract.ContentKey(body.Text)))
	if err != nil {
		return nil, fmt.Errorf("hash content: %w", err)
	}

	return &harvest.Article{
		NormalizedURL:     rec.NormalizedURL,
		Source:            rec.Source,
		Headline:          headline,
		Authors:           authors,
		PublishDate:       pub,
		PublishDateSource: src,
		DateDivergent:     divergent,
		FullText:          body.Text,
		WordCount:         extract.WordCount(body.Text),
		ContentHash:       hash,
		ExtractedAt:       p.clock.Now(),
	}, nil
}

// resolveDate applies the publish-date priority: structured page metadata,
// then the extractor's own hint, then the upstream feed date.
func (p *Processor) resolveDate(md extract.Metadata, body harvest.ExtractedBody, rec harvest.URLRecord) (*time.Time, harvest.DateSource) {
	if md.PublishDate != nil {
		return md.PublishDate, md.DateSource
	}
	if body.PublishedHint != nil {
		t := body.PublishedHint.UTC()
		return &t, harvest.DateSourceSecondary
	}
	if up := extract.ParseDate(rec.GdeltPublishDate); up != nil {
		return up, harvest.DateSourceUpstream
	}
	return nil, ""
}
