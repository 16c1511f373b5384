package cascade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/extract"
	"github.com/nwelch/newsharvest/internal/harvest"
	hashsha "github.com/nwelch/newsharvest/internal/hash/sha256"
)

type stubFetcher struct {
	res    *harvest.FetchResult
	err    error
	called int
}

func (s *stubFetcher) Fetch(_ context.Context, _ string) (*harvest.FetchResult, error) {
	s.called++
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

type stubRenderer struct {
	res    *harvest.FetchResult
	err    error
	called int
}

func (s *stubRenderer) Render(_ context.Context, _ string) (*harvest.FetchResult, error) {
	s.called++
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

// stubExtractor returns a canned body per input document, so the plain and
// rendered passes can produce different results.
type stubExtractor struct {
	name   string
	byHTML map[string]harvest.ExtractedBody
	err    error
}

func (s *stubExtractor) Name() string { return s.name }

func (s *stubExtractor) Extract(html, _ string) (harvest.ExtractedBody, error) {
	if s.err != nil {
		return harvest.ExtractedBody{}, s.err
	}
	return s.byHTML[html], nil
}

type stubLimiter struct {
	domains []string
	err     error
}

func (s *stubLimiter) Wait(_ context.Context, domain string) error {
	s.domains = append(s.domains, domain)
	return s.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func okResult(body string) *harvest.FetchResult {
	return &harvest.FetchResult{
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       []byte(body),
		Attempts:   1,
		Duration:   120 * time.Millisecond,
	}
}

var testClock = fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

func newProcessor(f harvest.Fetcher, r harvest.Renderer, primary, secondary harvest.BodyExtractor, lim Limiter, cfg Config) *Processor {
	return New(f, r, primary, secondary, hashsha.New(), testClock, lim, cfg, zap.NewNop())
}

func record(url, source string) harvest.URLRecord {
	return harvest.URLRecord{
		NormalizedURL:    url,
		Source:           source,
		Status:           harvest.StatusProcessing,
		GdeltPublishDate: "2025-05-13T06:00:00Z",
	}
}

const fullArticlePage = `<!DOCTYPE html>
<html>
<head>
<title>Consumer prices rose 0.3 percent in May</title>
<script type="application/ld+json">
{"@type":"NewsArticle","headline":"Consumer prices rose 0.3 percent in May",
 "datePublished":"2025-05-13T08:32:00Z",
 "author":{"@type":"Person","name":"Jane Smith"}}
</script>
</head>
<body>
<article>
<h1>Consumer prices rose 0.3 percent in May</h1>
<p>Consumer prices in the United States rose 0.3 percent in May, a sign that
inflation pressures eased slightly from the pace recorded earlier in the year,
according to data released Tuesday by the Bureau of Labor Statistics. The
monthly gain was the smallest since October and matched what forecasters had
expected heading into the release.</p>
<p>Shelter costs remained the largest contributor to the monthly increase,
rising 0.4 percent, while energy prices declined for the second straight month
as gasoline fell 2 percent nationwide. Food prices were flat, with grocery
costs unchanged and restaurant prices up modestly over the month.</p>
<p>Economists said the report keeps the central bank on track to hold interest
rates steady at its next meeting, though several analysts cautioned that
tariff-related price pressures could still feed through to consumers later in
the summer. Markets rose modestly on the news, with the benchmark index up
half a percent by midday trading.</p>
</article>
</body>
</html>`

func TestProcessSkipsNonProsePath(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{}
	p := newProcessor(fetcher, nil, extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

	out := p.Process(context.Background(), record("https://apnews.com/video/market-wrap", "apnews"))
	assert.Equal(t, harvest.StatusSkipped, out.Status)
	assert.Equal(t, harvest.BlockNonProsePath, out.BlockReason)
	assert.Zero(t, fetcher.called)
}

func TestProcessSuccessPrimary(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{res: okResult(fullArticlePage)}
	p := newProcessor(fetcher, nil, extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

	out := p.Process(context.Background(), record("https://apnews.com/article/cpi-may", "apnews"))
	require.Equal(t, harvest.StatusSuccess, out.Status)
	assert.Equal(t, harvest.ExtractorPrimary, out.Extractor)
	require.NotNil(t, out.Article)

	art := out.Article
	assert.Equal(t, "Consumer prices rose 0.3 percent in May", art.Headline)
	assert.Equal(t, []string{"Jane Smith"}, art.Authors)
	assert.Equal(t, harvest.DateSourceJSONLD, art.PublishDateSource)
	require.NotNil(t, art.PublishDate)
	assert.False(t, art.DateDivergent)
	assert.GreaterOrEqual(t, len(art.FullText), 300)
	assert.Greater(t, art.WordCount, 50)
	assert.Len(t, art.ContentHash, 64)
	assert.Equal(t, testClock.Now(), art.ExtractedAt)
}

func TestProcessSameTextSameHash(t *testing.T) {
	t.Parallel()
	p := newProcessor(&stubFetcher{res: okResult(fullArticlePage)}, nil,
		extract.NewPrimary(), extract.NewSecondary(), nil, Config{})
	q := newProcessor(&stubFetcher{res: okResult(fullArticlePage)}, nil,
		extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

	a := p.Process(context.Background(), record("https://apnews.com/article/one", "apnews"))
	b := q.Process(context.Background(), record("https://reuters.com/world/two", "reuters"))
	require.NotNil(t, a.Article)
	require.NotNil(t, b.Article)
	assert.Equal(t, a.Article.ContentHash, b.Article.ContentHash)
}

func TestProcessTransportError(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{err: errors.New("dial tcp: connection refused")}
	p := newProcessor(fetcher, nil, extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

	out := p.Process(context.Background(), record("https://apnews.com/article/x", "apnews"))
	assert.Equal(t, harvest.StatusErrorNetwork, out.Status)
	assert.Equal(t, harvest.BlockTransport, out.BlockReason)
	assert.Contains(t, out.ErrorMessage, "connection refused")
}

func TestProcessFetchNoProxySkips(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{err: fmt.Errorf("fetch https://apnews.com/article/x: lease proxy: %w", harvest.ErrNoProxy)}
	p := newProcessor(fetcher, nil, extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

	out := p.Process(context.Background(), record("https://apnews.com/article/x", "apnews"))
	assert.Equal(t, harvest.StatusSkipped, out.Status)
	assert.Equal(t, harvest.BlockNoProxy, out.BlockReason)
}

func TestProcessClassifiesFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		status     int
		body       string
		headers    http.Header
		wantStatus harvest.Status
		wantReason harvest.BlockReason
	}{
		{
			name:       "403 with subscription marker",
			status:     http.StatusForbidden,
			body:       "<html>Subscribe to read this story</html>",
			wantStatus: harvest.StatusPaywallSuspected,
			wantReason: harvest.BlockPaywall,
		},
		{
			name:       "403 with cf-ray header",
			status:     http.StatusForbidden,
			body:       "<html>blocked</html>",
			headers:    http.Header{"Cf-Ray": []string{"8f1b2-EWR"}},
			wantStatus: harvest.StatusErrorNetwork,
			wantReason: harvest.BlockBotDetection,
		},
		{
			name:       "403 with captcha body",
			status:     http.StatusForbidden,
			body:       "<html>Please complete the CAPTCHA to continue</html>",
			wantStatus: harvest.StatusErrorNetwork,
			wantReason: harvest.BlockBotDetection,
		},
		{
			name:       "bare 403",
			status:     http.StatusForbidden,
			body:       "<html>forbidden</html>",
			wantStatus: harvest.StatusErrorParse,
			wantReason: harvest.BlockJSRequired,
		},
		{
			name:       "429 after retries",
			status:     http.StatusTooManyRequests,
			body:       "",
			wantStatus: harvest.StatusErrorNetwork,
			wantReason: harvest.BlockRateLimited,
		},
		{
			name:       "404",
			status:     http.StatusNotFound,
			body:       "<html>not found</html>",
			wantStatus: harvest.StatusDead,
			wantReason: harvest.BlockDeleted,
		},
		{
			name:       "410",
			status:     http.StatusGone,
			body:       "<html>gone</html>",
			wantStatus: harvest.StatusDead,
			wantReason: harvest.BlockDeleted,
		},
		{
			name:       "503",
			status:     http.StatusServiceUnavailable,
			body:       "<html>maintenance</html>",
			wantStatus: harvest.StatusErrorNetwork,
			wantReason: harvest.BlockTransport,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			headers := tc.headers
			if headers == nil {
				headers = http.Header{}
			}
			fetcher := &stubFetcher{res: &harvest.FetchResult{
				StatusCode: tc.status,
				Headers:    headers,
				Body:       []byte(tc.body),
				Attempts:   1,
			}}
			p := newProcessor(fetcher, nil, extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

			out := p.Process(context.Background(), record("https://wsj.com/articles/w1", "wsj"))
			assert.Equal(t, tc.wantStatus, out.Status)
			assert.Equal(t, tc.wantReason, out.BlockReason)
			assert.Equal(t, tc.status, out.HTTPStatus)
		})
	}
}

func TestProcessSoftPaywall(t *testing.T) {
	t.Parallel()
	page := `<html><body><p>Subscribe to continue reading this article.</p></body></html>`
	fetcher := &stubFetcher{res: okResult(page)}
	p := newProcessor(fetcher, nil, extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

	out := p.Process(context.Background(), record("https://apnews.com/article/teaser", "apnews"))
	assert.Equal(t, harvest.StatusPaywallSuspected, out.Status)
	assert.Equal(t, harvest.BlockSoftPaywall, out.BlockReason)
}

func TestProcessThinPageWithoutMarkers(t *testing.T) {
	t.Parallel()
	page := `<html><body><div id="app"></div></body></html>`
	fetcher := &stubFetcher{res: okResult(page)}
	p := newProcessor(fetcher, nil, extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

	out := p.Process(context.Background(), record("https://apnews.com/article/shell", "apnews"))
	assert.Equal(t, harvest.StatusErrorParse, out.Status)
	assert.Equal(t, harvest.BlockJSRequired, out.BlockReason)
	assert.Contains(t, out.ErrorMessage, "need 300")
}

func TestProcessMinTextBoundary(t *testing.T) {
	t.Parallel()
	const doc = `<html><body><p>market briefing</p></body></html>`

	cases := []struct {
		name       string
		textLen    int
		wantStatus harvest.Status
	}{
		{name: "one char under the floor fails", textLen: DefaultMinTextLength - 1, wantStatus: harvest.StatusErrorParse},
		{name: "exactly at the floor succeeds", textLen: DefaultMinTextLength, wantStatus: harvest.StatusSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			primary := &stubExtractor{name: "primary", byHTML: map[string]harvest.ExtractedBody{
				doc: {Text: strings.Repeat("x", tc.textLen)},
			}}
			secondary := &stubExtractor{name: "secondary", byHTML: map[string]harvest.ExtractedBody{}}
			p := newProcessor(&stubFetcher{res: okResult(doc)}, nil, primary, secondary, nil, Config{})

			out := p.Process(context.Background(), record("https://apnews.com/article/floor", "apnews"))
			assert.Equal(t, tc.wantStatus, out.Status)
			if tc.wantStatus == harvest.StatusSuccess {
				require.NotNil(t, out.Article)
				assert.Len(t, out.Article.FullText, tc.textLen)
			} else {
				assert.Equal(t, harvest.BlockJSRequired, out.BlockReason)
				assert.Contains(t, out.ErrorMessage, fmt.Sprintf("extracted %d chars", tc.textLen))
			}
		})
	}
}

func TestExtractBest(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("long primary text ", 20)
	longer := strings.Repeat("even longer secondary text ", 20)
	short := "short"

	cases := []struct {
		name      string
		primary   harvest.ExtractedBody
		perr      error
		secondary harvest.ExtractedBody
		serr      error
		wantLabel string
		wantText  string
	}{
		{
			name:      "primary above floor wins",
			primary:   harvest.ExtractedBody{Text: long},
			secondary: harvest.ExtractedBody{Text: longer},
			wantLabel: "primary",
			wantText:  long,
		},
		{
			name:      "short primary falls back to longer secondary",
			primary:   harvest.ExtractedBody{Text: short},
			secondary: harvest.ExtractedBody{Text: longer},
			wantLabel: "secondary",
			wantText:  longer,
		},
		{
			name:      "primary error uses secondary",
			perr:      errors.New("readability choked"),
			secondary: harvest.ExtractedBody{Text: longer},
			wantLabel: "secondary",
			wantText:  longer,
		},
		{
			name:      "secondary error keeps primary",
			primary:   harvest.ExtractedBody{Text: short},
			serr:      errors.New("no paragraphs"),
			wantLabel: "primary",
			wantText:  short,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			const doc = "<html>doc</html>"
			primary := &stubExtractor{name: "primary", err: tc.perr,
				byHTML: map[string]harvest.ExtractedBody{doc: tc.primary}}
			secondary := &stubExtractor{name: "secondary", err: tc.serr,
				byHTML: map[string]harvest.ExtractedBody{doc: tc.secondary}}
			p := newProcessor(&stubFetcher{}, nil, primary, secondary, nil, Config{})

			body, label := p.extractBest(doc, "https://apnews.com/article/x")
			assert.Equal(t, tc.wantLabel, label)
			assert.Equal(t, tc.wantText, body.Text)
		})
	}
}

func paywallConfig() Config {
	return Config{
		BrowserEnabled: true,
		PaywallDomain: func(domain string) bool {
			return domain == "wsj.com" || domain == "nytimes.com" || domain == "washingtonpost.com"
		},
	}
}

func TestProcessBrowserFallbackRecovers(t *testing.T) {
	t.Parallel()
	shell := "<html><body><div id=\"app\"></div></body></html>"
	longText := strings.Repeat("The rendered article body has plenty of prose. ", 20)

	primary := &stubExtractor{name: "primary", byHTML: map[string]harvest.ExtractedBody{
		shell:           {},
		fullArticlePage: {Text: longText, Headline: "Rendered headline"},
	}}
	secondary := &stubExtractor{name: "secondary", byHTML: map[string]harvest.ExtractedBody{}}
	fetcher := &stubFetcher{res: okResult(shell)}
	renderer := &stubRenderer{res: okResult(fullArticlePage)}
	limiter := &stubLimiter{}
	p := newProcessor(fetcher, renderer, primary, secondary, limiter, paywallConfig())

	out := p.Process(context.Background(), record("https://wsj.com/articles/exclusive", "wsj"))
	require.Equal(t, harvest.StatusSuccess, out.Status)
	assert.Equal(t, harvest.ExtractorBrowserPrimary, out.Extractor)
	assert.Equal(t, 1, renderer.called)
	// The second hit against the domain honors politeness too.
	assert.Equal(t, []string{"wsj.com"}, limiter.domains)
	require.NotNil(t, out.Article)
	assert.Contains(t, out.Article.FullText, "rendered article body")
}

func TestProcessBrowserSkippedForNonPaywallDomain(t *testing.T) {
	t.Parallel()
	shell := "<html><body><div id=\"app\"></div></body></html>"
	renderer := &stubRenderer{res: okResult(fullArticlePage)}
	p := newProcessor(&stubFetcher{res: okResult(shell)}, renderer,
		extract.NewPrimary(), extract.NewSecondary(), nil, paywallConfig())

	out := p.Process(context.Background(), record("https://apnews.com/article/shell", "apnews"))
	assert.Zero(t, renderer.called)
	assert.Equal(t, harvest.StatusErrorParse, out.Status)
}

func TestProcessBrowserDisabledByConfig(t *testing.T) {
	t.Parallel()
	shell := "<html><body><div id=\"app\"></div></body></html>"
	renderer := &stubRenderer{res: okResult(fullArticlePage)}
	cfg := paywallConfig()
	cfg.BrowserEnabled = false
	p := newProcessor(&stubFetcher{res: okResult(shell)}, renderer,
		extract.NewPrimary(), extract.NewSecondary(), nil, cfg)

	out := p.Process(context.Background(), record("https://wsj.com/articles/exclusive", "wsj"))
	assert.Zero(t, renderer.called)
	assert.Equal(t, harvest.StatusErrorParse, out.Status)
	assert.Equal(t, harvest.BlockJSRequired, out.BlockReason)
}

func TestProcessBrowserRenderFailureClassifiesPlainResponse(t *testing.T) {
	t.Parallel()
	teaser := "<html><body><p>Subscribe to continue reading.</p></body></html>"
	renderer := &stubRenderer{err: errors.New("browser context lost")}
	p := newProcessor(&stubFetcher{res: okResult(teaser)}, renderer,
		extract.NewPrimary(), extract.NewSecondary(), &stubLimiter{}, paywallConfig())

	out := p.Process(context.Background(), record("https://wsj.com/articles/teaser", "wsj"))
	assert.Equal(t, 1, renderer.called)
	assert.Equal(t, harvest.StatusPaywallSuspected, out.Status)
	assert.Equal(t, harvest.BlockSoftPaywall, out.BlockReason)
}

func TestProcessBrowserNoProxySkips(t *testing.T) {
	t.Parallel()
	shell := "<html><body><div id=\"app\"></div></body></html>"
	renderer := &stubRenderer{err: fmt.Errorf("browser context: %w", harvest.ErrNoProxy)}
	p := newProcessor(&stubFetcher{res: okResult(shell)}, renderer,
		extract.NewPrimary(), extract.NewSecondary(), &stubLimiter{}, paywallConfig())

	out := p.Process(context.Background(), record("https://wsj.com/articles/x", "wsj"))
	assert.Equal(t, harvest.StatusSkipped, out.Status)
	assert.Equal(t, harvest.BlockNoProxy, out.BlockReason)
	assert.Equal(t, 1, renderer.called)
}

func TestProcessBrowserRenderedStillThin(t *testing.T) {
	t.Parallel()
	teaser := "<html><body><p>Subscribe to read the full story.</p></body></html>"
	fetcher := &stubFetcher{res: okResult(teaser)}
	renderer := &stubRenderer{res: okResult(teaser)}
	p := newProcessor(fetcher, renderer,
		extract.NewPrimary(), extract.NewSecondary(), &stubLimiter{}, paywallConfig())

	out := p.Process(context.Background(), record("https://nytimes.com/2025/05/13/business/cpi.html", "nytimes"))
	assert.Equal(t, harvest.StatusPaywallSuspected, out.Status)
	assert.Equal(t, harvest.BlockSoftPaywall, out.BlockReason)
	assert.Contains(t, out.ErrorMessage, "rendered page")
}

func TestBuildArticleDateFallbacks(t *testing.T) {
	t.Parallel()
	p := newProcessor(&stubFetcher{}, nil, extract.NewPrimary(), extract.NewSecondary(), nil, Config{})

	t.Run("upstream date when page has none", func(t *testing.T) {
		t.Parallel()
		rec := record("https://apnews.com/article/x", "apnews")
		art, err := p.buildArticle(rec, "<html><body></body></html>", harvest.ExtractedBody{Text: "body text"})
		require.NoError(t, err)
		assert.Equal(t, harvest.DateSourceUpstream, art.PublishDateSource)
		require.NotNil(t, art.PublishDate)
		assert.False(t, art.DateDivergent)
	})

	t.Run("extractor hint beats upstream", func(t *testing.T) {
		t.Parallel()
		rec := record("https://apnews.com/article/x", "apnews")
		hint := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
		art, err := p.buildArticle(rec, "<html><body></body></html>",
			harvest.ExtractedBody{Text: "body text", PublishedHint: &hint})
		require.NoError(t, err)
		assert.Equal(t, harvest.DateSourceSecondary, art.PublishDateSource)
		assert.True(t, art.PublishDate.Equal(hint))
	})

	t.Run("divergent page date is flagged", func(t *testing.T) {
		t.Parallel()
		rec := record("https://apnews.com/article/x", "apnews")
		// Upstream says 2025-05-13; the hint is months earlier.
		hint := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
		art, err := p.buildArticle(rec, "<html><body></body></html>",
			harvest.ExtractedBody{Text: "body text", PublishedHint: &hint})
		require.NoError(t, err)
		assert.True(t, art.DateDivergent)
	})

	t.Run("no date anywhere", func(t *testing.T) {
		t.Parallel()
		rec := record("https://apnews.com/article/x", "apnews")
		rec.GdeltPublishDate = ""
		art, err := p.buildArticle(rec, "<html><body></body></html>", harvest.ExtractedBody{Text: "body text"})
		require.NoError(t, err)
		assert.Nil(t, art.PublishDate)
	})
}

type stubArchiver struct {
	key  string
	data []byte
	err  error
}

func (s *stubArchiver) Put(_ context.Context, key string, data []byte) (string, error) {
	s.key = key
	s.data = append([]byte(nil), data...)
	if s.err != nil {
		return "", s.err
	}
	return "memory://" + key, nil
}

func TestProcessArchivesWinningHTML(t *testing.T) {
	t.Parallel()
	arch := &stubArchiver{}
	p := newProcessor(&stubFetcher{res: okResult(fullArticlePage)}, nil,
		extract.NewPrimary(), extract.NewSecondary(), nil, Config{Archiver: arch})

	out := p.Process(context.Background(), record("https://www.reuters.com/markets/us/cpi-report", "reuters"))
	require.Equal(t, harvest.StatusSuccess, out.Status)
	require.NotNil(t, out.Article)

	wantKey := "reuters/2025-06-01/" + out.Article.ContentHash + ".html"
	assert.Equal(t, wantKey, arch.key)
	assert.Equal(t, "memory://"+wantKey, out.Article.ArchiveURI)
	assert.Contains(t, string(arch.data), "Consumer prices rose 0.3 percent in May")
}

func TestProcessArchiveFailureKeepsSuccess(t *testing.T) {
	t.Parallel()
	arch := &stubArchiver{err: errors.New("bucket unavailable")}
	p := newProcessor(&stubFetcher{res: okResult(fullArticlePage)}, nil,
		extract.NewPrimary(), extract.NewSecondary(), nil, Config{Archiver: arch})

	out := p.Process(context.Background(), record("https://www.reuters.com/markets/us/cpi-report", "reuters"))
	require.Equal(t, harvest.StatusSuccess, out.Status)
	require.NotNil(t, out.Article)
	assert.Empty(t, out.Article.ArchiveURI)
}
