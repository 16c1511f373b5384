package harvest

import (
	"context"
	"errors"
	"time"
)

// ErrNoProxy is returned by proxy-backed collaborators when the pool has no
// active endpoint to lease. URLs that needed one are skipped, not failed.
var ErrNoProxy = errors.New("no active proxy available")

// Fetcher retrieves a URL over plain HTTP. Implementations own their retry
// policy; a returned error means the transport gave up, while any HTTP
// response, including 4xx and 5xx, comes back as a FetchResult.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// Renderer retrieves a URL through a headless browser context and returns
// the rendered DOM. Used only for configured paywall domains.
type Renderer interface {
	Render(ctx context.Context, url string) (*FetchResult, error)
}

// BodyExtractor recovers article prose from decoded HTML. A nil error with
// an empty or short Text is a normal miss, not a failure.
type BodyExtractor interface {
	Name() string
	Extract(html string, pageURL string) (ExtractedBody, error)
}

// Hasher computes digests for content deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Archiver persists one raw HTML document under key and returns a URI for
// the article row. An empty URI with a nil error means archiving is off.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Clock returns the current time (swap-out point for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator mints identifiers for runs and progress events.
type IDGenerator interface {
	NewID() (string, error)
}
