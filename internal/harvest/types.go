// Package harvest defines core types shared across acquisition subsystems.
package harvest

import (
	"fmt"
	"net/http"
	"time"
)

// Status represents the lifecycle state of a candidate URL.
type Status string

// URL status values persisted in the state store.
const (
	StatusPending          Status = "pending"
	StatusProcessing       Status = "processing"
	StatusSuccess          Status = "success"
	StatusDuplicate        Status = "duplicate"
	StatusPaywallSuspected Status = "paywall_suspected"
	StatusErrorParse       Status = "error_parse"
	StatusErrorNetwork     Status = "error_network"
	StatusSkipped          Status = "skipped"
	StatusDead             Status = "dead"
)

// Validate reports whether s is one of the persisted status values.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusDuplicate,
		StatusPaywallSuspected, StatusErrorParse, StatusErrorNetwork,
		StatusSkipped, StatusDead:
		return nil
	}
	return fmt.Errorf("unknown url status %q", string(s))
}

// Terminal reports whether a URL in this status is finished for the run.
// Every status except pending and processing is terminal; a future re-seed
// may reset the retryable failures back to pending, the core never does.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusProcessing
}

// BlockReason classifies the observable cause behind a failure status.
type BlockReason string

// Block reasons attached to failure outcomes.
const (
	BlockNone         BlockReason = ""
	BlockNonProsePath BlockReason = "non_prose_path"
	BlockPaywall      BlockReason = "paywall"
	BlockSoftPaywall  BlockReason = "soft_paywall"
	BlockBotDetection BlockReason = "bot_detection"
	BlockRateLimited  BlockReason = "rate_limited"
	BlockDeleted      BlockReason = "deleted"
	BlockTransport    BlockReason = "transport"
	BlockJSRequired   BlockReason = "js_required_or_unknown"
	BlockNoProxy      BlockReason = "no_proxy"
)

// Extractor labels recorded on the URL row once an extraction path wins.
const (
	ExtractorPrimary        = "primary"
	ExtractorSecondary      = "secondary"
	ExtractorBrowserPrimary = "browser+primary"
)

// DateSource identifies where the publish date of an article came from.
type DateSource string

// Publish-date provenance, in cascade priority order.
const (
	DateSourceJSONLD    DateSource = "json-ld"
	DateSourceOpenGraph DateSource = "opengraph"
	DateSourceSecondary DateSource = "secondary-extractor"
	DateSourceUpstream  DateSource = "upstream"
)

// SeedRecord is one normalized, allowlisted candidate handed to the store.
type SeedRecord struct {
	NormalizedURL    string `json:"normalized_url" db:"normalized_url"`
	Source           string `json:"source" db:"source"`
	GdeltPublishDate string `json:"gdelt_publish_date" db:"gdelt_publish_date"`
	GdeltThemes      string `json:"gdelt_themes" db:"gdelt_themes"`
	GdeltTone        string `json:"gdelt_tone" db:"gdelt_tone"`
}

// URLRecord is the persisted state of one candidate URL.
type URLRecord struct {
	NormalizedURL    string      `json:"normalized_url" db:"normalized_url"`
	Source           string      `json:"source" db:"source"`
	Status           Status      `json:"status" db:"status"`
	AttemptCount     int         `json:"attempt_count" db:"attempt_count"`
	LastAttemptAt    *time.Time  `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	ErrorMessage     string      `json:"error_message,omitempty" db:"error_message"`
	ExtractorUsed    string      `json:"extractor_used,omitempty" db:"extractor_used"`
	BlockReason      BlockReason `json:"block_reason,omitempty" db:"block_reason"`
	GdeltPublishDate string      `json:"gdelt_publish_date,omitempty" db:"gdelt_publish_date"`
	GdeltThemes      string      `json:"gdelt_themes,omitempty" db:"gdelt_themes"`
	GdeltTone        string      `json:"gdelt_tone,omitempty" db:"gdelt_tone"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

// Article is an extracted article body plus metadata, ready to persist.
// Exactly one exists per URL that ends the run with status success.
type Article struct {
	NormalizedURL     string     `json:"normalized_url"`
	Source            string     `json:"source"`
	Headline          string     `json:"headline"`
	Authors           []string   `json:"authors"`
	PublishDate       *time.Time `json:"publish_date,omitempty"`
	PublishDateSource DateSource `json:"publish_date_source"`
	DateDivergent     bool       `json:"date_divergent"`
	FullText          string     `json:"full_text"`
	WordCount         int        `json:"word_count"`
	ContentHash       string     `json:"content_hash"`
	ArchiveURI        string     `json:"archive_uri,omitempty"`
	ExtractedAt       time.Time  `json:"extracted_at"`
}

// Outcome is the terminal result a worker reports for one URL. Workers
// never return errors upward; every library failure is translated into a
// status plus block reason here.
type Outcome struct {
	NormalizedURL string
	Source        string
	Status        Status
	BlockReason   BlockReason
	ErrorMessage  string
	Extractor     string
	Attempts      int
	HTTPStatus    int
	BytesFetched  int
	Duration      time.Duration
	Article       *Article
}

// FetchResult is the raw product of an HTTP or browser fetch. Responses
// with non-2xx status are still results; only transport-level failures
// surface as errors.
type FetchResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	Attempts    int
	UsedBrowser bool
}

// ExtractedBody is what a body extractor recovers from one HTML document.
type ExtractedBody struct {
	Text          string
	Headline      string
	Authors       []string
	PublishedHint *time.Time
}

// Proxy is one health-tracked proxy endpoint.
type Proxy struct {
	ID                  int64      `json:"proxy_id" db:"proxy_id"`
	Host                string     `json:"host" db:"host"`
	Port                int        `json:"port" db:"port"`
	Protocol            string     `json:"protocol" db:"protocol"`
	LastValidatedAt     *time.Time `json:"last_validated_at,omitempty" db:"last_validated_at"`
	SuccessCount        int        `json:"success_count" db:"success_count"`
	ConsecutiveFailures int        `json:"consecutive_failure_count" db:"consecutive_failure_count"`
	Active              bool       `json:"is_active" db:"is_active"`
}

// URL renders the proxy as a scheme://host:port address usable by both the
// HTTP transport and the browser allocator.
func (p Proxy) URL() string {
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Host, p.Port)
}

// Addr renders host:port without the scheme.
func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// StatusCount is one cell of the completion metrics: COUNT grouped by
// (source, status).
type StatusCount struct {
	Source string `json:"source" db:"source"`
	Status Status `json:"status" db:"status"`
	Count  int64  `json:"count" db:"count"`
}

// RunSummary is the completion report emitted when a run drains.
type RunSummary struct {
	Counts          []StatusCount `json:"counts"`
	TotalURLs       int64         `json:"total_urls"`
	Successes       int64         `json:"successes"`
	SuccessRate     float64       `json:"success_rate"`
	EarliestPublish *time.Time    `json:"earliest_publish,omitempty"`
	LatestPublish   *time.Time    `json:"latest_publish,omitempty"`
}
