// Package store owns all persistent state for an acquisition run: URL
// lifecycle rows, extracted articles, and proxy health. Two backends
// implement the same contract; all mutations are expected to flow through
// the single Writer so that no two writes interleave at the storage layer.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// Sentinel errors shared by backends and the writer.
var (
	// ErrClosed is returned once the writer or backend has shut down.
	ErrClosed = errors.New("store: closed")
	// ErrNotFound is returned by point reads that match no row.
	ErrNotFound = errors.New("store: not found")
)

// MutationKind discriminates writer mutations.
type MutationKind int

// Mutation kinds applied by the writer inside batch transactions.
const (
	MutRecordSuccess MutationKind = iota + 1
	MutRecordFailure
	MutProxyUpsert
	MutProxyOutcome
	MutProxyRetire
)

// String names the mutation for logs and metrics.
func (k MutationKind) String() string {
	switch k {
	case MutRecordSuccess:
		return "record_success"
	case MutRecordFailure:
		return "record_failure"
	case MutProxyUpsert:
		return "proxy_upsert"
	case MutProxyOutcome:
		return "proxy_outcome"
	case MutProxyRetire:
		return "proxy_retire"
	}
	return "unknown"
}

// FailureUpdate carries the terminal failure fields for one URL row.
type FailureUpdate struct {
	Status        harvest.Status
	ErrorMessage  string
	BlockReason   harvest.BlockReason
	ExtractorUsed string
}

// ProxyOutcome reports one observed proxy success or failure.
type ProxyOutcome struct {
	ProxyID int64
	Success bool
}

// Mutation is one unit of work drained by the writer. Exactly the fields
// for its kind are set.
type Mutation struct {
	Kind      MutationKind
	URL       string
	At        time.Time
	Extractor string
	Article   *harvest.Article
	Failure   *FailureUpdate
	Proxies   []harvest.Proxy
	Proxy     *ProxyOutcome
	ProxyID   int64
}

// Result is the per-mutation answer produced inside the batch transaction.
// For record_success mutations Status distinguishes a fresh success from
// the controlled duplicate transition.
type Result struct {
	Status harvest.Status
}

// Store is the persistence contract shared by the sqlite and postgres
// backends. Mutating methods are only ever invoked from the writer
// goroutine; read methods may run concurrently.
type Store interface {
	// Seed bulk-inserts pending URL rows, ignoring already-present keys.
	// Returns the number of rows actually inserted.
	Seed(ctx context.Context, recs []harvest.SeedRecord) (int64, error)

	// ResetInFlight flips processing rows back to pending. Called once at
	// startup before the orchestrator begins. Returns rows reset.
	ResetInFlight(ctx context.Context) (int64, error)

	// ClaimNext atomically flips up to limit pending rows to processing
	// and returns them. The read-modify-write happens in one statement or
	// transaction so concurrent claimers never share a row.
	ClaimNext(ctx context.Context, limit int) ([]harvest.URLRecord, error)

	// Apply executes one batch of mutations inside a single transaction
	// and returns one Result per mutation, in order.
	Apply(ctx context.Context, muts []Mutation) ([]Result, error)

	// Read-side helpers.
	GetURL(ctx context.Context, normalizedURL string) (harvest.URLRecord, error)
	GetArticle(ctx context.Context, normalizedURL string) (ArticleRow, error)
	CountByStatus(ctx context.Context, status harvest.Status) (int64, error)
	Metrics(ctx context.Context) (harvest.RunSummary, error)
	ActiveProxies(ctx context.Context) ([]harvest.Proxy, error)
	Ping(ctx context.Context) error

	Close() error
}

// ArticleRow is the persisted article shape. Authors are stored
// semicolon-joined; AuthorList splits them back out.
type ArticleRow struct {
	ArticleID           int64      `db:"article_id" json:"article_id"`
	NormalizedURL       string     `db:"normalized_url" json:"normalized_url"`
	Source              string     `db:"source" json:"source"`
	Headline            string     `db:"headline" json:"headline"`
	Authors             string     `db:"authors" json:"authors"`
	PublishDate         *time.Time `db:"publish_date" json:"publish_date,omitempty"`
	PublishDateSource   string     `db:"publish_date_source" json:"publish_date_source"`
	DateDivergent       bool       `db:"date_divergent" json:"date_divergent"`
	FullText            string     `db:"full_text" json:"full_text"`
	WordCount           int        `db:"word_count" json:"word_count"`
	ContentHash         string     `db:"content_hash" json:"content_hash"`
	ArchiveURI          string     `db:"archive_uri" json:"archive_uri,omitempty"`
	ExtractionTimestamp time.Time  `db:"extraction_timestamp" json:"extraction_timestamp"`
}

// AuthorList splits the stored semicolon-joined authors.
func (r ArticleRow) AuthorList() []string {
	if r.Authors == "" {
		return nil
	}
	parts := strings.Split(r.Authors, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// JoinAuthors renders an author list into the stored form.
func JoinAuthors(authors []string) string {
	cleaned := make([]string, 0, len(authors))
	for _, a := range authors {
		if trimmed := strings.TrimSpace(a); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, ";")
}
