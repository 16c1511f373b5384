package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// pgxPool is the slice of pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool through the same interface.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres implements Store on a server-side database, for deployments
// where several harvester processes share one corpus.
type Postgres struct {
	pool  pgxPool
	clock harvest.Clock
}

// NewPostgres connects, verifies the connection, and runs migrations.
func NewPostgres(ctx context.Context, dsn string, clk harvest.Clock) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool, clock: clk}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func newPostgresWithPool(pool pgxPool, clk harvest.Clock) *Postgres {
	return &Postgres{pool: pool, clock: clk}
}

func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping verifies the pool is usable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Seed bulk-inserts pending rows, skipping already-seeded URLs.
func (p *Postgres) Seed(ctx context.Context, recs []harvest.SeedRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
INSERT INTO urls (normalized_url, source, status, attempt_count, gdelt_publish_date, gdelt_themes, gdelt_tone, created_at)
VALUES ($1, $2, 'pending', 0, $3, $4, $5, $6)
ON CONFLICT (normalized_url) DO NOTHING`

	now := p.clock.Now()
	var inserted int64
	for _, rec := range recs {
		tag, err := tx.Exec(ctx, q,
			rec.NormalizedURL, rec.Source, rec.GdeltPublishDate, rec.GdeltThemes, rec.GdeltTone, now)
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", rec.NormalizedURL, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit seed tx: %w", err)
	}
	return inserted, nil
}

// ResetInFlight returns crashed processing rows to pending.
func (p *Postgres) ResetInFlight(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE urls SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight: %w", err)
	}
	return tag.RowsAffected(), nil
}

const postgresClaimSQL = `
UPDATE urls SET status = 'processing'
WHERE normalized_url IN (
    SELECT normalized_url FROM urls WHERE status = 'pending'
    ORDER BY created_at, normalized_url
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING normalized_url, source, status, attempt_count, last_attempt_at,
          error_message, extractor_used, block_reason,
          gdelt_publish_date, gdelt_themes, gdelt_tone, created_at`

// ClaimNext flips up to limit pending rows to processing. SKIP LOCKED lets
// concurrent harvester processes claim disjoint batches.
func (p *Postgres) ClaimNext(ctx context.Context, limit int) ([]harvest.URLRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, postgresClaimSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	defer rows.Close()
	return scanURLRecords(rows)
}

func scanURLRecords(rows pgx.Rows) ([]harvest.URLRecord, error) {
	var recs []harvest.URLRecord
	for rows.Next() {
		var rec harvest.URLRecord
		if err := rows.Scan(
			&rec.NormalizedURL, &rec.Source, &rec.Status, &rec.AttemptCount, &rec.LastAttemptAt,
			&rec.ErrorMessage, &rec.ExtractorUsed, &rec.BlockReason,
			&rec.GdeltPublishDate, &rec.GdeltThemes, &rec.GdeltTone, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan url row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate url rows: %w", err)
	}
	return recs, nil
}

// Apply executes one batch of mutations inside a single transaction.
func (p *Postgres) Apply(ctx context.Context, muts []Mutation) ([]Result, error) {
	results := make([]Result, len(muts))
	if len(muts) == 0 {
		return results, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, m := range muts {
		switch m.Kind {
		case MutRecordSuccess:
			status, err := p.applySuccess(ctx, tx, m)
			if err != nil {
				return nil, err
			}
			results[i] = Result{Status: status}
		case MutRecordFailure:
			if err := p.applyFailure(ctx, tx, m); err != nil {
				return nil, err
			}
			results[i] = Result{Status: m.Failure.Status}
		case MutProxyUpsert:
			if err := p.applyProxyUpsert(ctx, tx, m.Proxies); err != nil {
				return nil, err
			}
		case MutProxyOutcome:
			if err := p.applyProxyOutcome(ctx, tx, m.Proxy); err != nil {
				return nil, err
			}
		case MutProxyRetire:
			if _, err := tx.Exec(ctx, `UPDATE proxies SET is_active = FALSE WHERE proxy_id = $1`, m.ProxyID); err != nil {
				return nil, fmt.Errorf("retire proxy %d: %w", m.ProxyID, err)
			}
		default:
			return nil, fmt.Errorf("unknown mutation kind %d", m.Kind)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch tx: %w", err)
	}
	return results, nil
}

func (p *Postgres) applySuccess(ctx context.Context, tx pgx.Tx, m Mutation) (harvest.Status, error) {
	a := m.Article

	var byURL int
	if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM articles WHERE normalized_url = $1`, a.NormalizedURL).Scan(&byURL); err != nil {
		return "", fmt.Errorf("check existing article: %w", err)
	}
	if byURL > 0 {
		return harvest.StatusSuccess, p.finishURL(ctx, tx, a.NormalizedURL, harvest.StatusSuccess, m)
	}

	var byHash int
	if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM articles WHERE content_hash = $1`, a.ContentHash).Scan(&byHash); err != nil {
		return "", fmt.Errorf("check content hash: %w", err)
	}
	if byHash > 0 {
		return harvest.StatusDuplicate, p.finishURL(ctx, tx, a.NormalizedURL, harvest.StatusDuplicate, m)
	}

	const insert = `
INSERT INTO articles (normalized_url, source, headline, authors, publish_date, publish_date_source,
                      date_divergent, full_text, word_count, content_hash, archive_uri, extraction_timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	extractedAt := a.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = m.At
	}
	if _, err := tx.Exec(ctx, insert,
		a.NormalizedURL, a.Source, a.Headline, JoinAuthors(a.Authors),
		a.PublishDate, string(a.PublishDateSource), a.DateDivergent,
		a.FullText, a.WordCount, a.ContentHash, a.ArchiveURI, extractedAt,
	); err != nil {
		return "", fmt.Errorf("insert article %s: %w", a.NormalizedURL, err)
	}
	return harvest.StatusSuccess, p.finishURL(ctx, tx, a.NormalizedURL, harvest.StatusSuccess, m)
}

func (p *Postgres) finishURL(ctx context.Context, tx pgx.Tx, url string, status harvest.Status, m Mutation) error {
	const q = `
UPDATE urls SET status = $1, extractor_used = $2, last_attempt_at = $3, error_message = '', block_reason = ''
WHERE normalized_url = $4`
	if _, err := tx.Exec(ctx, q, status, m.Extractor, m.At, url); err != nil {
		return fmt.Errorf("finish url %s: %w", url, err)
	}
	return nil
}

func (p *Postgres) applyFailure(ctx context.Context, tx pgx.Tx, m Mutation) error {
	f := m.Failure
	const q = `
UPDATE urls SET status = $1, error_message = $2, block_reason = $3, extractor_used = $4,
                attempt_count = attempt_count + 1, last_attempt_at = $5
WHERE normalized_url = $6`
	if _, err := tx.Exec(ctx, q,
		f.Status, f.ErrorMessage, f.BlockReason, f.ExtractorUsed, m.At, m.URL); err != nil {
		return fmt.Errorf("record failure %s: %w", m.URL, err)
	}
	return nil
}

func (p *Postgres) applyProxyUpsert(ctx context.Context, tx pgx.Tx, proxies []harvest.Proxy) error {
	const q = `
INSERT INTO proxies (host, port, protocol, last_validated_at, success_count, consecutive_failure_count, is_active)
VALUES ($1, $2, $3, $4, 0, 0, TRUE)
ON CONFLICT (host, port) DO UPDATE SET
    protocol = EXCLUDED.protocol,
    last_validated_at = EXCLUDED.last_validated_at,
    consecutive_failure_count = 0,
    is_active = TRUE`
	for _, px := range proxies {
		if _, err := tx.Exec(ctx, q, px.Host, px.Port, px.Protocol, px.LastValidatedAt); err != nil {
			return fmt.Errorf("upsert proxy %s: %w", px.Addr(), err)
		}
	}
	return nil
}

func (p *Postgres) applyProxyOutcome(ctx context.Context, tx pgx.Tx, o *ProxyOutcome) error {
	var q string
	if o.Success {
		q = `UPDATE proxies SET success_count = success_count + 1, consecutive_failure_count = 0 WHERE proxy_id = $1`
	} else {
		q = `UPDATE proxies SET consecutive_failure_count = consecutive_failure_count + 1 WHERE proxy_id = $1`
	}
	if _, err := tx.Exec(ctx, q, o.ProxyID); err != nil {
		return fmt.Errorf("record proxy outcome %d: %w", o.ProxyID, err)
	}
	return nil
}

// GetURL fetches one url row by its normalized key.
func (p *Postgres) GetURL(ctx context.Context, normalizedURL string) (harvest.URLRecord, error) {
	const q = `
SELECT normalized_url, source, status, attempt_count, last_attempt_at, error_message,
       extractor_used, block_reason, gdelt_publish_date, gdelt_themes, gdelt_tone, created_at
FROM urls WHERE normalized_url = $1`
	var rec harvest.URLRecord
	err := p.pool.QueryRow(ctx, q, normalizedURL).Scan(
		&rec.NormalizedURL, &rec.Source, &rec.Status, &rec.AttemptCount, &rec.LastAttemptAt,
		&rec.ErrorMessage, &rec.ExtractorUsed, &rec.BlockReason,
		&rec.GdeltPublishDate, &rec.GdeltThemes, &rec.GdeltTone, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.URLRecord{}, ErrNotFound
		}
		return harvest.URLRecord{}, fmt.Errorf("get url %s: %w", normalizedURL, err)
	}
	return rec, nil
}

// GetArticle fetches the article row owned by a url, if any.
func (p *Postgres) GetArticle(ctx context.Context, normalizedURL string) (ArticleRow, error) {
	const q = `
SELECT article_id, normalized_url, source, headline, authors, publish_date, publish_date_source,
       date_divergent, full_text, word_count, content_hash, archive_uri, extraction_timestamp
FROM articles WHERE normalized_url = $1`
	var row ArticleRow
	err := p.pool.QueryRow(ctx, q, normalizedURL).Scan(
		&row.ArticleID, &row.NormalizedURL, &row.Source, &row.Headline, &row.Authors,
		&row.PublishDate, &row.PublishDateSource, &row.DateDivergent,
		&row.FullText, &row.WordCount, &row.ContentHash, &row.ArchiveURI, &row.ExtractionTimestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ArticleRow{}, ErrNotFound
		}
		return ArticleRow{}, fmt.Errorf("get article %s: %w", normalizedURL, err)
	}
	return row, nil
}

// CountByStatus counts url rows in one status.
func (p *Postgres) CountByStatus(ctx context.Context, status harvest.Status) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM urls WHERE status = $1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count status %s: %w", status, err)
	}
	return n, nil
}

// Metrics builds the completion summary: counts per (source, status),
// success rate, and the publish-date range of the successful set.
func (p *Postgres) Metrics(ctx context.Context) (harvest.RunSummary, error) {
	var summary harvest.RunSummary

	rows, err := p.pool.Query(ctx, `
SELECT source, status, COUNT(*) AS count
FROM urls GROUP BY source, status ORDER BY source, status`)
	if err != nil {
		return summary, fmt.Errorf("grouped counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c harvest.StatusCount
		if err := rows.Scan(&c.Source, &c.Status, &c.Count); err != nil {
			return summary, fmt.Errorf("scan grouped count: %w", err)
		}
		summary.Counts = append(summary.Counts, c)
		summary.TotalURLs += c.Count
		if c.Status == harvest.StatusSuccess {
			summary.Successes += c.Count
		}
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("iterate grouped counts: %w", err)
	}
	if summary.TotalURLs > 0 {
		summary.SuccessRate = float64(summary.Successes) / float64(summary.TotalURLs)
	}

	var earliest, latest *time.Time
	err = p.pool.QueryRow(ctx, `
SELECT MIN(publish_date), MAX(publish_date) FROM articles WHERE publish_date IS NOT NULL`).Scan(&earliest, &latest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return summary, fmt.Errorf("publish bounds: %w", err)
	}
	summary.EarliestPublish = earliest
	summary.LatestPublish = latest
	return summary, nil
}

// ActiveProxies lists the active proxy set, least recently validated first.
func (p *Postgres) ActiveProxies(ctx context.Context) ([]harvest.Proxy, error) {
	rows, err := p.pool.Query(ctx, `
SELECT proxy_id, host, port, protocol, last_validated_at, success_count, consecutive_failure_count, is_active
FROM proxies WHERE is_active = TRUE ORDER BY last_validated_at`)
	if err != nil {
		return nil, fmt.Errorf("list active proxies: %w", err)
	}
	defer rows.Close()

	var proxies []harvest.Proxy
	for rows.Next() {
		var px harvest.Proxy
		if err := rows.Scan(
			&px.ID, &px.Host, &px.Port, &px.Protocol, &px.LastValidatedAt,
			&px.SuccessCount, &px.ConsecutiveFailures, &px.Active,
		); err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		proxies = append(proxies, px)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxy rows: %w", err)
	}
	return proxies, nil
}
