package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// SQLite implements Store on an embedded sqlite database. It holds two
// handles: a single-connection write handle used only by the writer
// goroutine, and a pooled read handle. WAL journaling keeps readers
// non-blocking against the writer.
type SQLite struct {
	writeDB *sqlx.DB
	readDB  *sqlx.DB
	clock   harvest.Clock
}

// OpenSQLite opens (creating if needed) the database at path and runs
// migrations. The busy timeout is applied per connection and floored at
// the 5 s contract minimum. Path must be a filesystem path, not :memory:,
// since the two handles must see the same database.
func OpenSQLite(path string, busyTimeoutMs int, clk harvest.Clock) (*SQLite, error) {
	if busyTimeoutMs < 5000 {
		busyTimeoutMs = 5000
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, busyTimeoutMs,
	)

	writeDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	writeDB.SetMaxOpenConns(1)

	if _, err := writeDB.Exec(sqliteSchema); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	readDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("open sqlite reader %s: %w", path, err)
	}

	return &SQLite{writeDB: writeDB, readDB: readDB, clock: clk}, nil
}

// Close releases both database handles.
func (s *SQLite) Close() error {
	return errors.Join(s.writeDB.Close(), s.readDB.Close())
}

// Ping verifies the read handle is usable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.readDB.PingContext(ctx)
}

// Seed bulk-inserts pending rows, skipping already-seeded URLs.
func (s *SQLite) Seed(ctx context.Context, recs []harvest.SeedRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.writeDB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO urls (normalized_url, source, status, attempt_count, gdelt_publish_date, gdelt_themes, gdelt_tone, created_at)
VALUES (?, ?, 'pending', 0, ?, ?, ?, ?)
ON CONFLICT(normalized_url) DO NOTHING`

	now := s.clock.Now()
	var inserted int64
	for _, rec := range recs {
		res, err := tx.ExecContext(ctx, q,
			rec.NormalizedURL, rec.Source, rec.GdeltPublishDate, rec.GdeltThemes, rec.GdeltTone, now)
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", rec.NormalizedURL, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("seed rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed tx: %w", err)
	}
	return inserted, nil
}

// ResetInFlight returns crashed processing rows to pending.
func (s *SQLite) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.writeDB.ExecContext(ctx, `UPDATE urls SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rows affected: %w", err)
	}
	return n, nil
}

const sqliteClaimSQL = `
UPDATE urls SET status = 'processing'
WHERE normalized_url IN (
    SELECT normalized_url FROM urls WHERE status = 'pending'
    ORDER BY created_at, normalized_url
    LIMIT ?
)
RETURNING normalized_url, source, status, attempt_count, last_attempt_at,
          error_message, extractor_used, block_reason,
          gdelt_publish_date, gdelt_themes, gdelt_tone, created_at`

// ClaimNext flips up to limit pending rows to processing in one statement.
// UPDATE ... RETURNING keeps the read-modify-write atomic.
func (s *SQLite) ClaimNext(ctx context.Context, limit int) ([]harvest.URLRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []harvest.URLRecord
	if err := s.writeDB.SelectContext(ctx, &rows, sqliteClaimSQL, limit); err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return rows, nil
}

// Apply executes one batch of mutations inside a single transaction.
func (s *SQLite) Apply(ctx context.Context, muts []Mutation) ([]Result, error) {
	results := make([]Result, len(muts))
	if len(muts) == 0 {
		return results, nil
	}
	tx, err := s.writeDB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range muts {
		switch m.Kind {
		case MutRecordSuccess:
			status, err := s.applySuccess(ctx, tx, m)
			if err != nil {
				return nil, err
			}
			results[i] = Result{Status: status}
		case MutRecordFailure:
			if err := s.applyFailure(ctx, tx, m); err != nil {
				return nil, err
			}
			results[i] = Result{Status: m.Failure.Status}
		case MutProxyUpsert:
			if err := s.applyProxyUpsert(ctx, tx, m.Proxies); err != nil {
				return nil, err
			}
		case MutProxyOutcome:
			if err := s.applyProxyOutcome(ctx, tx, m.Proxy); err != nil {
				return nil, err
			}
		case MutProxyRetire:
			if _, err := tx.ExecContext(ctx, `UPDATE proxies SET is_active = 0 WHERE proxy_id = ?`, m.ProxyID); err != nil {
				return nil, fmt.Errorf("retire proxy %d: %w", m.ProxyID, err)
			}
		default:
			return nil, fmt.Errorf("unknown mutation kind %d", m.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch tx: %w", err)
	}
	return results, nil
}

func (s *SQLite) applySuccess(ctx context.Context, tx *sqlx.Tx, m Mutation) (harvest.Status, error) {
	a := m.Article

	// Crash replay: the article may already be durable from a previous
	// attempt. Re-assert the url row and report success again.
	var byURL int
	if err := tx.GetContext(ctx, &byURL, `SELECT COUNT(1) FROM articles WHERE normalized_url = ?`, a.NormalizedURL); err != nil {
		return "", fmt.Errorf("check existing article: %w", err)
	}
	if byURL > 0 {
		return harvest.StatusSuccess, s.finishURL(ctx, tx, a.NormalizedURL, harvest.StatusSuccess, m)
	}

	var byHash int
	if err := tx.GetContext(ctx, &byHash, `SELECT COUNT(1) FROM articles WHERE content_hash = ?`, a.ContentHash); err != nil {
		return "", fmt.Errorf("check content hash: %w", err)
	}
	if byHash > 0 {
		return harvest.StatusDuplicate, s.finishURL(ctx, tx, a.NormalizedURL, harvest.StatusDuplicate, m)
	}

	const insert = `
INSERT INTO articles (normalized_url, source, headline, authors, publish_date, publish_date_source,
                      date_divergent, full_text, word_count, content_hash, archive_uri, extraction_timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	extractedAt := a.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = m.At
	}
	if _, err := tx.ExecContext(ctx, insert,
		a.NormalizedURL, a.Source, a.Headline, JoinAuthors(a.Authors),
		a.PublishDate, string(a.PublishDateSource), a.DateDivergent,
		a.FullText, a.WordCount, a.ContentHash, a.ArchiveURI, extractedAt,
	); err != nil {
		return "", fmt.Errorf("insert article %s: %w", a.NormalizedURL, err)
	}
	return harvest.StatusSuccess, s.finishURL(ctx, tx, a.NormalizedURL, harvest.StatusSuccess, m)
}

func (s *SQLite) finishURL(ctx context.Context, tx *sqlx.Tx, url string, status harvest.Status, m Mutation) error {
	const q = `
UPDATE urls SET status = ?, extractor_used = ?, last_attempt_at = ?, error_message = '', block_reason = ''
WHERE normalized_url = ?`
	if _, err := tx.ExecContext(ctx, q, status, m.Extractor, m.At, url); err != nil {
		return fmt.Errorf("finish url %s: %w", url, err)
	}
	return nil
}

func (s *SQLite) applyFailure(ctx context.Context, tx *sqlx.Tx, m Mutation) error {
	f := m.Failure
	const q = `
UPDATE urls SET status = ?, error_message = ?, block_reason = ?, extractor_used = ?,
                attempt_count = attempt_count + 1, last_attempt_at = ?
WHERE normalized_url = ?`
	if _, err := tx.ExecContext(ctx, q,
		f.Status, f.ErrorMessage, f.BlockReason, f.ExtractorUsed, m.At, m.URL); err != nil {
		return fmt.Errorf("record failure %s: %w", m.URL, err)
	}
	return nil
}

func (s *SQLite) applyProxyUpsert(ctx context.Context, tx *sqlx.Tx, proxies []harvest.Proxy) error {
	const q = `
INSERT INTO proxies (host, port, protocol, last_validated_at, success_count, consecutive_failure_count, is_active)
VALUES (?, ?, ?, ?, 0, 0, 1)
ON CONFLICT(host, port) DO UPDATE SET
    protocol = excluded.protocol,
    last_validated_at = excluded.last_validated_at,
    consecutive_failure_count = 0,
    is_active = 1`
	for _, p := range proxies {
		if _, err := tx.ExecContext(ctx, q, p.Host, p.Port, p.Protocol, p.LastValidatedAt); err != nil {
			return fmt.Errorf("upsert proxy %s: %w", p.Addr(), err)
		}
	}
	return nil
}

func (s *SQLite) applyProxyOutcome(ctx context.Context, tx *sqlx.Tx, o *ProxyOutcome) error {
	var q string
	if o.Success {
		q = `UPDATE proxies SET success_count = success_count + 1, consecutive_failure_count = 0 WHERE proxy_id = ?`
	} else {
		q = `UPDATE proxies SET consecutive_failure_count = consecutive_failure_count + 1 WHERE proxy_id = ?`
	}
	if _, err := tx.ExecContext(ctx, q, o.ProxyID); err != nil {
		return fmt.Errorf("record proxy outcome %d: %w", o.ProxyID, err)
	}
	return nil
}

// GetURL fetches one url row by its normalized key.
func (s *SQLite) GetURL(ctx context.Context, normalizedURL string) (harvest.URLRecord, error) {
	var rec harvest.URLRecord
	const q = `
SELECT normalized_url, source, status, attempt_count, last_attempt_at, error_message,
       extractor_used, block_reason, gdelt_publish_date, gdelt_themes, gdelt_tone, created_at
FROM urls WHERE normalized_url = ?`
	if err := s.readDB.GetContext(ctx, &rec, q, normalizedURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.URLRecord{}, ErrNotFound
		}
		return harvest.URLRecord{}, fmt.Errorf("get url %s: %w", normalizedURL, err)
	}
	return rec, nil
}

// GetArticle fetches the article row owned by a url, if any.
func (s *SQLite) GetArticle(ctx context.Context, normalizedURL string) (ArticleRow, error) {
	var row ArticleRow
	const q = `
SELECT article_id, normalized_url, source, headline, authors, publish_date, publish_date_source,
       date_divergent, full_text, word_count, content_hash, archive_uri, extraction_timestamp
FROM articles WHERE normalized_url = ?`
	if err := s.readDB.GetContext(ctx, &row, q, normalizedURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ArticleRow{}, ErrNotFound
		}
		return ArticleRow{}, fmt.Errorf("get article %s: %w", normalizedURL, err)
	}
	return row, nil
}

// CountByStatus counts url rows in one status.
func (s *SQLite) CountByStatus(ctx context.Context, status harvest.Status) (int64, error) {
	var n int64
	if err := s.readDB.GetContext(ctx, &n, `SELECT COUNT(*) FROM urls WHERE status = ?`, status); err != nil {
		return 0, fmt.Errorf("count status %s: %w", status, err)
	}
	return n, nil
}

// Metrics builds the completion summary: counts per (source, status),
// success rate, and the publish-date range of the successful set.
func (s *SQLite) Metrics(ctx context.Context) (harvest.RunSummary, error) {
	var summary harvest.RunSummary

	const grouped = `
SELECT source, status, COUNT(*) AS count
FROM urls GROUP BY source, status ORDER BY source, status`
	if err := s.readDB.SelectContext(ctx, &summary.Counts, grouped); err != nil {
		return summary, fmt.Errorf("grouped counts: %w", err)
	}
	for _, c := range summary.Counts {
		summary.TotalURLs += c.Count
		if c.Status == harvest.StatusSuccess {
			summary.Successes += c.Count
		}
	}
	if summary.TotalURLs > 0 {
		summary.SuccessRate = float64(summary.Successes) / float64(summary.TotalURLs)
	}

	earliest, err := s.publishBound(ctx, "ASC")
	if err != nil {
		return summary, err
	}
	latest, err := s.publishBound(ctx, "DESC")
	if err != nil {
		return summary, err
	}
	summary.EarliestPublish = earliest
	summary.LatestPublish = latest
	return summary, nil
}

func (s *SQLite) publishBound(ctx context.Context, dir string) (*time.Time, error) {
	q := `SELECT publish_date FROM articles WHERE publish_date IS NOT NULL ORDER BY publish_date ` + dir + ` LIMIT 1`
	var bound time.Time
	if err := s.readDB.GetContext(ctx, &bound, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("publish bound: %w", err)
	}
	return &bound, nil
}

// ActiveProxies lists the active proxy set, least recently validated first.
func (s *SQLite) ActiveProxies(ctx context.Context) ([]harvest.Proxy, error) {
	var proxies []harvest.Proxy
	const q = `
SELECT proxy_id, host, port, protocol, last_validated_at, success_count, consecutive_failure_count, is_active
FROM proxies WHERE is_active = 1 ORDER BY last_validated_at`
	if err := s.readDB.SelectContext(ctx, &proxies, q); err != nil {
		return nil, fmt.Errorf("list active proxies: %w", err)
	}
	return proxies, nil
}
