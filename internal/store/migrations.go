package store

// Schema shared by both backends in spirit; dialect differences (serial
// ids, timestamp types, boolean literals) keep them as separate consts.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS urls (
    normalized_url     TEXT PRIMARY KEY,
    source             TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending',
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    last_attempt_at    DATETIME,
    error_message      TEXT NOT NULL DEFAULT '',
    extractor_used     TEXT NOT NULL DEFAULT '',
    block_reason       TEXT NOT NULL DEFAULT '',
    gdelt_publish_date TEXT NOT NULL DEFAULT '',
    gdelt_themes       TEXT NOT NULL DEFAULT '',
    gdelt_tone         TEXT NOT NULL DEFAULT '',
    created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_urls_status ON urls(status);
CREATE INDEX IF NOT EXISTS idx_urls_source_status ON urls(source, status);

CREATE TABLE IF NOT EXISTS articles (
    article_id           INTEGER PRIMARY KEY AUTOINCREMENT,
    normalized_url       TEXT NOT NULL UNIQUE REFERENCES urls(normalized_url),
    source               TEXT NOT NULL,
    headline             TEXT NOT NULL DEFAULT '',
    authors              TEXT NOT NULL DEFAULT '',
    publish_date         DATETIME,
    publish_date_source  TEXT NOT NULL DEFAULT '',
    date_divergent       BOOLEAN NOT NULL DEFAULT 0,
    full_text            TEXT NOT NULL,
    word_count           INTEGER NOT NULL DEFAULT 0,
    content_hash         TEXT NOT NULL UNIQUE,
    archive_uri          TEXT NOT NULL DEFAULT '',
    extraction_timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_articles_source ON articles(source);
CREATE INDEX IF NOT EXISTS idx_articles_publish_date ON articles(publish_date);

CREATE TABLE IF NOT EXISTS proxies (
    proxy_id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    host                      TEXT NOT NULL,
    port                      INTEGER NOT NULL,
    protocol                  TEXT NOT NULL DEFAULT 'http',
    last_validated_at         DATETIME,
    success_count             INTEGER NOT NULL DEFAULT 0,
    consecutive_failure_count INTEGER NOT NULL DEFAULT 0,
    is_active                 BOOLEAN NOT NULL DEFAULT 1,
    UNIQUE(host, port)
);

CREATE INDEX IF NOT EXISTS idx_proxies_active ON proxies(is_active);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS urls (
    normalized_url     TEXT PRIMARY KEY,
    source             TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending',
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    last_attempt_at    TIMESTAMPTZ,
    error_message      TEXT NOT NULL DEFAULT '',
    extractor_used     TEXT NOT NULL DEFAULT '',
    block_reason       TEXT NOT NULL DEFAULT '',
    gdelt_publish_date TEXT NOT NULL DEFAULT '',
    gdelt_themes       TEXT NOT NULL DEFAULT '',
    gdelt_tone         TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_urls_status ON urls(status);
CREATE INDEX IF NOT EXISTS idx_urls_source_status ON urls(source, status);

CREATE TABLE IF NOT EXISTS articles (
    article_id           BIGSERIAL PRIMARY KEY,
    normalized_url       TEXT NOT NULL UNIQUE REFERENCES urls(normalized_url),
    source               TEXT NOT NULL,
    headline             TEXT NOT NULL DEFAULT '',
    authors              TEXT NOT NULL DEFAULT '',
    publish_date         TIMESTAMPTZ,
    publish_date_source  TEXT NOT NULL DEFAULT '',
    date_divergent       BOOLEAN NOT NULL DEFAULT FALSE,
    full_text            TEXT NOT NULL,
    word_count           INTEGER NOT NULL DEFAULT 0,
    content_hash         TEXT NOT NULL UNIQUE,
    archive_uri          TEXT NOT NULL DEFAULT '',
    extraction_timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_articles_source ON articles(source);
CREATE INDEX IF NOT EXISTS idx_articles_publish_date ON articles(publish_date);

CREATE TABLE IF NOT EXISTS proxies (
    proxy_id                  BIGSERIAL PRIMARY KEY,
    host                      TEXT NOT NULL,
    port                      INTEGER NOT NULL,
    protocol                  TEXT NOT NULL DEFAULT 'http',
    last_validated_at         TIMESTAMPTZ,
    success_count             INTEGER NOT NULL DEFAULT 0,
    consecutive_failure_count INTEGER NOT NULL DEFAULT 0,
    is_active                 BOOLEAN NOT NULL DEFAULT TRUE,
    UNIQUE(host, port)
);

CREATE INDEX IF NOT EXISTS idx_proxies_active ON proxies(is_active);
`
