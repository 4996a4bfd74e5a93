package store

// Schema for the collector database. Article versions keep full field and
// evidence snapshots so any run can be rolled back without data loss.
const schema = `
CREATE TABLE IF NOT EXISTS articles (
    id             TEXT PRIMARY KEY,
    canonical_url  TEXT NOT NULL,
    source_id      TEXT NOT NULL,
    title          TEXT,
    author_hint    TEXT,
    published_at   TEXT,
    snippet        TEXT,
    content_hash   TEXT NOT NULL,
    version        INTEGER NOT NULL,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    UNIQUE (canonical_url, source_id)
);

CREATE TABLE IF NOT EXISTS evidence (
    id                        TEXT PRIMARY KEY,
    article_id                TEXT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    claim_path                TEXT NOT NULL,
    evidence_type             TEXT NOT NULL,
    source_url                TEXT NOT NULL,
    extraction_method         TEXT,
    extracted_text            TEXT NOT NULL,
    confidence                REAL NOT NULL,
    metadata                  TEXT,
    retrieved_at              TEXT NOT NULL,
    extractor_version         TEXT,
    input_ref                 TEXT,
    snippet_max_chars_applied INTEGER,
    created_at                TEXT NOT NULL,
    run_id                    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_article ON evidence(article_id);
CREATE INDEX IF NOT EXISTS idx_evidence_run ON evidence(run_id);

CREATE TABLE IF NOT EXISTS versions (
    id                TEXT PRIMARY KEY,
    article_id        TEXT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    version           INTEGER NOT NULL,
    title             TEXT,
    author_hint       TEXT,
    published_at      TEXT,
    snippet           TEXT,
    content_hash      TEXT NOT NULL,
    evidence_snapshot TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    run_id            TEXT NOT NULL,
    UNIQUE (article_id, version)
);
CREATE INDEX IF NOT EXISTS idx_versions_run ON versions(run_id);

CREATE TABLE IF NOT EXISTS authors (
    id             TEXT PRIMARY KEY,
    canonical_name TEXT NOT NULL,
    metadata       TEXT,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    id                TEXT PRIMARY KEY,
    source_id         TEXT NOT NULL,
    source_identifier TEXT NOT NULL,
    author_id         TEXT REFERENCES authors(id),
    created_at        TEXT NOT NULL,
    UNIQUE (source_id, source_identifier)
);

CREATE TABLE IF NOT EXISTS merge_decisions (
    id                TEXT PRIMARY KEY,
    from_author_id    TEXT NOT NULL REFERENCES authors(id),
    to_author_id      TEXT NOT NULL REFERENCES authors(id),
    evidence_ids      TEXT,
    decision_criteria TEXT,
    created_at        TEXT NOT NULL,
    created_by        TEXT,
    run_id            TEXT,
    reverted_at       TEXT,
    reverted_by       TEXT,
    reverted_reason   TEXT
);
CREATE INDEX IF NOT EXISTS idx_merge_run ON merge_decisions(run_id);

CREATE TABLE IF NOT EXISTS run_log (
    id                     TEXT PRIMARY KEY,
    source_id              TEXT,
    started_at             TEXT NOT NULL,
    ended_at               TEXT,
    status                 TEXT NOT NULL,
    error_message          TEXT,
    fetched_count          INTEGER NOT NULL DEFAULT 0,
    new_articles_count     INTEGER NOT NULL DEFAULT 0,
    updated_articles_count INTEGER NOT NULL DEFAULT 0,
    error_count            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fetch_log (
    id             TEXT PRIMARY KEY,
    url            TEXT NOT NULL,
    status_code    INTEGER,
    latency_ms     INTEGER NOT NULL DEFAULT 0,
    bytes_received INTEGER NOT NULL DEFAULT 0,
    error_code     TEXT,
    created_at     TEXT NOT NULL,
    run_id         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_run ON fetch_log(run_id);
`
