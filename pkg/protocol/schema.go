package protocol

// SchemaDDL defines the SQLite schema for the streamd store.
// Tables: streams, commits.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Tracked units of work, one per worktree/branch. Never deleted, only archived.
CREATE TABLE IF NOT EXISTS streams (
    id TEXT PRIMARY KEY,
    stream_number INTEGER NOT NULL,
    title TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'initializing',
    category TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    worktree_path TEXT,
    branch TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);
CREATE INDEX IF NOT EXISTS idx_streams_worktree ON streams(worktree_path);

-- Ingested commits. (stream_id, commit_hash) is unique so re-ingestion is a no-op.
CREATE TABLE IF NOT EXISTS commits (
    id INTEGER PRIMARY KEY,
    stream_id TEXT NOT NULL REFERENCES streams(id),
    commit_hash TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    files_changed INTEGER NOT NULL DEFAULT 0,
    timestamp TEXT NOT NULL,
    UNIQUE(stream_id, commit_hash)
);

CREATE INDEX IF NOT EXISTS idx_commits_timestamp ON commits(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_commits_stream ON commits(stream_id, timestamp DESC);
`

// MigrateStreamCategory adds the category column to stores created before
// streams carried one.
const MigrateStreamCategory = `
ALTER TABLE streams ADD COLUMN category TEXT NOT NULL DEFAULT '';
`
