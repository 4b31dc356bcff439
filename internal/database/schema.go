package database

// AccountSchema bootstraps account.sqlite: accounts, sessions, app
// passwords, the sequencer's event log, the identity resolver's
// handle/DID caches, and the blob store's pending/permanent metadata.
const AccountSchema = `
-- accounts: one row per hosted account (§3 Account).
CREATE TABLE IF NOT EXISTS accounts (
    did         TEXT PRIMARY KEY,
    handle      TEXT UNIQUE NOT NULL,
    email       TEXT,
    pwd_hash    TEXT NOT NULL,
    signing_key TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'active',
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

-- app_passwords: scoped secondary credentials (§4.10).
CREATE TABLE IF NOT EXISTS app_passwords (
    did        TEXT NOT NULL REFERENCES accounts(did) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    hash       TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    PRIMARY KEY (did, name)
);

-- sessions: server-side session records backing issued JWTs (§4.10).
-- refresh tokens are one-shot: consuming a row deletes it and a new one
-- is inserted with a fresh id.
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    did           TEXT NOT NULL REFERENCES accounts(did) ON DELETE CASCADE,
    refresh_token TEXT UNIQUE NOT NULL,
    app_password  TEXT,
    expires_at    TEXT NOT NULL,
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_sessions_did ON sessions(did);

-- sequencer_events: durable, globally-ordered event log (§4.6).
-- seq is the sole total order; invalidated rows are redacted, not deleted
-- (§9 open question resolution).
CREATE TABLE IF NOT EXISTS sequencer_events (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    did          TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    payload      BLOB NOT NULL,
    invalidated  INTEGER NOT NULL DEFAULT 0,
    sequenced_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_sequencer_events_did ON sequencer_events(did);
CREATE INDEX IF NOT EXISTS idx_sequencer_events_invalidated ON sequencer_events(invalidated);

-- handle_cache / did_doc_cache: the identity resolver's TTL caches (§4.9).
CREATE TABLE IF NOT EXISTS handle_cache (
    handle     TEXT PRIMARY KEY,
    did        TEXT,       -- NULL means a cached NotFound (negative cache)
    expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS did_doc_cache (
    did        TEXT PRIMARY KEY,
    doc_json   TEXT,       -- NULL means a cached NotFound (negative cache)
    expires_at TEXT NOT NULL
);

-- reconcile_state: when the maintenance sweeper last finished a pass
-- (§4.5 failure semantics); internal/maintenance sets last_run_at at the
-- end of every sweep.
CREATE TABLE IF NOT EXISTS reconcile_state (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    last_run_at TEXT
);
INSERT OR IGNORE INTO reconcile_state (id, last_run_at) VALUES (1, NULL);

-- pending_blobs / permanent_blobs: metadata for the shared blob store (§3 Blob).
CREATE TABLE IF NOT EXISTS pending_blobs (
    cid        TEXT PRIMARY KEY,
    mime_type  TEXT NOT NULL,
    size       INTEGER NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE TABLE IF NOT EXISTS permanent_blobs (
    cid        TEXT PRIMARY KEY,
    mime_type  TEXT NOT NULL,
    size       INTEGER NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// ActorSchema bootstraps a per-actor store.sqlite: the repository HEAD
// and its content-addressed block table (§4.2, §3 Repository HEAD /
// Block).
const ActorSchema = `
-- repo_head: exactly one row once the repository is initialized (§3,
-- invariant 4 HEAD uniqueness).
CREATE TABLE IF NOT EXISTS repo_head (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    commit_cid TEXT NOT NULL,
    rev        TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

-- repo_blocks: CID-addressed MST nodes, records, and commit objects,
-- indexed additionally by the revision that introduced them (§4.2).
CREATE TABLE IF NOT EXISTS repo_blocks (
    cid      TEXT PRIMARY KEY,
    repo_rev TEXT NOT NULL,
    size     INTEGER NOT NULL,
    data     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_repo_blocks_rev ON repo_blocks(repo_rev);

-- pending_blobs: two-phase blob staging, promoted to permanent on
-- successful commit (§3 Blob, §4.5 Blob commitment).
CREATE TABLE IF NOT EXISTS pending_blobs (
    cid        TEXT PRIMARY KEY,
    mime_type  TEXT NOT NULL,
    size       INTEGER NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

-- permanent_blobs: blobs referenced by the current HEAD (§4.5 invariant 7).
CREATE TABLE IF NOT EXISTS permanent_blobs (
    cid         TEXT PRIMARY KEY,
    mime_type   TEXT NOT NULL,
    size        INTEGER NOT NULL,
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`
