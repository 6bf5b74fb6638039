package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_sync_state (
	account_id            TEXT NOT NULL,
	folder_id             TEXT NOT NULL,
	page_cursor           TEXT NOT NULL DEFAULT '',
	last_synced_at        DATETIME,
	backfill_horizon_days INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL DEFAULT 'idle'
		CHECK(status IN ('idle', 'syncing', 'complete', 'error')),
	error_reason          TEXT NOT NULL DEFAULT '',
	auth_error            INTEGER NOT NULL DEFAULT 0 CHECK(auth_error IN (0, 1)),
	PRIMARY KEY (account_id, folder_id)
);

CREATE TABLE IF NOT EXISTS folders (
	account_id TEXT NOT NULL,
	folder_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, folder_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL DEFAULT '',
	recipient  TEXT NOT NULL DEFAULT '',
	date       DATETIME NOT NULL,
	flags      TEXT NOT NULL DEFAULT '',
	has_body   INTEGER NOT NULL DEFAULT 0 CHECK(has_body IN (0, 1)),
	fetched_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_messages (
	account_id TEXT NOT NULL,
	folder_id  TEXT NOT NULL,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	PRIMARY KEY (account_id, folder_id, message_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	account_id TEXT NOT NULL,
	filename   TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0 CHECK(downloaded IN (0, 1))
);

CREATE TABLE IF NOT EXISTS pending_actions (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	target_id       TEXT NOT NULL,
	action_type     TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'uploading', 'failed', 'dead_lettered')),
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	last_attempt_at DATETIME,
	next_attempt_at DATETIME,
	last_error      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cache_entries (
	content_id       TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	last_accessed_at DATETIME NOT NULL,
	pinned           INTEGER NOT NULL DEFAULT 0 CHECK(pinned IN (0, 1))
);

CREATE TABLE IF NOT EXISTS blobs (
	content_id TEXT PRIMARY KEY,
	data       BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_account_body ON messages(account_id, has_body);
CREATE INDEX IF NOT EXISTS idx_folder_messages_message ON folder_messages(message_id);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_attachments_account_dl ON attachments(account_id, downloaded);
CREATE INDEX IF NOT EXISTS idx_actions_status ON pending_actions(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_actions_account ON pending_actions(account_id);
CREATE INDEX IF NOT EXISTS idx_cache_lru ON cache_entries(pinned, last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_cache_account ON cache_entries(account_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_account_date
	ON messages(account_id, date);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
