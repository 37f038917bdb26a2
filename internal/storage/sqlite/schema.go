package sqlite

// Timestamps are unix nanoseconds in UTC.
const schema = `
CREATE TABLE IF NOT EXISTS communication_types (
    type_code     TEXT PRIMARY KEY,
    display_name  TEXT    NOT NULL,
    description   TEXT    NOT NULL DEFAULT '',
    is_active     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS communication_type_statuses (
    type_code     TEXT    NOT NULL REFERENCES communication_types (type_code) ON DELETE CASCADE,
    status_code   TEXT    NOT NULL,
    description   TEXT    NOT NULL DEFAULT '',
    display_order INTEGER NOT NULL,
    PRIMARY KEY (type_code, status_code)
);

CREATE TABLE IF NOT EXISTS communications (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    title            TEXT    NOT NULL,
    type_code        TEXT    NOT NULL,
    current_status   TEXT    NOT NULL,
    created_utc      INTEGER NOT NULL,
    last_updated_utc INTEGER NOT NULL,
    description      TEXT    NOT NULL DEFAULT '',
    source_file_url  TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS ix_communications_type_code ON communications (type_code);
CREATE INDEX IF NOT EXISTS ix_communications_current_status ON communications (current_status);
CREATE INDEX IF NOT EXISTS ix_communications_last_updated ON communications (last_updated_utc);

CREATE TABLE IF NOT EXISTS communication_status_history (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    communication_id INTEGER NOT NULL REFERENCES communications (id) ON DELETE CASCADE,
    status_code      TEXT    NOT NULL,
    occurred_utc     INTEGER NOT NULL,
    notes            TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS ix_status_history_communication ON communication_status_history (communication_id);

CREATE TABLE IF NOT EXISTS communication_outbox (
    outbox_id        TEXT    PRIMARY KEY,
    communication_id INTEGER NOT NULL,
    event_type       TEXT    NOT NULL,
    payload          TEXT    NOT NULL,
    created_at       INTEGER NOT NULL,
    seq              INTEGER NOT NULL,
    published_at     INTEGER,
    retry_count      INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT    NOT NULL DEFAULT '',
    last_error_at    INTEGER
);

CREATE INDEX IF NOT EXISTS ix_outbox_pending ON communication_outbox (published_at, seq);
`
