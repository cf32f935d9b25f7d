// Package eventlog implements the reload-cycle journal. Entries are written
// asynchronously to a SQLite database, one row per reload cycle.
package eventlog

// CreateDDL defines the journal schema.
const CreateDDL = `
CREATE TABLE IF NOT EXISTS reload_events (
	id           TEXT PRIMARY KEY,
	ts_ns        INTEGER NOT NULL,
	reasons      TEXT NOT NULL DEFAULT '',
	file_count   INTEGER NOT NULL DEFAULT 0,
	files        TEXT NOT NULL DEFAULT '',
	duration_ns  INTEGER NOT NULL DEFAULT 0,
	ok           INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_reload_events_ts_ns ON reload_events(ts_ns);
`
