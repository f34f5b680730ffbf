package history

const schema = `
CREATE TABLE IF NOT EXISTS capture_runs (
	id          TEXT PRIMARY KEY,
	target_id   TEXT NOT NULL,
	url         TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	success     INTEGER NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	stage       TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_capture_runs_target ON capture_runs(target_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_capture_runs_started ON capture_runs(started_at);
`
