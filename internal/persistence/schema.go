package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		pipeline_id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		status INTEGER NOT NULL,
		plan TEXT,
		revisions INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		error_kind TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reports_started_at ON reports(started_at);

	CREATE TABLE IF NOT EXISTS report_outputs (
		pipeline_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (pipeline_id, step_id),
		FOREIGN KEY (pipeline_id) REFERENCES reports(pipeline_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS report_verdicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		decision INTEGER NOT NULL,
		feedback TEXT,
		FOREIGN KEY (pipeline_id) REFERENCES reports(pipeline_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_report_verdicts_pipeline ON report_verdicts(pipeline_id, id);

	CREATE TABLE IF NOT EXISTS report_attempt_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_id TEXT NOT NULL,
		message TEXT NOT NULL,
		FOREIGN KEY (pipeline_id) REFERENCES reports(pipeline_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_report_attempt_errors_pipeline ON report_attempt_errors(pipeline_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
