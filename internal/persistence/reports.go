package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/agentcore/internal/agent"
	"github.com/aristath/agentcore/internal/orchestrator"
)

// SaveReport saves or replaces a report with its outputs, verdicts and
// attempt errors.
func (s *SQLiteStore) SaveReport(ctx context.Context, r orchestrator.Report) error {
	if r.PipelineID == "" {
		return errors.New("report has no pipeline id")
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var plan []byte
	if r.Plan != nil {
		if plan, err = json.Marshal(r.Plan); err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (pipeline_id, goal, status, plan, revisions, error, error_kind, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			plan = excluded.plan,
			revisions = excluded.revisions,
			error = excluded.error,
			error_kind = excluded.error_kind,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, r.PipelineID, r.Goal, int(r.Status), string(plan), r.Revisions, r.Error, r.ErrorKind,
		unixNano(r.StartedAt), unixNano(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert report: %w", err)
	}

	// Child rows are replaced wholesale
	for _, table := range []string{"report_outputs", "report_verdicts", "report_attempt_errors"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE pipeline_id = ?`, r.PipelineID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	steps := make([]string, 0, len(r.Outputs))
	for id := range r.Outputs {
		steps = append(steps, id)
	}
	sort.Strings(steps)
	for _, id := range steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO report_outputs (pipeline_id, step_id, content)
			VALUES (?, ?, ?)
		`, r.PipelineID, id, r.Outputs[id])
		if err != nil {
			return fmt.Errorf("failed to insert output %s: %w", id, err)
		}
	}

	for _, v := range r.Verdicts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO report_verdicts (pipeline_id, revision, decision, feedback)
			VALUES (?, ?, ?, ?)
		`, r.PipelineID, v.Revision, int(v.Decision), v.Feedback)
		if err != nil {
			return fmt.Errorf("failed to insert verdict: %w", err)
		}
	}

	for _, msg := range r.AttemptErrors {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO report_attempt_errors (pipeline_id, message)
			VALUES (?, ?)
		`, r.PipelineID, msg)
		if err != nil {
			return fmt.Errorf("failed to insert attempt error: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const reportColumns = `pipeline_id, goal, status, plan, revisions, error, error_kind, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (orchestrator.Report, error) {
	var (
		r                 orchestrator.Report
		status            int
		plan              sql.NullString
		errStr, errKind   sql.NullString
		started, finished int64
	)
	if err := row.Scan(&r.PipelineID, &r.Goal, &status, &plan, &r.Revisions, &errStr, &errKind, &started, &finished); err != nil {
		return r, err
	}

	r.Status = agent.Status(status)
	r.StartedAt = fromUnixNano(started)
	r.FinishedAt = fromUnixNano(finished)
	r.ErrorKind = errKind.String
	if errStr.String != "" {
		r.Error = errStr.String
		r.Err = errors.New(errStr.String)
	}
	if plan.String != "" {
		var p agent.Plan
		if err := json.Unmarshal([]byte(plan.String), &p); err != nil {
			return r, fmt.Errorf("failed to decode plan: %w", err)
		}
		r.Plan = &p
	}
	return r, nil
}

// GetReport retrieves a report by pipeline ID.
func (s *SQLiteStore) GetReport(ctx context.Context, pipelineID string) (*orchestrator.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE pipeline_id = ?`, pipelineID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pipelineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}

	if err := s.loadChildren(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReports returns the most recently started reports first. A limit of
// zero or less returns every report.
func (s *SQLiteStore) ListReports(ctx context.Context, limit int) ([]orchestrator.Report, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		ORDER BY started_at DESC, pipeline_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}

	var reports []orchestrator.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	for i := range reports {
		if err := s.loadChildren(ctx, &reports[i]); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

func (s *SQLiteStore) loadChildren(ctx context.Context, r *orchestrator.Report) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, content FROM report_outputs WHERE pipeline_id = ?
	`, r.PipelineID)
	if err != nil {
		return fmt.Errorf("failed to query outputs: %w", err)
	}
	r.Outputs = make(map[string]string)
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan output: %w", err)
		}
		r.Outputs[id] = content
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating outputs: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT revision, decision, feedback FROM report_verdicts WHERE pipeline_id = ? ORDER BY id
	`, r.PipelineID)
	if err != nil {
		return fmt.Errorf("failed to query verdicts: %w", err)
	}
	for rows.Next() {
		var (
			v        agent.Verdict
			decision int
			feedback sql.NullString
		)
		if err := rows.Scan(&v.Revision, &decision, &feedback); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan verdict: %w", err)
		}
		v.Decision = agent.Decision(decision)
		v.Feedback = feedback.String
		r.Verdicts = append(r.Verdicts, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating verdicts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT message FROM report_attempt_errors WHERE pipeline_id = ? ORDER BY id
	`, r.PipelineID)
	if err != nil {
		return fmt.Errorf("failed to query attempt errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return fmt.Errorf("failed to scan attempt error: %w", err)
		}
		r.AttemptErrors = append(r.AttemptErrors, msg)
	}
	return rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
