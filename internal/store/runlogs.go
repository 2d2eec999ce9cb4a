// ABOUTME: Task run log records, one row per scheduled task execution
// ABOUTME: Logs are created by dispatch and finalized when the run ends

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Run log statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// ErrRunLogNotFound is returned when a run log id does not exist.
var ErrRunLogNotFound = errors.New("run log not found")

// summaryLimit caps stored result summaries.
const summaryLimit = 500

// TaskRunLog records one execution of a scheduled task.
type TaskRunLog struct {
	ID            string
	TaskID        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMS    int64
	Status        string
	ResultSummary string
	Error         string
	TraceID       string
}

// FinalizeRunLog records the outcome of a run. Summaries longer than 500
// bytes are truncated on a rune boundary so the stored text stays valid
// UTF-8.
func (s *SQLiteStore) FinalizeRunLog(ctx context.Context, id, status, summary, errMsg string) error {
	if len(summary) > summaryLimit {
		cut := summaryLimit
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut]
	}
	now := time.Now().UTC()

	query := `
		UPDATE task_run_logs
		SET completed_at = ?,
		    duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER),
		    status = ?, result_summary = ?, error = ?
		WHERE run_log_id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
		status, nullable(summary), nullable(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("finalizing run log: %w", err)
	}
	return checkAffected(result, ErrRunLogNotFound)
}

// ListRunLogs returns the most recent runs of a task, newest first.
func (s *SQLiteStore) ListRunLogs(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT run_log_id, task_id, started_at, completed_at, duration_ms,
		       status, result_summary, error, trace_id
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying run logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var completedAt, summary, errMsg, traceID sql.NullString
		var durationMS sql.NullInt64
		var startedAt string
		err := rows.Scan(
			&l.ID, &l.TaskID, &startedAt, &completedAt, &durationMS,
			&l.Status, &summary, &errMsg, &traceID,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning run log: %w", err)
		}
		if l.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if l.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		l.DurationMS = durationMS.Int64
		l.ResultSummary = summary.String
		l.Error = errMsg.String
		l.TraceID = traceID.String
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run log rows: %w", err)
	}
	return logs, nil
}
