// ABOUTME: Scheduled task entity, CRUD, and the transactional dispatch claim
// ABOUTME: Dispatch commits the run log and next_run before execution starts

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes.
const (
	ContextIsolated = "isolated"
	ContextSession  = "session"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// Task errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTaskName = errors.New("task name already exists")
	ErrTaskNotDue        = errors.New("task no longer due")
)

// ScheduledTask is a recurring or one-shot prompt bound to an agent.
type ScheduledTask struct {
	ID            string
	Name          string
	AgentID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	SessionID     string // used when ContextMode is "session"
	BindingID     string // optional channel to forward results to
	Status        string
	NextRun       *time.Time
	LastRun       *time.Time
	RunCount      int
	MaxRuns       int // 0 means unlimited
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateTask inserts a task. The agent must exist and names are unique.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *ScheduledTask) error {
	if err := s.validateAgent(ctx, t.AgentID); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextIsolated
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
		INSERT INTO scheduled_tasks
			(task_id, name, agent_id, prompt, schedule_type, schedule_value,
			 context_mode, session_id, binding_id, status, next_run, last_run,
			 run_count, max_runs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.AgentID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nullable(t.SessionID), nullable(t.BindingID), t.Status,
		timePtr(t.NextRun), timePtr(t.LastRun),
		t.RunCount, t.MaxRuns,
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateTaskName
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", t.ID, "name", t.Name, "schedule", t.ScheduleType)
	return nil
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	query := taskSelect + ` WHERE task_id = ?`
	t, err := scanTaskFrom(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks, optionally narrowed to one status.
func (s *SQLiteStore) ListTasks(ctx context.Context, status string) ([]ScheduledTask, error) {
	query := taskSelect + `
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, status, status)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// ListDueTasks returns active tasks whose next_run is at or before now.
func (s *SQLiteStore) ListDueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	query := taskSelect + `
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
	`
	rows, err := s.db.QueryContext(ctx, query, TaskActive, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// UpdateTask rewrites a task's mutable fields.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *ScheduledTask) error {
	t.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE scheduled_tasks
		SET name = ?, prompt = ?, schedule_type = ?, schedule_value = ?,
		    context_mode = ?, session_id = ?, binding_id = ?, status = ?,
		    next_run = ?, max_runs = ?, updated_at = ?
		WHERE task_id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		t.Name, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nullable(t.SessionID), nullable(t.BindingID), t.Status,
		timePtr(t.NextRun), t.MaxRuns,
		t.UpdatedAt.Format(time.RFC3339), t.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateTaskName
		}
		return fmt.Errorf("updating task: %w", err)
	}
	return checkAffected(result, ErrTaskNotFound)
}

// SetTaskStatus flips a task between active and paused. Resuming a task
// requires the caller to supply a fresh next_run.
func (s *SQLiteStore) SetTaskStatus(ctx context.Context, id, status string, nextRun *time.Time) error {
	query := `
		UPDATE scheduled_tasks
		SET status = ?, next_run = ?, updated_at = ?
		WHERE task_id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		status, timePtr(nextRun), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	return checkAffected(result, ErrTaskNotFound)
}

// DeleteTask deletes a task and its run logs.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return checkAffected(result, ErrTaskNotFound)
}

// DispatchDue claims one due task for execution in a single transaction:
// it writes a running run log, bumps run_count, records last_run, and
// stores the precomputed next_run (or marks the task completed) before
// any agent work begins. A crash mid-run therefore never replays the
// same occurrence.
func (s *SQLiteStore) DispatchDue(ctx context.Context, taskID, runLogID, traceID string, now time.Time, nextRun *time.Time, complete bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning dispatch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := TaskActive
	if complete {
		status = TaskCompleted
		nextRun = nil
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = ?, next_run = ?, run_count = run_count + 1, status = ?, updated_at = ?
		WHERE task_id = ? AND status = ? AND next_run IS NOT NULL AND next_run <= ?
	`,
		now.UTC().Format(time.RFC3339), timePtr(nextRun), status,
		now.UTC().Format(time.RFC3339),
		taskID, TaskActive, now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotDue
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_run_logs (run_log_id, task_id, started_at, status, trace_id)
		VALUES (?, ?, ?, ?, ?)
	`, runLogID, taskID, now.UTC().Format(time.RFC3339), RunStatusRunning, traceID)
	if err != nil {
		return fmt.Errorf("inserting run log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing dispatch tx: %w", err)
	}

	s.logger.Debug("dispatched task", "task_id", taskID, "run_log_id", runLogID, "complete", complete)
	return nil
}

// DispatchManual claims an on-demand run of an active task. It records
// last_run, bumps run_count, and writes a running run log in one
// transaction while leaving next_run and status untouched, so a manual
// run never moves the scheduled occurrence.
func (s *SQLiteStore) DispatchManual(ctx context.Context, taskID, runLogID, traceID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning manual dispatch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = ?, run_count = run_count + 1, updated_at = ?
		WHERE task_id = ? AND status = ?
	`,
		now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339),
		taskID, TaskActive,
	)
	if err != nil {
		return fmt.Errorf("claiming manual run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_run_logs (run_log_id, task_id, started_at, status, trace_id)
		VALUES (?, ?, ?, ?, ?)
	`, runLogID, taskID, now.UTC().Format(time.RFC3339), RunStatusRunning, traceID)
	if err != nil {
		return fmt.Errorf("inserting run log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing manual dispatch tx: %w", err)
	}

	s.logger.Debug("dispatched manual run", "task_id", taskID, "run_log_id", runLogID)
	return nil
}

const taskSelect = `
	SELECT task_id, name, agent_id, prompt, schedule_type, schedule_value,
	       context_mode, session_id, binding_id, status, next_run, last_run,
	       run_count, max_runs, created_at, updated_at
	FROM scheduled_tasks`

func scanTaskFrom(scan rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var sessionID, bindingID, nextRun, lastRun sql.NullString
	var createdAt, updatedAt string

	err := scan.Scan(
		&t.ID, &t.Name, &t.AgentID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &sessionID, &bindingID, &t.Status, &nextRun, &lastRun,
		&t.RunCount, &t.MaxRuns, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.SessionID = sessionID.String
	t.BindingID = bindingID.String
	if t.NextRun, err = parseTimePtr(nextRun); err != nil {
		return nil, fmt.Errorf("parsing next_run: %w", err)
	}
	if t.LastRun, err = parseTimePtr(lastRun); err != nil {
		return nil, fmt.Errorf("parsing last_run: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTaskFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func checkAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
