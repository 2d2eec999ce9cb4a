// ABOUTME: Live run registry shared across worker processes
// ABOUTME: Lets any worker tell an unknown run from one active elsewhere or finished

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run lifecycle states.
const (
	RunActive    = "active"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run sources.
const (
	RunSourceChannel = "channel"
	RunSourceTask    = "task"
	RunSourceAPI     = "api"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run is one agent run's coordination record. The row exists so that a
// worker that does not own the run can still answer questions about it.
type Run struct {
	ID         string
	Source     string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StartRun registers a run as active.
func (s *SQLiteStore) StartRun(ctx context.Context, id, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, source, status, started_at)
		VALUES (?, ?, ?, ?)
	`, id, source, RunActive, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// FinishRun marks a run completed or failed.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?
	`, status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	return checkAffected(result, ErrRunNotFound)
}

// GetRun retrieves a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	var startedAt string
	var finishedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, source, status, started_at, finished_at
		FROM runs WHERE run_id = ?
	`, id).Scan(&r.ID, &r.Source, &r.Status, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}

	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &r, nil
}
