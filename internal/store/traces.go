// ABOUTME: Trace records, one row per completed agent run
// ABOUTME: Traces capture the request, final answer, and token usage

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTraceNotFound is returned when a trace id does not exist.
var ErrTraceNotFound = errors.New("trace not found")

// Trace records one agent run end to end.
type Trace struct {
	ID           string
	Request      string
	Answer       string
	Success      bool
	Error        string
	TotalTurns   int
	InputTokens  int
	OutputTokens int
	DurationMS   int64
	CreatedAt    time.Time
}

// SaveTrace inserts a trace record.
func (s *SQLiteStore) SaveTrace(ctx context.Context, t *Trace) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traces
			(trace_id, request, answer, success, error, total_turns,
			 input_tokens, output_tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Request, nullable(t.Answer), boolToInt(t.Success), nullable(t.Error),
		t.TotalTurns, t.InputTokens, t.OutputTokens, t.DurationMS,
		t.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting trace: %w", err)
	}
	return nil
}

// GetTrace retrieves a trace by id.
func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	var t Trace
	var answer, errMsg sql.NullString
	var success int
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, request, answer, success, error, total_turns,
		       input_tokens, output_tokens, duration_ms, created_at
		FROM traces WHERE trace_id = ?
	`, id).Scan(
		&t.ID, &t.Request, &answer, &success, &errMsg,
		&t.TotalTurns, &t.InputTokens, &t.OutputTokens, &t.DurationMS, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trace: %w", err)
	}

	t.Answer = answer.String
	t.Success = success != 0
	t.Error = errMsg.String
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}
