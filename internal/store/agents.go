// ABOUTME: Minimal agent configuration entity and store methods
// ABOUTME: Full preset CRUD lives in the admin layer; crewd reads what it needs

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAgentNotFound is returned when an agent id has no row.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is the slice of an agent's configuration that run dispatch needs.
type Agent struct {
	ID           string
	Name         string
	SystemPrompt string
	MaxTurns     int
	CreatedAt    time.Time
}

// CreateAgent inserts an agent configuration.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	if a.MaxTurns <= 0 {
		a.MaxTurns = 60
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO agents (agent_id, name, system_prompt, max_turns, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Name, a.SystemPrompt, a.MaxTurns,
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	s.logger.Debug("created agent", "id", a.ID, "name", a.Name)
	return nil
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT agent_id, name, COALESCE(system_prompt, ''), max_turns, created_at
		FROM agents
		WHERE agent_id = ?
	`
	var a Agent
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.SystemPrompt, &a.MaxTurns, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}

// ListAgents returns every agent configuration, oldest first.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, name, COALESCE(system_prompt, ''), max_turns, created_at
		FROM agents
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.SystemPrompt, &a.MaxTurns, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// validateAgent checks that the given id exists.
func (s *SQLiteStore) validateAgent(ctx context.Context, agentID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE agent_id = ?`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("checking agent: %w", err)
	}
	return nil
}
