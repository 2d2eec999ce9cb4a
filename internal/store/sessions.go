// ABOUTME: Session persistence for conversational context across runs
// ABOUTME: Stores a display transcript plus an opaque agent context blob

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// SessionEntry is one display-transcript line.
type SessionEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds conversational state shared across runs.
type Session struct {
	ID          string
	AgentID     string
	Display     []SessionEntry
	ContextBlob []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LoadOrCreateSession fetches a session, creating an empty one when it
// does not yet exist.
func (s *SQLiteStore) LoadOrCreateSession(ctx context.Context, sessionID, agentID string) (*Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess = &Session{ID: sessionID, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, agentID, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sessionID, "agent_id", agentID)
	return sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var displayJSON sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, display_json, context_blob, created_at, updated_at
		FROM sessions WHERE session_id = ?
	`, id).Scan(&sess.ID, &sess.AgentID, &displayJSON, &sess.ContextBlob, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if displayJSON.Valid && displayJSON.String != "" {
		if err := json.Unmarshal([]byte(displayJSON.String), &sess.Display); err != nil {
			return nil, fmt.Errorf("parsing session display: %w", err)
		}
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sess, nil
}

// SaveSession rewrites a session's display transcript and context blob.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	var displayJSON any
	if len(sess.Display) > 0 {
		data, err := json.Marshal(sess.Display)
		if err != nil {
			return fmt.Errorf("encoding session display: %w", err)
		}
		displayJSON = string(data)
	}
	sess.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET display_json = ?, context_blob = ?, updated_at = ?
		WHERE session_id = ?
	`, displayJSON, sess.ContextBlob, sess.UpdatedAt.Format(time.RFC3339), sess.ID)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return checkAffected(result, ErrSessionNotFound)
}

// CheckpointSession saves a mid-run snapshot of the working context.
// The display transcript is left alone; a crash after a checkpoint
// loses at most the turns since it, not the whole run.
func (s *SQLiteStore) CheckpointSession(ctx context.Context, id string, contextBlob []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET context_blob = ?, updated_at = ?
		WHERE session_id = ?
	`, contextBlob, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("checkpointing session: %w", err)
	}
	return checkAffected(result, ErrSessionNotFound)
}

// AppendSessionEntries loads the session, appends the entries, and saves
// it back. Convenience for callers that only add transcript lines.
func (s *SQLiteStore) AppendSessionEntries(ctx context.Context, sessionID string, entries ...SessionEntry) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Display = append(sess.Display, entries...)
	return s.SaveSession(ctx, sess)
}
