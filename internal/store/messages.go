// ABOUTME: Channel message records for audit of inbound/outbound traffic
// ABOUTME: Messages are written after routing decides a binding handles them

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ChannelMessage records one message that crossed a channel binding.
type ChannelMessage struct {
	ID                string
	BindingID         string
	Direction         string
	ExternalMessageID string
	SenderID          string
	SenderName        string
	Content           string
	MessageType       string // "text", "image", "file", "audio", "post"
	CreatedAt         time.Time
}

// RecordChannelMessage inserts a message record.
func (s *SQLiteStore) RecordChannelMessage(ctx context.Context, m *ChannelMessage) error {
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO channel_messages
			(message_id, binding_id, direction, external_message_id, sender_id, sender_name, content, message_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.BindingID, m.Direction, nullable(m.ExternalMessageID),
		nullable(m.SenderID), nullable(m.SenderName), m.Content, m.MessageType,
		m.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting channel message: %w", err)
	}
	return nil
}

// ListChannelMessages returns the most recent messages for a binding,
// newest first, capped at limit.
func (s *SQLiteStore) ListChannelMessages(ctx context.Context, bindingID string, limit int) ([]ChannelMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT message_id, binding_id, direction, external_message_id,
		       sender_id, sender_name, content, message_type, created_at
		FROM channel_messages
		WHERE binding_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, bindingID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying channel messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []ChannelMessage
	for rows.Next() {
		var m ChannelMessage
		var externalID, senderID, senderName sql.NullString
		var createdAt string
		err := rows.Scan(
			&m.ID, &m.BindingID, &m.Direction, &externalID,
			&senderID, &senderName, &m.Content, &m.MessageType, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning channel message: %w", err)
		}
		m.ExternalMessageID = externalID.String
		m.SenderID = senderID.String
		m.SenderName = senderName.String
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
