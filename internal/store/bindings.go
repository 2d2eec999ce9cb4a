// ABOUTME: Channel binding entity and store methods
// ABOUTME: Bindings map (channel_type, external_id) to an agent for inbound routing

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// WildcardExternalID marks a binding that matches any chat reaching the
// adapter for its credential identity.
const WildcardExternalID = "*"

// Binding errors.
var (
	ErrBindingNotFound    = errors.New("binding not found")
	ErrDuplicateChannel   = errors.New("duplicate channel_type+external_id combination")
	ErrDuplicateWildcard  = errors.New("wildcard binding already exists for this credential identity")
	ErrInvalidTriggerExpr = errors.New("invalid trigger pattern")
)

// Binding links one external chat (or a wildcard) to one agent.
type Binding struct {
	ID             string
	ChannelType    string // "feishu", "telegram", "webhook"
	ExternalID     string // platform-side chat/group id, or "*"
	Name           string
	AgentID        string
	TriggerPattern string // optional regexp gating text messages
	Enabled        bool
	Config         map[string]string // adapter-specific credentials
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AppID returns the binding's credential identity for multi-tenant
// channel types, or "" when none is configured.
func (b *Binding) AppID() string {
	if b.Config == nil {
		return ""
	}
	return b.Config["app_id"]
}

// BindingFilter narrows ListBindings.
type BindingFilter struct {
	ChannelType *string
	AgentID     *string
	EnabledOnly bool
}

// CreateBinding inserts a binding. The agent must exist. At most one
// binding per (channel_type, external_id), and at most one wildcard
// binding per credential identity.
func (s *SQLiteStore) CreateBinding(ctx context.Context, b *Binding) error {
	if err := s.validateAgent(ctx, b.AgentID); err != nil {
		return err
	}
	if err := validateTrigger(b.TriggerPattern); err != nil {
		return err
	}

	// Uniqueness is enforced here rather than by an index because the
	// wildcard rule depends on the credential identity inside config_json:
	// one binding per (channel_type, external_id), except "*" which may
	// appear once per credential identity.
	if err := s.checkBindingUnique(ctx, b); err != nil {
		return err
	}

	configJSON, err := marshalConfig(b.Config)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	query := `
		INSERT INTO channel_bindings
			(binding_id, channel_type, external_id, name, agent_id, trigger_pattern, enabled, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		b.ID, b.ChannelType, b.ExternalID, b.Name, b.AgentID,
		nullable(b.TriggerPattern), boolToInt(b.Enabled), configJSON,
		b.CreatedAt.Format(time.RFC3339), b.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting binding: %w", err)
	}

	s.logger.Debug("created binding", "id", b.ID, "channel", b.ChannelType, "external_id", b.ExternalID)
	return nil
}

// validateTrigger rejects trigger patterns that do not compile. Empty
// patterns are allowed and match everything.
func validateTrigger(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTriggerExpr, err)
	}
	return nil
}

// checkBindingUnique applies the 1:1 chat-to-binding rule and the
// once-per-credential wildcard rule.
func (s *SQLiteStore) checkBindingUnique(ctx context.Context, b *Binding) error {
	existing, err := s.ListBindings(ctx, BindingFilter{ChannelType: &b.ChannelType})
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == b.ID || other.ExternalID != b.ExternalID {
			continue
		}
		if b.ExternalID == WildcardExternalID {
			if other.AppID() == b.AppID() {
				return ErrDuplicateWildcard
			}
			continue
		}
		return ErrDuplicateChannel
	}
	return nil
}

// GetBinding retrieves a binding by id.
func (s *SQLiteStore) GetBinding(ctx context.Context, id string) (*Binding, error) {
	query := bindingSelect + ` WHERE binding_id = ?`
	return scanBinding(s.db.QueryRowContext(ctx, query, id))
}

// GetBindingByChannel retrieves the enabled binding for an exact
// (channel_type, external_id) pair.
func (s *SQLiteStore) GetBindingByChannel(ctx context.Context, channelType, externalID string) (*Binding, error) {
	query := bindingSelect + ` WHERE channel_type = ? AND external_id = ? AND enabled = 1`
	return scanBinding(s.db.QueryRowContext(ctx, query, channelType, externalID))
}

// UpdateBinding rewrites a binding's mutable fields.
func (s *SQLiteStore) UpdateBinding(ctx context.Context, b *Binding) error {
	if err := s.validateAgent(ctx, b.AgentID); err != nil {
		return err
	}
	if err := validateTrigger(b.TriggerPattern); err != nil {
		return err
	}
	configJSON, err := marshalConfig(b.Config)
	if err != nil {
		return err
	}
	b.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE channel_bindings
		SET name = ?, agent_id = ?, trigger_pattern = ?, enabled = ?, config_json = ?, updated_at = ?
		WHERE binding_id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		b.Name, b.AgentID, nullable(b.TriggerPattern), boolToInt(b.Enabled),
		configJSON, b.UpdatedAt.Format(time.RFC3339), b.ID,
	)
	if err != nil {
		return fmt.Errorf("updating binding: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrBindingNotFound
	}

	s.logger.Debug("updated binding", "id", b.ID)
	return nil
}

// DeleteBinding deletes a binding by id.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channel_bindings WHERE binding_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrBindingNotFound
	}

	s.logger.Debug("deleted binding", "id", id)
	return nil
}

// ListBindings returns bindings matching the filter, newest first.
func (s *SQLiteStore) ListBindings(ctx context.Context, f BindingFilter) ([]Binding, error) {
	query := bindingSelect + `
		WHERE (? IS NULL OR channel_type = ?)
		  AND (? IS NULL OR agent_id = ?)
		  AND (? = 0 OR enabled = 1)
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query,
		f.ChannelType, f.ChannelType,
		f.AgentID, f.AgentID,
		boolToInt(f.EnabledOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bindings []Binding
	for rows.Next() {
		b, err := scanBindingRows(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating binding rows: %w", err)
	}
	return bindings, nil
}

// CountBindingsByCredential counts enabled bindings of the given type
// whose credential identity matches appID. The channel manager checks it
// before tearing down a shared adapter.
func (s *SQLiteStore) CountBindingsByCredential(ctx context.Context, channelType, appID string) (int, error) {
	filter := BindingFilter{ChannelType: &channelType, EnabledOnly: true}
	bindings, err := s.ListBindings(ctx, filter)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, b := range bindings {
		if b.AppID() == appID {
			count++
		}
	}
	return count, nil
}

const bindingSelect = `
	SELECT binding_id, channel_type, external_id, name, agent_id,
	       trigger_pattern, enabled, config_json, created_at, updated_at
	FROM channel_bindings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBindingFrom(scan rowScanner) (*Binding, error) {
	var b Binding
	var trigger, configJSON sql.NullString
	var enabled int
	var createdAt, updatedAt string

	err := scan.Scan(
		&b.ID, &b.ChannelType, &b.ExternalID, &b.Name, &b.AgentID,
		&trigger, &enabled, &configJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.TriggerPattern = trigger.String
	b.Enabled = enabled != 0
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &b.Config); err != nil {
			return nil, fmt.Errorf("parsing binding config: %w", err)
		}
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &b, nil
}

func scanBinding(row *sql.Row) (*Binding, error) {
	b, err := scanBindingFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning binding: %w", err)
	}
	return b, nil
}

func scanBindingRows(rows *sql.Rows) (*Binding, error) {
	b, err := scanBindingFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning binding row: %w", err)
	}
	return b, nil
}

func marshalConfig(config map[string]string) (any, error) {
	if len(config) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encoding binding config: %w", err)
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

