// ABOUTME: Channel manager owning adapter lifecycle and inbound routing
// ABOUTME: The leader process holds the real connections; followers observe

package channel

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crewd/internal/agent"
	"github.com/2389/crewd/internal/metrics"
	"github.com/2389/crewd/internal/steering"
	"github.com/2389/crewd/internal/store"
	"github.com/2389/crewd/internal/stream"
)

// Manager errors.
var (
	ErrNotLeader       = errors.New("channel adapters are owned by the leader process")
	ErrAdapterNotFound = errors.New("no adapter for channel")
	ErrNoBinding       = errors.New("no binding matches message")
)

// Manager owns one adapter per credential identity and routes inbound
// messages to bound agents. Only the leader process connects adapters;
// follower processes track which adapters the leader is assumed to hold
// so status queries stay meaningful.
type Manager struct {
	store    *store.SQLiteStore
	runner   agent.Runner
	factory  Factory
	streams  *stream.Registry
	steering *steering.Transport
	leader   bool
	logger   *slog.Logger

	heartbeat time.Duration

	mu       sync.Mutex
	adapters map[string]Adapter
	assumed  map[string]bool
}

// SetHeartbeatInterval overrides the idle heartbeat of streams created
// for channel-triggered runs. Zero keeps the stream default.
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	m.heartbeat = d
}

// newStream builds a run stream honoring the configured heartbeat.
func (m *Manager) newStream() *stream.Stream {
	if m.heartbeat > 0 {
		return stream.New(stream.WithHeartbeatInterval(m.heartbeat))
	}
	return stream.New()
}

// NewManager wires a manager. The factory builds platform adapters from
// binding credentials; pass leader=false for worker processes that must
// not open platform connections.
func NewManager(st *store.SQLiteStore, runner agent.Runner, factory Factory, streams *stream.Registry, steer *steering.Transport, leader bool) *Manager {
	return &Manager{
		store:    st,
		runner:   runner,
		factory:  factory,
		streams:  streams,
		steering: steer,
		leader:   leader,
		logger:   slog.Default().With("component", "channel"),
		adapters: make(map[string]Adapter),
		assumed:  make(map[string]bool),
	}
}

// IsLeader reports whether this process owns the platform connections.
func (m *Manager) IsLeader() bool {
	return m.leader
}

// Start brings up one adapter per credential identity found among the
// enabled bindings. A single adapter failing to connect does not stop
// the rest.
func (m *Manager) Start(ctx context.Context) error {
	bindings, err := m.store.ListBindings(ctx, store.BindingFilter{EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("listing bindings: %w", err)
	}

	keys := make(map[string]store.Binding)
	for _, b := range bindings {
		keys[adapterKey(b.ChannelType, b.Config)] = b
	}

	for key, b := range keys {
		if !m.leader {
			m.mu.Lock()
			m.assumed[key] = true
			m.mu.Unlock()
			continue
		}
		if err := m.ensureAdapter(ctx, key, b.ChannelType, b.Config); err != nil {
			m.logger.Error("adapter startup failed", "adapter", key, "error", err)
		}
	}

	m.logger.Info("channel manager started", "leader", m.leader, "adapters", len(keys))
	return nil
}

// Stop disconnects every adapter.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, a := range m.adapters {
		if err := a.Disconnect(); err != nil {
			m.logger.Warn("adapter disconnect failed", "adapter", key, "error", err)
		}
		delete(m.adapters, key)
	}
}

// ensureAdapter builds, wires, and connects the adapter for key if it is
// not already running. Caller must be the leader.
func (m *Manager) ensureAdapter(ctx context.Context, key, channelType string, config map[string]string) error {
	m.mu.Lock()
	if _, ok := m.adapters[key]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	a, err := m.factory(channelType, config)
	if err != nil {
		return fmt.Errorf("building adapter: %w", err)
	}
	a.SetHandler(func(hctx context.Context, msg InboundMessage) {
		m.handleInbound(hctx, msg)
	})
	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("connecting adapter: %w", err)
	}

	m.mu.Lock()
	m.adapters[key] = a
	m.mu.Unlock()

	m.logger.Info("adapter connected", "adapter", key)
	return nil
}

// teardownAdapter disconnects and forgets the adapter for key.
func (m *Manager) teardownAdapter(key string) {
	m.mu.Lock()
	a, ok := m.adapters[key]
	delete(m.adapters, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := a.Disconnect(); err != nil {
		m.logger.Warn("adapter disconnect failed", "adapter", key, "error", err)
	}
	m.logger.Info("adapter stopped", "adapter", key)
}

// OnBindingCreated reacts to a new binding. The leader brings up the
// adapter for its credential identity when needed; followers only note
// that the leader is assumed to hold it.
func (m *Manager) OnBindingCreated(ctx context.Context, b *store.Binding) error {
	if !b.Enabled {
		return nil
	}
	key := adapterKey(b.ChannelType, b.Config)
	if !m.leader {
		m.mu.Lock()
		m.assumed[key] = true
		m.mu.Unlock()
		return nil
	}
	return m.ensureAdapter(ctx, key, b.ChannelType, b.Config)
}

// OnBindingChanged reacts to an updated binding, tearing the adapter
// down when the last binding for its credential went away or bringing it
// up when the binding was re-enabled.
func (m *Manager) OnBindingChanged(ctx context.Context, b *store.Binding) error {
	key := adapterKey(b.ChannelType, b.Config)

	if b.Enabled {
		return m.OnBindingCreated(ctx, b)
	}

	remaining, err := m.store.CountBindingsByCredential(ctx, b.ChannelType, b.AppID())
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	if !m.leader {
		m.mu.Lock()
		delete(m.assumed, key)
		m.mu.Unlock()
		return nil
	}
	m.teardownAdapter(key)
	return nil
}

// OnBindingDeleted reacts to a removed binding the same way a disable
// does.
func (m *Manager) OnBindingDeleted(ctx context.Context, b *store.Binding) error {
	disabled := *b
	disabled.Enabled = false
	return m.OnBindingChanged(ctx, &disabled)
}

// AdapterStatus describes one adapter for status queries.
type AdapterStatus struct {
	Key       string `json:"key"`
	Connected bool   `json:"connected"`
	Assumed   bool   `json:"assumed"`
}

// Status reports every adapter this process knows about. On followers
// every entry is assumed-connected, since the real sockets live in the
// leader.
func (m *Manager) Status() []AdapterStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AdapterStatus
	for key, a := range m.adapters {
		out = append(out, AdapterStatus{Key: key, Connected: a.Connected()})
	}
	for key := range m.assumed {
		out = append(out, AdapterStatus{Key: key, Connected: true, Assumed: true})
	}
	return out
}

// RestartAdapter drops and re-establishes the connection for key. Only
// the leader can do this; followers get ErrNotLeader.
func (m *Manager) RestartAdapter(ctx context.Context, key string) error {
	if !m.leader {
		return ErrNotLeader
	}

	m.mu.Lock()
	a, ok := m.adapters[key]
	m.mu.Unlock()
	if !ok {
		return ErrAdapterNotFound
	}

	if err := a.Disconnect(); err != nil {
		m.logger.Warn("adapter disconnect failed during restart", "adapter", key, "error", err)
	}
	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("reconnecting adapter: %w", err)
	}
	m.logger.Info("adapter restarted", "adapter", key)
	return nil
}

// SendToChannel delivers text and files to the binding's chat through
// its adapter, recording the outbound message. Followers cannot send.
func (m *Manager) SendToChannel(ctx context.Context, bindingID, text string, filePaths []string) error {
	if !m.leader {
		return ErrNotLeader
	}

	b, err := m.store.GetBinding(ctx, bindingID)
	if err != nil {
		return err
	}

	key := adapterKey(b.ChannelType, b.Config)
	m.mu.Lock()
	a, ok := m.adapters[key]
	m.mu.Unlock()
	if !ok {
		return ErrAdapterNotFound
	}

	record := &store.ChannelMessage{
		ID:        uuid.NewString(),
		BindingID: b.ID,
		Direction: store.DirectionOutbound,
		Content:   text,
	}
	if err := m.store.RecordChannelMessage(ctx, record); err != nil {
		m.logger.Warn("recording outbound message failed", "binding", b.ID, "error", err)
	}

	metrics.ChannelMessages.WithLabelValues(b.ChannelType, store.DirectionOutbound).Inc()
	return a.Send(ctx, OutboundMessage{ExternalID: b.ExternalID, Text: text, FilePaths: filePaths})
}

// handleInbound routes one platform message: match a binding, apply its
// trigger, run the bound agent with the chat's session context, and send
// the answer back.
func (m *Manager) handleInbound(ctx context.Context, msg InboundMessage) {
	logger := m.logger.With("channel", msg.ChannelType, "external_id", msg.ExternalID)

	b, err := m.matchBinding(ctx, &msg)
	if err != nil {
		if !errors.Is(err, ErrNoBinding) {
			logger.Error("binding lookup failed", "error", err)
		}
		return
	}

	if !m.triggered(b, &msg) {
		return
	}

	metrics.ChannelMessages.WithLabelValues(msg.ChannelType, store.DirectionInbound).Inc()

	// Persisted only once the trigger admits it, so ignored chatter
	// never reaches the database.
	record := &store.ChannelMessage{
		ID:                uuid.NewString(),
		BindingID:         b.ID,
		Direction:         store.DirectionInbound,
		ExternalMessageID: msg.ExternalMessageID,
		SenderID:          msg.SenderID,
		SenderName:        msg.SenderName,
		Content:           msg.Content,
		MessageType:       msg.MessageType,
	}
	if err := m.store.RecordChannelMessage(ctx, record); err != nil {
		logger.Warn("recording inbound message failed", "error", err)
	}

	reply, files, err := m.runForBinding(ctx, b, &msg)
	if err != nil {
		logger.Error("agent run failed", "binding", b.ID, "error", err)
		reply = "Something went wrong handling that message."
	}
	if reply == "" && len(files) == 0 {
		return
	}
	if err := m.SendToChannel(ctx, b.ID, reply, files); err != nil {
		logger.Error("sending reply failed", "binding", b.ID, "error", err)
	}
}

// matchBinding finds the enabled binding for a message: exact chat id
// first, then the wildcard binding for the adapter's credential.
func (m *Manager) matchBinding(ctx context.Context, msg *InboundMessage) (*store.Binding, error) {
	b, err := m.store.GetBindingByChannel(ctx, msg.ChannelType, msg.ExternalID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrBindingNotFound) {
		return nil, err
	}

	// Wildcard bindings are scoped to the credential identity the
	// message arrived through.
	candidates, err := m.store.ListBindings(ctx, store.BindingFilter{ChannelType: &msg.ChannelType, EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if c.ExternalID == store.WildcardExternalID && c.AppID() == msg.AppID {
			return c, nil
		}
	}
	return nil, ErrNoBinding
}

// triggered applies the binding's trigger pattern. Media always passes.
// A pattern that fails to compile passes everything rather than silently
// muting the channel.
func (m *Manager) triggered(b *store.Binding, msg *InboundMessage) bool {
	if msg.HasMedia() || b.TriggerPattern == "" {
		return true
	}
	re, err := regexp.Compile(b.TriggerPattern)
	if err != nil {
		m.logger.Warn("invalid trigger pattern, matching everything", "binding", b.ID, "pattern", b.TriggerPattern, "error", err)
		return true
	}
	return re.MatchString(msg.Content)
}

// runForBinding executes the bound agent against the message, keeping a
// per-chat session so follow-ups share context. The run's event stream
// is registered under its trace id, and steering messages submitted for
// that id are drained into the run while it is live.
func (m *Manager) runForBinding(ctx context.Context, b *store.Binding, msg *InboundMessage) (string, []string, error) {
	sessID := SessionKey(msg.ChannelType, msg.ExternalID)
	sess, err := m.store.LoadOrCreateSession(ctx, sessID, b.AgentID)
	if err != nil {
		return "", nil, err
	}

	traceID := uuid.NewString()
	s := m.newStream()
	defer s.Close()
	m.streams.Add(traceID, s)
	defer m.streams.Remove(traceID)
	go m.steering.DrainLoop(ctx, traceID, s, m.steering.PollInterval())
	defer m.steering.Cleanup(traceID)

	if err := m.store.StartRun(ctx, traceID, store.RunSourceChannel); err != nil {
		m.logger.Warn("registering run failed", "run", traceID, "error", err)
	}

	prompt, images := mediaPrompt(msg)
	req := agent.RunRequest{
		Prompt:       prompt,
		PriorContext: sess.ContextBlob,
		Stream:       s,
		Images:       images,
	}

	started := time.Now()
	result, err := m.runner.Run(ctx, b.AgentID, req)
	metrics.RunDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.AgentRuns.WithLabelValues("channel", "error").Inc()
		if ferr := m.store.FinishRun(ctx, traceID, store.RunFailed); ferr != nil {
			m.logger.Warn("finishing run failed", "run", traceID, "error", ferr)
		}
		return "", nil, err
	}
	status := store.RunCompleted
	if !result.Success {
		status = store.RunFailed
	}
	metrics.AgentRuns.WithLabelValues("channel", status).Inc()
	if ferr := m.store.FinishRun(ctx, traceID, status); ferr != nil {
		m.logger.Warn("finishing run failed", "run", traceID, "error", ferr)
	}

	trace := &store.Trace{
		ID:           traceID,
		Request:      msg.Content,
		Answer:       result.Answer,
		Success:      result.Success,
		Error:        result.Error,
		TotalTurns:   result.TotalTurns,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		DurationMS:   time.Since(started).Milliseconds(),
	}
	if err := m.store.SaveTrace(ctx, trace); err != nil {
		m.logger.Warn("saving trace failed", "trace", traceID, "error", err)
	}

	sess.Display = append(sess.Display,
		store.SessionEntry{Role: "user", Content: msg.Content, Timestamp: started.UTC()},
		store.SessionEntry{Role: "assistant", Content: result.Answer, Timestamp: time.Now().UTC()},
	)
	sess.ContextBlob = result.FinalContext
	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.logger.Warn("saving session failed", "session", sessID, "error", err)
	}

	if !result.Success {
		return "", nil, fmt.Errorf("agent run unsuccessful: %s", result.Error)
	}
	return result.Answer, result.ProducedFiles, nil
}

// mediaPrompt splits a message's attachments into vision blocks and a
// prompt augmented with absolute paths for everything else, so the
// agent can open non-image files itself.
func mediaPrompt(msg *InboundMessage) (string, []agent.ImageContent) {
	var images []agent.ImageContent
	var fileNotes []string
	for _, item := range msg.Media {
		if item.Kind == "image" {
			images = append(images, agent.ImageContent{
				MediaType: item.MediaType,
				Data:      base64.StdEncoding.EncodeToString(item.Data),
			})
			continue
		}
		if item.LocalPath == "" {
			continue
		}
		mediaType := item.MediaType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		fileNotes = append(fileNotes, fmt.Sprintf("- %s: %s (type: %s)", item.FileName, item.LocalPath, mediaType))
	}

	prompt := msg.Content
	if len(fileNotes) > 0 {
		prompt += "\n\n[Uploaded Files]\nThe user has uploaded the following files that you can access:\n" +
			strings.Join(fileNotes, "\n") +
			"\n\nUse the absolute file paths above when reading or processing them."
	}
	return prompt, images
}

// adapterKey derives the credential identity an adapter is shared under.
func adapterKey(channelType string, config map[string]string) string {
	switch channelType {
	case "feishu":
		return "feishu:" + config["app_id"]
	default:
		return channelType
	}
}

// SessionKey derives the stable per-chat session id.
func SessionKey(channelType, externalID string) string {
	sum := sha256.Sum256([]byte(channelType + ":" + externalID))
	return hex.EncodeToString(sum[:])[:36]
}
