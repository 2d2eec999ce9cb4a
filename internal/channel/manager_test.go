// ABOUTME: Tests for the channel manager's routing and adapter lifecycle
// ABOUTME: Uses an in-memory fake adapter and a scripted agent runner

package channel

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crewd/internal/agent"
	"github.com/2389/crewd/internal/steering"
	"github.com/2389/crewd/internal/store"
	"github.com/2389/crewd/internal/stream"
)

type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	handler   Handler
	connected bool
	connects  int
	sent      []OutboundMessage
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) SetHandler(h Handler) { f.handler = h }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.connects++
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAdapter) sentMessages() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// deliver pushes an inbound message through the adapter's handler the
// way a platform receive loop would.
func (f *fakeAdapter) deliver(ctx context.Context, msg InboundMessage) {
	f.handler(ctx, msg)
}

type managerFixture struct {
	store    *store.SQLiteStore
	dbPath   string
	runner   *agent.ScriptedRunner
	manager  *Manager
	adapters map[string]*fakeAdapter
}

func setupManager(t *testing.T, leader bool) *managerFixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "crewd.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fx := &managerFixture{
		store:    st,
		dbPath:   dbPath,
		runner:   &agent.ScriptedRunner{},
		adapters: make(map[string]*fakeAdapter),
	}

	factory := func(channelType string, config map[string]string) (Adapter, error) {
		key := adapterKey(channelType, config)
		a := &fakeAdapter{name: key}
		fx.adapters[key] = a
		return a, nil
	}

	steer := steering.NewTransport(t.TempDir(), nil)
	fx.manager = NewManager(st, fx.runner, factory, stream.NewRegistry(), steer, leader)
	return fx
}

func createAgentAndBinding(t *testing.T, st *store.SQLiteStore, b *store.Binding) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.GetAgent(ctx, b.AgentID); err != nil {
		require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: b.AgentID, Name: b.AgentID}))
	}
	require.NoError(t, st.CreateBinding(ctx, b))
}

func TestManager_InboundRoutesToAgentAndReplies(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "telegram", ExternalID: "12345",
		AgentID: "agent-001", Enabled: true,
	})
	require.NoError(t, fx.manager.Start(ctx))

	a := fx.adapters["telegram"]
	require.NotNil(t, a)
	assert.True(t, a.Connected())

	a.deliver(ctx, InboundMessage{
		ChannelType: "telegram", ExternalID: "12345",
		ExternalMessageID: "m1", SenderID: "u1", SenderName: "Ada",
		Content: "what time is it", MessageType: TypeText,
	})

	reqs := fx.runner.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "what time is it", reqs[0].Prompt)

	sent := a.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "12345", sent[0].ExternalID)
	assert.Equal(t, "echo: what time is it", sent[0].Text)

	// Both directions are on record.
	msgs, err := fx.store.ListChannelMessages(ctx, "b1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// The chat now has a session with both transcript lines.
	sess, err := fx.store.GetSession(ctx, SessionKey("telegram", "12345"))
	require.NoError(t, err)
	require.Len(t, sess.Display, 2)
	assert.Equal(t, "user", sess.Display[0].Role)
	assert.Equal(t, "assistant", sess.Display[1].Role)
}

func TestManager_SessionContextCarriesAcrossRuns(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "telegram", ExternalID: "12345",
		AgentID: "agent-001", Enabled: true,
	})
	require.NoError(t, fx.manager.Start(ctx))
	fx.runner.Result = &agent.RunResult{
		Success: true, Answer: "noted", FinalContext: []byte(`{"messages":["hi"]}`),
	}

	a := fx.adapters["telegram"]
	msg := InboundMessage{ChannelType: "telegram", ExternalID: "12345", Content: "remember this", MessageType: TypeText}
	a.deliver(ctx, msg)
	a.deliver(ctx, msg)

	reqs := fx.runner.Requests()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].PriorContext)
	assert.Equal(t, []byte(`{"messages":["hi"]}`), reqs[1].PriorContext)
}

func TestManager_TriggerPatternFiltersText(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "telegram", ExternalID: "12345",
		AgentID: "agent-001", Enabled: true, TriggerPattern: `@bot\b`,
	})
	require.NoError(t, fx.manager.Start(ctx))
	a := fx.adapters["telegram"]

	a.deliver(ctx, InboundMessage{ChannelType: "telegram", ExternalID: "12345", Content: "just chatting", MessageType: TypeText})
	assert.Empty(t, fx.runner.Requests())

	// Ignored chatter never reaches the database.
	msgs, err := fx.store.ListChannelMessages(ctx, "b1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	a.deliver(ctx, InboundMessage{ChannelType: "telegram", ExternalID: "12345", Content: "@bot help", MessageType: TypeText})
	assert.Len(t, fx.runner.Requests(), 1)
}

func TestManager_MediaBypassesTrigger(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "telegram", ExternalID: "12345",
		AgentID: "agent-001", Enabled: true, TriggerPattern: `@bot\b`,
	})
	require.NoError(t, fx.manager.Start(ctx))

	fx.adapters["telegram"].deliver(ctx, InboundMessage{
		ChannelType: "telegram", ExternalID: "12345",
		Content: "look at this", MessageType: TypeImage,
		Media: []MediaItem{{Kind: "image", MediaType: "image/png", Data: []byte{1, 2, 3}}},
	})

	reqs := fx.runner.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Images, 1)
	assert.Equal(t, "image/png", reqs[0].Images[0].MediaType)
}

func TestManager_FileAttachmentAugmentsPrompt(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "feishu", ExternalID: "oc_1",
		AgentID: "agent-001", Enabled: true,
		Config: map[string]string{"app_id": "cli_a1"},
	})
	require.NoError(t, fx.manager.Start(ctx))

	fx.adapters["feishu:cli_a1"].deliver(ctx, InboundMessage{
		ChannelType: "feishu", AppID: "cli_a1", ExternalID: "oc_1",
		Content: "report.pdf", MessageType: TypeFile,
		Media: []MediaItem{{
			Kind:      "file",
			FileName:  "report.pdf",
			MediaType: "application/pdf",
			LocalPath: "/tmp/feishu_media/file_xyz_report.pdf",
			Data:      []byte("%PDF-1.7 fake"),
		}},
	})

	reqs := fx.runner.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Images)
	assert.Contains(t, reqs[0].Prompt, "/tmp/feishu_media/file_xyz_report.pdf")
	assert.Contains(t, reqs[0].Prompt, "(type: application/pdf)")
	assert.Contains(t, reqs[0].Prompt, "report.pdf:")
}

func TestManager_InvalidTriggerFailsOpen(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "telegram", ExternalID: "12345",
		AgentID: "agent-001", Enabled: true, TriggerPattern: `@bot\b`,
	})

	// Write paths reject bad patterns, so plant one behind their back
	// the way a hand-edited or pre-validation database row would carry
	// it. The router must match everything rather than mute the chat.
	db, err := sql.Open("sqlite", fx.dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec(`UPDATE channel_bindings SET trigger_pattern = ? WHERE binding_id = ?`, `[unclosed`, "b1")
	require.NoError(t, err)

	require.NoError(t, fx.manager.Start(ctx))

	fx.adapters["telegram"].deliver(ctx, InboundMessage{
		ChannelType: "telegram", ExternalID: "12345", Content: "anything", MessageType: TypeText,
	})
	assert.Len(t, fx.runner.Requests(), 1)
}

func TestManager_WildcardBindingScopedToCredential(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "feishu", ExternalID: store.WildcardExternalID,
		AgentID: "agent-001", Enabled: true,
		Config: map[string]string{"app_id": "cli_a1"},
	})
	require.NoError(t, fx.manager.Start(ctx))
	a := fx.adapters["feishu:cli_a1"]
	require.NotNil(t, a)

	// A chat with no exact binding lands on this app's wildcard.
	a.deliver(ctx, InboundMessage{
		ChannelType: "feishu", AppID: "cli_a1", ExternalID: "oc_new_chat",
		Content: "hello", MessageType: TypeText,
	})
	assert.Len(t, fx.runner.Requests(), 1)

	// A different app's traffic does not.
	a.deliver(ctx, InboundMessage{
		ChannelType: "feishu", AppID: "cli_other", ExternalID: "oc_new_chat",
		Content: "hello", MessageType: TypeText,
	})
	assert.Len(t, fx.runner.Requests(), 1)
}

func TestManager_FollowerDoesNotConnect(t *testing.T) {
	fx := setupManager(t, false)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "telegram", ExternalID: "12345",
		AgentID: "agent-001", Enabled: true,
	})
	require.NoError(t, fx.manager.Start(ctx))

	assert.Empty(t, fx.adapters, "follower must not build adapters")

	status := fx.manager.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Assumed)
	assert.True(t, status[0].Connected)

	require.ErrorIs(t, fx.manager.SendToChannel(ctx, "b1", "hi", nil), ErrNotLeader)
	require.ErrorIs(t, fx.manager.RestartAdapter(ctx, "telegram"), ErrNotLeader)
}

func TestManager_BindingLifecycle(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	require.NoError(t, fx.manager.Start(ctx))
	assert.Empty(t, fx.adapters)

	b := &store.Binding{
		ID: "b1", ChannelType: "telegram", ExternalID: "12345",
		AgentID: "agent-001", Enabled: true,
	}
	createAgentAndBinding(t, fx.store, b)
	require.NoError(t, fx.manager.OnBindingCreated(ctx, b))
	a := fx.adapters["telegram"]
	require.NotNil(t, a)
	assert.True(t, a.Connected())

	// Deleting the last binding for the credential stops the adapter.
	require.NoError(t, fx.store.DeleteBinding(ctx, "b1"))
	require.NoError(t, fx.manager.OnBindingDeleted(ctx, b))
	assert.False(t, a.Connected())

	status := fx.manager.Status()
	assert.Empty(t, status)
}

func TestManager_RestartAdapter(t *testing.T) {
	fx := setupManager(t, true)
	ctx := context.Background()

	createAgentAndBinding(t, fx.store, &store.Binding{
		ID: "b1", ChannelType: "telegram", ExternalID: "12345",
		AgentID: "agent-001", Enabled: true,
	})
	require.NoError(t, fx.manager.Start(ctx))

	require.NoError(t, fx.manager.RestartAdapter(ctx, "telegram"))
	assert.Equal(t, 2, fx.adapters["telegram"].connects)

	require.ErrorIs(t, fx.manager.RestartAdapter(ctx, "nope"), ErrAdapterNotFound)
}

func TestSessionKey(t *testing.T) {
	k1 := SessionKey("telegram", "12345")
	k2 := SessionKey("telegram", "12345")
	k3 := SessionKey("feishu", "12345")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 36)
}
