// ABOUTME: Tests for the HTTP API surface
// ABOUTME: Exercises routing, validation, and the steer local/queued split over httptest

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crewd/internal/agent"
	"github.com/2389/crewd/internal/channel"
	"github.com/2389/crewd/internal/scheduler"
	"github.com/2389/crewd/internal/steering"
	"github.com/2389/crewd/internal/store"
	"github.com/2389/crewd/internal/stream"
)

// nullAdapter satisfies channel.Adapter without any platform behavior.
type nullAdapter struct {
	name      string
	connected bool
}

func (a *nullAdapter) Name() string { return a.name }

func (a *nullAdapter) SetHandler(channel.Handler) {}

func (a *nullAdapter) Connect(context.Context) error { a.connected = true; return nil }

func (a *nullAdapter) Disconnect() error { a.connected = false; return nil }

func (a *nullAdapter) Connected() bool { return a.connected }

func (a *nullAdapter) Send(context.Context, channel.OutboundMessage) error { return nil }

type apiFixture struct {
	store    *store.SQLiteStore
	streams  *stream.Registry
	steering *steering.Transport
	manager  *channel.Manager
	baseURL  string
	client   *http.Client
}

func setupAPI(t *testing.T, leader bool) *apiFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	streams := stream.NewRegistry()
	steer := steering.NewTransport(t.TempDir(), nil)
	runner := &agent.ScriptedRunner{}

	factory := func(channelType string, config map[string]string) (channel.Adapter, error) {
		return &nullAdapter{name: channelType}, nil
	}
	mgr := channel.NewManager(st, runner, factory, streams, steer, leader)
	t.Cleanup(mgr.Stop)

	sched := scheduler.New(st, runner, mgr, streams, steer, time.Hour)

	srv := NewServer(st, streams, steer, mgr, sched, Options{Addr: ":0", MetricsPath: "/metrics"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{
		store:    st,
		streams:  streams,
		steering: steer,
		manager:  mgr,
		baseURL:  ts.URL,
		client:   ts.Client(),
	}
}

// doJSON issues a request with an optional JSON body and decodes the
// JSON response, if any, into a generic map.
func (fx *apiFixture) doJSON(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, fx.baseURL+path, reader)
	require.NoError(t, err)

	resp, err := fx.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp.StatusCode, decoded
}

// doJSONList decodes a JSON array response.
func (fx *apiFixture) doJSONList(t *testing.T, path string) (int, []map[string]any) {
	t.Helper()

	resp, err := fx.client.Get(fx.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func createTestAgent(t *testing.T, fx *apiFixture, id string) {
	t.Helper()
	require.NoError(t, fx.store.CreateAgent(context.Background(), &store.Agent{ID: id, Name: "agent " + id}))
}

func TestHealth(t *testing.T) {
	fx := setupAPI(t, true)
	status, body := fx.doJSON(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAgentEndpoints(t *testing.T) {
	fx := setupAPI(t, true)

	status, body := fx.doJSON(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"id": "researcher", "name": "Researcher", "max_turns": 40,
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "researcher", body["id"])

	status, body = fx.doJSON(t, http.MethodGet, "/api/v1/agents/researcher", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Researcher", body["name"])
	assert.EqualValues(t, 40, body["max_turns"])

	status, list := fx.doJSONList(t, "/api/v1/agents")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)

	status, _ = fx.doJSON(t, http.MethodGet, "/api/v1/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/agents", map[string]any{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBindingEndpoints(t *testing.T) {
	fx := setupAPI(t, true)
	createTestAgent(t, fx, "agent-001")

	status, body := fx.doJSON(t, http.MethodPost, "/api/v1/bindings", map[string]any{
		"channel_type":    "telegram",
		"external_id":     "12345",
		"name":            "ops chat",
		"agent_id":        "agent-001",
		"trigger_pattern": "(?i)bot",
	})
	require.Equal(t, http.StatusCreated, status)
	bindingID := body["id"].(string)

	// The write brought the adapter up on the leader.
	statuses := fx.manager.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "telegram", statuses[0].Key)
	assert.True(t, statuses[0].Connected)

	// Duplicate chat is rejected.
	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/bindings", map[string]any{
		"channel_type": "telegram", "external_id": "12345", "agent_id": "agent-001",
	})
	assert.Equal(t, http.StatusConflict, status)

	// Broken trigger patterns never reach the database.
	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/bindings", map[string]any{
		"channel_type": "telegram", "external_id": "999", "agent_id": "agent-001",
		"trigger_pattern": "([unclosed",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	// Unknown agent is a client error.
	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/bindings", map[string]any{
		"channel_type": "telegram", "external_id": "777", "agent_id": "nobody",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = fx.doJSON(t, http.MethodPut, "/api/v1/bindings/"+bindingID, map[string]any{
		"name": "renamed chat",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "renamed chat", body["name"])
	assert.Equal(t, "(?i)bot", body["trigger_pattern"])

	status, list := fx.doJSONList(t, "/api/v1/bindings?channel_type=telegram")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)

	status, _ = fx.doJSON(t, http.MethodDelete, "/api/v1/bindings/"+bindingID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = fx.doJSON(t, http.MethodGet, "/api/v1/bindings/"+bindingID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBindingMessages(t *testing.T) {
	fx := setupAPI(t, true)
	createTestAgent(t, fx, "agent-001")
	ctx := context.Background()

	b := &store.Binding{ID: "b1", ChannelType: "telegram", ExternalID: "5", Name: "c", AgentID: "agent-001", Enabled: true}
	require.NoError(t, fx.store.CreateBinding(ctx, b))
	require.NoError(t, fx.store.RecordChannelMessage(ctx, &store.ChannelMessage{
		ID: "m1", BindingID: "b1", Direction: store.DirectionInbound, Content: "hello",
	}))

	status, list := fx.doJSONList(t, "/api/v1/bindings/b1/messages")
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0]["content"])

	status, _ = fx.doJSON(t, http.MethodGet, "/api/v1/bindings/absent/messages", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTaskEndpoints(t *testing.T) {
	fx := setupAPI(t, true)
	createTestAgent(t, fx, "agent-001")

	status, body := fx.doJSON(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"name":           "daily report",
		"agent_id":       "agent-001",
		"prompt":         "summarize the day",
		"schedule_type":  "interval",
		"schedule_value": "3600",
	})
	require.Equal(t, http.StatusCreated, status)
	taskID := body["id"].(string)
	assert.Equal(t, store.TaskActive, body["status"])
	assert.NotEmpty(t, body["next_run"])

	// Bad schedules are rejected before anything is stored.
	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"name": "broken", "agent_id": "agent-001", "prompt": "x",
		"schedule_type": "cron", "schedule_value": "not a cron",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	// Interval below the minimum is invalid.
	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"name": "too fast", "agent_id": "agent-001", "prompt": "x",
		"schedule_type": "interval", "schedule_value": "5",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	// Duplicate names conflict.
	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"name": "daily report", "agent_id": "agent-001", "prompt": "x",
		"schedule_type": "interval", "schedule_value": "3600",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, body = fx.doJSON(t, http.MethodPut, "/api/v1/tasks/"+taskID, map[string]any{
		"schedule_value": "7200",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "7200", body["schedule_value"])

	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/pause", nil)
	assert.Equal(t, http.StatusOK, status)
	status, body = fx.doJSON(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.TaskPaused, body["status"])

	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/resume", nil)
	assert.Equal(t, http.StatusOK, status)

	status, list := fx.doJSONList(t, "/api/v1/tasks?status=active")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)

	status, _ = fx.doJSON(t, http.MethodDelete, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = fx.doJSON(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRunTaskNow(t *testing.T) {
	fx := setupAPI(t, true)
	createTestAgent(t, fx, "agent-001")

	status, body := fx.doJSON(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"name": "on demand", "agent_id": "agent-001", "prompt": "do it",
		"schedule_type": "interval", "schedule_value": "86400",
	})
	require.Equal(t, http.StatusCreated, status)
	taskID := body["id"].(string)

	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/run", nil)
	assert.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		logs, err := fx.store.ListRunLogs(context.Background(), taskID, 10)
		return err == nil && len(logs) == 1 && logs[0].Status == store.RunStatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	status, list := fx.doJSONList(t, "/api/v1/tasks/"+taskID+"/logs")
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, list, 1)
	assert.Equal(t, "echo: do it", list[0]["result_summary"])

	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/tasks/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSteerLocalRun(t *testing.T) {
	fx := setupAPI(t, true)

	s := stream.New()
	fx.streams.Add("run-local", s)
	defer fx.streams.Remove("run-local")

	status, body := fx.doJSON(t, http.MethodPost, "/api/v1/runs/run-local/steer", map[string]any{
		"text": "focus on the summary",
	})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "local", body["delivery"])

	msg, ok := s.TakeInjection()
	require.True(t, ok)
	assert.Equal(t, "focus on the summary", msg)
}

func TestSteerRemoteRunQueues(t *testing.T) {
	fx := setupAPI(t, true)
	ctx := context.Background()
	require.NoError(t, fx.store.StartRun(ctx, "run-remote", store.RunSourceChannel))

	status, body := fx.doJSON(t, http.MethodPost, "/api/v1/runs/run-remote/steer", map[string]any{
		"text": "change of plans",
	})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "queued", body["delivery"])

	entries, err := os.ReadDir(filepath.Join(fx.steering.Root(), "run-remote"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".msg"))
}

func TestSteerRunStates(t *testing.T) {
	fx := setupAPI(t, true)
	ctx := context.Background()

	status, body := fx.doJSON(t, http.MethodPost, "/api/v1/runs/never-existed/steer", map[string]any{"text": "x"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no active run", body["error"])

	require.NoError(t, fx.store.StartRun(ctx, "run-done", store.RunSourceTask))
	require.NoError(t, fx.store.FinishRun(ctx, "run-done", store.RunCompleted))
	status, body = fx.doJSON(t, http.MethodPost, "/api/v1/runs/run-done/steer", map[string]any{"text": "x"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already completed", body["error"])

	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/runs/run-done/steer", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRunEventsStreamsSSE(t *testing.T) {
	fx := setupAPI(t, true)

	s := stream.New()
	fx.streams.Add("run-sse", s)
	defer fx.streams.Remove("run-sse")

	s.Push(stream.NewEvent(stream.KindStarted, 0, nil))
	s.Push(stream.NewEvent(stream.KindAssistantText, 1, map[string]any{"text": "working on it"}))
	s.Close()

	resp, err := fx.client.Get(fx.baseURL + "/api/v1/runs/run-sse/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "event: started")
	assert.Contains(t, body, "event: assistant_text")
	assert.Contains(t, body, "working on it")
}

func TestRunEventsAbsentRun(t *testing.T) {
	fx := setupAPI(t, true)
	ctx := context.Background()

	status, body := fx.doJSON(t, http.MethodGet, "/api/v1/runs/ghost/events", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no active run", body["error"])

	require.NoError(t, fx.store.StartRun(ctx, "run-over", store.RunSourceChannel))
	require.NoError(t, fx.store.FinishRun(ctx, "run-over", store.RunFailed))
	status, _ = fx.doJSON(t, http.MethodGet, "/api/v1/runs/run-over/events", nil)
	assert.Equal(t, http.StatusConflict, status)

	// Active but owned by a worker that is not this one.
	require.NoError(t, fx.store.StartRun(ctx, "run-elsewhere", store.RunSourceChannel))
	status, body = fx.doJSON(t, http.MethodGet, "/api/v1/runs/run-elsewhere/events", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body["error"], "not owned by this worker")
}

func TestChannelStatusAndRestart(t *testing.T) {
	fx := setupAPI(t, true)
	createTestAgent(t, fx, "agent-001")

	status, body := fx.doJSON(t, http.MethodGet, "/api/v1/channels/status", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["leader"])

	fx.doJSON(t, http.MethodPost, "/api/v1/bindings", map[string]any{
		"channel_type": "telegram", "external_id": "1", "agent_id": "agent-001",
	})

	status, body = fx.doJSON(t, http.MethodPost, "/api/v1/channels/telegram/restart", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "restarted", body["status"])

	status, _ = fx.doJSON(t, http.MethodPost, "/api/v1/channels/unknown/restart", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFollowerChannelEndpoints(t *testing.T) {
	fx := setupAPI(t, false)
	createTestAgent(t, fx, "agent-001")

	// A binding created through a follower is stored but the connection
	// is only assumed.
	status, _ := fx.doJSON(t, http.MethodPost, "/api/v1/bindings", map[string]any{
		"channel_type": "telegram", "external_id": "1", "agent_id": "agent-001",
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := fx.doJSON(t, http.MethodGet, "/api/v1/channels/status", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["leader"])
	adapters := body["adapters"].([]any)
	require.Len(t, adapters, 1)
	assert.Equal(t, true, adapters[0].(map[string]any)["assumed"])

	// Restart on a follower is acknowledged, not failed.
	status, body = fx.doJSON(t, http.MethodPost, "/api/v1/channels/telegram/restart", nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "acknowledged", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	fx := setupAPI(t, true)
	resp, err := fx.client.Get(fx.baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestSSEEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	srv := &Server{logger: slog.Default()}

	srv.writeSSEEvent(rec, stream.NewEvent(stream.KindCompleted, 3, map[string]any{"answer": "done"}))
	out := rec.Body.String()
	assert.True(t, strings.HasPrefix(out, "event: completed\n"))
	assert.Contains(t, out, `"turn":3`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}
