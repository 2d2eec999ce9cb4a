// ABOUTME: Tests for scheduled task store operations
// ABOUTME: Covers CRUD, due listing, and the transactional dispatch claim

package store

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTask(id, name string, nextRun time.Time) *ScheduledTask {
	return &ScheduledTask{
		ID:            id,
		Name:          name,
		AgentID:       "agent-001",
		Prompt:        "summarize the day",
		ScheduleType:  ScheduleInterval,
		ScheduleValue: "3600",
		NextRun:       &nextRun,
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.CreateTask(ctx, testTask("task-001", "daily", next)))

	got, err := s.GetTask(ctx, "task-001")
	require.NoError(t, err)
	assert.Equal(t, "daily", got.Name)
	assert.Equal(t, TaskActive, got.Status)
	assert.Equal(t, ContextIsolated, got.ContextMode)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))
	assert.Nil(t, got.LastRun)
	assert.Zero(t, got.RunCount)
}

func TestTaskStore_DuplicateName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	next := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "daily", next)))
	require.ErrorIs(t, s.CreateTask(ctx, testTask("t2", "daily", next)), ErrDuplicateTaskName)
}

func TestTaskStore_ListDue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateTask(ctx, testTask("past", "past", now.Add(-time.Minute))))
	require.NoError(t, s.CreateTask(ctx, testTask("future", "future", now.Add(time.Hour))))

	paused := testTask("paused", "paused", now.Add(-time.Minute))
	paused.Status = TaskPaused
	require.NoError(t, s.CreateTask(ctx, paused))

	due, err := s.ListDueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "past", due[0].ID)
}

func TestTaskStore_DispatchDue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "hourly", now.Add(-time.Second))))

	next := now.Add(time.Hour)
	err := s.DispatchDue(ctx, "t1", "run-001", "trace-001", now, &next, false)
	require.NoError(t, err)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, TaskActive, got.Status)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))
	require.NotNil(t, got.LastRun)
	assert.True(t, got.LastRun.Equal(now))

	logs, err := s.ListRunLogs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "run-001", logs[0].ID)
	assert.Equal(t, RunStatusRunning, logs[0].Status)
	assert.Equal(t, "trace-001", logs[0].TraceID)

	// The same occurrence cannot be claimed twice.
	err = s.DispatchDue(ctx, "t1", "run-002", "trace-002", now, &next, false)
	require.ErrorIs(t, err, ErrTaskNotDue)
}

func TestTaskStore_DispatchComplete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	now := time.Now().UTC().Truncate(time.Second)
	task := testTask("t1", "one-shot", now.Add(-time.Second))
	task.ScheduleType = ScheduleOnce
	task.ScheduleValue = now.Format(time.RFC3339)
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.DispatchDue(ctx, "t1", "run-001", "trace-001", now, nil, true))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Nil(t, got.NextRun)
}

func TestTaskStore_DispatchManual(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	now := time.Now().UTC().Truncate(time.Second)
	scheduled := now.Add(24 * time.Hour)
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "hourly", scheduled)))

	require.NoError(t, s.DispatchManual(ctx, "t1", "run-001", "trace-001", now))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, TaskActive, got.Status)
	require.NotNil(t, got.LastRun)
	assert.True(t, got.LastRun.Equal(now))

	// next_run is not part of the manual claim.
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(scheduled))

	logs, err := s.ListRunLogs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, RunStatusRunning, logs[0].Status)

	// Paused tasks cannot be claimed manually.
	require.NoError(t, s.SetTaskStatus(ctx, "t1", TaskPaused, nil))
	require.ErrorIs(t, s.DispatchManual(ctx, "t1", "run-002", "trace-002", now), ErrTaskNotFound)
}

func TestTaskStore_FinalizeRunLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "hourly", now.Add(-time.Second))))
	next := now.Add(time.Hour)
	require.NoError(t, s.DispatchDue(ctx, "t1", "run-001", "trace-001", now, &next, false))

	longSummary := strings.Repeat("x", 600)
	require.NoError(t, s.FinalizeRunLog(ctx, "run-001", RunStatusCompleted, longSummary, ""))

	logs, err := s.ListRunLogs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, RunStatusCompleted, logs[0].Status)
	assert.Len(t, logs[0].ResultSummary, 500)
	require.NotNil(t, logs[0].CompletedAt)

	require.ErrorIs(t, s.FinalizeRunLog(ctx, "missing", RunStatusFailed, "", "boom"), ErrRunLogNotFound)
}

func TestTaskStore_FinalizeRunLogMultibyteSummary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "hourly", now.Add(-time.Second))))
	next := now.Add(time.Hour)
	require.NoError(t, s.DispatchDue(ctx, "t1", "run-001", "trace-001", now, &next, false))

	// A rune straddling the cap must be dropped whole, never split.
	summary := strings.Repeat("x", 499) + "汉字汉字"
	require.NoError(t, s.FinalizeRunLog(ctx, "run-001", RunStatusCompleted, summary, ""))

	logs, err := s.ListRunLogs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, utf8.ValidString(logs[0].ResultSummary))
	assert.LessOrEqual(t, len(logs[0].ResultSummary), 500)
	assert.Equal(t, strings.Repeat("x", 499), logs[0].ResultSummary)
}

func TestTaskStore_SetStatusAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-001")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateTask(ctx, testTask("t1", "hourly", now)))

	require.NoError(t, s.SetTaskStatus(ctx, "t1", TaskPaused, nil))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskPaused, got.Status)
	assert.Nil(t, got.NextRun)

	resume := now.Add(time.Minute)
	require.NoError(t, s.SetTaskStatus(ctx, "t1", TaskActive, &resume))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(resume))

	require.NoError(t, s.DeleteTask(ctx, "t1"))
	_, err = s.GetTask(ctx, "t1")
	require.ErrorIs(t, err, ErrTaskNotFound)
}
