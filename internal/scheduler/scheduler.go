// ABOUTME: Polling task scheduler claiming due work through the shared store
// ABOUTME: The dispatch transaction commits before execution ever starts

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crewd/internal/agent"
	"github.com/2389/crewd/internal/metrics"
	"github.com/2389/crewd/internal/steering"
	"github.com/2389/crewd/internal/store"
	"github.com/2389/crewd/internal/stream"
)

// DefaultPollInterval is how often the scheduler scans for due tasks.
const DefaultPollInterval = 5 * time.Second

// ResultSink receives a finished task's output, typically to forward it
// into a chat channel.
type ResultSink interface {
	SendToChannel(ctx context.Context, bindingID, text string, filePaths []string) error
}

// Scheduler polls the shared store for due tasks and executes them. Any
// number of workers may run schedulers against the same database; the
// dispatch transaction guarantees each occurrence is claimed exactly
// once.
type Scheduler struct {
	store        *store.SQLiteStore
	runner       agent.Runner
	sink         ResultSink
	streams      *stream.Registry
	steering     *steering.Transport
	logger       *slog.Logger
	pollInterval time.Duration
	heartbeat    time.Duration

	wg sync.WaitGroup
}

// SetHeartbeatInterval overrides the idle heartbeat of streams created
// for task runs. Zero keeps the stream default.
func (s *Scheduler) SetHeartbeatInterval(d time.Duration) {
	s.heartbeat = d
}

// New wires a scheduler. sink may be nil when no channel forwarding is
// configured.
func New(st *store.SQLiteStore, runner agent.Runner, sink ResultSink, streams *stream.Registry, steer *steering.Transport, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		store:        st,
		runner:       runner,
		sink:         sink,
		streams:      streams,
		steering:     steer,
		logger:       slog.Default().With("component", "scheduler"),
		pollInterval: pollInterval,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight task runs.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// pollOnce claims and launches every currently due task.
func (s *Scheduler) pollOnce(ctx context.Context) {
	due, err := s.store.ListDueTasks(ctx, time.Now())
	if err != nil {
		s.logger.Error("listing due tasks failed", "error", err)
		return
	}
	for i := range due {
		s.dispatch(ctx, &due[i])
	}
}

// dispatch claims one occurrence and starts its run. The claim commits
// the run log and the advanced next_run first, so a crash between claim
// and completion costs one run's output but never replays it.
func (s *Scheduler) dispatch(ctx context.Context, t *store.ScheduledTask) {
	now := time.Now()
	next, err := NextRun(t.ScheduleType, t.ScheduleValue, now)
	if err != nil {
		s.logger.Error("task has unparseable schedule, pausing it", "task", t.ID, "error", err)
		if err := s.store.SetTaskStatus(ctx, t.ID, store.TaskPaused, nil); err != nil {
			s.logger.Error("pausing broken task failed", "task", t.ID, "error", err)
		}
		return
	}

	runLogID := uuid.NewString()
	traceID := uuid.NewString()
	complete := completesAfterRun(t)

	err = s.store.DispatchDue(ctx, t.ID, runLogID, traceID, now, &next, complete)
	if errors.Is(err, store.ErrTaskNotDue) {
		// Another worker claimed this occurrence.
		return
	}
	if err != nil {
		s.logger.Error("dispatch failed", "task", t.ID, "error", err)
		metrics.TaskDispatches.WithLabelValues("error").Inc()
		return
	}
	metrics.TaskDispatches.WithLabelValues("claimed").Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, t, runLogID, traceID)
	}()
}

// execute runs the task's prompt against its agent and records the
// outcome on the claimed run log.
func (s *Scheduler) execute(ctx context.Context, t *store.ScheduledTask, runLogID, traceID string) {
	logger := s.logger.With("task", t.ID, "run_log", runLogID)
	logger.Info("task run starting", "name", t.Name)

	result, err := s.runTask(ctx, t, traceID)
	if err != nil {
		logger.Error("task run failed", "error", err)
		metrics.AgentRuns.WithLabelValues("task", "error").Inc()
		if err := s.store.FinalizeRunLog(ctx, runLogID, store.RunStatusFailed, "", err.Error()); err != nil {
			logger.Error("finalizing run log failed", "error", err)
		}
		return
	}

	status := store.RunStatusCompleted
	errMsg := ""
	if !result.Success {
		status = store.RunStatusFailed
		errMsg = result.Error
	}
	metricStatus := "completed"
	if status == store.RunStatusFailed {
		metricStatus = "failed"
	}
	metrics.AgentRuns.WithLabelValues("task", metricStatus).Inc()

	if err := s.store.FinalizeRunLog(ctx, runLogID, status, result.Answer, errMsg); err != nil {
		logger.Error("finalizing run log failed", "error", err)
	}

	if t.BindingID != "" && s.sink != nil && result.Success && result.Answer != "" {
		text := fmt.Sprintf("[%s] %s", t.Name, result.Answer)
		if err := s.sink.SendToChannel(ctx, t.BindingID, text, result.ProducedFiles); err != nil {
			logger.Warn("forwarding task result failed", "binding", t.BindingID, "error", err)
		}
	}

	logger.Info("task run finished", "status", status)
}

// runTask performs the agent run itself, wiring session context, trace
// persistence, and the steering side-channel.
func (s *Scheduler) runTask(ctx context.Context, t *store.ScheduledTask, traceID string) (*agent.RunResult, error) {
	if _, err := s.store.GetAgent(ctx, t.AgentID); err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}

	var sess *store.Session
	req := agent.RunRequest{Prompt: t.Prompt}

	if t.ContextMode == store.ContextSession {
		sessID := t.SessionID
		if sessID == "" {
			sessID = "task-" + t.ID
		}
		loaded, err := s.store.LoadOrCreateSession(ctx, sessID, t.AgentID)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		sess = loaded
		req.PriorContext = sess.ContextBlob
	}

	var streamOpts []stream.Option
	if s.heartbeat > 0 {
		streamOpts = append(streamOpts, stream.WithHeartbeatInterval(s.heartbeat))
	}
	st := stream.New(streamOpts...)
	defer st.Close()
	s.streams.Add(traceID, st)
	defer s.streams.Remove(traceID)
	go s.steering.DrainLoop(ctx, traceID, st, s.steering.PollInterval())
	defer s.steering.Cleanup(traceID)
	req.Stream = st

	if err := s.store.StartRun(ctx, traceID, store.RunSourceTask); err != nil {
		s.logger.Warn("registering run failed", "run", traceID, "error", err)
	}

	started := time.Now()
	result, err := s.runner.Run(ctx, t.AgentID, req)
	metrics.RunDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if ferr := s.store.FinishRun(ctx, traceID, store.RunFailed); ferr != nil {
			s.logger.Warn("finishing run failed", "run", traceID, "error", ferr)
		}
		return nil, err
	}

	runStatus := store.RunCompleted
	if !result.Success {
		runStatus = store.RunFailed
	}
	if ferr := s.store.FinishRun(ctx, traceID, runStatus); ferr != nil {
		s.logger.Warn("finishing run failed", "run", traceID, "error", ferr)
	}

	trace := &store.Trace{
		ID:           traceID,
		Request:      t.Prompt,
		Answer:       result.Answer,
		Success:      result.Success,
		Error:        result.Error,
		TotalTurns:   result.TotalTurns,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		DurationMS:   time.Since(started).Milliseconds(),
	}
	if err := s.store.SaveTrace(ctx, trace); err != nil {
		s.logger.Warn("saving trace failed", "trace", traceID, "error", err)
	}

	if sess != nil {
		sess.Display = append(sess.Display,
			store.SessionEntry{Role: "user", Content: t.Prompt, Timestamp: started.UTC()},
			store.SessionEntry{Role: "assistant", Content: result.Answer, Timestamp: time.Now().UTC()},
		)
		sess.ContextBlob = result.FinalContext
		if err := s.store.SaveSession(ctx, sess); err != nil {
			s.logger.Warn("saving session failed", "session", sess.ID, "error", err)
		}
	}

	return result, nil
}

// RunNow launches an immediate run of an active task outside its
// schedule: the claim records last_run and run_count and inserts a
// running log, but next_run and status stay exactly where they were,
// so the next scheduled occurrence is unaffected.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != store.TaskActive {
		return fmt.Errorf("task %s is %s, not active", taskID, t.Status)
	}

	runLogID := uuid.NewString()
	traceID := uuid.NewString()
	if err := s.store.DispatchManual(ctx, taskID, runLogID, traceID, time.Now()); err != nil {
		return err
	}
	metrics.TaskDispatches.WithLabelValues("manual").Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, t, runLogID, traceID)
	}()
	return nil
}

// Pause stops future occurrences of a task.
func (s *Scheduler) Pause(ctx context.Context, taskID string) error {
	return s.store.SetTaskStatus(ctx, taskID, store.TaskPaused, nil)
}

// Resume reactivates a paused task with a freshly computed next run.
func (s *Scheduler) Resume(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	next, err := NextRun(t.ScheduleType, t.ScheduleValue, time.Now())
	if err != nil {
		return err
	}
	return s.store.SetTaskStatus(ctx, taskID, store.TaskActive, &next)
}
