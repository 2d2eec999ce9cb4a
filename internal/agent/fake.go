// ABOUTME: Scripted in-process agent runner for tests and local smoke runs
// ABOUTME: Emits a canned event sequence and echoes injected steering

package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/crewd/internal/stream"
)

// ScriptedRunner is a Runner that replays a canned result, emitting a
// plausible event sequence on the way. It records every request it sees.
type ScriptedRunner struct {
	mu       sync.Mutex
	requests []RunRequest

	// Result is returned from every Run. When nil a generic success
	// echoing the prompt is produced.
	Result *RunResult

	// Err, when set, is returned as an invocation failure.
	Err error
}

// Run implements Runner.
func (r *ScriptedRunner) Run(ctx context.Context, agentID string, req RunRequest) (*RunResult, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}

	res := r.Result
	if res == nil {
		res = &RunResult{
			Success:    true,
			Answer:     "echo: " + req.Prompt,
			TotalTurns: 1,
		}
	}

	if s := req.Stream; s != nil {
		s.Push(stream.NewEvent(stream.KindStarted, 0, nil))
		s.Push(stream.NewEvent(stream.KindTurnStart, 1, nil))
		// Acknowledge any steering queued before the run reached its
		// first turn boundary, like the real loop does.
		for {
			msg, ok := s.TakeInjection()
			if !ok {
				break
			}
			s.Push(stream.NewEvent(stream.KindSteeringAck, 1, map[string]any{"message": msg}))
		}
		if res.Success {
			s.Push(stream.NewEvent(stream.KindAssistantText, 1, map[string]any{"text": res.Answer}))
			s.Push(stream.NewEvent(stream.KindCompleted, res.TotalTurns, nil))
		} else {
			s.Push(stream.NewEvent(stream.KindError, res.TotalTurns, map[string]any{"error": res.Error}))
		}
		s.Close()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}
	return res, nil
}

// Requests returns a copy of the recorded requests.
func (r *ScriptedRunner) Requests() []RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunRequest, len(r.requests))
	copy(out, r.requests)
	return out
}
