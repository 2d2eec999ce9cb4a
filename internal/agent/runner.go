// ABOUTME: The consumed agent-run interface and its request/result shapes
// ABOUTME: The reasoning loop itself lives elsewhere; crewd only drives it

package agent

import (
	"context"

	"github.com/2389/crewd/internal/stream"
)

// ImageContent is an inline vision attachment passed to the agent.
type ImageContent struct {
	MediaType string // e.g. "image/png"
	Data      string // base64-encoded bytes
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	Prompt string

	// PriorContext is the agent's working message list from an earlier
	// run in the same session, or nil for an isolated run.
	PriorContext []byte

	// Images are inline vision attachments.
	Images []ImageContent

	// Stream, when non-nil, receives progress events as the run
	// advances; the run loop polls its injection side-channel at turn
	// boundaries.
	Stream *stream.Stream
}

// RunResult is the structured outcome of an agent run.
type RunResult struct {
	Success      bool
	Answer       string
	Error        string
	TotalTurns   int
	InputTokens  int
	OutputTokens int

	// ProducedFiles are absolute local paths of files the run created.
	ProducedFiles []string

	// FinalContext is the updated working message list, opaque to the
	// caller, persisted whole when the run belongs to a session.
	FinalContext []byte
}

// Runner executes agent runs. Implementations wrap whatever reasoning
// loop is configured for an agent; crewd treats them as black boxes.
type Runner interface {
	// Run executes the agent against one prompt. A failed run is
	// reported through RunResult (Success=false, Error set) when the
	// agent itself failed, and through the error return only when the
	// invocation machinery did.
	Run(ctx context.Context, agentID string, req RunRequest) (*RunResult, error)
}
