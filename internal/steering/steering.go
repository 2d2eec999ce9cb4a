// ABOUTME: Filesystem-backed cross-worker steering message queue
// ABOUTME: Atomic write-then-rename publish, filename-ordered poll consumption

package steering

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389/crewd/internal/metrics"
	"github.com/2389/crewd/internal/stream"
)

// DefaultPollInterval is how often the drain loop lists a run's directory.
const DefaultPollInterval = 300 * time.Millisecond

const (
	msgSuffix = ".msg"
	tmpSuffix = ".tmp"
)

// Transport is the filesystem message queue. Workers share the root
// directory (local disk or a mounted volume); memory is not shared, so a
// steer request landing on one worker reaches the run owned by another
// through files under <root>/<run_id>/.
type Transport struct {
	root   string
	poll   time.Duration
	logger *slog.Logger
}

// NewTransport creates a transport rooted at dir.
func NewTransport(dir string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		root:   dir,
		poll:   DefaultPollInterval,
		logger: logger.With("component", "steering"),
	}
}

// Root returns the transport's root directory.
func (t *Transport) Root() string {
	return t.root
}

// SetPollInterval overrides the default drain poll interval. Call before
// any drain loop starts.
func (t *Transport) SetPollInterval(d time.Duration) {
	if d > 0 {
		t.poll = d
	}
}

// PollInterval returns the configured drain poll interval.
func (t *Transport) PollInterval() time.Duration {
	return t.poll
}

// runDir returns the directory holding a run's pending messages.
func (t *Transport) runDir(runID string) string {
	return filepath.Join(t.root, runID)
}

// Submit publishes a steering message for a run. The file is written under
// a temporary name and renamed into place; rename is atomic on the same
// filesystem, so a concurrent reader never observes a partial write. The
// final name carries a nanosecond timestamp, the writer's pid, and a random
// suffix, so concurrent workers cannot collide and names sort in write
// order.
func (t *Transport) Submit(runID, text string) error {
	dir := t.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating steering directory: %w", err)
	}

	var randBytes [4]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return fmt.Errorf("generating message suffix: %w", err)
	}
	unique := fmt.Sprintf("%d_%d_%s", time.Now().UnixNano(), os.Getpid(), hex.EncodeToString(randBytes[:]))

	tmpPath := filepath.Join(dir, unique+tmpSuffix)
	if err := os.WriteFile(tmpPath, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing steering message: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, unique+msgSuffix)); err != nil {
		return fmt.Errorf("publishing steering message: %w", err)
	}

	metrics.SteeringMessages.WithLabelValues("submitted").Inc()
	t.logger.Debug("steering message submitted", "run_id", runID)
	return nil
}

// DrainLoop polls the run's directory and injects published messages into
// the stream, in filename order, deleting each after injection. It returns
// when the stream closes or ctx is cancelled. Failures on individual files
// are skipped: the message is lost rather than the poller crashing, and
// a delete that fails because another worker got there first counts as
// already delivered.
func (t *Transport) DrainLoop(ctx context.Context, runID string, s *stream.Stream, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if s.Closed() {
			return
		}
		t.drainOnce(runID, s)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainOnce forwards every fully published message currently on disk.
func (t *Transport) drainOnce(runID string, s *stream.Stream) {
	dir := t.runDir(runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Directory may not exist yet; nothing to deliver.
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), msgSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			t.logger.Warn("skipping unreadable steering message", "run_id", runID, "file", name, "error", err)
			continue
		}
		s.Inject(string(data))
		metrics.SteeringMessages.WithLabelValues("delivered").Inc()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("failed to remove delivered steering message", "run_id", runID, "file", name, "error", err)
		}
	}
}

// Cleanup removes a run's steering directory. Best-effort; invoked by
// whichever component ends the run's lifecycle.
func (t *Transport) Cleanup(runID string) {
	if err := os.RemoveAll(t.runDir(runID)); err != nil {
		t.logger.Warn("steering cleanup failed", "run_id", runID, "error", err)
	}
}
