// ABOUTME: Tests for the filesystem steering transport
// ABOUTME: Covers atomic publish, ordered drain, cleanup, and partial-write safety

package steering

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crewd/internal/stream"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	return NewTransport(t.TempDir(), nil)
}

func TestTransport_SubmitCreatesPublishedFile(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.Submit("run-1", "hello"))

	entries, err := os.ReadDir(filepath.Join(tr.Root(), "run-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".msg"))

	data, err := os.ReadFile(filepath.Join(tr.Root(), "run-1", entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestTransport_DrainDeliversInWriteOrder(t *testing.T) {
	tr := newTestTransport(t)
	s := stream.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Submit("run-1", fmt.Sprintf("msg-%d", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.DrainLoop(ctx, "run-1", s, 10*time.Millisecond)
		close(done)
	}()

	// Wait until every published file has been consumed.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(tr.Root(), "run-1"))
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond, "drain loop never consumed the messages")

	cancel()
	<-done

	// All five messages were injected exactly once, in order.
	for i := 0; i < 5; i++ {
		msg, ok := s.TakeInjection()
		require.True(t, ok, "missing message %d", i)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg)
	}
	_, ok := s.TakeInjection()
	assert.False(t, ok)

	// Files consumed.
	entries, err := os.ReadDir(filepath.Join(tr.Root(), "run-1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransport_DrainStopsWhenStreamCloses(t *testing.T) {
	tr := newTestTransport(t)
	s := stream.New()
	s.Close()

	done := make(chan struct{})
	go func() {
		tr.DrainLoop(context.Background(), "run-1", s, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain loop did not stop after stream close")
	}
}

func TestTransport_DrainIgnoresInFlightTempFiles(t *testing.T) {
	tr := newTestTransport(t)
	s := stream.New()

	dir := filepath.Join(tr.Root(), "run-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Simulate a half-written message: large payload still under its
	// temporary name.
	big := strings.Repeat("x", 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "999_1_aa.tmp"), []byte(big), 0o644))
	require.NoError(t, tr.Submit("run-1", big))

	tr.drainOnce("run-1", s)

	msg, ok := s.TakeInjection()
	require.True(t, ok)
	assert.Len(t, msg, len(big), "reader observed a truncated message")
	_, ok = s.TakeInjection()
	assert.False(t, ok, "tmp file must never be delivered")
}

func TestTransport_CleanupRemovesRunDirectory(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.Submit("run-1", "bye"))

	tr.Cleanup("run-1")
	_, err := os.Stat(filepath.Join(tr.Root(), "run-1"))
	assert.True(t, os.IsNotExist(err))

	// Unknown run is a no-op.
	tr.Cleanup("never-existed")
}

func TestTransport_ConcurrentWritersUniqueNames(t *testing.T) {
	tr := newTestTransport(t)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- tr.Submit("run-1", fmt.Sprintf("w-%d", i))
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	entries, err := os.ReadDir(filepath.Join(tr.Root(), "run-1"))
	require.NoError(t, err)
	assert.Len(t, entries, n, "concurrent writers must not collide")
}
