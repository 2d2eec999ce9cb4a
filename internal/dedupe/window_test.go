// ABOUTME: Tests for the bounded dedupe window
// ABOUTME: Validates first-seen semantics, eviction order, and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindow_FirstSeen(t *testing.T) {
	w := NewWindow(10)

	assert.False(t, w.Seen("msg-1"))
	assert.True(t, w.Seen("msg-1"))
	assert.False(t, w.Seen("msg-2"))
}

func TestWindow_EvictsOldest(t *testing.T) {
	w := NewWindow(3)

	for i := range 3 {
		assert.False(t, w.Seen(fmt.Sprintf("msg-%d", i)))
	}

	// Adding a fourth evicts msg-0, which then looks new again.
	assert.False(t, w.Seen("msg-3"))
	assert.False(t, w.Seen("msg-0"))
	assert.True(t, w.Seen("msg-3"))
	assert.Equal(t, 3, w.Len())
}

func TestWindow_RepeatRefreshesPosition(t *testing.T) {
	w := NewWindow(3)

	w.Seen("a")
	w.Seen("b")
	w.Seen("c")
	w.Seen("a") // refresh: "b" is now oldest
	w.Seen("d") // evicts "b"

	assert.True(t, w.Seen("a"))
	assert.False(t, w.Seen("b"))
}

func TestWindow_DefaultCapacity(t *testing.T) {
	w := NewWindow(0)

	for i := range DefaultCapacity {
		w.Seen(fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, DefaultCapacity, w.Len())

	w.Seen("overflow")
	assert.Equal(t, DefaultCapacity, w.Len())
}

func TestWindow_ConcurrentSameKey(t *testing.T) {
	w := NewWindow(100)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("shared-key") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}
