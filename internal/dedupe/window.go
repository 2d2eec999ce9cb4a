// ABOUTME: Size-bounded set of recently seen message ids
// ABOUTME: Persistent-socket channels may redeliver events after reconnects

package dedupe

import (
	"container/list"
	"sync"
)

// DefaultCapacity is large enough to cover redelivery bursts after a
// socket reconnect without unbounded growth.
const DefaultCapacity = 1000

// Window remembers the last capacity keys it was asked about. When full,
// the oldest key is dropped to make room. Safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	seen     map[string]*list.Element
	order    *list.List // oldest at front
	capacity int
}

// NewWindow creates a window holding at most capacity keys. A capacity
// of zero or less falls back to DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		seen:     make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// Seen reports whether key was observed before, marking it as observed
// either way. The check and the mark are atomic, so concurrent callers
// with the same key agree on exactly one first observation.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if elem, ok := w.seen[key]; ok {
		w.order.MoveToBack(elem)
		return true
	}

	if w.order.Len() >= w.capacity {
		front := w.order.Front()
		oldest, _ := front.Value.(string)
		w.order.Remove(front)
		delete(w.seen, oldest)
	}

	w.seen[key] = w.order.PushBack(key)
	return false
}

// Len returns the number of keys currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}
