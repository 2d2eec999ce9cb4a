// ABOUTME: Process-local registry of live run streams keyed by run ID
// ABOUTME: Lets HTTP handlers find the stream for a run executing in this worker

package stream

import "sync"

// Registry tracks the streams of runs executing in this worker process.
// A steer request can check it to decide between injecting locally and
// writing to the cross-process steering transport.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Add registers a run's stream. It replaces any prior stream for the same
// run ID.
func (r *Registry) Add(runID string, s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[runID] = s
}

// Get returns the stream for a run, if this worker owns it.
func (r *Registry) Get(runID string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[runID]
	return s, ok
}

// Remove drops a run's stream. Safe to call for unknown IDs.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, runID)
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
