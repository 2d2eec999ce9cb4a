// ABOUTME: Per-run producer/consumer event channel with a steering side-channel
// ABOUTME: The agent pushes progress events; watchers consume them; steering text flows back in

package stream

import (
	"context"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is how long Consume waits for a real event
// before synthesizing a heartbeat. It must stay well below common proxy
// idle-kill thresholds (typically 60-120s).
const DefaultHeartbeatInterval = 15 * time.Second

// Stream is the event channel between one agent run (producer) and the
// single watcher draining it (consumer). It also carries steering messages
// in the opposite direction: injected text is queued separately and the
// run loop picks it up at turn boundaries.
//
// The event queue is unbounded; a run's event count is bounded by its turn
// limit, so no backpressure is applied.
type Stream struct {
	mu         sync.Mutex
	events     []Event
	injections []string
	closed     bool
	notify     chan struct{}
	heartbeat  time.Duration
}

// Option configures a Stream.
type Option func(*Stream)

// WithHeartbeatInterval overrides the idle heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// New creates an open stream.
func New(opts ...Option) *Stream {
	s := &Stream{
		notify:    make(chan struct{}, 1),
		heartbeat: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push enqueues an event. It is a no-op once the stream is closed.
func (s *Stream) Push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.wake()
}

// Close marks the stream finished. Idempotent. Consumers drain any queued
// events and then their channel ends.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Inject queues a steering message for the run loop. Injection is accepted
// even after Close: the run may still check for steering before it fully
// exits.
func (s *Stream) Inject(text string) {
	s.mu.Lock()
	s.injections = append(s.injections, text)
	s.mu.Unlock()
}

// HasInjection reports whether any steering messages are waiting.
func (s *Stream) HasInjection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.injections) > 0
}

// TakeInjection pops the oldest queued steering message, if any.
func (s *Stream) TakeInjection() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.injections) == 0 {
		return "", false
	}
	msg := s.injections[0]
	s.injections = s.injections[1:]
	return msg, true
}

// Consume returns a channel that yields events in push order until the
// stream is closed and drained, or ctx is cancelled. When no event arrives
// within the heartbeat interval a synthetic heartbeat event is yielded
// instead, so the consumer is never blocked indefinitely.
//
// Each call starts a fresh single-pass drain; the stream is built for one
// consumer at a time.
func (s *Stream) Consume(ctx context.Context) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		timer := time.NewTimer(s.heartbeat)
		defer timer.Stop()
		for {
			ev, ok, done := s.next()
			if done {
				return
			}
			if ok {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.heartbeat)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case <-s.notify:
			case <-timer.C:
				timer.Reset(s.heartbeat)
				select {
				case out <- Heartbeat():
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// next pops the oldest queued event. done is true when the stream is
// closed and the queue empty.
func (s *Stream) next() (ev Event, ok, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) > 0 {
		ev = s.events[0]
		s.events = s.events[1:]
		return ev, true, false
	}
	return Event{}, false, s.closed
}

// wake signals a waiting consumer without blocking.
func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
