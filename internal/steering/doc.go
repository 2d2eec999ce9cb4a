// ABOUTME: Package documentation for the cross-worker steering transport
// ABOUTME: Explains why the filesystem is used as the IPC mechanism

// Package steering bridges steer requests across worker processes.
//
// When the server runs with multiple workers, the stream for a run lives
// in exactly one worker's memory, but a steer POST may land on any of
// them. The shared filesystem is the lowest-common-denominator IPC channel
// available to unrelated processes without pulling in a broker, and the
// latency tolerance here is the poll interval, not sub-millisecond.
//
// Publish is write-temp-then-rename: the poller only ever lists *.msg
// files, never the *.tmp names still being written. Exactly one worker
// consumes each message because deletion after read is unconditional; a
// remove that fails because the file is already gone means another worker
// delivered it first.
package steering
