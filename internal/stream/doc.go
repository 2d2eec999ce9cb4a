// ABOUTME: Package documentation for the per-run event stream
// ABOUTME: Explains the producer/consumer contract and the steering side-channel

// Package stream provides the in-process event channel between one agent
// run and whoever is watching it.
//
// The run (producer) calls Push for each progress event and Close when it
// finishes. The single watcher (consumer) drains events via Consume, which
// yields them in push order and synthesizes heartbeat events during idle
// periods so intermediary proxies never see a dead connection.
//
// Steering flows the other way: Inject queues an operator instruction,
// and the run loop polls HasInjection/TakeInjection at turn boundaries.
// The two queues are independent - injection is still accepted after the
// event side has closed, because the run may check for late steering
// before it fully exits.
//
// A Stream has no cross-process awareness; the steering package bridges
// workers that do not share memory.
package stream
