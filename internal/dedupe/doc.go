// Package dedupe tracks recently seen message ids so channel adapters
// can drop redelivered events. The window is size-bounded rather than
// time-bounded: platforms redeliver in bursts right after a reconnect,
// so recency in count terms is the useful measure.
package dedupe
