// Package channel connects chat platforms to agents.
//
// An Adapter is one long-lived platform connection (a Feishu event
// socket, a Telegram poll loop) shared by every binding with the same
// credential identity. The Manager owns adapter lifecycle and routes
// inbound messages: it matches a binding by chat id (falling back to
// the credential's wildcard binding), applies the binding's trigger
// pattern, and runs the bound agent with the chat's session context.
//
// Multi-process deployments designate one leader. Only the leader
// connects adapters; follower processes answer status queries with
// assumed state and refuse operations that need a live connection.
//
// Platform-specific adapters live in the feishu and telegram
// subpackages.
package channel
