// Package store provides persistent storage for crewd using SQLite.
//
// # Data Models
//
//   - Agent: Named agent definition with system prompt and turn limit
//   - Binding: Channel-to-agent routing assignment with trigger pattern
//   - ChannelMessage: Audit record of inbound/outbound channel traffic
//   - ScheduledTask: Recurring or one-shot prompt with a schedule
//   - TaskRunLog: One execution of a scheduled task
//   - Session: Conversational context shared across runs
//   - Trace: End-to-end record of one agent run
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 strings in UTC.
//
// # Error Handling
//
// Each entity has sentinel not-found and duplicate errors
// (ErrBindingNotFound, ErrDuplicateChannel, ErrTaskNotFound, ...).
// All methods accept context.Context for cancellation support.
//
// # Dispatch
//
// DispatchDue is the scheduler's claim step: it commits the run log
// and the task's advanced next_run in one transaction before execution
// starts, so a crash mid-run never replays an occurrence.
//
// Use NewSQLiteStore(":memory:") for tests.
package store
