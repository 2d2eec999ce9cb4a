// Package scheduler runs stored tasks on cron, interval, or one-shot
// schedules.
//
// Rather than keeping an in-memory timer per task, the scheduler polls
// the shared store for rows whose next_run has passed. Claiming an
// occurrence is a single transaction that writes the run log and
// advances next_run before any agent work begins, so several worker
// processes can poll the same database and each occurrence still runs
// exactly once, and a crash mid-run loses at most that run's output.
package scheduler
