// Package notify implements the notification pipeline between terminal
// snapshots and chat messages: admission with per-terminal cooldowns
// (Engine), the minute dispatch sweep that batches queued alerts
// (Dispatcher), message rendering (FormatBatch), the single-flight
// rate-limited delivery queue (Sender) and lifecycle housekeeping
// (Janitor).
//
// Nothing in this package talks to Telegram directly; delivery goes
// through transport.Channel so tests can substitute a fake channel.
package notify
