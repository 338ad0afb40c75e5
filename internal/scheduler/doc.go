// Package scheduler runs the periodic reminder sweep.
//
// A single cron-driven tick enumerates active guilds, collects due ACTIVE
// reminders, resolves their assignments into delivery handles, and
// dispatches through the messaging collaborator under a process-wide
// concurrency cap and rate limit.
//
// Delivery intent is at-least-once with idempotent terminal marking: a
// reminder leaves ACTIVE only after full success (PROCESSED) or after its
// retry budget is exhausted or a permanent failure occurs (FAILED). A crash
// mid-tick simply re-evaluates the reminder on the next tick.
//
// Each guild's sweep runs in its own failure boundary; one guild's storage
// or delivery trouble never aborts the others.
package scheduler
