package scheduler

import "time"

// Config controls the sweep cadence and the dispatch pool.
type Config struct {
	Enabled       bool
	CheckInterval time.Duration
	// MaxAttempts is the retry budget: a reminder becomes FAILED after this
	// many transient-failure attempts.
	MaxAttempts int
	// Workers caps concurrent dispatch calls process-wide.
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
}

// Outcome classifies one dispatch.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeTransientFailure Outcome = "transient-failure"
	OutcomePermanentFailure Outcome = "permanent-failure"
)

// Attempt is one recorded dispatch, kept in a bounded in-memory ring for
// operator visibility. It is not persisted; the retry state machine lives
// in the reminder's status and attempt count.
type Attempt struct {
	GuildID    string
	ReminderID int64
	Target     string
	Outcome    Outcome
	At         time.Time
	Error      string
}

// Snapshot is a point-in-time view of the scheduler for status surfaces.
type Snapshot struct {
	Enabled       bool
	Running       bool
	CheckInterval time.Duration
	MaxAttempts   int
	Workers       int
	RatePerSec    int

	Checked      uint64
	Sent         uint64
	Retried      uint64
	Failed       uint64
	DMFailed     uint64
	TicksSkipped uint64

	Attempts []Attempt
}
