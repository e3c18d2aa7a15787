package transaction

import (
	"time"

	"grimm.is/rampart/internal/guard"
)

// Step is one timed engine stage inside a receipt.
type Step struct {
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	OK        bool          `json:"ok"`
	Err       string        `json:"error,omitempty"`
}

// Receipt is the full account of one transaction. Every exit path from
// Execute yields exactly one, terminal or not, and it serializes to JSON for
// the journal.
type Receipt struct {
	ID         string    `json:"id"`
	Resource   string    `json:"resource"`
	LivePath   string    `json:"live_path"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	State      State     `json:"state"`
	Steps      []Step    `json:"steps"`

	// BackupPath is where the pre-transaction snapshot lives on the
	// target. Empty when the live file did not exist before this run.
	BackupPath string `json:"backup_path,omitempty"`

	GuardDeadline    time.Duration     `json:"guard_deadline_ns,omitempty"`
	GuardDisposition guard.Disposition `json:"guard_disposition,omitempty"`
	GuardLog         string            `json:"guard_log,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Err      string   `json:"error,omitempty"`
}

// Committed reports whether the new content is live and confirmed.
func (r *Receipt) Committed() bool {
	return r.State == Confirmed
}

func (r *Receipt) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
