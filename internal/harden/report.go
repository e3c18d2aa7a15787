package harden

import (
	"fmt"
	"time"

	"grimm.is/rampart/internal/bootstrap"
	"grimm.is/rampart/internal/probe"
	"grimm.is/rampart/internal/transaction"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	// Hardened: every payload applied and confirmed.
	Hardened Outcome = "hardened"

	// RevertedSafe: a payload went live but was rolled back, by the guard
	// or by an explicit revert. The target runs its pre-run configuration.
	RevertedSafe Outcome = "reverted-safe"

	// Aborted: a transaction stopped before mutating the live config.
	Aborted Outcome = "aborted"

	// Failed: preconditions, connectivity, or bootstrap. No policy
	// transaction started.
	Failed Outcome = "failed"
)

// ExitCode is 0 only for a fully hardened target. A successful automatic
// revert still exits 1: the machine is safe but not hardened.
func (o Outcome) ExitCode() int {
	if o == Hardened {
		return 0
	}
	return 1
}

// RunReport is the full account of one hardening run.
type RunReport struct {
	Target     string    `json:"target"`
	Endpoint   string    `json:"endpoint"`
	Login      string    `json:"login"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	ExitCode   int       `json:"exit_code"`

	Probe     *probe.Report          `json:"probe,omitempty"`
	Bootstrap *bootstrap.Report      `json:"bootstrap,omitempty"`
	Receipts  []*transaction.Receipt `json:"receipts,omitempty"`

	Skipped  []string `json:"skipped,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Err      string   `json:"error,omitempty"`

	// GeneratedCredential is set when rampart invented the managed
	// identity's passphrase. Shown to the operator once; the journal
	// never stores it.
	GeneratedCredential string `json:"generated_credential,omitempty"`
}

// Summary is the one-line outcome used for notifications and logs.
func (r *RunReport) Summary() string {
	switch r.Outcome {
	case Hardened:
		return fmt.Sprintf("hardened, %d payloads confirmed", len(r.Receipts))
	case RevertedSafe:
		return fmt.Sprintf("snapshot restored: %s", r.Err)
	case Aborted:
		return fmt.Sprintf("aborted before mutation: %s", r.Err)
	default:
		return fmt.Sprintf("failed: %s", r.Err)
	}
}

func (r *RunReport) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
