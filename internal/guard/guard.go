// Package guard arms a deadline rollback on the target itself. The guard is
// a small POSIX sh script that sleeps until its deadline and then restores
// the snapshot, so recovery works even if the orchestrator dies or the
// network drops mid-transaction. Cancellation and expiry race for a single
// atomic claim (a remote mkdir), which makes "exactly one side reverts"
// a property of the filesystem rather than of timing.
package guard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grimm.is/rampart/internal/target"
)

// Disposition is the outcome of a cancel attempt.
type Disposition string

const (
	// Cancelled: the canceller won the claim; the live file stays.
	Cancelled Disposition = "cancelled"
	// Expired: the guard won the claim and reverted (or is reverting).
	Expired Disposition = "expired"
	// AlreadyCancelled: a previous cancel won; repeat cancels are safe.
	AlreadyCancelled Disposition = "already-cancelled"
)

// Plan describes one armed guard. All paths live on the target.
type Plan struct {
	ID  string
	Dir string

	ScriptPath string
	PIDPath    string
	LogPath    string

	// ClaimDir is the CAS: whoever mkdirs it first owns the outcome.
	ClaimDir string

	Deadline time.Duration

	LivePath    string
	BackupPath  string
	StagedPath  string
	LiveExisted bool

	// Reload candidates run after a revert, first success wins.
	Reload [][]string
}

// NewPlan lays out the guard working files for one transaction.
func NewPlan(id string, deadline time.Duration) Plan {
	dir := "/var/tmp/rampart-guard-" + id
	return Plan{
		ID:         id,
		Dir:        dir,
		ScriptPath: dir + "/guard.sh",
		PIDPath:    dir + "/guard.pid",
		LogPath:    dir + "/guard.log",
		ClaimDir:   dir + "/claim",
		Deadline:   deadline,
	}
}

// Guard is an armed guard as seen by the orchestrator.
type Guard struct {
	Plan    Plan
	PID     int
	ArmedAt time.Time
}

// Supervisor manages guard lifecycle on a target.
type Supervisor interface {
	// Arm uploads and launches the guard, returning only once the guard
	// has confirmed it is armed. Until Arm returns, no live mutation may
	// happen.
	Arm(ctx context.Context, plan Plan) (*Guard, error)

	// Cancel races the guard for the claim. Idempotent: cancelling an
	// already-cancelled guard reports AlreadyCancelled without error.
	Cancel(ctx context.Context, g *Guard) (Disposition, error)

	// Log fetches the guard's self-log, best effort, for receipts.
	Log(ctx context.Context, g *Guard) (string, error)
}

// Script renders the plan as a self-contained POSIX sh script. No bash-isms:
// the target shell may be dash. Every embedded path is quoted.
func (p Plan) Script() string {
	q := target.ShellQuote
	secs := int(p.Deadline / time.Second)
	if secs < 1 {
		secs = 1
	}

	restore := fmt.Sprintf("cp -p -- %s %s", q(p.BackupPath), q(p.LivePath))
	if !p.LiveExisted {
		// First run against this resource: reverting means removing the
		// file rampart created.
		restore = fmt.Sprintf("rm -f -- %s", q(p.LivePath))
	}

	var reloads []string
	for _, argv := range p.Reload {
		words := make([]string, len(argv))
		for i, w := range argv {
			words[i] = q(w)
		}
		reloads = append(reloads, strings.Join(words, " ")+` >>"$log" 2>&1`)
	}
	reloadLine := ""
	if len(reloads) > 0 {
		reloadLine = strings.Join(reloads, " || ") + ` || echo "reload failed after revert" >>"$log"`
	}

	var b strings.Builder
	fmt.Fprintf(&b, `#!/bin/sh
# rampart rollback guard %s
# Restores %s from its snapshot unless cancelled before the deadline.
set -u

log=%s
claim=%s

echo $$ > %s
echo "armed deadline=%d" >> "$log"

sleep %d

if ! mkdir "$claim" 2>/dev/null; then
	echo "superseded" >> "$log"
	exit 0
fi
echo "owner=deadline" > "$claim/owner"

if ! %s; then
	echo "REVERT FAILED manual restore required: %s" >> "$log"
	exit 1
fi
rm -f -- %s
`,
		p.ID,
		p.LivePath,
		q(p.LogPath),
		q(p.ClaimDir),
		q(p.PIDPath),
		secs,
		secs,
		restore,
		p.BackupPath,
		q(p.StagedPath),
	)

	if reloadLine != "" {
		b.WriteString(reloadLine + "\n")
	}
	b.WriteString(`echo "reverted" >> "$log"` + "\n")
	return b.String()
}
