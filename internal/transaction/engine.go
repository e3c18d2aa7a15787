// Package transaction is the guarded apply cycle: snapshot, stage, validate,
// arm the rollback guard, apply, confirm. One transaction mutates exactly one
// managed file on the target, and the live file is never touched unless a
// guard on the target has acknowledged it is armed.
package transaction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/guard"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/retry"
	"grimm.is/rampart/internal/target"
)

// DefaultBackupDir holds pre-transaction snapshots on the target.
const DefaultBackupDir = "/var/lib/rampart/backups"

// Resource is the one managed file a transaction mutates.
type Resource struct {
	Name     string
	LivePath string
	Content  []byte
	Mode     string // staged file mode; empty means 0644

	// ValidateArgv checks a staged copy; the staged path is appended as
	// the final argument. Empty means no standalone validator exists and
	// the receipt records that gap.
	ValidateArgv []string

	// Reload candidates run after the rename, first success wins. The
	// guard reuses them after a revert.
	Reload [][]string
}

// Verifier proves the applied policy from a fresh authenticated session.
// It must not reuse the engine's session: the point is to exercise the new
// policy the way the operator will.
type Verifier func(ctx context.Context) error

// Engine executes transactions against one target.
type Engine struct {
	Host   target.Host
	Guards guard.Supervisor
	Clock  clock.Clock

	// Deadline is the guard window armed before every apply.
	Deadline time.Duration

	// Confirm is the fresh-session proof. Nil skips confirmation with a
	// receipt warning, which leaves the guard as the only safety net.
	Confirm Verifier

	// ConfirmRetry bounds confirmation attempts. The defaults stay well
	// inside the guard window.
	ConfirmRetry retry.Config

	BackupDir string

	log *logging.Logger

	mu      sync.Mutex
	pending map[string]bool // live paths with an unresolved guard
}

// NewEngine returns an engine with production defaults.
func NewEngine(host target.Host, guards guard.Supervisor, deadline time.Duration) *Engine {
	return &Engine{
		Host:         host,
		Guards:       guards,
		Clock:        &clock.RealClock{},
		Deadline:     deadline,
		ConfirmRetry: retry.ConfirmConfig(),
		BackupDir:    DefaultBackupDir,
		log:          logging.WithComponent("transaction"),
		pending:      make(map[string]bool),
	}
}

func (e *Engine) logger() *logging.Logger {
	if e.log == nil {
		e.log = logging.WithComponent("transaction")
	}
	return e.log
}

// Execute runs the full cycle for one resource. The receipt is returned on
// every path, including failures; err is non-nil whenever State is not
// Confirmed.
func (e *Engine) Execute(ctx context.Context, res Resource) (*Receipt, error) {
	now := e.Clock.Now()
	receipt := &Receipt{
		ID:        uuid.NewString(),
		Resource:  res.Name,
		LivePath:  res.LivePath,
		StartedAt: now,
		State:     Idle,
	}
	defer func() {
		receipt.FinishedAt = e.Clock.Now()
		logging.Audit("transaction", res.Name, map[string]any{
			"id": receipt.ID, "state": receipt.State.String(),
		})
	}()

	if res.LivePath == "" || res.Name == "" {
		receipt.State = advance(receipt.State, Aborted)
		receipt.Err = "resource missing name or live path"
		return receipt, fmt.Errorf("resource missing name or live path")
	}

	e.mu.Lock()
	if e.pending == nil {
		e.pending = make(map[string]bool)
	}
	if e.pending[res.LivePath] {
		e.mu.Unlock()
		receipt.State = advance(receipt.State, Aborted)
		receipt.Err = ErrResourceBusy.Error()
		return receipt, fmt.Errorf("%w: %s", ErrResourceBusy, res.LivePath)
	}
	e.mu.Unlock()

	// 1. Snapshot
	liveExisted, backupPath, err := e.snapshot(ctx, receipt, res)
	if err != nil {
		receipt.State = advance(receipt.State, Aborted)
		receipt.Err = err.Error()
		return receipt, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	if liveExisted {
		receipt.BackupPath = backupPath
	}
	receipt.State = advance(receipt.State, SnapshotTaken)

	// 2. Stage
	stagedPath := res.LivePath + ".rampart-staged"
	if err := e.stage(ctx, receipt, res, stagedPath); err != nil {
		receipt.State = advance(receipt.State, Aborted)
		receipt.Err = err.Error()
		return receipt, fmt.Errorf("%w: %v", ErrStageFailed, err)
	}
	receipt.State = advance(receipt.State, Staged)

	// 3. Validate
	if err := e.validate(ctx, receipt, res, stagedPath); err != nil {
		_ = e.Host.Remove(ctx, stagedPath)
		receipt.State = advance(receipt.State, Aborted)
		receipt.Err = err.Error()
		return receipt, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	receipt.State = advance(receipt.State, Validated)

	// 4. Arm guard. From here on the guard owns recovery.
	plan := guard.NewPlan(receipt.ID, e.Deadline)
	plan.LivePath = res.LivePath
	plan.BackupPath = backupPath
	plan.StagedPath = stagedPath
	plan.LiveExisted = liveExisted
	plan.Reload = res.Reload
	receipt.GuardDeadline = e.Deadline

	g, err := e.armGuard(ctx, receipt, plan)
	if err != nil {
		_ = e.Host.Remove(ctx, stagedPath)
		receipt.State = advance(receipt.State, Aborted)
		receipt.Err = err.Error()
		return receipt, fmt.Errorf("%w: %v", ErrGuardArmFailed, err)
	}
	receipt.State = advance(receipt.State, GuardArmed)
	deadlineAt := e.Clock.Now().Add(e.Deadline)

	e.mu.Lock()
	e.pending[res.LivePath] = true
	e.mu.Unlock()
	resolved := func() {
		e.mu.Lock()
		delete(e.pending, res.LivePath)
		e.mu.Unlock()
	}

	// 5. Apply. Failure here is not fatal to target state: the guard will
	// restore the snapshot at its deadline, so nothing is cancelled.
	applyErr := e.apply(ctx, receipt, res, stagedPath)
	receipt.State = advance(receipt.State, Applied)
	if applyErr != nil {
		receipt.Err = applyErr.Error()
		receipt.warn(fmt.Sprintf("guard is live and reverts at deadline (in %s)", e.Clock.Until(deadlineAt).Round(time.Second)))
		return receipt, fmt.Errorf("%w: %v", ErrApplyFailed, applyErr)
	}

	// 6. Confirm from a fresh session, then race the guard for the claim.
	confirmErr := e.confirm(ctx, receipt)
	if confirmErr == nil {
		disp, err := e.Guards.Cancel(ctx, g)
		switch {
		case err != nil:
			// Ambiguous: the guard may or may not fire. Leave it to
			// the deadline and say so.
			receipt.warn(fmt.Sprintf("guard cancel failed: %v; deadline decides in %s", err, e.Clock.Until(deadlineAt).Round(time.Second)))
			receipt.Err = err.Error()
			return receipt, fmt.Errorf("%w: cancel: %v", ErrConfirmationFailed, err)
		case disp == guard.Cancelled:
			resolved()
			receipt.GuardDisposition = disp
			receipt.State = advance(receipt.State, Confirmed)
			e.logger().Info("transaction confirmed", "resource", res.Name, "id", receipt.ID)
			return receipt, nil
		default:
			// The guard beat us to the claim: the snapshot is back.
			resolved()
			receipt.GuardDisposition = disp
			receipt.State = advance(receipt.State, Reverted)
			e.fetchGuardLog(ctx, receipt, g)
			err := fmt.Errorf("%w: guard expired before cancel", ErrConfirmationFailed)
			receipt.Err = err.Error()
			return receipt, err
		}
	}

	// Confirmation failed: guard-assisted immediate revert.
	disp, cancelErr := e.Guards.Cancel(ctx, g)
	switch {
	case cancelErr != nil:
		receipt.warn(fmt.Sprintf("guard cancel failed: %v; deadline decides in %s", cancelErr, e.Clock.Until(deadlineAt).Round(time.Second)))
		receipt.Err = confirmErr.Error()
		return receipt, fmt.Errorf("%w: %v", ErrConfirmationFailed, confirmErr)
	case disp == guard.Cancelled:
		// We won the claim, so the revert is ours to perform.
		resolved()
		receipt.GuardDisposition = disp
		if err := e.revert(ctx, receipt, res, liveExisted, backupPath, stagedPath); err != nil {
			receipt.warn(fmt.Sprintf("manual restore required from %s: %v", backupPath, err))
		}
		receipt.State = advance(receipt.State, Reverted)
	default:
		// Guard already fired; the snapshot is restored or restoring.
		resolved()
		receipt.GuardDisposition = disp
		receipt.State = advance(receipt.State, Reverted)
		e.fetchGuardLog(ctx, receipt, g)
	}
	receipt.Err = confirmErr.Error()
	return receipt, fmt.Errorf("%w: %v", ErrConfirmationFailed, confirmErr)
}

// runStep times one engine stage into the receipt.
func (e *Engine) runStep(receipt *Receipt, name string, fn func() error) error {
	start := e.Clock.Now()
	err := fn()
	step := Step{
		Name:      name,
		StartedAt: start,
		Duration:  e.Clock.Since(start),
		OK:        err == nil,
	}
	if err != nil {
		step.Err = err.Error()
	}
	receipt.Steps = append(receipt.Steps, step)
	return err
}

func (e *Engine) snapshot(ctx context.Context, receipt *Receipt, res Resource) (liveExisted bool, backupPath string, err error) {
	err = e.runStep(receipt, "snapshot", func() error {
		exists, err := e.Host.FileExists(ctx, res.LivePath)
		if err != nil {
			return err
		}
		liveExisted = exists

		dir := e.BackupDir
		if dir == "" {
			dir = DefaultBackupDir
		}
		stamp := clock.Stamp(e.Clock.Now())
		backupPath = fmt.Sprintf("%s/%s-%s-%s", dir, res.Name, stamp, receipt.ID[:8])

		if !exists {
			// First run: nothing to copy, revert means remove.
			return nil
		}
		if err := e.Host.MkdirAll(ctx, dir, "0700"); err != nil {
			return err
		}
		return e.Host.CopyPreserving(ctx, res.LivePath, backupPath)
	})
	return liveExisted, backupPath, err
}

func (e *Engine) stage(ctx context.Context, receipt *Receipt, res Resource, stagedPath string) error {
	return e.runStep(receipt, "stage", func() error {
		mode := res.Mode
		if mode == "" {
			mode = "0644"
		}
		return e.Host.WriteFile(ctx, stagedPath, res.Content, mode)
	})
}

func (e *Engine) validate(ctx context.Context, receipt *Receipt, res Resource, stagedPath string) error {
	return e.runStep(receipt, "validate", func() error {
		if len(res.ValidateArgv) == 0 {
			receipt.warn(fmt.Sprintf("%s has no standalone validator; the guard is the only protection", res.Name))
			return nil
		}
		argv := append(append([]string{}, res.ValidateArgv...), stagedPath)
		out, err := e.Host.Run(ctx, target.Command{Argv: argv, Sudo: true})
		if err != nil {
			return err
		}
		if !out.OK() {
			detail := strings.TrimSpace(string(out.Stderr))
			if detail == "" {
				detail = strings.TrimSpace(string(out.Stdout))
			}
			if detail == "" {
				detail = fmt.Sprintf("validator exited %d", out.ExitCode)
			}
			return fmt.Errorf("%s", firstLine(detail))
		}
		return nil
	})
}

func (e *Engine) armGuard(ctx context.Context, receipt *Receipt, plan guard.Plan) (*guard.Guard, error) {
	var g *guard.Guard
	err := e.runStep(receipt, "arm-guard", func() error {
		var err error
		g, err = e.Guards.Arm(ctx, plan)
		return err
	})
	return g, err
}

func (e *Engine) apply(ctx context.Context, receipt *Receipt, res Resource, stagedPath string) error {
	return e.runStep(receipt, "apply", func() error {
		if err := e.Host.Rename(ctx, stagedPath, res.LivePath); err != nil {
			return err
		}
		return e.reload(ctx, res.Reload)
	})
}

// reload tries each candidate command until one succeeds.
func (e *Engine) reload(ctx context.Context, candidates [][]string) error {
	if len(candidates) == 0 {
		return nil
	}
	var lastErr error
	for _, argv := range candidates {
		res, err := e.Host.Run(ctx, target.Command{Argv: append([]string{}, argv...), Sudo: true})
		if err != nil {
			lastErr = err
			continue
		}
		if res.OK() {
			return nil
		}
		lastErr = fmt.Errorf("%s exited %d: %s", argv[0], res.ExitCode, firstLine(string(res.Stderr)))
	}
	return fmt.Errorf("reload: %w", lastErr)
}

func (e *Engine) confirm(ctx context.Context, receipt *Receipt) error {
	return e.runStep(receipt, "confirm", func() error {
		if e.Confirm == nil {
			receipt.warn("no confirmation check configured; relying on guard cancel only")
			return nil
		}
		cfg := e.ConfirmRetry
		if cfg.MaxAttempts == 0 {
			cfg = retry.ConfirmConfig()
		}
		return retry.Do(ctx, cfg, func() error { return e.Confirm(ctx) })
	})
}

// revert restores the snapshot after winning the claim ourselves.
func (e *Engine) revert(ctx context.Context, receipt *Receipt, res Resource, liveExisted bool, backupPath, stagedPath string) error {
	return e.runStep(receipt, "revert", func() error {
		if liveExisted {
			if err := e.Host.CopyPreserving(ctx, backupPath, res.LivePath); err != nil {
				return err
			}
		} else {
			if err := e.Host.Remove(ctx, res.LivePath); err != nil {
				return err
			}
		}
		_ = e.Host.Remove(ctx, stagedPath)
		if err := e.reload(ctx, res.Reload); err != nil {
			receipt.warn(fmt.Sprintf("snapshot restored but %v", err))
		}
		return nil
	})
}

func (e *Engine) fetchGuardLog(ctx context.Context, receipt *Receipt, g *guard.Guard) {
	out, err := e.Guards.Log(ctx, g)
	if err != nil {
		receipt.warn(fmt.Sprintf("guard log unavailable: %v", err))
		return
	}
	receipt.GuardLog = out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
