package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"grimm.is/rampart/internal/target"
)

// FakeSupervisor arms in-process guards with real timers against a MemHost.
// The claim is a mutex-guarded flag with the same single-winner semantics as
// the remote mkdir. Kept outside _test.go so other packages can wire it into
// their own tests.
type FakeSupervisor struct {
	Mem *target.MemHost

	// ArmErr and CancelErr fail the next call when set.
	ArmErr    error
	CancelErr error

	mu     sync.Mutex
	guards map[string]*fakeGuard
}

type fakeGuard struct {
	plan  Plan
	timer *time.Timer

	claimed bool
	owner   string
	log     strings.Builder

	// done closes after a deadline revert has fully landed on the MemHost.
	done chan struct{}
}

// NewFakeSupervisor returns a supervisor that reverts against mem.
func NewFakeSupervisor(mem *target.MemHost) *FakeSupervisor {
	return &FakeSupervisor{
		Mem:    mem,
		guards: make(map[string]*fakeGuard),
	}
}

// Arm starts a real timer for the plan deadline.
func (s *FakeSupervisor) Arm(_ context.Context, plan Plan) (*Guard, error) {
	if s.ArmErr != nil {
		return nil, s.ArmErr
	}

	fg := &fakeGuard{plan: plan, done: make(chan struct{})}
	fmt.Fprintf(&fg.log, "armed deadline=%d\n", int(plan.Deadline/time.Second))

	s.mu.Lock()
	if _, exists := s.guards[plan.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("guard %s already armed", plan.ID)
	}
	s.guards[plan.ID] = fg
	s.mu.Unlock()

	fg.timer = time.AfterFunc(plan.Deadline, func() { s.fire(fg) })
	return &Guard{Plan: plan, PID: 4242, ArmedAt: time.Now()}, nil
}

// fire is the deadline path: claim, then revert on the MemHost.
func (s *FakeSupervisor) fire(fg *fakeGuard) {
	s.mu.Lock()
	if fg.claimed {
		fg.log.WriteString("superseded\n")
		s.mu.Unlock()
		return
	}
	fg.claimed = true
	fg.owner = "deadline"
	s.mu.Unlock()

	ctx := context.Background()
	var failed bool
	if fg.plan.LiveExisted {
		if err := s.Mem.CopyPreserving(ctx, fg.plan.BackupPath, fg.plan.LivePath); err != nil {
			failed = true
		}
	} else {
		if err := s.Mem.Remove(ctx, fg.plan.LivePath); err != nil {
			failed = true
		}
	}
	_ = s.Mem.Remove(ctx, fg.plan.StagedPath)

	s.mu.Lock()
	if failed {
		fmt.Fprintf(&fg.log, "REVERT FAILED manual restore required: %s\n", fg.plan.BackupPath)
	} else {
		fg.log.WriteString("reverted\n")
	}
	s.mu.Unlock()
	close(fg.done)
}

// Cancel mirrors the remote claim race.
func (s *FakeSupervisor) Cancel(_ context.Context, g *Guard) (Disposition, error) {
	if s.CancelErr != nil {
		return "", s.CancelErr
	}

	s.mu.Lock()
	fg, ok := s.guards[g.Plan.ID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("unknown guard %s", g.Plan.ID)
	}

	if !fg.claimed {
		fg.claimed = true
		fg.owner = "cancel"
		fg.timer.Stop()
		fg.log.WriteString("cancelled\n")
		s.mu.Unlock()
		return Cancelled, nil
	}

	owner := fg.owner
	s.mu.Unlock()

	if owner == "deadline" {
		// Let the revert finish so callers observe the final state, the
		// way a remote Expired answer implies the restore already ran.
		<-fg.done
		return Expired, nil
	}
	return AlreadyCancelled, nil
}

// Log returns the in-process guard log.
func (s *FakeSupervisor) Log(_ context.Context, g *Guard) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fg, ok := s.guards[g.Plan.ID]
	if !ok {
		return "", fmt.Errorf("unknown guard %s", g.Plan.ID)
	}
	return fg.log.String(), nil
}

// WaitRevert blocks until the guard's deadline revert has landed. Test
// helper for deadline-expiry scenarios.
func (s *FakeSupervisor) WaitRevert(id string) {
	s.mu.Lock()
	fg, ok := s.guards[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-fg.done
}
