package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/target"
)

const (
	// DefaultArmTimeout bounds how long Arm waits for the guard to report
	// armed before declaring the arm failed.
	DefaultArmTimeout = 15 * time.Second

	defaultPollInterval = 200 * time.Millisecond
)

// RemoteSupervisor runs guards on a target over its Host session.
type RemoteSupervisor struct {
	Host  target.Host
	Clock clock.Clock

	ArmTimeout   time.Duration
	PollInterval time.Duration

	log *logging.Logger
}

// NewRemoteSupervisor returns a supervisor with production timings.
func NewRemoteSupervisor(host target.Host) *RemoteSupervisor {
	return &RemoteSupervisor{
		Host:         host,
		Clock:        &clock.RealClock{},
		ArmTimeout:   DefaultArmTimeout,
		PollInterval: defaultPollInterval,
		log:          logging.WithComponent("guard"),
	}
}

func (s *RemoteSupervisor) logger() *logging.Logger {
	if s.log == nil {
		s.log = logging.WithComponent("guard")
	}
	return s.log
}

// Arm uploads the guard script, launches it detached, and waits until the
// guard has written its pidfile, is alive, and has logged that it is armed.
// Only after Arm returns may the caller touch the live file.
func (s *RemoteSupervisor) Arm(ctx context.Context, plan Plan) (*Guard, error) {
	if plan.Deadline <= 0 {
		return nil, fmt.Errorf("guard %s: deadline not set", plan.ID)
	}
	if plan.LivePath == "" || plan.BackupPath == "" {
		return nil, fmt.Errorf("guard %s: incomplete plan", plan.ID)
	}

	if err := s.Host.MkdirAll(ctx, plan.Dir, "0700"); err != nil {
		return nil, fmt.Errorf("guard dir: %w", err)
	}
	if err := s.Host.WriteFile(ctx, plan.ScriptPath, []byte(plan.Script()), "0700"); err != nil {
		return nil, fmt.Errorf("upload guard: %w", err)
	}

	launch := target.Command{
		Argv:   []string{"sh", plan.ScriptPath},
		Sudo:   true,
		Detach: true,
	}
	if _, err := s.Host.Run(ctx, launch); err != nil {
		return nil, fmt.Errorf("launch guard: %w", err)
	}

	armTimeout := s.ArmTimeout
	if armTimeout == 0 {
		armTimeout = DefaultArmTimeout
	}
	poll := s.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}

	deadline := time.Now().Add(armTimeout)
	var lastPID int
	for time.Now().Before(deadline) {
		pid, ok := s.checkArmed(ctx, plan)
		if ok {
			s.logger().Info("guard armed", "id", plan.ID, "pid", pid,
				"deadline", plan.Deadline)
			logging.Audit("guard.arm", plan.LivePath, map[string]any{
				"id": plan.ID, "deadline": plan.Deadline.String(),
			})
			return &Guard{Plan: plan, PID: pid, ArmedAt: s.Clock.Now()}, nil
		}
		if pid != 0 {
			lastPID = pid
		}

		select {
		case <-ctx.Done():
			s.cleanupFailedArm(plan, lastPID)
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}

	s.cleanupFailedArm(plan, lastPID)
	return nil, fmt.Errorf("guard %s never reported armed within %s", plan.ID, armTimeout)
}

// checkArmed returns the guard PID and whether pidfile, liveness, and the
// armed log line are all in place.
func (s *RemoteSupervisor) checkArmed(ctx context.Context, plan Plan) (int, bool) {
	raw, err := s.Host.ReadFile(ctx, plan.PIDPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	res, err := s.Host.Run(ctx, target.Command{
		Argv: []string{"kill", "-0", strconv.Itoa(pid)},
		Sudo: true,
	})
	if err != nil || !res.OK() {
		return pid, false
	}

	logData, err := s.Host.ReadFile(ctx, plan.LogPath)
	if err != nil || !strings.Contains(string(logData), "armed") {
		return pid, false
	}
	return pid, true
}

// cleanupFailedArm tears down a guard that never armed, best effort on a
// fresh short-lived context since the caller's may be dead.
func (s *RemoteSupervisor) cleanupFailedArm(plan Plan, pid int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pid > 0 {
		_, _ = s.Host.Run(ctx, target.Command{
			Argv: []string{"kill", strconv.Itoa(pid)},
			Sudo: true,
		})
	}
	_ = s.Host.Remove(ctx, plan.ScriptPath)
	_ = s.Host.Remove(ctx, plan.PIDPath)
}

// Cancel races the guard for the claim directory. The mkdir is the entire
// correctness story; the kill afterwards is hygiene so no sleeper lingers.
func (s *RemoteSupervisor) Cancel(ctx context.Context, g *Guard) (Disposition, error) {
	res, err := s.Host.Run(ctx, target.Command{
		Argv: []string{"mkdir", g.Plan.ClaimDir},
		Sudo: true,
	})
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", g.Plan.ID, err)
	}

	if res.OK() {
		if err := s.Host.WriteFile(ctx, g.Plan.ClaimDir+"/owner", []byte("cancel\n"), ""); err != nil {
			return "", fmt.Errorf("claim won but owner write failed: %w", err)
		}
		if g.PID > 0 {
			_, _ = s.Host.Run(ctx, target.Command{
				Argv: []string{"kill", strconv.Itoa(g.PID)},
				Sudo: true,
			})
		}
		_ = s.Host.Remove(ctx, g.Plan.ScriptPath)
		_ = s.Host.Remove(ctx, g.Plan.PIDPath)

		s.logger().Info("guard cancelled", "id", g.Plan.ID)
		logging.Audit("guard.cancel", g.Plan.LivePath, map[string]any{"id": g.Plan.ID})
		return Cancelled, nil
	}

	// Lost the claim. The winner writes its owner file right after the
	// mkdir, so a short poll covers the gap.
	poll := s.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}
	ownerPath := g.Plan.ClaimDir + "/owner"
	var lastErr error
	for i := 0; i < 10; i++ {
		raw, err := s.Host.ReadFile(ctx, ownerPath)
		if err == nil {
			switch strings.TrimSpace(string(raw)) {
			case "deadline":
				return Expired, nil
			case "cancel":
				return AlreadyCancelled, nil
			default:
				return "", fmt.Errorf("guard %s: unrecognized claim owner %q", g.Plan.ID, strings.TrimSpace(string(raw)))
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
	}
	return "", fmt.Errorf("guard %s: claim taken but owner unreadable: %w", g.Plan.ID, lastErr)
}

// Log fetches the guard's self-log for the receipt.
func (s *RemoteSupervisor) Log(ctx context.Context, g *Guard) (string, error) {
	raw, err := s.Host.ReadFile(ctx, g.Plan.LogPath)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
