package transaction

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/guard"
	"grimm.is/rampart/internal/retry"
	"grimm.is/rampart/internal/target"
)

const (
	testLive   = "/etc/ssh/sshd_config.d/99-rampart.conf"
	testStaged = testLive + ".rampart-staged"
	oldPolicy  = "PermitRootLogin yes\n"
	newPolicy  = "PermitRootLogin no\nPasswordAuthentication no\n"
)

func testResource() Resource {
	return Resource{
		Name:         "access_policy",
		LivePath:     testLive,
		Content:      []byte(newPolicy),
		Mode:         "0644",
		ValidateArgv: []string{"sshd", "-t", "-f"},
		Reload: [][]string{
			{"systemctl", "restart", "ssh"},
			{"systemctl", "restart", "sshd"},
		},
	}
}

// newTestEngine wires an engine with retry delays suitable for tests.
func newTestEngine(mem *target.MemHost, sup guard.Supervisor, deadline time.Duration) *Engine {
	e := NewEngine(mem, sup, deadline)
	e.ConfirmRetry = retry.Config{
		MaxAttempts:   2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1.0,
	}
	e.Confirm = func(context.Context) error { return nil }
	return e
}

// spyGuards counts Arm calls on top of a real supervisor.
type spyGuards struct {
	guard.Supervisor
	arms int32
}

func (s *spyGuards) Arm(ctx context.Context, plan guard.Plan) (*guard.Guard, error) {
	atomic.AddInt32(&s.arms, 1)
	return s.Supervisor.Arm(ctx, plan)
}

func TestExecute_Confirmed(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 10*time.Second)

	var confirms int32
	e.Confirm = func(context.Context) error {
		atomic.AddInt32(&confirms, 1)
		return nil
	}

	rec, err := e.Execute(context.Background(), testResource())
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, Confirmed, rec.State)
	assert.True(t, rec.Committed())
	assert.Equal(t, guard.Cancelled, rec.GuardDisposition)
	assert.EqualValues(t, 1, atomic.LoadInt32(&confirms))

	// New policy is live, the snapshot survived, the staged copy is gone.
	assert.Equal(t, newPolicy, string(mem.FileContent(testLive)))
	require.NotEmpty(t, rec.BackupPath)
	assert.Equal(t, oldPolicy, string(mem.FileContent(rec.BackupPath)))
	assert.Nil(t, mem.FileContent(testStaged))

	var names []string
	for _, s := range rec.Steps {
		names = append(names, s.Name)
		assert.True(t, s.OK, "step %s should have succeeded", s.Name)
	}
	assert.Equal(t, []string{"snapshot", "stage", "validate", "arm-guard", "apply", "confirm"}, names)

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.FinishedAt.IsZero())
	assert.Empty(t, rec.Warnings)
	assert.Empty(t, rec.Err)
}

// The guard must be armed on the target before the live file is touched. This
// runs the real remote supervisor against the fake host and checks op order.
func TestExecute_GuardArmedBeforeLiveMutate(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	mem.RunFunc = func(cmd target.Command) (target.Result, error) {
		if cmd.Detach && cmd.Argv[0] == "sh" {
			dir := strings.TrimSuffix(cmd.Argv[1], "/guard.sh")
			mem.SetFile(dir+"/guard.pid", []byte("12345\n"), "")
			mem.SetFile(dir+"/guard.log", []byte("armed deadline=10\n"), "")
		}
		return target.Result{}, nil
	}
	sup := guard.NewRemoteSupervisor(mem)
	sup.PollInterval = time.Millisecond
	e := newTestEngine(mem, sup, 10*time.Second)

	rec, err := e.Execute(context.Background(), testResource())
	require.NoError(t, err)
	require.Equal(t, Confirmed, rec.State)

	snapshot := mem.OpIndex("copy:" + testLive)
	staged := mem.OpIndex("write:" + testStaged)
	script := mem.OpIndex("write:/var/tmp/rampart-guard-")
	launch := mem.OpIndex("run:sh /var/tmp/rampart-guard-")
	applied := mem.OpIndex("rename:" + testStaged)

	for name, idx := range map[string]int{
		"snapshot": snapshot, "staged": staged, "script": script,
		"launch": launch, "applied": applied,
	} {
		require.NotEqual(t, -1, idx, "missing op: %s", name)
	}
	assert.Less(t, snapshot, staged, "snapshot before staging")
	assert.Less(t, staged, script, "staging before guard upload")
	assert.Less(t, script, launch, "guard upload before launch")
	assert.Less(t, launch, applied, "guard armed before live rename")
}

func TestExecute_ValidationFailure(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	mem.RunFunc = func(cmd target.Command) (target.Result, error) {
		if cmd.Argv[0] == "sshd" {
			return target.Result{ExitCode: 1, Stderr: []byte("bad directive: PermitRootLogi\n")}, nil
		}
		return target.Result{}, nil
	}
	spy := &spyGuards{Supervisor: guard.NewFakeSupervisor(mem)}
	e := newTestEngine(mem, spy, 10*time.Second)

	rec, err := e.Execute(context.Background(), testResource())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "bad directive")

	assert.Equal(t, Aborted, rec.State)
	assert.False(t, rec.Committed())

	// Live config byte-identical, staged copy discarded, no guard armed.
	assert.Equal(t, oldPolicy, string(mem.FileContent(testLive)))
	assert.Nil(t, mem.FileContent(testStaged))
	assert.EqualValues(t, 0, atomic.LoadInt32(&spy.arms))

	last := rec.Steps[len(rec.Steps)-1]
	assert.Equal(t, "validate", last.Name)
	assert.False(t, last.OK)
	assert.Contains(t, last.Err, "bad directive")
}

func TestExecute_FirstRunNoLiveFile(t *testing.T) {
	mem := target.NewMemHost()
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 10*time.Second)

	rec, err := e.Execute(context.Background(), testResource())
	require.NoError(t, err)

	assert.Equal(t, Confirmed, rec.State)
	assert.Empty(t, rec.BackupPath, "no snapshot path when nothing pre-existed")
	assert.Equal(t, newPolicy, string(mem.FileContent(testLive)))
	assert.Equal(t, -1, mem.OpIndex("copy:"), "nothing to back up")
}

func TestExecute_GuardArmFailure(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	sup := guard.NewFakeSupervisor(mem)
	sup.ArmErr = errors.New("target rejected script")
	e := newTestEngine(mem, sup, 10*time.Second)

	rec, err := e.Execute(context.Background(), testResource())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGuardArmFailed)

	assert.Equal(t, Aborted, rec.State)
	assert.Equal(t, oldPolicy, string(mem.FileContent(testLive)), "live untouched without a guard")
	assert.Nil(t, mem.FileContent(testStaged))
}

func TestExecute_ApplyFailureGuardRecovers(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	mem.RunFunc = func(cmd target.Command) (target.Result, error) {
		if cmd.Argv[0] == "systemctl" {
			return target.Result{ExitCode: 1, Stderr: []byte("Job for ssh.service failed\n")}, nil
		}
		return target.Result{}, nil
	}
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 40*time.Millisecond)

	rec, err := e.Execute(context.Background(), testResource())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplyFailed)

	// Not terminal: the new content is live but the guard owns recovery.
	assert.Equal(t, Applied, rec.State)
	assert.Empty(t, rec.GuardDisposition)
	assert.Equal(t, newPolicy, string(mem.FileContent(testLive)))
	require.NotEmpty(t, rec.Warnings)
	assert.Contains(t, rec.Warnings[0], "reverts at deadline")

	// The same resource is refused while that guard is unresolved.
	rec2, err2 := e.Execute(context.Background(), testResource())
	assert.ErrorIs(t, err2, ErrResourceBusy)
	assert.Equal(t, Aborted, rec2.State)

	// At the deadline the guard restores the snapshot.
	sup.WaitRevert(rec.ID)
	assert.Equal(t, oldPolicy, string(mem.FileContent(testLive)))
}

func TestExecute_DeadlineWinsOverLateConfirm(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 20*time.Millisecond)
	e.Confirm = func(context.Context) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	}

	rec, err := e.Execute(context.Background(), testResource())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmationFailed)
	assert.Contains(t, err.Error(), "guard expired")

	assert.Equal(t, Reverted, rec.State)
	assert.Equal(t, guard.Expired, rec.GuardDisposition)
	assert.Equal(t, oldPolicy, string(mem.FileContent(testLive)), "deadline revert landed")
	assert.Contains(t, rec.GuardLog, "reverted")
}

func TestExecute_ConfirmFailureRevertsImmediately(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 10*time.Second)
	e.Confirm = func(context.Context) error {
		return errors.New("handshake refused")
	}

	rec, err := e.Execute(context.Background(), testResource())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmationFailed)
	assert.Contains(t, err.Error(), "handshake refused")

	// We won the claim, so the revert is explicit and immediate.
	assert.Equal(t, Reverted, rec.State)
	assert.Equal(t, guard.Cancelled, rec.GuardDisposition)
	assert.Equal(t, oldPolicy, string(mem.FileContent(testLive)))

	last := rec.Steps[len(rec.Steps)-1]
	assert.Equal(t, "revert", last.Name)
	assert.True(t, last.OK)

	// The guard resolved, so the resource is free again.
	e.mu.Lock()
	busy := e.pending[testLive]
	e.mu.Unlock()
	assert.False(t, busy)
}

func TestExecute_CancelErrorLeavesGuardPending(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	sup := guard.NewFakeSupervisor(mem)
	sup.CancelErr = errors.New("connection reset")
	e := newTestEngine(mem, sup, 10*time.Second)

	rec, err := e.Execute(context.Background(), testResource())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmationFailed)

	// Ambiguous outcome: content stays live and the deadline decides.
	assert.Equal(t, Applied, rec.State)
	assert.Equal(t, newPolicy, string(mem.FileContent(testLive)))
	require.NotEmpty(t, rec.Warnings)
	assert.Contains(t, rec.Warnings[0], "deadline decides")

	rec2, err2 := e.Execute(context.Background(), testResource())
	assert.ErrorIs(t, err2, ErrResourceBusy)
	assert.Equal(t, Aborted, rec2.State)
}

func TestExecute_NoValidatorWarns(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 10*time.Second)

	res := testResource()
	res.ValidateArgv = nil

	rec, err := e.Execute(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, rec.State)
	require.NotEmpty(t, rec.Warnings)
	assert.Contains(t, rec.Warnings[0], "no standalone validator")
}

func TestExecute_NilConfirmReliesOnGuardOnly(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 10*time.Second)
	e.Confirm = nil

	rec, err := e.Execute(context.Background(), testResource())
	require.NoError(t, err)
	assert.Equal(t, Confirmed, rec.State)
	require.NotEmpty(t, rec.Warnings)
	assert.Contains(t, rec.Warnings[0], "no confirmation check")
}

func TestExecute_ReloadFallsBackToSecondCandidate(t *testing.T) {
	mem := target.NewMemHost()
	mem.SetFile(testLive, []byte(oldPolicy), "0644")
	mem.RunFunc = func(cmd target.Command) (target.Result, error) {
		if len(cmd.Argv) == 3 && cmd.Argv[0] == "systemctl" && cmd.Argv[2] == "ssh" {
			return target.Result{ExitCode: 5, Stderr: []byte("Unit ssh.service not found.\n")}, nil
		}
		return target.Result{}, nil
	}
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 10*time.Second)

	rec, err := e.Execute(context.Background(), testResource())
	require.NoError(t, err)
	assert.Equal(t, Confirmed, rec.State)

	assert.NotEqual(t, -1, mem.OpIndex("run:systemctl restart ssh"))
	assert.NotEqual(t, -1, mem.OpIndex("run:systemctl restart sshd"))
}

func TestExecute_RejectsEmptyResource(t *testing.T) {
	mem := target.NewMemHost()
	sup := guard.NewFakeSupervisor(mem)
	e := newTestEngine(mem, sup, 10*time.Second)

	rec, err := e.Execute(context.Background(), Resource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing name or live path")
	assert.Equal(t, Aborted, rec.State)
	assert.Empty(t, rec.Steps)
}

func TestExecute_SnapshotTransportError(t *testing.T) {
	host := &target.MockHost{}
	host.On("FileExists", testLive).Return(false, errors.New("session torn down"))

	e := NewEngine(host, guard.NewFakeSupervisor(target.NewMemHost()), 10*time.Second)
	e.Confirm = func(context.Context) error { return nil }

	rec, err := e.Execute(context.Background(), testResource())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotFailed)
	assert.Equal(t, Aborted, rec.State)
	assert.Empty(t, rec.BackupPath)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, "snapshot", rec.Steps[0].Name)
	assert.False(t, rec.Steps[0].OK)
	host.AssertExpectations(t)
}
