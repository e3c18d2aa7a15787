package harden

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"grimm.is/rampart/internal/bootstrap"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/guard"
	"grimm.is/rampart/internal/journal"
	"grimm.is/rampart/internal/notify"
	"grimm.is/rampart/internal/passphrase"
	"grimm.is/rampart/internal/probe"
	"grimm.is/rampart/internal/target"
	"grimm.is/rampart/internal/transaction"
)

// testKeyPair writes a throwaway ed25519 keypair and returns the public path.
func testKeyPair(t *testing.T) string {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	privPath := filepath.Join(t.TempDir(), "id_ed25519")
	pubPath := privPath + ".pub"
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(block), 0600))
	require.NoError(t, os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0644))
	return pubPath
}

// dialRecorder hands out the shared MemHost and remembers every dial.
type dialRecorder struct {
	mem *target.MemHost

	mu     sync.Mutex
	dials  []target.Config
	refuse func(cfg target.Config) error
}

func (d *dialRecorder) dial(_ context.Context, cfg target.Config) (target.Host, error) {
	d.mu.Lock()
	d.dials = append(d.dials, cfg)
	refuse := d.refuse
	d.mu.Unlock()

	if refuse != nil {
		if err := refuse(cfg); err != nil {
			return nil, err
		}
	}
	return d.mem, nil
}

func (d *dialRecorder) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

// identityDials counts key-auth dials as the managed identity.
func (d *dialRecorder) identityDials(login string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, cfg := range d.dials {
		if cfg.User == login && cfg.Signer != nil {
			n++
		}
	}
	return n
}

// scriptedHost behaves like a plain Debian box: commands succeed, getent
// knows the managed identity. overrides, when set, wins for matching
// commands.
func scriptedHost(overrides func(cmd target.Command) (target.Result, bool)) *target.MemHost {
	mem := target.NewMemHost()
	mem.RunFunc = func(cmd target.Command) (target.Result, error) {
		if overrides != nil {
			if res, ok := overrides(cmd); ok {
				return res, nil
			}
		}
		if cmd.Argv[0] == "getent" {
			return target.Result{Stdout: []byte("warden:x:1000:1000::/home/warden:/bin/bash\n")}, nil
		}
		return target.Result{}, nil
	}
	return mem
}

func testWorkflow(mem *target.MemHost) (*Workflow, *dialRecorder, *guard.FakeSupervisor) {
	rec := &dialRecorder{mem: mem}
	sup := guard.NewFakeSupervisor(mem)

	w := NewWorkflow()
	w.Dialer = rec.dial
	w.Probe = func(_ context.Context, opts probe.Options) *probe.Report {
		return &probe.Report{
			Address: opts.Endpoint.Address,
			SSHUser: opts.Endpoint.User,
			Status:  probe.Reachable,
		}
	}
	w.GuardsFor = func(target.Host) guard.Supervisor { return sup }
	return w, rec, sup
}

func baseParams(t *testing.T) Params {
	t.Helper()
	return Params{
		Target:            "vps1",
		Endpoint:          target.Endpoint{Address: "203.0.113.10", User: "root"},
		BootstrapPassword: "initial-root-pw",
		PublicKeyPath:     testKeyPair(t),
		Deadline:          15 * time.Second,
	}
}

func TestRun_Hardened(t *testing.T) {
	mem := scriptedHost(nil)
	w, rec, _ := testWorkflow(mem)

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), 30)
	require.NoError(t, err)
	defer store.Close()
	w.Journal = store

	var notifiedMu sync.Mutex
	var notified notify.Event
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		notifiedMu.Lock()
		defer notifiedMu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&notified))
	}))
	defer srv.Close()
	w.Notify = notify.NewDispatcher(&config.Notify{
		Enabled:  true,
		Channels: []config.Channel{{Name: "ops", Type: "webhook", URL: srv.URL}},
	}, nil)

	rep, err := w.Run(context.Background(), baseParams(t))
	require.NoError(t, err)

	assert.Equal(t, Hardened, rep.Outcome)
	assert.Zero(t, rep.ExitCode)
	assert.False(t, rep.FinishedAt.IsZero())

	require.Len(t, rep.Receipts, 4)
	assert.Equal(t, "access_policy", rep.Receipts[0].Resource,
		"access policy goes first so its confirmation proves the new login path")
	for _, rc := range rep.Receipts {
		assert.True(t, rc.Committed(), rc.Resource)
	}

	// Bootstrap proved the identity, the run invented its credential.
	require.NotNil(t, rep.Bootstrap)
	assert.True(t, rep.Bootstrap.KeyInstalled)
	assert.True(t, rep.Bootstrap.SudoGranted)
	require.NotEmpty(t, rep.GeneratedCredential)
	assert.True(t, passphrase.IsStrong(rep.GeneratedCredential))

	// Policy files landed with the expected content.
	assert.Contains(t, string(mem.FileContent("/etc/ssh/sshd_config.d/90-rampart.conf")), "PermitRootLogin no")
	assert.Contains(t, string(mem.FileContent("/etc/nftables.conf")), "tcp dport 22 accept")

	// One bootstrap verify plus one confirmation per payload, all dialed
	// fresh as the managed identity with the key.
	assert.GreaterOrEqual(t, rec.identityDials("warden"), 5)

	runs, err := store.Runs("vps1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(Hardened), runs[0].Outcome)
	assert.Equal(t, 4, runs[0].Receipts)

	notifiedMu.Lock()
	defer notifiedMu.Unlock()
	assert.Equal(t, "rampart: vps1", notified.Title)
	assert.Equal(t, notify.LevelInfo, notified.Level)
}

func TestRun_Preconditions(t *testing.T) {
	pubPath := testKeyPair(t)

	cases := []struct {
		name   string
		field  string
		mutate func(p *Params)
	}{
		{"bad address", "address", func(p *Params) { p.Endpoint.Address = "not valid!" }},
		{"bad port", "port", func(p *Params) { p.Endpoint.Port = 70000 }},
		{"no bootstrap user", "bootstrap_user", func(p *Params) { p.Endpoint.User = "" }},
		{"no credential", "bootstrap_credential", func(p *Params) { p.BootstrapPassword = "" }},
		{"bad login", "login", func(p *Params) { p.Login = "Root" }},
		{"short deadline", "deadline", func(p *Params) { p.Deadline = 2 * time.Second }},
		{"missing key file", "public_key", func(p *Params) { p.PublicKeyPath = "/nonexistent/key.pub" }},
		{"private key passed as public", "public_key", func(p *Params) {
			p.PublicKeyPath = strings.TrimSuffix(pubPath, ".pub")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := scriptedHost(nil)
			w, rec, _ := testWorkflow(mem)
			probed := false
			w.Probe = func(_ context.Context, _ probe.Options) *probe.Report {
				probed = true
				return &probe.Report{Status: probe.Reachable}
			}

			p := baseParams(t)
			tc.mutate(&p)

			rep, err := w.Run(context.Background(), p)
			require.Error(t, err)

			var pre *PreconditionError
			require.ErrorAs(t, err, &pre)
			assert.Equal(t, tc.field, pre.Field)

			assert.Equal(t, Failed, rep.Outcome)
			assert.Equal(t, 1, rep.ExitCode)
			assert.False(t, probed, "no network traffic on a precondition failure")
			assert.Zero(t, rec.dialCount())
			assert.Empty(t, mem.OpLog())
		})
	}
}

func TestRun_ConnectivityFailure(t *testing.T) {
	mem := scriptedHost(nil)
	w, rec, _ := testWorkflow(mem)
	w.Probe = func(_ context.Context, _ probe.Options) *probe.Report {
		return &probe.Report{Status: probe.Unreachable, Err: fmt.Errorf("connection refused")}
	}

	rep, err := w.Run(context.Background(), baseParams(t))
	require.Error(t, err)

	var ce *ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, probe.Unreachable, ce.Status)

	assert.Equal(t, Failed, rep.Outcome)
	require.NotNil(t, rep.Probe)
	assert.Zero(t, rec.dialCount(), "probe failure stops everything")
	assert.Empty(t, rep.Receipts)
}

func TestRun_BootstrapFailureStops(t *testing.T) {
	mem := scriptedHost(func(cmd target.Command) (target.Result, bool) {
		if cmd.Argv[0] == "visudo" {
			return target.Result{ExitCode: 1, Stderr: []byte("syntax error near line 1\n")}, true
		}
		return target.Result{}, false
	})
	w, _, _ := testWorkflow(mem)

	rep, err := w.Run(context.Background(), baseParams(t))
	require.Error(t, err)

	var be *bootstrap.BootstrapError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, bootstrap.StepSudo, be.Step)

	assert.Equal(t, Failed, rep.Outcome)
	assert.Empty(t, rep.Receipts, "no policy transaction after a failed bootstrap")
	assert.Equal(t, -1, mem.OpIndex("write:/etc/ssh/sshd_config.d"))
}

func TestRun_ValidationAbortStopsRun(t *testing.T) {
	mem := scriptedHost(func(cmd target.Command) (target.Result, bool) {
		if cmd.Argv[0] == "nft" {
			return target.Result{ExitCode: 1, Stderr: []byte("syntax error in rule\n")}, true
		}
		return target.Result{}, false
	})
	w, _, _ := testWorkflow(mem)

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), 30)
	require.NoError(t, err)
	defer store.Close()
	w.Journal = store

	rep, err := w.Run(context.Background(), baseParams(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, transaction.ErrValidationFailed)

	assert.Equal(t, Aborted, rep.Outcome)
	require.Len(t, rep.Receipts, 3, "intrusion_ban is never attempted")
	assert.Equal(t, transaction.Confirmed, rep.Receipts[0].State)
	assert.Equal(t, transaction.Confirmed, rep.Receipts[1].State)
	assert.Equal(t, transaction.Aborted, rep.Receipts[2].State)
	for _, rc := range rep.Receipts {
		assert.NotEqual(t, "intrusion_ban", rc.Resource)
	}

	// Even a failed run journals what it did.
	runs, err := store.Runs("vps1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(Aborted), runs[0].Outcome)
	assert.Equal(t, 3, runs[0].Receipts)
}

func TestRun_ApplyFailureReportsRevertedSafe(t *testing.T) {
	mem := scriptedHost(func(cmd target.Command) (target.Result, bool) {
		if cmd.Argv[0] == "sysctl" {
			return target.Result{ExitCode: 1, Stderr: []byte("sysctl: cannot stat\n")}, true
		}
		return target.Result{}, false
	})
	w, _, _ := testWorkflow(mem)

	rep, err := w.Run(context.Background(), baseParams(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, transaction.ErrApplyFailed)

	assert.Equal(t, RevertedSafe, rep.Outcome)
	assert.Equal(t, 1, rep.ExitCode)
	require.Len(t, rep.Receipts, 2)
	assert.Equal(t, transaction.Applied, rep.Receipts[1].State,
		"the guard owns recovery, the run does not wait for it")
}

func TestRun_MissingUnitSkipsPayload(t *testing.T) {
	mem := scriptedHost(func(cmd target.Command) (target.Result, bool) {
		if len(cmd.Argv) == 3 && cmd.Argv[0] == "systemctl" && cmd.Argv[1] == "cat" &&
			cmd.Argv[2] == "fail2ban.service" {
			return target.Result{ExitCode: 1, Stderr: []byte("No files found for fail2ban.service.\n")}, true
		}
		return target.Result{}, false
	})
	w, _, _ := testWorkflow(mem)

	rep, err := w.Run(context.Background(), baseParams(t))
	require.NoError(t, err, "a missing optional unit downgrades to a skip")

	assert.Equal(t, Hardened, rep.Outcome)
	assert.Equal(t, []string{"intrusion_ban"}, rep.Skipped)
	assert.Len(t, rep.Receipts, 3)
	require.NotEmpty(t, rep.Warnings)
	assert.Contains(t, rep.Warnings[0], "fail2ban")
}

func TestOutcome_ExitCodes(t *testing.T) {
	assert.Zero(t, Hardened.ExitCode())
	assert.Equal(t, 1, RevertedSafe.ExitCode(), "safe is not hardened")
	assert.Equal(t, 1, Aborted.ExitCode())
	assert.Equal(t, 1, Failed.ExitCode())
}

func TestRunReport_Summary(t *testing.T) {
	hardened := &RunReport{Outcome: Hardened, Receipts: []*transaction.Receipt{{}, {}}}
	assert.Contains(t, hardened.Summary(), "2 payloads")

	reverted := &RunReport{Outcome: RevertedSafe, Err: "confirmation failed"}
	assert.Contains(t, reverted.Summary(), "snapshot restored")
	assert.Contains(t, reverted.Summary(), "confirmation failed")
}
