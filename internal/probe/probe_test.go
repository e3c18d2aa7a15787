package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/target"
)

// quiet network seams so tests never touch the wire
func stubNetwork(t *testing.T, pingOK bool, tcpErr error) {
	t.Helper()
	oldPing, oldTCP := CheckPingFunc, TCPDialFunc
	t.Cleanup(func() {
		CheckPingFunc, TCPDialFunc = oldPing, oldTCP
	})
	CheckPingFunc = func(context.Context, string, time.Duration) bool { return pingOK }
	TCPDialFunc = func(context.Context, string, time.Duration) error { return tcpErr }
}

func okDialer(host target.Host) target.Dialer {
	return func(context.Context, target.Config) (target.Host, error) {
		return host, nil
	}
}

func failDialer(err error) target.Dialer {
	return func(context.Context, target.Config) (target.Host, error) {
		return nil, err
	}
}

func TestRun_Reachable(t *testing.T) {
	stubNetwork(t, true, nil)
	mem := target.NewMemHost()

	report := Run(context.Background(), Options{
		Endpoint: target.Endpoint{Address: "203.0.113.10", User: "root"},
		Dialer:   okDialer(mem),
		SkipPing: false,
	})

	assert.Equal(t, Reachable, report.Status)
	assert.NoError(t, report.Err)
	assert.True(t, report.PingOK)
	assert.Equal(t, 22, report.Port, "default port filled in")
	assert.True(t, mem.Closed, "probe closes its session")
}

func TestRun_PingFailureIsInformational(t *testing.T) {
	stubNetwork(t, false, nil)

	report := Run(context.Background(), Options{
		Endpoint: target.Endpoint{Address: "203.0.113.10", User: "root"},
		Dialer:   okDialer(target.NewMemHost()),
	})

	assert.Equal(t, Reachable, report.Status, "dropped ICMP must not fail the probe")
	assert.False(t, report.PingOK)
}

func TestRun_TCPFailure(t *testing.T) {
	stubNetwork(t, true, errors.New("connect: connection timed out"))

	dialed := false
	report := Run(context.Background(), Options{
		Endpoint: target.Endpoint{Address: "203.0.113.10", User: "root"},
		Dialer: func(context.Context, target.Config) (target.Host, error) {
			dialed = true
			return nil, nil
		},
	})

	assert.Equal(t, Unreachable, report.Status)
	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "tcp")
	assert.False(t, dialed, "no SSH attempt when the port is closed")
}

func TestRun_AuthRefused(t *testing.T) {
	stubNetwork(t, true, nil)

	report := Run(context.Background(), Options{
		Endpoint: target.Endpoint{Address: "203.0.113.10", User: "root"},
		Dialer:   failDialer(errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")),
	})

	assert.Equal(t, AuthRefused, report.Status)
	assert.Error(t, report.Err)
}

func TestRun_HandshakeFailure(t *testing.T) {
	stubNetwork(t, true, nil)

	report := Run(context.Background(), Options{
		Endpoint: target.Endpoint{Address: "203.0.113.10", User: "root"},
		Dialer:   failDialer(errors.New("ssh: handshake failed: read: connection reset by peer")),
	})

	assert.Equal(t, Unreachable, report.Status)
}

func TestRun_RemoteExecFailure(t *testing.T) {
	stubNetwork(t, true, nil)
	mem := target.NewMemHost()
	mem.RunFunc = func(target.Command) (target.Result, error) {
		return target.Result{}, errors.New("session channel rejected")
	}

	report := Run(context.Background(), Options{
		Endpoint: target.Endpoint{Address: "203.0.113.10", User: "root"},
		Dialer:   okDialer(mem),
	})

	assert.Equal(t, Unreachable, report.Status)
	assert.Contains(t, report.Err.Error(), "remote exec")
}

func TestRun_PurgesKnownHosts(t *testing.T) {
	stubNetwork(t, true, nil)

	dir := t.TempDir()
	khPath := filepath.Join(dir, "known_hosts")
	line := "203.0.113.10 ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIwJTq8pyNGL1GCCwSuqMCAiCGeEyCHPBm2vZzpQpNVv\n"
	require.NoError(t, os.WriteFile(khPath, []byte(line), 0600))

	report := Run(context.Background(), Options{
		Endpoint:       target.Endpoint{Address: "203.0.113.10", User: "root"},
		KnownHostsPath: khPath,
		Dialer:         okDialer(target.NewMemHost()),
	})

	assert.Equal(t, 1, report.HostKeyPurged)
	data, err := os.ReadFile(khPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "203.0.113.10")
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ssh: unable to authenticate, attempted methods [none publickey]"), true},
		{errors.New("Permission denied (publickey)"), true},
		{errors.New("ssh: handshake failed: no supported methods remain"), true},
		{errors.New("dial tcp: i/o timeout"), false},
		{fmt.Errorf("wrapping: %w", errors.New("connection refused")), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isAuthError(tt.err), "%v", tt.err)
	}
}
