// Package probe answers one question: can rampart reach and authenticate to a
// target right now. A probe is a point-in-time answer, so nothing here
// retries. The only side effect is known-hosts hygiene on the operator
// machine, which the probe performs so a rebuilt VPS does not trip the strict
// host key check later in the run.
package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/target"
)

// Status classifies the probe result.
type Status string

const (
	// Reachable means TCP, SSH handshake, auth, and a trivial command all
	// succeeded.
	Reachable Status = "reachable"
	// AuthRefused means the SSH server answered but rejected the bootstrap
	// credentials. The host is alive; the credentials are the problem.
	AuthRefused Status = "auth-refused"
	// Unreachable covers everything before auth: TCP connect failures,
	// handshake failures, timeouts.
	Unreachable Status = "unreachable"
)

// Report is the probe outcome. Err carries the cause for non-reachable
// statuses and is nil when Status is Reachable.
type Report struct {
	Address       string        `json:"address"`
	Port          int           `json:"port"`
	SSHUser       string        `json:"ssh_user"`
	Status        Status        `json:"status"`
	Latency       time.Duration `json:"latency_ns"`
	PingOK        bool          `json:"ping_ok"`
	HostKeyPurged int           `json:"host_keys_purged"`
	Err           error         `json:"-"`
}

// Options configures a probe run.
type Options struct {
	Endpoint target.Endpoint
	Password string
	KeyPath  string

	// KnownHostsPath is purged of stale entries for the endpoint before
	// dialing. Empty skips the purge entirely.
	KnownHostsPath string

	SkipPing    bool
	DialTimeout time.Duration

	// Dialer defaults to target.Dial. Injectable for tests.
	Dialer target.Dialer
}

// Test seams, following the package-level function variable convention used
// elsewhere for network checks.
var (
	// CheckPingFunc sends a single unprivileged ICMP echo. Failure is
	// informational only: providers drop ICMP routinely.
	CheckPingFunc = func(ctx context.Context, host string, timeout time.Duration) bool {
		pinger, err := probing.NewPinger(host)
		if err != nil {
			return false
		}
		pinger.Count = 1
		pinger.Timeout = timeout
		pinger.SetPrivileged(false)

		if err := pinger.RunWithContext(ctx); err != nil {
			return false
		}
		return pinger.Statistics().PacketsRecv > 0
	}

	// TCPDialFunc checks that the SSH port accepts connections at all,
	// separating "host down or filtered" from "SSH refused us".
	TCPDialFunc = func(ctx context.Context, addr string, timeout time.Duration) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
)

// Run probes the endpoint and classifies the result. It never returns an
// error: the Report is the answer, including for failures.
func Run(ctx context.Context, opts Options) *Report {
	log := logging.WithComponent("probe")

	report := &Report{
		Address: opts.Endpoint.Address,
		Port:    opts.Endpoint.Port,
		SSHUser: opts.Endpoint.User,
	}
	if report.Port == 0 {
		report.Port = 22
	}
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = target.DefaultConnectTimeout
	}
	dial := opts.Dialer
	if dial == nil {
		dial = target.Dial
	}

	if opts.KnownHostsPath != "" {
		n, err := target.PurgeKnownHost(opts.KnownHostsPath, opts.Endpoint.Address, report.Port)
		if err != nil {
			log.Warn("known_hosts purge failed", "path", opts.KnownHostsPath, "error", err)
		} else if n > 0 {
			log.Info("purged stale host keys", "host", opts.Endpoint.Address, "entries", n)
		}
		report.HostKeyPurged = n
	}

	if !opts.SkipPing {
		report.PingOK = CheckPingFunc(ctx, opts.Endpoint.Address, timeout)
	}

	hostPort := opts.Endpoint.HostPort()
	if err := TCPDialFunc(ctx, hostPort, timeout); err != nil {
		report.Status = Unreachable
		report.Err = fmt.Errorf("tcp %s: %w", hostPort, err)
		return report
	}

	start := time.Now()
	cfg := target.Config{
		Endpoint:       opts.Endpoint,
		Password:       opts.Password,
		KnownHostsPath: opts.KnownHostsPath,
		ConnectTimeout: timeout,
	}
	if opts.KeyPath != "" {
		signer, err := target.LoadSigner(opts.KeyPath)
		if err != nil {
			report.Status = Unreachable
			report.Err = fmt.Errorf("load key %s: %w", opts.KeyPath, err)
			return report
		}
		cfg.Signer = signer
	}

	host, err := dial(ctx, cfg)
	if err != nil {
		if isAuthError(err) {
			report.Status = AuthRefused
		} else {
			report.Status = Unreachable
		}
		report.Err = err
		return report
	}
	defer host.Close()

	res, err := host.Run(ctx, target.Command{Argv: []string{"true"}})
	report.Latency = time.Since(start)
	if err != nil {
		report.Status = Unreachable
		report.Err = fmt.Errorf("remote exec: %w", err)
		return report
	}
	if !res.OK() {
		report.Status = Unreachable
		report.Err = fmt.Errorf("remote exec exited %d", res.ExitCode)
		return report
	}

	report.Status = Reachable
	return report
}

// isAuthError picks authentication rejections out of the flat error strings
// the ssh package returns.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
