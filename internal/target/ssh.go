package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"grimm.is/rampart/internal/logging"
)

// DefaultConnectTimeout bounds the TCP dial plus SSH handshake.
const DefaultConnectTimeout = 10 * time.Second

// SSHHost is the production Host over an SSH connection.
type SSHHost struct {
	client  *ssh.Client
	user    string
	elevate bool
	log     *logging.Logger
}

// Dial opens an SSH connection to the target. It is the production Dialer.
func Dial(ctx context.Context, cfg Config) (Host, error) {
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	var auth []ssh.AuthMethod
	switch {
	case cfg.Signer != nil:
		auth = append(auth, ssh.PublicKeys(cfg.Signer))
	case cfg.Password != "":
		auth = append(auth, ssh.Password(cfg.Password))
	default:
		return nil, fmt.Errorf("no credential for %s", cfg.Endpoint)
	}

	hostKeyCB := cfg.HostKeyCallback
	if hostKeyCB == nil {
		var err error
		hostKeyCB, err = AcceptNewCallback(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCB,
		Timeout:         timeout,
	}

	// ssh.Dial has no context support; dial TCP ourselves so cancellation
	// works, then hand the conn to the SSH handshake.
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.HostPort())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.HostPort(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.HostPort(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", cfg.Endpoint, err)
	}

	return &SSHHost{
		client:  ssh.NewClient(sshConn, chans, reqs),
		user:    cfg.User,
		elevate: cfg.User != "root",
		log:     logging.WithComponent("target"),
	}, nil
}

// User returns the session login.
func (h *SSHHost) User() string {
	return h.user
}

// Close tears down the connection.
func (h *SSHHost) Close() error {
	return h.client.Close()
}

// Run executes a command in a fresh session.
func (h *SSHHost) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	session, err := h.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	argv := cmd.Argv
	if cmd.Sudo && h.elevate {
		argv = append([]string{"sudo", "-n", "--"}, argv...)
	}
	line := quoteArgv(argv)
	if cmd.Detach {
		// setsid detaches from the session so the process survives the
		// connection; the shell returns as soon as the child is spawned.
		line = "setsid nohup " + line + " >/dev/null 2>&1 &"
	}

	h.log.Debug("run", "cmd", argv[0], "argc", len(argv), "sudo", cmd.Sudo && h.elevate)

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			return res, fmt.Errorf("%s: session ended without exit status", argv[0])
		}
		return res, fmt.Errorf("%s: %w", argv[0], err)
	}
	return res, nil
}

// ReadFile returns the contents of a remote file.
func (h *SSHHost) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := RunOK(ctx, h, Command{Argv: []string{"cat", "--", path}, Sudo: true})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// WriteFile streams data into a remote file and sets its mode.
func (h *SSHHost) WriteFile(ctx context.Context, path string, data []byte, mode string) error {
	if _, err := RunOK(ctx, h, Command{
		Argv:  []string{"tee", "--", path},
		Stdin: data,
		Sudo:  true,
	}); err != nil {
		return err
	}
	if mode == "" {
		return nil
	}
	_, err := RunOK(ctx, h, Command{Argv: []string{"chmod", mode, "--", path}, Sudo: true})
	return err
}

// CopyPreserving copies a remote file keeping mode and ownership.
func (h *SSHHost) CopyPreserving(ctx context.Context, src, dst string) error {
	_, err := RunOK(ctx, h, Command{Argv: []string{"cp", "-p", "--", src, dst}, Sudo: true})
	return err
}

// Rename moves a remote file. Within one filesystem this is the atomic
// commit primitive.
func (h *SSHHost) Rename(ctx context.Context, src, dst string) error {
	_, err := RunOK(ctx, h, Command{Argv: []string{"mv", "-f", "--", src, dst}, Sudo: true})
	return err
}

// Remove deletes a remote file, ignoring absence.
func (h *SSHHost) Remove(ctx context.Context, path string) error {
	_, err := RunOK(ctx, h, Command{Argv: []string{"rm", "-f", "--", path}, Sudo: true})
	return err
}

// FileExists tests for a remote path.
func (h *SSHHost) FileExists(ctx context.Context, path string) (bool, error) {
	res, err := h.Run(ctx, Command{Argv: []string{"test", "-e", path}, Sudo: true})
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// MkdirAll creates a remote directory tree.
func (h *SSHHost) MkdirAll(ctx context.Context, path, mode string) error {
	argv := []string{"mkdir", "-p"}
	if mode != "" {
		argv = append(argv, "-m", mode)
	}
	argv = append(argv, "--", path)
	_, err := RunOK(ctx, h, Command{Argv: argv, Sudo: true})
	return err
}

// LoadSigner reads and parses a private key file for key auth.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return signer, nil
}
