// Package target is the typed remote action layer. Every effect rampart has
// on a managed host flows through the Host interface; nothing outside this
// package builds raw shell strings.
package target

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// Endpoint identifies an SSH destination.
type Endpoint struct {
	Address string
	Port    int
	User    string
}

// HostPort returns the dialable "host:port" form.
func (e Endpoint) HostPort() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

func (e Endpoint) String() string {
	return e.User + "@" + e.HostPort()
}

// Config carries everything needed to open a session against a target.
// Exactly one of Password or Signer must be set.
type Config struct {
	Endpoint
	Password string
	Signer   ssh.Signer

	// KnownHostsPath is the operator-side known_hosts file. Empty disables
	// host key tracking (used by tests).
	KnownHostsPath string

	// HostKeyCallback overrides the default accept-new policy when set.
	HostKeyCallback ssh.HostKeyCallback

	ConnectTimeout time.Duration
}

// Command is a single remote invocation. Argv is joined with POSIX quoting
// at the transport; Stdin is streamed to the process. Sudo asks for
// elevation, which is a no-op when the session user is already root.
// Detach launches the command in its own session and returns without
// waiting; stdin and output are discarded.
type Command struct {
	Argv   []string
	Stdin  []byte
	Sudo   bool
	Detach bool
}

func (c Command) String() string {
	return quoteArgv(c.Argv)
}

// Result is the outcome of a completed remote command. A non-zero exit is
// not a transport error; callers branch on ExitCode.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// OK reports whether the command exited zero.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Host is a connected managed host. File verbs elevate automatically when
// the session user is not root, since every managed path is root-owned.
type Host interface {
	// User returns the session login.
	User() string

	// Run executes a command. The returned error covers transport and
	// session failures only; inspect Result.ExitCode for command status.
	Run(ctx context.Context, cmd Command) (Result, error)

	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, mode string) error
	CopyPreserving(ctx context.Context, src, dst string) error
	Rename(ctx context.Context, src, dst string) error
	Remove(ctx context.Context, path string) error
	FileExists(ctx context.Context, path string) (bool, error)
	MkdirAll(ctx context.Context, path, mode string) error

	Close() error
}

// Dialer opens a Host. Injected so probes, confirmation checks, and tests
// can substitute transports.
type Dialer func(ctx context.Context, cfg Config) (Host, error)

// RunOK runs a command and converts a non-zero exit into an error carrying
// the remote stderr. For callers that treat failure as fatal.
func RunOK(ctx context.Context, h Host, cmd Command) (Result, error) {
	res, err := h.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, fmt.Errorf("%s: exit %d: %s", cmd.Argv[0], res.ExitCode, firstLine(res.Stderr))
	}
	return res, nil
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
