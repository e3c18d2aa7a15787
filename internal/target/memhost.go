package target

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemHost is an in-memory Host for behavioral tests: a fake filesystem plus
// an ordered op log, so tests can assert both end state and sequencing.
// Commands route through RunFunc; without one they all succeed.
type MemHost struct {
	mu sync.Mutex

	Login string
	Files map[string][]byte
	Modes map[string]string

	// Ops records every mutation and command in call order, e.g.
	// "write:/etc/x", "rename:/a->/b", "run:sshd".
	Ops []string

	// RunFunc scripts command behavior. Nil means every command exits 0.
	RunFunc func(cmd Command) (Result, error)

	Closed bool
}

// NewMemHost returns an empty fake host logged in as root.
func NewMemHost() *MemHost {
	return &MemHost{
		Login: "root",
		Files: map[string][]byte{},
		Modes: map[string]string{},
	}
}

func (m *MemHost) record(op string) {
	m.Ops = append(m.Ops, op)
}

// OpLog returns a copy of the recorded operations.
func (m *MemHost) OpLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Ops...)
}

// OpIndex returns the position of the first op with the given prefix, or -1.
func (m *MemHost) OpIndex(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range m.Ops {
		if strings.HasPrefix(op, prefix) {
			return i
		}
	}
	return -1
}

func (m *MemHost) User() string {
	if m.Login == "" {
		return "root"
	}
	return m.Login
}

func (m *MemHost) Run(_ context.Context, cmd Command) (Result, error) {
	m.mu.Lock()
	m.record("run:" + strings.Join(cmd.Argv, " "))
	fn := m.RunFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(cmd)
	}
	return Result{ExitCode: 0}, nil
}

func (m *MemHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("read:" + path)
	data, ok := m.Files[path]
	if !ok {
		return nil, fmt.Errorf("cat: %s: No such file or directory", path)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemHost) WriteFile(_ context.Context, path string, data []byte, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("write:" + path)
	m.Files[path] = append([]byte(nil), data...)
	if mode != "" {
		m.Modes[path] = mode
	}
	return nil
}

func (m *MemHost) CopyPreserving(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("copy:" + src + "->" + dst)
	data, ok := m.Files[src]
	if !ok {
		return fmt.Errorf("cp: cannot stat %s: No such file or directory", src)
	}
	m.Files[dst] = append([]byte(nil), data...)
	if mode, ok := m.Modes[src]; ok {
		m.Modes[dst] = mode
	}
	return nil
}

func (m *MemHost) Rename(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("rename:" + src + "->" + dst)
	data, ok := m.Files[src]
	if !ok {
		return fmt.Errorf("mv: cannot stat %s: No such file or directory", src)
	}
	m.Files[dst] = data
	delete(m.Files, src)
	if mode, ok := m.Modes[src]; ok {
		m.Modes[dst] = mode
		delete(m.Modes, src)
	}
	return nil
}

func (m *MemHost) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("remove:" + path)
	delete(m.Files, path)
	delete(m.Modes, path)
	return nil
}

func (m *MemHost) FileExists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("exists:" + path)
	_, ok := m.Files[path]
	return ok, nil
}

func (m *MemHost) MkdirAll(_ context.Context, path, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("mkdir:" + path)
	return nil
}

func (m *MemHost) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// SetFile seeds the fake filesystem without recording an op.
func (m *MemHost) SetFile(path string, data []byte, mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[path] = append([]byte(nil), data...)
	if mode != "" {
		m.Modes[path] = mode
	}
}

// FileContent returns a file's bytes, or nil when absent.
func (m *MemHost) FileContent(path string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Files[path]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}
