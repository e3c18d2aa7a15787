package target

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointHostPort(t *testing.T) {
	e := Endpoint{Address: "203.0.113.10", Port: 22, User: "root"}
	assert.Equal(t, "203.0.113.10:22", e.HostPort())
	assert.Equal(t, "root@203.0.113.10:22", e.String())

	e.Port = 0
	assert.Equal(t, "203.0.113.10:22", e.HostPort(), "zero port defaults to 22")

	v6 := Endpoint{Address: "2001:db8::1", Port: 2222}
	assert.Equal(t, "[2001:db8::1]:2222", v6.HostPort())
}

func TestResultOK(t *testing.T) {
	assert.True(t, Result{ExitCode: 0}.OK())
	assert.False(t, Result{ExitCode: 1}.OK())
}

func TestRunOK(t *testing.T) {
	ctx := context.Background()

	h := NewMemHost()
	res, err := RunOK(ctx, h, Command{Argv: []string{"true"}})
	require.NoError(t, err)
	assert.True(t, res.OK())

	h.RunFunc = func(cmd Command) (Result, error) {
		return Result{ExitCode: 2, Stderr: []byte("syntax error\nmore context")}, nil
	}
	_, err = RunOK(ctx, h, Command{Argv: []string{"sshd", "-t"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sshd")
	assert.Contains(t, err.Error(), "exit 2")
	assert.Contains(t, err.Error(), "syntax error")
	assert.NotContains(t, err.Error(), "more context", "only the first stderr line belongs in the error")
}

func TestMemHost_FileVerbs(t *testing.T) {
	ctx := context.Background()
	h := NewMemHost()

	require.NoError(t, h.WriteFile(ctx, "/etc/x", []byte("live"), "0644"))

	ok, err := h.FileExists(ctx, "/etc/x")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.CopyPreserving(ctx, "/etc/x", "/etc/x.bak"))
	assert.Equal(t, []byte("live"), h.FileContent("/etc/x.bak"))
	assert.Equal(t, "0644", h.Modes["/etc/x.bak"], "copy keeps mode")

	require.NoError(t, h.WriteFile(ctx, "/etc/x.staged", []byte("new"), "0644"))
	require.NoError(t, h.Rename(ctx, "/etc/x.staged", "/etc/x"))
	assert.Equal(t, []byte("new"), h.FileContent("/etc/x"))
	assert.Nil(t, h.FileContent("/etc/x.staged"))

	require.NoError(t, h.Remove(ctx, "/etc/x.bak"))
	ok, err = h.FileExists(ctx, "/etc/x.bak")
	require.NoError(t, err)
	assert.False(t, ok)

	// Op log keeps order
	log := h.OpLog()
	assert.Greater(t, len(log), 4)
	assert.Less(t, h.OpIndex("write:/etc/x"), h.OpIndex("rename:/etc/x.staged"))
}

func TestMemHost_ReadMissing(t *testing.T) {
	h := NewMemHost()
	_, err := h.ReadFile(context.Background(), "/absent")
	assert.Error(t, err)
}

func TestMockHost_Run(t *testing.T) {
	m := &MockHost{}
	m.On("Run", Command{Argv: []string{"id", "-u", "ops"}}).Return(Result{ExitCode: 1}, nil)

	res, err := m.Run(context.Background(), Command{Argv: []string{"id", "-u", "ops"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	m.AssertExpectations(t)
}
