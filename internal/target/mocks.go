package target

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockHost is a scripted Host for expectation-style tests. Kept outside
// _test.go so other packages can wire it into their own tests.
type MockHost struct {
	mock.Mock
	Login string
}

func (m *MockHost) User() string {
	if m.Login != "" {
		return m.Login
	}
	return "root"
}

func (m *MockHost) Run(_ context.Context, cmd Command) (Result, error) {
	result := m.Called(cmd)
	return result.Get(0).(Result), result.Error(1)
}

func (m *MockHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	result := m.Called(path)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockHost) WriteFile(_ context.Context, path string, data []byte, mode string) error {
	result := m.Called(path, data, mode)
	return result.Error(0)
}

func (m *MockHost) CopyPreserving(_ context.Context, src, dst string) error {
	result := m.Called(src, dst)
	return result.Error(0)
}

func (m *MockHost) Rename(_ context.Context, src, dst string) error {
	result := m.Called(src, dst)
	return result.Error(0)
}

func (m *MockHost) Remove(_ context.Context, path string) error {
	result := m.Called(path)
	return result.Error(0)
}

func (m *MockHost) FileExists(_ context.Context, path string) (bool, error) {
	result := m.Called(path)
	return result.Bool(0), result.Error(1)
}

func (m *MockHost) MkdirAll(_ context.Context, path, mode string) error {
	result := m.Called(path, mode)
	return result.Error(0)
}

func (m *MockHost) Close() error {
	result := m.Called()
	return result.Error(0)
}
