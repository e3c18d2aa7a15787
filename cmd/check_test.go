package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunCheck_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "valid.hcl")

	validConfig := `
schema_version = "1.0"

target "vps1" {
    address = "203.0.113.10"
}
`
	if err := os.WriteFile(configPath, []byte(validConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := RunCheck(configPath, false); err != nil {
		t.Errorf("RunCheck() error = %v, wantHclErr false", err)
	}
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.hcl")

	invalidConfig := `
target "vps1" {
    # Missing closing brace
`
	if err := os.WriteFile(configPath, []byte(invalidConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := RunCheck(configPath, false); err == nil {
		t.Error("RunCheck() error = nil, wantHclErr true")
	}
}

func TestRunCheck_MissingFile(t *testing.T) {
	if err := RunCheck(filepath.Join(t.TempDir(), "nope.hcl"), false); err == nil {
		t.Error("RunCheck() error = nil for missing file")
	}
}
