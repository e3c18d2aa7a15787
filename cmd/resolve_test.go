package cmd

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeResolveConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rampart.hcl")
	data := `
schema_version = "1.0"

defaults {
    port           = 22
    login          = "warden"
    deadline       = "90s"
    bootstrap_user = "admin"
}

target "vps1" {
    address         = "203.0.113.10"
    port            = 2222
    public_key_file = "/home/op/.ssh/id_ed25519.pub"
}
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func parseTargetFlags(t *testing.T, args ...string) *targetFlags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	tf := bindTargetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return tf
}

func TestResolveTarget_FromConfig(t *testing.T) {
	path := writeResolveConfig(t)
	tf := parseTargetFlags(t, "-config", path)

	p, cfg, err := resolveTarget(tf, "vps1")
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a loaded config")
	}
	if p.Target != "vps1" || p.Endpoint.Address != "203.0.113.10" {
		t.Errorf("endpoint = %+v", p.Endpoint)
	}
	if p.Endpoint.Port != 2222 {
		t.Errorf("port = %d, want target override 2222", p.Endpoint.Port)
	}
	if p.Endpoint.User != "admin" {
		t.Errorf("bootstrap user = %q, want defaults admin", p.Endpoint.User)
	}
	if p.Login != "warden" {
		t.Errorf("login = %q", p.Login)
	}
	if p.PublicKeyPath != "/home/op/.ssh/id_ed25519.pub" {
		t.Errorf("key = %q", p.PublicKeyPath)
	}
	if p.Deadline != 90*time.Second {
		t.Errorf("deadline = %v", p.Deadline)
	}
	if len(p.Payloads) == 0 {
		t.Fatal("expected default payloads")
	}
	for _, pl := range p.Payloads {
		if pl.Name == "packet_filter" && !strings.Contains(pl.Content, "tcp dport 2222 accept") {
			t.Errorf("packet filter not rendered for port 2222:\n%s", pl.Content)
		}
	}
}

func TestResolveTarget_FlagsWin(t *testing.T) {
	path := writeResolveConfig(t)
	tf := parseTargetFlags(t, "-config", path,
		"-p", "2022", "-u", "root", "-l", "ops", "-i", "/tmp/other.pub")

	p, _, err := resolveTarget(tf, "vps1")
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if p.Endpoint.Port != 2022 || p.Endpoint.User != "root" {
		t.Errorf("endpoint = %+v, want flag overrides", p.Endpoint)
	}
	if p.Login != "ops" || p.PublicKeyPath != "/tmp/other.pub" {
		t.Errorf("login = %q key = %q", p.Login, p.PublicKeyPath)
	}
}

func TestResolveTarget_BareAddress(t *testing.T) {
	// Point the default config path at an empty dir so no file loads.
	t.Setenv("RAMPART_CONFIG_DIR", t.TempDir())
	tf := parseTargetFlags(t, "-a", "203.0.113.9", "-p", "2200")

	p, cfg, err := resolveTarget(tf, "")
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if cfg != nil {
		t.Error("expected no config")
	}
	if p.Target != "203.0.113.9" || p.Endpoint.Address != "203.0.113.9" {
		t.Errorf("target = %q endpoint = %+v", p.Target, p.Endpoint)
	}
	if p.Endpoint.User != "root" {
		t.Errorf("user = %q, want root fallback", p.Endpoint.User)
	}
	if len(p.Payloads) == 0 {
		t.Fatal("expected built-in payloads without a config")
	}
}

func TestResolveTarget_UnknownNameIsAddress(t *testing.T) {
	path := writeResolveConfig(t)
	tf := parseTargetFlags(t, "-config", path)

	p, _, err := resolveTarget(tf, "198.51.100.4")
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if p.Endpoint.Address != "198.51.100.4" {
		t.Errorf("address = %q", p.Endpoint.Address)
	}
	// Config-wide defaults still apply to ad-hoc addresses.
	if p.Deadline != 90*time.Second {
		t.Errorf("deadline = %v", p.Deadline)
	}
}

func TestResolveTarget_NoTarget(t *testing.T) {
	t.Setenv("RAMPART_CONFIG_DIR", t.TempDir())
	tf := parseTargetFlags(t)

	if _, _, err := resolveTarget(tf, ""); err == nil {
		t.Error("expected an error without a target")
	}
}

func TestResolveTarget_ExplicitMissingConfig(t *testing.T) {
	tf := parseTargetFlags(t, "-config", filepath.Join(t.TempDir(), "nope.hcl"), "-a", "203.0.113.9")

	if _, _, err := resolveTarget(tf, ""); err == nil {
		t.Error("expected an error for an explicitly named missing config")
	}
}

func TestResolvePassword_EnvFallback(t *testing.T) {
	t.Setenv("RAMPART_BOOTSTRAP_PASSWORD", "from-env")

	got, err := resolvePassword("", "root", "203.0.113.9")
	if err != nil {
		t.Fatalf("resolvePassword: %v", err)
	}
	if got != "from-env" {
		t.Errorf("password = %q", got)
	}

	// An explicit value beats the environment.
	got, err = resolvePassword("explicit", "root", "203.0.113.9")
	if err != nil || got != "explicit" {
		t.Errorf("password = %q err = %v", got, err)
	}
}
