package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cfg := New()
	assert.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)
	assert.NoError(t, cfg.Validate())
}

func TestFindTarget(t *testing.T) {
	cfg := New()
	cfg.Targets = []Target{
		{Name: "vps1", Address: "203.0.113.10"},
		{Name: "vps2", Address: "203.0.113.11"},
	}

	tgt := cfg.FindTarget("vps2")
	require.NotNil(t, tgt)
	assert.Equal(t, "203.0.113.11", tgt.Address)

	assert.Nil(t, cfg.FindTarget("nope"))
}

func TestFindPayload(t *testing.T) {
	cfg := New()
	cfg.Payloads = []PayloadBlock{{Name: "kernel_params", Path: "/etc/sysctl.d/99-custom.conf"}}

	p := cfg.FindPayload("kernel_params")
	require.NotNil(t, p)
	assert.Equal(t, "/etc/sysctl.d/99-custom.conf", p.Path)
	assert.Nil(t, cfg.FindPayload("access_policy"))
}

func TestEffectiveLogin(t *testing.T) {
	cfg := New()
	tgt := &Target{Name: "vps1", Address: "203.0.113.10"}

	assert.Equal(t, DefaultLogin, cfg.EffectiveLogin(tgt), "built-in fallback")

	cfg.Identity = &Identity{Login: "sentry"}
	assert.Equal(t, "sentry", cfg.EffectiveLogin(tgt), "identity block wins over built-in")

	tgt.Login = "ops"
	assert.Equal(t, "ops", cfg.EffectiveLogin(tgt), "target block wins over identity")
}

func TestEffectivePort(t *testing.T) {
	cfg := New()
	tgt := &Target{Name: "vps1", Address: "203.0.113.10"}

	assert.Equal(t, DefaultPort, cfg.EffectivePort(tgt))

	cfg.Defaults = &Defaults{Port: 2222}
	assert.Equal(t, 2222, cfg.EffectivePort(tgt))

	tgt.Port = 2200
	assert.Equal(t, 2200, cfg.EffectivePort(tgt))
}

func TestGuardDeadline(t *testing.T) {
	cfg := New()

	d, err := cfg.GuardDeadline()
	require.NoError(t, err)
	assert.Equal(t, DefaultDeadline, d)

	cfg.Defaults = &Defaults{Deadline: "3m"}
	d, err = cfg.GuardDeadline()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, d)

	cfg.Transaction = &Transaction{Deadline: "45s"}
	d, err = cfg.GuardDeadline()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	cfg.Transaction.Deadline = "not-a-duration"
	_, err = cfg.GuardDeadline()
	assert.Error(t, err)
}

func TestConfirmTimeout(t *testing.T) {
	cfg := New()

	ct, err := cfg.ConfirmTimeout()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfirmTimeout, ct)

	cfg.Transaction = &Transaction{ConfirmTimeout: "10s"}
	ct, err = cfg.ConfirmTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ct)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".ssh", "known_hosts"), ExpandHome("~/.ssh/known_hosts"))
	assert.Equal(t, "/etc/rampart/rampart.hcl", ExpandHome("/etc/rampart/rampart.hcl"))
	assert.Equal(t, "relative/path", ExpandHome("relative/path"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := New()
		cfg.Targets = []Target{{Name: "vps1", Address: "203.0.113.10"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid minimal",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad target address",
			mutate:  func(c *Config) { c.Targets[0].Address = "not valid!" },
			wantErr: "target",
		},
		{
			name:    "bad target login",
			mutate:  func(c *Config) { c.Targets[0].Login = "Root" },
			wantErr: "target",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Targets[0].Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "bad identity login",
			mutate:  func(c *Config) { c.Identity = &Identity{Login: "123abc"} },
			wantErr: "identity",
		},
		{
			name:    "deadline below floor",
			mutate:  func(c *Config) { c.Transaction = &Transaction{Deadline: "2s"} },
			wantErr: "deadline",
		},
		{
			name:    "deadline above cap",
			mutate:  func(c *Config) { c.Transaction = &Transaction{Deadline: "2h"} },
			wantErr: "deadline",
		},
		{
			name:    "unknown payload",
			mutate:  func(c *Config) { c.Payloads = []PayloadBlock{{Name: "bogus"}} },
			wantErr: "unknown payload",
		},
		{
			name: "payload relative path",
			mutate: func(c *Config) {
				c.Payloads = []PayloadBlock{{Name: "kernel_params", Path: "etc/sysctl.conf"}}
			},
			wantErr: "payload",
		},
		{
			name: "pushover without token",
			mutate: func(c *Config) {
				c.Notify = &Notify{Channels: []Channel{{Name: "ops", Type: "pushover"}}}
			},
			wantErr: "api_token",
		},
		{
			name: "ntfy without url",
			mutate: func(c *Config) {
				c.Notify = &Notify{Channels: []Channel{{Name: "ops", Type: "ntfy"}}}
			},
			wantErr: "url",
		},
		{
			name: "unknown channel type",
			mutate: func(c *Config) {
				c.Notify = &Notify{Channels: []Channel{{Name: "ops", Type: "carrier-pigeon"}}}
			},
			wantErr: "unknown type",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Journal = &Journal{RetentionDays: -1} },
			wantErr: "retention",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestKnownHostsPath(t *testing.T) {
	cfg := New()
	assert.NotEmpty(t, cfg.KnownHostsPath(), "falls back to the user default")

	cfg.Defaults = &Defaults{KnownHosts: "/tmp/kh"}
	assert.Equal(t, "/tmp/kh", cfg.KnownHostsPath())
}
