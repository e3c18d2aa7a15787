// Package config defines the rampart configuration schema (HCL, with a JSON
// fallback) and its loader. A config file is optional: harden runs on
// positional arguments alone, and every block here only overrides defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/rampart/internal/validation"
)

// Config is the root of the rampart configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Defaults    *Defaults      `hcl:"defaults,block" json:"defaults,omitempty"`
	Targets     []Target       `hcl:"target,block" json:"targets,omitempty"`
	Identity    *Identity      `hcl:"identity,block" json:"identity,omitempty"`
	Transaction *Transaction   `hcl:"transaction,block" json:"transaction,omitempty"`
	Payloads    []PayloadBlock `hcl:"payload,block" json:"payloads,omitempty"`
	Notify      *Notify        `hcl:"notify,block" json:"notify,omitempty"`
	Journal     *Journal       `hcl:"journal,block" json:"journal,omitempty"`
}

// Defaults apply to every target unless overridden per block or per flag.
type Defaults struct {
	Port          int    `hcl:"port,optional" json:"port,omitempty"`
	Login         string `hcl:"login,optional" json:"login,omitempty"`
	Deadline      string `hcl:"deadline,optional" json:"deadline,omitempty"`
	KnownHosts    string `hcl:"known_hosts,optional" json:"known_hosts,omitempty"`
	BootstrapUser string `hcl:"bootstrap_user,optional" json:"bootstrap_user,omitempty"`
}

// Target is one managed host.
type Target struct {
	Name          string `hcl:"name,label" json:"name"`
	Address       string `hcl:"address" json:"address"`
	Port          int    `hcl:"port,optional" json:"port,omitempty"`
	BootstrapUser string `hcl:"bootstrap_user,optional" json:"bootstrap_user,omitempty"`
	PublicKeyFile string `hcl:"public_key_file,optional" json:"public_key_file,omitempty"`
	Login         string `hcl:"login,optional" json:"login,omitempty"`
}

// Identity describes the managed admin account created on targets.
type Identity struct {
	Login           string `hcl:"login,optional" json:"login,omitempty"`
	Shell           string `hcl:"shell,optional" json:"shell,omitempty"`
	PassphraseWords int    `hcl:"passphrase_words,optional" json:"passphrase_words,omitempty"`
	SudoNoPasswd    bool   `hcl:"sudo_nopasswd,optional" json:"sudo_nopasswd,omitempty"`
}

// Transaction tunes the guarded apply cycle.
type Transaction struct {
	Deadline       string `hcl:"deadline,optional" json:"deadline,omitempty"`
	ConfirmTimeout string `hcl:"confirm_timeout,optional" json:"confirm_timeout,omitempty"`
}

// PayloadBlock overrides a built-in policy payload. Content is an opaque
// blob; rampart validates it remotely, not structurally.
type PayloadBlock struct {
	Name    string `hcl:"name,label" json:"name"`
	Enabled *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`
	Path    string `hcl:"path,optional" json:"path,omitempty"`
	Content string `hcl:"content,optional" json:"content,omitempty"`
}

// Notify configures best-effort run notifications.
type Notify struct {
	Enabled  bool      `hcl:"enabled,optional" json:"enabled,omitempty"`
	MinLevel string    `hcl:"min_level,optional" json:"min_level,omitempty"`
	Channels []Channel `hcl:"channel,block" json:"channels,omitempty"`
}

// Channel is one notification sink.
type Channel struct {
	Name     string `hcl:"name,label" json:"name"`
	Type     string `hcl:"type" json:"type"`
	URL      string `hcl:"url,optional" json:"url,omitempty"`
	APIToken string `hcl:"api_token,optional" json:"api_token,omitempty"`
	UserKey  string `hcl:"user_key,optional" json:"user_key,omitempty"`
	Priority int    `hcl:"priority,optional" json:"priority,omitempty"`
	Sound    string `hcl:"sound,optional" json:"sound,omitempty"`
	Device   string `hcl:"device,optional" json:"device,omitempty"`
}

// Journal configures the run/receipt store.
type Journal struct {
	Path          string `hcl:"path,optional" json:"path,omitempty"`
	RetentionDays int    `hcl:"retention_days,optional" json:"retention_days,omitempty"`
}

// Built-in fallbacks used when blocks or fields are absent.
const (
	DefaultPort            = 22
	DefaultLogin           = "warden"
	DefaultShell           = "/bin/bash"
	DefaultDeadline        = 120 * time.Second
	DefaultConfirmTimeout  = 30 * time.Second
	DefaultRetentionDays   = 90
	DefaultPassphraseWords = 4
)

// KnownPayloadNames are the payloads rampart ships. Payload blocks must
// name one of these.
var KnownPayloadNames = []string{"access_policy", "kernel_params", "packet_filter", "intrusion_ban"}

// New returns an empty config at the current schema version.
func New() *Config {
	return &Config{SchemaVersion: CurrentSchemaVersion}
}

// FindTarget returns the named target block, or nil.
func (c *Config) FindTarget(name string) *Target {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i]
		}
	}
	return nil
}

// FindPayload returns the override block for a payload name, or nil.
func (c *Config) FindPayload(name string) *PayloadBlock {
	for i := range c.Payloads {
		if c.Payloads[i].Name == name {
			return &c.Payloads[i]
		}
	}
	return nil
}

// EffectiveLogin resolves the managed identity login for a target.
func (c *Config) EffectiveLogin(t *Target) string {
	if t != nil && t.Login != "" {
		return t.Login
	}
	if c.Identity != nil && c.Identity.Login != "" {
		return c.Identity.Login
	}
	if c.Defaults != nil && c.Defaults.Login != "" {
		return c.Defaults.Login
	}
	return DefaultLogin
}

// EffectivePort resolves the SSH port for a target.
func (c *Config) EffectivePort(t *Target) int {
	if t != nil && t.Port != 0 {
		return t.Port
	}
	if c.Defaults != nil && c.Defaults.Port != 0 {
		return c.Defaults.Port
	}
	return DefaultPort
}

// EffectiveShell resolves the login shell for the managed identity.
func (c *Config) EffectiveShell() string {
	if c.Identity != nil && c.Identity.Shell != "" {
		return c.Identity.Shell
	}
	return DefaultShell
}

// GuardDeadline resolves the rollback guard deadline.
func (c *Config) GuardDeadline() (time.Duration, error) {
	raw := ""
	if c.Transaction != nil && c.Transaction.Deadline != "" {
		raw = c.Transaction.Deadline
	} else if c.Defaults != nil && c.Defaults.Deadline != "" {
		raw = c.Defaults.Deadline
	}
	if raw == "" {
		return DefaultDeadline, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("deadline %q: %w", raw, err)
	}
	return d, nil
}

// ConfirmTimeout resolves the per-attempt confirmation timeout.
func (c *Config) ConfirmTimeout() (time.Duration, error) {
	if c.Transaction == nil || c.Transaction.ConfirmTimeout == "" {
		return DefaultConfirmTimeout, nil
	}
	d, err := time.ParseDuration(c.Transaction.ConfirmTimeout)
	if err != nil {
		return 0, fmt.Errorf("confirm_timeout %q: %w", c.Transaction.ConfirmTimeout, err)
	}
	return d, nil
}

// KnownHostsPath resolves the operator-side known_hosts file, expanding a
// leading ~.
func (c *Config) KnownHostsPath() string {
	raw := ""
	if c.Defaults != nil {
		raw = c.Defaults.KnownHosts
	}
	if raw == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, ".ssh", "known_hosts")
	}
	return ExpandHome(raw)
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Validate checks the whole config for structural problems.
func (c *Config) Validate() error {
	version, err := ParseVersion(c.SchemaVersion)
	if err != nil {
		return err
	}
	if !IsSupportedVersion(version) {
		return fmt.Errorf("unsupported schema version %s", version)
	}

	for i := range c.Targets {
		t := &c.Targets[i]
		if err := validation.ValidateIdentifier(t.Name); err != nil {
			return fmt.Errorf("target %q: %w", t.Name, err)
		}
		if err := validation.ValidateHostAddress(t.Address); err != nil {
			return fmt.Errorf("target %q: %w", t.Name, err)
		}
		if port := c.EffectivePort(t); port != 0 {
			if err := validation.ValidatePortNumber(port); err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
		}
		if t.Login != "" {
			if err := validation.ValidateLoginName(t.Login); err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
		}
	}

	if c.Identity != nil && c.Identity.Login != "" {
		if err := validation.ValidateLoginName(c.Identity.Login); err != nil {
			return fmt.Errorf("identity: %w", err)
		}
	}

	if d, err := c.GuardDeadline(); err != nil {
		return err
	} else if err := validation.ValidateDeadline(d); err != nil {
		return err
	}
	if _, err := c.ConfirmTimeout(); err != nil {
		return err
	}

	for i := range c.Payloads {
		p := &c.Payloads[i]
		if err := validation.ValidateAllowlist(p.Name, KnownPayloadNames); err != nil {
			return fmt.Errorf("payload %q: unknown payload (known: %s)", p.Name, strings.Join(KnownPayloadNames, ", "))
		}
		if p.Path != "" {
			if err := validation.ValidateRemotePath(p.Path); err != nil {
				return fmt.Errorf("payload %q: %w", p.Name, err)
			}
		}
	}

	if c.Notify != nil {
		for i := range c.Notify.Channels {
			ch := &c.Notify.Channels[i]
			if err := validation.ValidateAllowlist(ch.Type, []string{"pushover", "ntfy", "webhook"}); err != nil {
				return fmt.Errorf("channel %q: unknown type %q", ch.Name, ch.Type)
			}
			switch ch.Type {
			case "pushover":
				if ch.APIToken == "" || ch.UserKey == "" {
					return fmt.Errorf("channel %q: pushover needs api_token and user_key", ch.Name)
				}
			case "ntfy", "webhook":
				if ch.URL == "" {
					return fmt.Errorf("channel %q: %s needs url", ch.Name, ch.Type)
				}
			}
		}
	}

	if c.Journal != nil && c.Journal.RetentionDays < 0 {
		return fmt.Errorf("journal: retention_days cannot be negative")
	}

	return nil
}
