// Package setup is the first-run wizard: it scans the operator's local SSH
// environment for defaults, asks the minimum set of questions, and scaffolds
// a commented rampart.hcl.
package setup

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"

	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/journal"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/validation"
)

// DefaultConfigDir is the system-wide configuration directory.
const DefaultConfigDir = "/etc/rampart"

// DefaultConfigFile is the default config file path.
const DefaultConfigFile = "/etc/rampart/rampart.hcl"

// Answers carries the raw form fields. Everything is a string so the form
// can validate before types are committed.
type Answers struct {
	TargetName    string
	Address       string
	Port          string
	BootstrapUser string

	PublicKey string
	Login     string
	Deadline  string

	EnableNotify  bool
	NotifyType    string
	NotifyURL     string
	NotifyToken   string
	NotifyUserKey string
}

// Wizard drives the interactive first-run flow.
type Wizard struct {
	ConfigPath string

	// Detected is filled lazily by Run; tests seed it directly.
	Detected *Detected

	log *logging.Logger
}

// NewWizard returns a wizard writing to the given path, or the default.
func NewWizard(configPath string) *Wizard {
	if configPath == "" {
		configPath = DefaultConfigFile
	}
	return &Wizard{
		ConfigPath: configPath,
		log:        logging.WithComponent("setup"),
	}
}

// NeedsSetup reports whether no config exists yet.
func (w *Wizard) NeedsSetup() bool {
	_, err := os.Stat(w.ConfigPath)
	return os.IsNotExist(err)
}

// Run asks, builds, validates, and writes the config. It returns the
// validated config and the path it was written to.
func (w *Wizard) Run() (*config.Config, string, error) {
	if w.Detected == nil {
		w.Detected = DetectEnvironment()
	}

	a := Answers{
		BootstrapUser: "root",
		Login:         config.DefaultLogin,
		Deadline:      config.DefaultDeadline.String(),
		PublicKey:     PreferredKey(w.Detected.PublicKeys),
		NotifyType:    "ntfy",
	}

	if len(w.Detected.SSHHosts) > 0 {
		if err := w.askImport(&a); err != nil {
			return nil, "", err
		}
	}
	if err := w.buildForm(&a).Run(); err != nil {
		return nil, "", err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, "", err
	}
	if err := WriteConfig(cfg, w.ConfigPath); err != nil {
		return nil, "", err
	}
	w.log.Info("config written", "path", w.ConfigPath, "targets", len(cfg.Targets))
	return cfg, w.ConfigPath, nil
}

// askImport offers the concrete hosts found in ~/.ssh/config as a starting
// point and prefills the answers from the chosen one.
func (w *Wizard) askImport(a *Answers) error {
	options := []huh.Option[string]{huh.NewOption("start fresh", "")}
	for _, h := range w.Detected.SSHHosts {
		label := h.Alias
		if h.HostName != "" {
			label = fmt.Sprintf("%s (%s)", h.Alias, h.HostName)
		}
		options = append(options, huh.NewOption(label, h.Alias))
	}

	var alias string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Import a host from ~/.ssh/config?").
			Options(options...).
			Value(&alias),
	)).WithTheme(huh.ThemeBase16())
	if err := form.Run(); err != nil {
		return err
	}

	if h := w.Detected.FindSSHHost(alias); h != nil {
		a.TargetName = h.Alias
		a.Address = h.HostName
		if a.Address == "" {
			a.Address = h.Alias
		}
		if h.Port != 0 {
			a.Port = strconv.Itoa(h.Port)
		}
		if h.User != "" {
			a.BootstrapUser = h.User
		}
		if h.IdentityFile != "" {
			a.PublicKey = config.ExpandHome(h.IdentityFile) + ".pub"
		}
	}
	return nil
}

func (w *Wizard) buildForm(a *Answers) *huh.Form {
	keyField := w.keyField(a)

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Target name").
				Description("Short handle used in the journal and on the CLI").
				Value(&a.TargetName).
				Validate(validation.ValidateIdentifier),
			huh.NewInput().
				Title("Address").
				Description("Hostname or IP of the VM to harden").
				Value(&a.Address).
				Validate(validation.ValidateHostAddress),
			huh.NewInput().
				Title("SSH port").
				Description("Empty means 22").
				Value(&a.Port).
				Validate(validatePortString),
			huh.NewInput().
				Title("Bootstrap user").
				Description("Existing account with password access, usually root").
				Value(&a.BootstrapUser).
				Validate(validation.ValidateLoginName),
		),
		huh.NewGroup(
			keyField,
			huh.NewInput().
				Title("Managed login").
				Description("Account rampart creates and hands you back").
				Value(&a.Login).
				Validate(validation.ValidateLoginName),
			huh.NewInput().
				Title("Guard deadline").
				Description("How long the target waits for confirmation before self-revert").
				Value(&a.Deadline).
				Validate(validateDeadlineString),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Notify on run results?").
				Value(&a.EnableNotify),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Channel type").
				Options(
					huh.NewOption("ntfy", "ntfy"),
					huh.NewOption("webhook", "webhook"),
					huh.NewOption("pushover", "pushover"),
				).
				Value(&a.NotifyType),
		).WithHideFunc(func() bool { return !a.EnableNotify }),
		huh.NewGroup(
			huh.NewInput().
				Title("Channel URL").
				Value(&a.NotifyURL),
		).WithHideFunc(func() bool { return !a.EnableNotify || a.NotifyType == "pushover" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Pushover API token").
				EchoMode(huh.EchoModePassword).
				Value(&a.NotifyToken),
			huh.NewInput().
				Title("Pushover user key").
				Value(&a.NotifyUserKey),
		).WithHideFunc(func() bool { return !a.EnableNotify || a.NotifyType != "pushover" }),
	).WithTheme(huh.ThemeBase16())
}

// keyField is a select when keys were detected, a free input otherwise.
func (w *Wizard) keyField(a *Answers) huh.Field {
	if len(w.Detected.PublicKeys) == 0 {
		return huh.NewInput().
			Title("Public key file").
			Description("Path to the .pub installed for the managed login").
			Value(&a.PublicKey).
			Validate(validateKeyPath)
	}

	var options []huh.Option[string]
	for _, k := range w.Detected.PublicKeys {
		label := k.Path
		if k.Comment != "" {
			label += " (" + k.Comment + ")"
		}
		options = append(options, huh.NewOption(label, k.Path))
	}
	return huh.NewSelect[string]().
		Title("Public key file").
		Options(options...).
		Value(&a.PublicKey)
}

func validatePortString(s string) error {
	if s == "" {
		return nil
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a number")
	}
	return validation.ValidatePortNumber(port)
}

func validateDeadlineString(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("use a duration like 120s or 5m")
	}
	return validation.ValidateDeadline(d)
}

func validateKeyPath(s string) error {
	if s == "" {
		return fmt.Errorf("required")
	}
	if _, err := os.Stat(config.ExpandHome(s)); err != nil {
		return fmt.Errorf("not found")
	}
	return nil
}

// BuildConfig turns validated answers into a config. Split from Run so the
// mapping is testable without a terminal.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.New()

	port := 0
	if a.Port != "" {
		p, err := strconv.Atoi(a.Port)
		if err != nil {
			return nil, fmt.Errorf("port: %w", err)
		}
		port = p
	}

	cfg.Defaults = &config.Defaults{
		Login:    a.Login,
		Deadline: a.Deadline,
	}
	cfg.Targets = []config.Target{{
		Name:          a.TargetName,
		Address:       a.Address,
		Port:          port,
		BootstrapUser: a.BootstrapUser,
		PublicKeyFile: a.PublicKey,
	}}
	cfg.Identity = &config.Identity{
		Login:        a.Login,
		SudoNoPasswd: true,
	}
	cfg.Journal = &config.Journal{
		Path:          journal.DefaultPath,
		RetentionDays: config.DefaultRetentionDays,
	}
	if a.EnableNotify {
		cfg.Notify = &config.Notify{
			Enabled:  true,
			MinLevel: "warning",
			Channels: []config.Channel{{
				Name:     "ops",
				Type:     a.NotifyType,
				URL:      a.NotifyURL,
				APIToken: a.NotifyToken,
				UserKey:  a.NotifyUserKey,
			}},
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
