package cmd

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/harden"
	"grimm.is/rampart/internal/journal"
	"grimm.is/rampart/internal/payload"
)

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// targetFlags are the connection flags shared by harden, probe, and diff.
type targetFlags struct {
	configFile *string
	address    *string
	port       *int
	user       *string
	password   *string
	key        *string
	login      *string
	knownHosts *string
	skipPing   *bool
	timeout    *time.Duration
}

func bindTargetFlags(fs *flag.FlagSet) *targetFlags {
	tf := &targetFlags{}
	tf.configFile = fs.String("config", brand.DefaultConfigPath(), "Configuration file")
	fs.StringVar(tf.configFile, "c", brand.DefaultConfigPath(), "Configuration file (shorthand)")
	tf.address = fs.String("address", "", "Target address when not naming a configured target")
	fs.StringVar(tf.address, "a", "", "Target address (shorthand)")
	tf.port = fs.Int("port", 0, "SSH port")
	fs.IntVar(tf.port, "p", 0, "SSH port (shorthand)")
	tf.user = fs.String("user", "", "Bootstrap user for the first dial")
	fs.StringVar(tf.user, "u", "", "Bootstrap user (shorthand)")
	tf.password = fs.String("password", "", "Bootstrap password ('-' or empty prompts; "+brand.ConfigEnvPrefix+"_BOOTSTRAP_PASSWORD is read first)")
	tf.key = fs.String("key", "", "Public key file for the managed identity")
	fs.StringVar(tf.key, "i", "", "Public key file (shorthand)")
	tf.login = fs.String("login", "", "Managed login to provision")
	fs.StringVar(tf.login, "l", "", "Managed login (shorthand)")
	tf.knownHosts = fs.String("known-hosts", "", "known_hosts file for host key pinning")
	tf.skipPing = fs.Bool("skip-ping", false, "Skip the ICMP reachability stage")
	tf.timeout = fs.Duration("connect-timeout", 0, "SSH dial timeout")
	return tf
}

// resolveTarget merges the config file and flags into run parameters.
// The positional argument names a configured target; an unknown name is
// treated as a bare address. Flags always win over config values.
func resolveTarget(tf *targetFlags, nameArg string) (harden.Params, *config.Config, error) {
	var p harden.Params

	cfg, err := loadConfigIfPresent(*tf.configFile)
	if err != nil {
		return p, nil, err
	}

	var block *config.Target
	if cfg != nil && nameArg != "" {
		block = cfg.FindTarget(nameArg)
	}
	if block != nil {
		p.Target = block.Name
		p.Endpoint.Address = block.Address
		p.Endpoint.Port = cfg.EffectivePort(block)
		p.Endpoint.User = bootstrapUser(cfg, block)
		p.PublicKeyPath = block.PublicKeyFile
		p.Login = cfg.EffectiveLogin(block)
	} else if nameArg != "" {
		p.Target = nameArg
		p.Endpoint.Address = nameArg
	}
	if cfg != nil {
		if d, err := cfg.GuardDeadline(); err == nil {
			p.Deadline = d
		}
		p.KnownHostsPath = cfg.KnownHostsPath()
	}

	if *tf.address != "" {
		p.Endpoint.Address = *tf.address
		if p.Target == "" {
			p.Target = *tf.address
		}
	}
	if *tf.port != 0 {
		p.Endpoint.Port = *tf.port
	}
	if *tf.user != "" {
		p.Endpoint.User = *tf.user
	}
	if p.Endpoint.User == "" {
		p.Endpoint.User = "root"
	}
	if *tf.key != "" {
		p.PublicKeyPath = *tf.key
	}
	if *tf.login != "" {
		p.Login = *tf.login
	}
	if *tf.knownHosts != "" {
		p.KnownHostsPath = *tf.knownHosts
	}
	p.SkipPing = *tf.skipPing
	p.ConnectTimeout = *tf.timeout

	if p.Endpoint.Address == "" {
		return p, nil, fmt.Errorf("no target: name a configured target or pass --address")
	}

	// Payload overrides need the final port for the packet filter rule.
	p.Payloads = payload.FromConfig(cfg, p.Endpoint.Port)
	return p, cfg, nil
}

// bootstrapUser picks the first-dial account: target block, then
// defaults, then root.
func bootstrapUser(cfg *config.Config, t *config.Target) string {
	if t.BootstrapUser != "" {
		return t.BootstrapUser
	}
	if cfg.Defaults != nil && cfg.Defaults.BootstrapUser != "" {
		return cfg.Defaults.BootstrapUser
	}
	return "root"
}

// loadConfigIfPresent loads and validates the config file. A missing
// file is only an error when the operator named it explicitly.
func loadConfigIfPresent(path string) (*config.Config, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == brand.DefaultConfigPath() {
			return nil, nil
		}
		return nil, fmt.Errorf("config %s does not exist", path)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePassword decides the bootstrap password: an explicit flag
// value wins, then the environment, then an interactive prompt.
func resolvePassword(raw, user, address string) (string, error) {
	if raw != "" && raw != "-" {
		return raw, nil
	}
	if raw == "" {
		if env := os.Getenv(brand.ConfigEnvPrefix + "_BOOTSTRAP_PASSWORD"); env != "" {
			return env, nil
		}
	}
	return promptSecret(Printer.Sprintf("Password for %s@%s: ", user, address))
}

// promptSecret reads a secret from the terminal without echo. The
// prompt goes to stderr so stdout stays clean for JSON output.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; pass --password or set %s_BOOTSTRAP_PASSWORD", brand.ConfigEnvPrefix)
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(secret), nil
}

// promptConfirm asks a yes/no question on the terminal. Non-interactive
// stdin confirms silently so scripted runs do not hang; scripts that
// want the gate pass --yes explicitly anyway.
func promptConfirm(prompt string) bool {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return true
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// openJournal opens the run journal at the configured path, falling
// back to the state-dir default. daysOverride replaces the configured
// retention when positive.
func openJournal(cfg *config.Config, daysOverride int) (*journal.Store, error) {
	path := brand.DefaultJournalPath()
	days := config.DefaultRetentionDays
	if cfg != nil && cfg.Journal != nil {
		if cfg.Journal.Path != "" {
			path = cfg.Journal.Path
		}
		if cfg.Journal.RetentionDays > 0 {
			days = cfg.Journal.RetentionDays
		}
	}
	if daysOverride > 0 {
		days = daysOverride
	}
	return journal.Open(path, days)
}
