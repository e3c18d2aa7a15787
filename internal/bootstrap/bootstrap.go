// Package bootstrap provisions the managed admin identity on a target: the
// account, its credential, its key, and its sudo grant. Every step is
// idempotent. A second run against an already-provisioned target performs no
// destructive action and reports the satisfied steps as unchanged.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/target"
)

// Step names carried by BootstrapError.
const (
	StepUser       = "user"
	StepCredential = "credential"
	StepKey        = "authorized_key"
	StepSudo       = "sudoers"
)

// Identity is the account bootstrap creates on the target.
type Identity struct {
	Login     string
	Shell     string
	PublicKey []byte // one authorized_keys line

	// Credential is set via chpasswd on stdin. Empty skips the step.
	Credential string

	SudoNoPasswd bool
}

// Report says what this run actually changed. A false field with a nil error
// means the step found its work already done.
type Report struct {
	Created       bool     `json:"created"`
	CredentialSet bool     `json:"credential_set"`
	KeyInstalled  bool     `json:"key_installed"`
	SudoGranted   bool     `json:"sudo_granted"`
	Warnings      []string `json:"warnings,omitempty"`
}

// BootstrapError wraps a failure with the step that raised it. Bootstrap
// failures are fatal to the workflow: a half-provisioned identity must not
// proceed to hardening.
type BootstrapError struct {
	Step string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

func fail(step string, err error) error {
	return &BootstrapError{Step: step, Err: err}
}

// VerifyFunc proves the new identity can open its own session, typically by
// dialing fresh with the installed key. Verification failure is a warning,
// not an error: the account state on the target is valid either way.
type VerifyFunc func(ctx context.Context) error

// Apply provisions the identity over an authenticated session. verify may be
// nil to skip the final login check.
func Apply(ctx context.Context, host target.Host, id Identity, verify VerifyFunc) (*Report, error) {
	log := logging.WithComponent("bootstrap")
	report := &Report{}

	if id.Login == "" {
		return nil, fail(StepUser, fmt.Errorf("empty login"))
	}
	shell := id.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	created, err := ensureUser(ctx, host, id.Login, shell)
	if err != nil {
		return nil, fail(StepUser, err)
	}
	report.Created = created
	if created {
		logging.Audit("user.create", id.Login, map[string]any{"shell": shell})
	} else {
		log.Debug("account already present", "login", id.Login)
	}

	if id.Credential != "" {
		if err := setCredential(ctx, host, id.Login, id.Credential); err != nil {
			return nil, fail(StepCredential, err)
		}
		report.CredentialSet = true
		logging.Audit("user.credential", id.Login, nil)
	}

	if len(id.PublicKey) > 0 {
		installed, err := installKey(ctx, host, id.Login, id.PublicKey)
		if err != nil {
			return nil, fail(StepKey, err)
		}
		report.KeyInstalled = installed
		if installed {
			logging.Audit("user.authorized_key", id.Login, nil)
		} else {
			log.Debug("key already authorized", "login", id.Login)
		}
	}

	granted, err := grantSudo(ctx, host, id.Login, id.SudoNoPasswd)
	if err != nil {
		return nil, fail(StepSudo, err)
	}
	report.SudoGranted = granted
	if granted {
		logging.Audit("user.sudo", id.Login, map[string]any{"nopasswd": id.SudoNoPasswd})
	}

	if verify != nil {
		if err := verify(ctx); err != nil {
			w := fmt.Sprintf("login verification as %s failed: %v", id.Login, err)
			report.Warnings = append(report.Warnings, w)
			log.Warn("identity verification failed", "login", id.Login, "error", err)
		} else {
			log.Info("identity verified with fresh session", "login", id.Login)
		}
	}

	return report, nil
}

// ensureUser creates the account when absent. Returns true when this run
// created it.
func ensureUser(ctx context.Context, host target.Host, login, shell string) (bool, error) {
	res, err := host.Run(ctx, target.Command{Argv: []string{"id", "-u", login}})
	if err != nil {
		return false, err
	}
	if res.OK() {
		return false, nil
	}

	cmd := target.Command{
		Argv: []string{"useradd", "-m", "-s", shell, login},
		Sudo: true,
	}
	if _, err := target.RunOK(ctx, host, cmd); err != nil {
		return false, err
	}
	return true, nil
}

// setCredential feeds login:credential to chpasswd on stdin so the secret
// never appears in an argv or a shell history.
func setCredential(ctx context.Context, host target.Host, login, credential string) error {
	cmd := target.Command{
		Argv:  []string{"chpasswd"},
		Stdin: []byte(login + ":" + credential + "\n"),
		Sudo:  true,
	}
	_, err := target.RunOK(ctx, host, cmd)
	return err
}

// homeOf resolves the account home from passwd instead of assuming /home.
func homeOf(ctx context.Context, host target.Host, login string) (string, error) {
	res, err := host.Run(ctx, target.Command{Argv: []string{"getent", "passwd", login}})
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("getent passwd %s exited %d", login, res.ExitCode)
	}
	fields := strings.Split(strings.TrimSpace(string(res.Stdout)), ":")
	if len(fields) < 6 || fields[5] == "" {
		return "", fmt.Errorf("malformed passwd entry for %s", login)
	}
	return fields[5], nil
}

// installKey appends the key line to authorized_keys via a staged file and an
// atomic rename. Returns false when the exact line is already present.
func installKey(ctx context.Context, host target.Host, login string, publicKey []byte) (bool, error) {
	keyLine := strings.TrimSpace(string(publicKey))
	if keyLine == "" {
		return false, fmt.Errorf("empty public key")
	}

	home, err := homeOf(ctx, host, login)
	if err != nil {
		return false, err
	}
	sshDir := home + "/.ssh"
	authPath := sshDir + "/authorized_keys"

	existing := ""
	if ok, err := host.FileExists(ctx, authPath); err != nil {
		return false, err
	} else if ok {
		data, err := host.ReadFile(ctx, authPath)
		if err != nil {
			return false, err
		}
		existing = string(data)
		for _, line := range strings.Split(existing, "\n") {
			if strings.TrimSpace(line) == keyLine {
				return false, nil
			}
		}
	}

	owner := login + ":" + login
	mkdir := target.Command{
		Argv: []string{"install", "-d", "-m", "0700", "-o", login, "-g", login, sshDir},
		Sudo: true,
	}
	if _, err := target.RunOK(ctx, host, mkdir); err != nil {
		return false, err
	}

	merged := existing
	if merged != "" && !strings.HasSuffix(merged, "\n") {
		merged += "\n"
	}
	merged += keyLine + "\n"

	staged := authPath + ".rampart-staged"
	if err := host.WriteFile(ctx, staged, []byte(merged), "0600"); err != nil {
		return false, err
	}
	if err := host.Rename(ctx, staged, authPath); err != nil {
		return false, err
	}
	chown := target.Command{Argv: []string{"chown", owner, authPath}, Sudo: true}
	if _, err := target.RunOK(ctx, host, chown); err != nil {
		return false, err
	}
	chmod := target.Command{Argv: []string{"chmod", "0600", authPath}, Sudo: true}
	if _, err := target.RunOK(ctx, host, chmod); err != nil {
		return false, err
	}
	return true, nil
}

// grantSudo installs a sudoers.d drop-in, syntax-checked before it lands.
// The staged name carries a dot so sudo's includedir ignores it until the
// rename. The main sudoers file is never touched.
func grantSudo(ctx context.Context, host target.Host, login string, noPasswd bool) (bool, error) {
	dropin := "/etc/sudoers.d/90-rampart-" + login
	grant := login + " ALL=(ALL:ALL) ALL\n"
	if noPasswd {
		grant = login + " ALL=(ALL:ALL) NOPASSWD:ALL\n"
	}

	if ok, err := host.FileExists(ctx, dropin); err != nil {
		return false, err
	} else if ok {
		data, err := host.ReadFile(ctx, dropin)
		if err != nil {
			return false, err
		}
		if string(data) == grant {
			return false, nil
		}
	}

	staged := dropin + ".rampart-staged"
	if err := host.WriteFile(ctx, staged, []byte(grant), "0440"); err != nil {
		return false, err
	}
	check := target.Command{Argv: []string{"visudo", "-c", "-f", staged}, Sudo: true}
	if _, err := target.RunOK(ctx, host, check); err != nil {
		_ = host.Remove(ctx, staged)
		return false, fmt.Errorf("visudo rejected grant: %w", err)
	}
	if err := host.Rename(ctx, staged, dropin); err != nil {
		_ = host.Remove(ctx, staged)
		return false, err
	}
	return true, nil
}
