// Package harden orchestrates a full run against one target: preconditions,
// reachability probe, managed-identity bootstrap, then the guarded policy
// transactions in order, with journaling and notification at the end.
//
// The order embodies the safety story: nothing touches the network before
// the arguments check out, nothing touches the host before the probe
// succeeds, and no policy goes live before the new access path (managed
// identity, key auth) has been proven by the bootstrap verifier.
package harden

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"grimm.is/rampart/internal/bootstrap"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/guard"
	"grimm.is/rampart/internal/journal"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/notify"
	"grimm.is/rampart/internal/passphrase"
	"grimm.is/rampart/internal/payload"
	"grimm.is/rampart/internal/probe"
	"grimm.is/rampart/internal/target"
	"grimm.is/rampart/internal/transaction"
	"grimm.is/rampart/internal/validation"
)

// Params is everything one run needs. Zero values fall back to the
// built-in defaults.
type Params struct {
	// Target is the display name; defaults to the address.
	Target string

	// Endpoint carries the address, port, and bootstrap login.
	Endpoint          target.Endpoint
	BootstrapPassword string

	// PublicKeyPath is installed for the managed identity. The private
	// key for confirmation dials defaults to the same path minus ".pub".
	PublicKeyPath  string
	PrivateKeyPath string

	// Login is the managed identity to create.
	Login string

	// Credential is the managed identity's passphrase. Empty generates
	// one and reports it.
	Credential string

	// Deadline is the guard window for every transaction.
	Deadline time.Duration

	// Payloads in apply order. Empty means the built-in set.
	Payloads []payload.Payload

	KnownHostsPath string
	SkipPing       bool
	ConnectTimeout time.Duration
}

// Workflow wires the run. Every collaborator is swappable for tests.
type Workflow struct {
	Dialer    target.Dialer
	Probe     func(ctx context.Context, opts probe.Options) *probe.Report
	GuardsFor func(h target.Host) guard.Supervisor

	// Journal and Notify are optional; nil disables them.
	Journal *journal.Store
	Notify  *notify.Dispatcher

	Clock clock.Clock
	log   *logging.Logger
}

// NewWorkflow returns a production-wired workflow.
func NewWorkflow() *Workflow {
	return &Workflow{
		Dialer: target.Dial,
		Probe:  probe.Run,
		GuardsFor: func(h target.Host) guard.Supervisor {
			return guard.NewRemoteSupervisor(h)
		},
		Clock: &clock.RealClock{},
		log:   logging.WithComponent("harden"),
	}
}

func (w *Workflow) logger() *logging.Logger {
	if w.log == nil {
		w.log = logging.WithComponent("harden")
	}
	return w.log
}

// Run executes the workflow. The report is returned on every path; err is
// non-nil whenever the outcome is not Hardened.
func (w *Workflow) Run(ctx context.Context, p Params) (*RunReport, error) {
	rep := &RunReport{
		Target:    p.Target,
		Endpoint:  p.Endpoint.String(),
		StartedAt: w.Clock.Now(),
	}
	if rep.Target == "" {
		rep.Target = p.Endpoint.Address
	}

	outcome, err := w.execute(ctx, &p, rep)
	rep.Outcome = outcome
	rep.ExitCode = outcome.ExitCode()
	rep.FinishedAt = w.Clock.Now()
	if err != nil {
		rep.Err = err.Error()
	}

	w.journalRun(rep)
	w.notifyRun(rep)
	logging.Audit("run", rep.Target, map[string]any{
		"outcome": string(outcome), "receipts": len(rep.Receipts),
	})
	return rep, err
}

func (w *Workflow) execute(ctx context.Context, p *Params, rep *RunReport) (Outcome, error) {
	keyBytes, signer, err := w.preconditions(p)
	if err != nil {
		return Failed, err
	}
	rep.Login = p.Login

	probeRep := w.Probe(ctx, probe.Options{
		Endpoint:       p.Endpoint,
		Password:       p.BootstrapPassword,
		KnownHostsPath: p.KnownHostsPath,
		SkipPing:       p.SkipPing,
		DialTimeout:    p.ConnectTimeout,
		Dialer:         w.Dialer,
	})
	rep.Probe = probeRep
	if probeRep.Status != probe.Reachable {
		return Failed, &ConnectivityError{
			Endpoint: p.Endpoint.String(),
			Status:   probeRep.Status,
			Err:      probeRep.Err,
		}
	}

	host, err := w.Dialer(ctx, target.Config{
		Endpoint:       p.Endpoint,
		Password:       p.BootstrapPassword,
		KnownHostsPath: p.KnownHostsPath,
		ConnectTimeout: p.ConnectTimeout,
	})
	if err != nil {
		return Failed, &ConnectivityError{Endpoint: p.Endpoint.String(), Status: probe.Unreachable, Err: err}
	}
	defer host.Close()

	cred := p.Credential
	if cred == "" {
		cred, err = passphrase.Generate(passphrase.Options{})
		if err != nil {
			return Failed, fmt.Errorf("generate identity credential: %w", err)
		}
		rep.GeneratedCredential = cred
	}

	// The verifier dials fresh as the managed identity with the key. It
	// doubles as the bootstrap proof and the per-transaction confirmation:
	// the new access path is exercised the way the operator will use it.
	verify := w.identityVerifier(target.Config{
		Endpoint: target.Endpoint{
			Address: p.Endpoint.Address,
			Port:    p.Endpoint.Port,
			User:    p.Login,
		},
		Signer:         signer,
		KnownHostsPath: p.KnownHostsPath,
		ConnectTimeout: p.ConnectTimeout,
	})

	bootRep, err := bootstrap.Apply(ctx, host, bootstrap.Identity{
		Login:        p.Login,
		Shell:        config.DefaultShell,
		PublicKey:    keyBytes,
		Credential:   cred,
		SudoNoPasswd: true,
	}, verify)
	rep.Bootstrap = bootRep
	if err != nil {
		return Failed, err
	}

	engine := transaction.NewEngine(host, w.GuardsFor(host), p.Deadline)
	engine.Clock = w.Clock
	engine.Confirm = verify

	for i := range p.Payloads {
		pl := &p.Payloads[i]

		if pl.Service != "" {
			present, err := w.unitPresent(ctx, host, pl.Service)
			if err != nil {
				return Failed, fmt.Errorf("check unit %s: %w", pl.Service, err)
			}
			if !present {
				rep.Skipped = append(rep.Skipped, pl.Name)
				rep.warnf("%s: unit %s not installed, payload skipped", pl.Name, pl.Service)
				w.logger().Warn("payload skipped", "payload", pl.Name, "unit", pl.Service)
				continue
			}
		}

		res := transaction.Resource{
			Name:     pl.Name,
			LivePath: pl.LivePath,
			Content:  []byte(pl.Content),
			Reload:   pl.Reload,
		}
		if pl.Validator != nil {
			res.ValidateArgv = pl.Validator.Argv
		}

		rec, err := engine.Execute(ctx, res)
		if rec != nil {
			rep.Receipts = append(rep.Receipts, rec)
		}
		if err != nil {
			return outcomeForReceipt(rec), err
		}
	}

	return Hardened, nil
}

// preconditions validates arguments and local files, and resolves defaults.
// It returns the public key bytes and the signer for confirmation dials.
func (w *Workflow) preconditions(p *Params) ([]byte, ssh.Signer, error) {
	if p.Login == "" {
		p.Login = config.DefaultLogin
	}
	if p.Deadline == 0 {
		p.Deadline = config.DefaultDeadline
	}
	if len(p.Payloads) == 0 {
		p.Payloads = payload.Defaults(p.Endpoint.Port)
	}

	if err := validation.ValidateHostAddress(p.Endpoint.Address); err != nil {
		return nil, nil, &PreconditionError{Field: "address", Reason: err.Error()}
	}
	if p.Endpoint.Port != 0 {
		if err := validation.ValidatePortNumber(p.Endpoint.Port); err != nil {
			return nil, nil, &PreconditionError{Field: "port", Reason: err.Error()}
		}
	}
	if p.Endpoint.User == "" {
		return nil, nil, &PreconditionError{Field: "bootstrap_user", Reason: "cannot be empty"}
	}
	if p.BootstrapPassword == "" {
		return nil, nil, &PreconditionError{Field: "bootstrap_credential", Reason: "cannot be empty"}
	}
	if err := validation.ValidateLoginName(p.Login); err != nil {
		return nil, nil, &PreconditionError{Field: "login", Reason: err.Error()}
	}
	if err := validation.ValidateDeadline(p.Deadline); err != nil {
		return nil, nil, &PreconditionError{Field: "deadline", Reason: err.Error()}
	}

	pubPath := config.ExpandHome(p.PublicKeyPath)
	keyBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, &PreconditionError{Field: "public_key", Reason: err.Error()}
	}
	if !looksLikePublicKey(string(keyBytes)) {
		return nil, nil, &PreconditionError{
			Field:  "public_key",
			Reason: fmt.Sprintf("%s does not look like an OpenSSH public key", p.PublicKeyPath),
		}
	}

	privPath := p.PrivateKeyPath
	if privPath == "" {
		if !strings.HasSuffix(p.PublicKeyPath, ".pub") {
			return nil, nil, &PreconditionError{
				Field:  "identity_key",
				Reason: "cannot locate the private key (public key path does not end in .pub); pass it explicitly",
			}
		}
		privPath = strings.TrimSuffix(p.PublicKeyPath, ".pub")
	}
	signer, err := target.LoadSigner(config.ExpandHome(privPath))
	if err != nil {
		return nil, nil, &PreconditionError{Field: "identity_key", Reason: err.Error()}
	}

	return keyBytes, signer, nil
}

func looksLikePublicKey(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "ssh-") ||
		strings.HasPrefix(s, "ecdsa-") ||
		strings.HasPrefix(s, "sk-")
}

// identityVerifier returns an unnamed func so it satisfies both the
// bootstrap and the transaction verifier types.
func (w *Workflow) identityVerifier(cfg target.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		h, err := w.Dialer(ctx, cfg)
		if err != nil {
			return fmt.Errorf("dial as %s: %w", cfg.User, err)
		}
		defer h.Close()
		if _, err := target.RunOK(ctx, h, target.Command{Argv: []string{"true"}}); err != nil {
			return fmt.Errorf("session as %s: %w", cfg.User, err)
		}
		return nil
	}
}

func (w *Workflow) unitPresent(ctx context.Context, host target.Host, unit string) (bool, error) {
	res, err := host.Run(ctx, target.Command{
		Argv: []string{"systemctl", "cat", unit + ".service"},
	})
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// outcomeForReceipt maps a failed transaction's final state onto the run
// outcome. Applied means the guard still owns recovery, which ends in the
// snapshot being restored, so it reports the same as an observed revert.
func outcomeForReceipt(rec *transaction.Receipt) Outcome {
	if rec == nil {
		return Failed
	}
	switch rec.State {
	case transaction.Reverted, transaction.Applied:
		return RevertedSafe
	case transaction.Aborted:
		return Aborted
	}
	return Failed
}

func (w *Workflow) journalRun(rep *RunReport) {
	if w.Journal == nil {
		return
	}
	id, err := w.Journal.RecordRun(journal.Run{
		Target:     rep.Target,
		Outcome:    string(rep.Outcome),
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	})
	if err != nil {
		w.logger().Warn("journal write failed", "error", err)
		return
	}
	for _, rec := range rep.Receipts {
		if err := w.Journal.RecordReceipt(id, rec); err != nil {
			w.logger().Warn("journal receipt write failed", "receipt", rec.ID, "error", err)
		}
	}
}

func (w *Workflow) notifyRun(rep *RunReport) {
	if w.Notify == nil {
		return
	}
	level := notify.LevelCritical
	switch rep.Outcome {
	case Hardened:
		level = notify.LevelInfo
	case Aborted:
		level = notify.LevelWarning
	}
	w.Notify.Send(notify.Event{
		Title:   "rampart: " + rep.Target,
		Message: rep.Summary(),
		Level:   level,
		Data: map[string]any{
			"target":  rep.Target,
			"outcome": string(rep.Outcome),
		},
	})
}
