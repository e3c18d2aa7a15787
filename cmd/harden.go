package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/harden"
	"grimm.is/rampart/internal/i18n"
	"grimm.is/rampart/internal/notify"
	"grimm.is/rampart/internal/payload"
	"grimm.is/rampart/internal/report"
)

// Printer is the shared locale-aware printer for CLI output.
var Printer = i18n.NewCLIPrinter()

// RunHarden executes the full hardening workflow against one target and
// renders the run report. The return value is the process exit code:
// zero only when every payload committed.
//
// The target is named either by a configured target block or by the
// positional form: address, bootstrap user, bootstrap credential,
// public key path, and optionally the identity credential. A literal
// "-" for either credential prompts on the terminal.
func RunHarden(args []string) int {
	fs := flag.NewFlagSet("harden", flag.ExitOnError)
	tf := bindTargetFlags(fs)
	deadline := fs.Duration("deadline", 0, "Guard window before the target self-reverts (overrides config)")
	credential := fs.String("credential", "", "Passphrase for the managed identity ('-' prompts, empty generates one)")
	privateKey := fs.String("private-key", "", "Private key for confirmation dials (default: public key minus .pub)")
	dryRun := fs.Bool("dry-run", false, "Render the plan and payloads without connecting")
	fs.BoolVar(dryRun, "n", false, "Render the plan without connecting (shorthand)")
	yes := fs.Bool("yes", false, "Skip the interactive confirmation")
	fs.BoolVar(yes, "y", false, "Skip the interactive confirmation (shorthand)")
	var skips multiFlag
	fs.Var(&skips, "skip", "Payload name to leave out (repeatable)")
	jsonOut := fs.Bool("json", false, "Emit the report as JSON")
	verbose := fs.Bool("verbose", false, "Show per-step transaction detail")
	fs.BoolVar(verbose, "v", false, "Show per-step transaction detail (shorthand)")
	fs.Parse(args)

	params, cfg, err := resolveTarget(tf, fs.Arg(0))
	if err != nil {
		Printer.Fprintf(os.Stderr, "harden: %v\n", err)
		return 1
	}

	// Positional form; flags already parsed win over positions.
	rest := fs.Args()
	rawPassword := *tf.password
	if len(rest) > 1 && *tf.user == "" {
		params.Endpoint.User = rest[1]
	}
	if len(rest) > 2 && rawPassword == "" {
		rawPassword = rest[2]
	}
	if len(rest) > 3 && *tf.key == "" {
		params.PublicKeyPath = rest[3]
	}
	rawCredential := *credential
	if len(rest) > 4 && rawCredential == "" {
		rawCredential = rest[4]
	}

	if *deadline != 0 {
		params.Deadline = *deadline
	}
	params.PrivateKeyPath = *privateKey

	if len(skips) > 0 {
		params.Payloads, err = dropPayloads(params.Payloads, skips)
		if err != nil {
			Printer.Fprintf(os.Stderr, "harden: %v\n", err)
			return 1
		}
	}

	if *dryRun {
		renderPlan(params)
		return 0
	}

	if rawCredential == "-" {
		login := params.Login
		if login == "" {
			login = config.DefaultLogin
		}
		cred, err := promptSecret(Printer.Sprintf("Credential for %s: ", login))
		if err != nil {
			Printer.Fprintf(os.Stderr, "harden: %v\n", err)
			return 1
		}
		params.Credential = cred
	} else {
		params.Credential = rawCredential
	}
	params.BootstrapPassword, err = resolvePassword(rawPassword, params.Endpoint.User, params.Endpoint.Address)
	if err != nil {
		Printer.Fprintf(os.Stderr, "harden: %v\n", err)
		return 1
	}

	if !*yes && !*jsonOut {
		effDeadline := params.Deadline
		if effDeadline == 0 {
			effDeadline = config.DefaultDeadline
		}
		prompt := Printer.Sprintf("About to harden %s (%s): %d payload(s), guard deadline %s. Proceed? [y/N]: ",
			params.Target, params.Endpoint.String(), len(params.Payloads), effDeadline)
		if !promptConfirm(prompt) {
			Printer.Fprintln(os.Stderr, "Aborted.")
			return 1
		}
	}

	w := harden.NewWorkflow()
	if store, err := openJournal(cfg, 0); err != nil {
		Printer.Fprintf(os.Stderr, "Warning: journal unavailable, run will not be recorded: %v\n", err)
	} else {
		w.Journal = store
		defer store.Close()
	}
	if cfg != nil && cfg.Notify != nil {
		w.Notify = notify.NewDispatcher(cfg.Notify, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, _ := w.Run(ctx, params)
	if *jsonOut {
		if err := report.RenderJSON(os.Stdout, rep); err != nil {
			Printer.Fprintf(os.Stderr, "harden: render report: %v\n", err)
			return 1
		}
	} else {
		report.Render(os.Stdout, rep, *verbose)
	}
	return rep.ExitCode
}

// dropPayloads removes the named payloads, rejecting names that match
// nothing so a typo does not silently harden less.
func dropPayloads(payloads []payload.Payload, names []string) ([]payload.Payload, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	kept := payloads[:0]
	for _, pl := range payloads {
		if wanted[pl.Name] {
			delete(wanted, pl.Name)
			continue
		}
		kept = append(kept, pl)
	}
	for n := range wanted {
		return nil, fmt.Errorf("no payload named %q to skip", n)
	}
	return kept, nil
}

// renderPlan prints what a run would do, without touching the network.
// Unset fields show the defaults the workflow would fill in.
func renderPlan(p harden.Params) {
	login := p.Login
	if login == "" {
		login = config.DefaultLogin
	}
	deadline := p.Deadline
	if deadline == 0 {
		deadline = config.DefaultDeadline
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	Printer.Fprintf(tw, "Target:\t%s\n", p.Target)
	Printer.Fprintf(tw, "Endpoint:\t%s\n", p.Endpoint.String())
	Printer.Fprintf(tw, "Managed login:\t%s\n", login)
	Printer.Fprintf(tw, "Public key:\t%s\n", p.PublicKeyPath)
	Printer.Fprintf(tw, "Guard deadline:\t%s\n", deadline)
	tw.Flush()

	for _, pl := range p.Payloads {
		Printer.Printf("\n--- %s -> %s ---\n", pl.Name, pl.LivePath)
		Printer.Println(strings.TrimRight(pl.Content, "\n"))
	}
}
