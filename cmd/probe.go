package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/probe"
	"grimm.is/rampart/internal/report"
)

// RunProbe checks reachability and credentials for one target without
// changing anything on it. Positional form: address, user, credential.
func RunProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	tf := bindTargetFlags(fs)
	jsonOut := fs.Bool("json", false, "Emit the probe report as JSON")
	fs.Parse(args)

	params, _, err := resolveTarget(tf, fs.Arg(0))
	if err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) > 1 && *tf.user == "" {
		params.Endpoint.User = rest[1]
	}
	rawPassword := *tf.password
	if len(rest) > 2 && rawPassword == "" {
		rawPassword = rest[2]
	}

	// The probe is read-only, so an absent credential is not worth a
	// prompt; auth is attempted with whatever is available. A literal
	// "-" still asks, since the operator requested it.
	var password string
	if rawPassword == "-" {
		password, err = promptSecret(Printer.Sprintf("Password for %s@%s: ", params.Endpoint.User, params.Endpoint.Address))
		if err != nil {
			return err
		}
	} else if rawPassword != "" {
		password = rawPassword
	} else {
		password = os.Getenv(brand.ConfigEnvPrefix + "_BOOTSTRAP_PASSWORD")
	}

	// Key auth accepts either half of the pair; the signer always loads
	// from the private side.
	keyPath := strings.TrimSuffix(params.PublicKeyPath, ".pub")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep := probe.Run(ctx, probe.Options{
		Endpoint:       params.Endpoint,
		Password:       password,
		KeyPath:        keyPath,
		KnownHostsPath: params.KnownHostsPath,
		SkipPing:       params.SkipPing,
		DialTimeout:    params.ConnectTimeout,
	})

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		report.RenderProbe(os.Stdout, rep)
	}

	if rep.Status != probe.Reachable {
		return fmt.Errorf("%s is %s", params.Endpoint.Address, rep.Status)
	}
	return nil
}
