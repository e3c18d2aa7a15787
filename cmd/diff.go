package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pmezard/go-difflib/difflib"
	"grimm.is/rampart/internal/target"
)

// RunDiff compares the rendered payloads against the live files on the
// target. Nothing is written; the dial uses the bootstrap credentials
// or the managed identity, whichever the flags select. Positional form:
// address, user, credential.
func RunDiff(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	tf := bindTargetFlags(fs)
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
	password, err := resolvePassword(rawPassword, params.Endpoint.User, params.Endpoint.Address)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := target.Dial(ctx, target.Config{
		Endpoint:       params.Endpoint,
		Password:       password,
		KnownHostsPath: params.KnownHostsPath,
		ConnectTimeout: params.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", params.Endpoint.HostPort(), err)
	}
	defer host.Close()

	changed := 0
	for _, pl := range params.Payloads {
		live := ""
		fromFile := pl.LivePath + " (absent)"
		exists, err := host.FileExists(ctx, pl.LivePath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", pl.LivePath, err)
		}
		if exists {
			data, err := host.ReadFile(ctx, pl.LivePath)
			if err != nil {
				return fmt.Errorf("read %s: %w", pl.LivePath, err)
			}
			live = string(data)
			fromFile = pl.LivePath + " (live)"
		}

		if live == pl.Content {
			continue
		}
		changed++

		diff := difflib.UnifiedDiff{
			A:        difflib.SplitLines(live),
			B:        difflib.SplitLines(pl.Content),
			FromFile: fromFile,
			ToFile:   pl.Name + " (rendered)",
			Context:  3,
		}
		text, _ := difflib.GetUnifiedDiffString(diff)
		fmt.Print(text)
	}

	if changed == 0 {
		Printer.Println("No changes detected.")
		return nil
	}
	return fmt.Errorf("%d payload(s) differ from the rendered configuration", changed)
}
