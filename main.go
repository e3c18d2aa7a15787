package main

import (
	"flag"
	"os"

	"grimm.is/rampart/cmd"
	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "harden":
		os.Exit(cmd.RunHarden(os.Args[2:]))

	case "probe":
		if err := cmd.RunProbe(os.Args[2:]); err != nil {
			printer.Fprintf(os.Stderr, "Probe failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.DefaultConfigPath()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}

		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		if err := cmd.RunDiff(os.Args[2:]); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "journal":
		if err := cmd.RunJournal(os.Args[2:]); err != nil {
			printer.Fprintf(os.Stderr, "Journal failed: %v\n", err)
			os.Exit(1)
		}

	case "genpass":
		if err := cmd.RunGenPass(os.Args[2:]); err != nil {
			printer.Fprintf(os.Stderr, "Genpass failed: %v\n", err)
			os.Exit(1)
		}

	case "import":
		if err := cmd.RunImport(os.Args[2:]); err != nil {
			printer.Fprintf(os.Stderr, "Import failed: %v\n", err)
			os.Exit(1)
		}

	case "setup":
		setupFlags := flag.NewFlagSet("setup", flag.ExitOnError)
		configFile := setupFlags.String("config", brand.DefaultConfigPath(), "Configuration file to create")
		setupFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		setupFlags.Parse(os.Args[2:])

		if err := cmd.RunSetup(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Setup failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Build: %s\n", brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Core Commands:
  harden    Harden a target through guarded transactions
            Usage: harden <target|address> [user] [password] [pubkey] [credential]
            Options: --port (-p), --key (-i), --login (-l), --deadline,
                     --skip <payload>, --dry-run (-n), --yes (-y),
                     --json, --verbose (-v)
  probe     Check reachability and credentials without changing anything
            Usage: probe <target|address> [user] [password]
            Options: --key (-i), --skip-ping, --json
  diff      Compare rendered payloads against the live files on a target
            Usage: diff <target|address> [user] [password]

Configuration Commands:
  setup     First-run setup wizard
            Options: --config (-c) <file>
  check     Validate the configuration file
            Options: --verbose (-v)
  import    Merge an inventory YAML into the configuration
            Options: --input (-i) <file>, --output (-o) <file>

Utility Commands:
  journal   Inspect recorded runs
            Subcommands: list [-n] [-target], show <run-id>, prune [-days]
  genpass   Generate identity credentials
            Options: -n <count>, --words (-w) <count>
  version   Print version information

Examples:
  %s setup                           # Interactive first-run wizard
  %s probe vps1                      # Dry connectivity check
  %s harden vps1                     # Harden the configured target
  %s harden 203.0.113.7 root - ~/.ssh/id_ed25519.pub
  %s journal list -target vps1       # Past runs for one target
  %s check -v /etc/rampart/rampart.hcl

A literal "-" for a password or credential prompts without echo.
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName)
}
