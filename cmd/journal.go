package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/journal"
	"grimm.is/rampart/internal/report"
)

// RunJournal inspects the run journal. Subcommands: list (default),
// show <run-id>, prune.
func RunJournal(args []string) error {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "list":
		return journalList(args)
	case "show":
		return journalShow(args)
	case "prune":
		return journalPrune(args)
	default:
		return fmt.Errorf("unknown journal subcommand %q (want list, show, or prune)", sub)
	}
}

func journalList(args []string) error {
	fs := flag.NewFlagSet("journal list", flag.ExitOnError)
	configFile := fs.String("config", "", "Configuration file (for the journal path)")
	targetName := fs.String("target", "", "Only runs against this target")
	limit := fs.Int("n", 20, "Maximum number of runs to list")
	jsonOut := fs.Bool("json", false, "Emit the runs as JSON")
	fs.Parse(args)

	store, err := openJournalAt(*configFile, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs(*targetName, *limit)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	report.RenderRuns(os.Stdout, runs)
	return nil
}

func journalShow(args []string) error {
	fs := flag.NewFlagSet("journal show", flag.ExitOnError)
	configFile := fs.String("config", "", "Configuration file (for the journal path)")
	jsonOut := fs.Bool("json", false, "Emit the receipts as JSON")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("usage: journal show <run-id>")
	}
	runID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("run id %q is not a number", fs.Arg(0))
	}

	store, err := openJournalAt(*configFile, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Receipts(runID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("run %d has no receipts (wrong id?)", runID)
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	report.RenderReceipts(os.Stdout, recs, true)
	return nil
}

func journalPrune(args []string) error {
	fs := flag.NewFlagSet("journal prune", flag.ExitOnError)
	configFile := fs.String("config", "", "Configuration file (for the journal path)")
	days := fs.Int("days", 0, "Retention window in days (overrides config)")
	fs.Parse(args)

	store, err := openJournalAt(*configFile, *days)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Prune()
	if err != nil {
		return err
	}
	Printer.Printf("Pruned %d run(s) past the retention window.\n", removed)
	return nil
}

// openJournalAt opens the journal using the named config file, or the
// defaults when the path is empty or the file is absent.
func openJournalAt(configFile string, daysOverride int) (*journal.Store, error) {
	path := configFile
	if path == "" {
		path = brand.DefaultConfigPath()
	}
	cfg, err := loadConfigIfPresent(path)
	if err != nil {
		return nil, err
	}
	return openJournal(cfg, daysOverride)
}
