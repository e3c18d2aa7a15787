package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/payload"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		configFile = brand.DefaultConfigPath()
	}

	result, err := config.LoadFileWithOptions(configFile, config.DefaultLoadOptions())
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	cfg := result.Config
	Printer.Printf("Configuration valid!\n")
	Printer.Printf("Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Printf("Targets: %d\n", len(cfg.Targets))
	Printer.Printf("Payload overrides: %d\n", len(cfg.Payloads))
	if cfg.Notify != nil {
		Printer.Printf("Notify channels: %d\n", len(cfg.Notify.Channels))
	}

	for _, warn := range result.Warnings {
		Printer.Printf("Warning: %s\n", warn)
	}

	if verbose {
		Printer.Println()
		printSummary(cfg)

		Printer.Println("\n[DRY RUN] Rendered payloads:")
		for _, pl := range payload.FromConfig(cfg, effectiveCheckPort(cfg)) {
			Printer.Printf("\n--- %s -> %s ---\n", pl.Name, pl.LivePath)
			Printer.Println(strings.TrimRight(pl.Content, "\n"))
		}
	}

	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

	Printer.Fprintln(w, "TARGET\tADDRESS\tPORT\tBOOTSTRAP\tLOGIN\tKEY")
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		key := t.PublicKeyFile
		if key == "" {
			key = "-"
		}
		Printer.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			t.Name, t.Address, cfg.EffectivePort(t), bootstrapUser(cfg, t), cfg.EffectiveLogin(t), key)
	}
	Printer.Fprintln(w)
	w.Flush()

	Printer.Fprintln(w, "PAYLOAD\tPATH\tVALIDATED\tSERVICE")
	for _, pl := range payload.FromConfig(cfg, effectiveCheckPort(cfg)) {
		validated := "no"
		if pl.Validator != nil {
			validated = "yes"
		}
		service := pl.Service
		if service == "" {
			service = "-"
		}
		Printer.Fprintf(w, "%s\t%s\t%s\t%s\n", pl.Name, pl.LivePath, validated, service)
	}
	w.Flush()

	if cfg.Notify != nil && len(cfg.Notify.Channels) > 0 {
		Printer.Fprintln(w)
		Printer.Fprintln(w, "CHANNEL\tTYPE\tMIN LEVEL")
		for _, ch := range cfg.Notify.Channels {
			Printer.Fprintf(w, "%s\t%s\t%s\n", ch.Name, ch.Type, cfg.Notify.MinLevel)
		}
		w.Flush()
	}
}

// effectiveCheckPort picks the port used to render port-dependent
// payload content in summaries. Multi-target configs fall back to the
// defaults block.
func effectiveCheckPort(cfg *config.Config) int {
	if len(cfg.Targets) == 1 {
		return cfg.EffectivePort(&cfg.Targets[0])
	}
	if cfg.Defaults != nil && cfg.Defaults.Port != 0 {
		return cfg.Defaults.Port
	}
	return config.DefaultPort
}
