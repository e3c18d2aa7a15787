package cmd

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/inventory"
	"grimm.is/rampart/internal/setup"
)

// RunImport converts an inventory file into target blocks and merges
// them into the configuration.
func RunImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	inputFile := fs.String("input", "", "Path to the inventory YAML file")
	fs.StringVar(inputFile, "i", "", "Path to the inventory YAML file (shorthand)")
	configFile := fs.String("config", brand.DefaultConfigPath(), "Configuration file to merge into")
	fs.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (shorthand)")
	output := fs.String("output", "", "File to write the merged configuration to (default prints it)")
	fs.StringVar(output, "o", "", "Output file (shorthand)")
	fs.Parse(args)

	if *inputFile == "" && fs.NArg() > 0 {
		*inputFile = fs.Arg(0)
	}
	if *inputFile == "" {
		return fmt.Errorf("--input is required (an inventory YAML with a hosts list)")
	}

	inv, err := inventory.Load(*inputFile)
	if err != nil {
		return err
	}
	result := inv.ToConfig()

	cfg, err := loadConfigIfPresent(*configFile)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.New()
	}

	added := result.Apply(cfg)
	Printer.Printf("Imported %d target(s), skipped %d.\n", added, result.Skipped)
	for _, warn := range result.Warnings {
		Printer.Printf("Warning: %s\n", warn)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("merged configuration is invalid: %w", err)
	}

	if *output == "" {
		os.Stdout.Write(setup.RenderHCL(cfg))
		Printer.Println()
		Printer.Printf("Dry run; pass -o %s to update the config\n", *configFile)
		return nil
	}

	if err := setup.WriteConfig(cfg, *output); err != nil {
		return err
	}
	Printer.Printf("Configuration written to %s\n", *output)
	return nil
}
