package cmd

import (
	"fmt"
	"os"
	"strings"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/setup"
)

// RunSetup runs the first-run wizard and writes the config file.
func RunSetup(configPath string) error {
	if configPath == "" {
		configPath = brand.DefaultConfigPath()
	}

	// The default config dir needs root; a custom path does not.
	if strings.HasPrefix(configPath, "/etc/") && os.Geteuid() != 0 {
		return fmt.Errorf("setup must run as root to write %s (or pass --config with a writable path)", configPath)
	}

	wizard := setup.NewWizard(configPath)

	if !wizard.NeedsSetup() {
		Printer.Printf("Already configured: %s\n", configPath)
		Printer.Println("To reconfigure, remove the file or pass a different --config.")
		return nil
	}

	cfg, path, err := wizard.Run()
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	Printer.Printf("Configuration written to %s\n", path)
	Printer.Println()
	Printer.Println("Next steps:")
	if len(cfg.Targets) > 0 {
		name := cfg.Targets[0].Name
		Printer.Printf("  1. Review the config:   %s check -v %s\n", brand.BinaryName, path)
		Printer.Printf("  2. Probe the target:    %s probe %s\n", brand.BinaryName, name)
		Printer.Printf("  3. Harden it:           %s harden %s\n", brand.BinaryName, name)
	} else {
		Printer.Printf("  1. Review the config:   %s check -v %s\n", brand.BinaryName, path)
		Printer.Printf("  2. Add a target block, then run: %s harden <name>\n", brand.BinaryName)
	}
	return nil
}
