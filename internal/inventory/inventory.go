// Package inventory converts YAML host inventories into rampart target
// blocks, so fleets maintained elsewhere can be onboarded without retyping.
package inventory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"grimm.is/rampart/internal/config"
)

// Host is one machine in an inventory file.
type Host struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	KeyFile string `yaml:"key_file"`
	Login   string `yaml:"login"`
}

// File is the top-level inventory document.
type File struct {
	Hosts []Host `yaml:"hosts"`
}

// Result carries the converted targets plus migration notes.
type Result struct {
	Targets  []config.Target
	Warnings []string
	Skipped  int
}

// Parse decodes an inventory document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if len(f.Hosts) == 0 {
		return nil, fmt.Errorf("inventory has no hosts (expected a top-level \"hosts:\" list)")
	}
	return &f, nil
}

// Load reads and parses an inventory file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

// ToConfig converts hosts to target blocks. Hosts that cannot become a valid
// target are skipped with a warning rather than failing the whole import.
func (f *File) ToConfig() *Result {
	res := &Result{}
	seen := map[string]bool{}

	for i, h := range f.Hosts {
		if h.Address == "" {
			res.warnf("host %d (%q): no address, skipped", i+1, h.Name)
			res.Skipped++
			continue
		}

		name := h.Name
		if name == "" {
			name = h.Address
		}
		if seen[name] {
			res.warnf("host %d: duplicate name %q, skipped", i+1, name)
			res.Skipped++
			continue
		}
		seen[name] = true

		port := h.Port
		if port < 0 || port > 65535 {
			res.warnf("host %q: port %d out of range, using default", name, port)
			port = 0
		}

		res.Targets = append(res.Targets, config.Target{
			Name:          name,
			Address:       h.Address,
			Port:          port,
			BootstrapUser: h.User,
			PublicKeyFile: h.KeyFile,
			Login:         h.Login,
		})
	}
	return res
}

// Apply appends the converted targets to a config, skipping names that
// already exist there. Returns how many were added.
func (r *Result) Apply(cfg *config.Config) int {
	added := 0
	for _, t := range r.Targets {
		if cfg.FindTarget(t.Name) != nil {
			r.warnf("target %q already in config, skipped", t.Name)
			r.Skipped++
			continue
		}
		cfg.Targets = append(cfg.Targets, t)
		added++
	}
	return added
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
