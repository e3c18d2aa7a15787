package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// LoadOptions tunes loading. The zero value is the normal strict load.
type LoadOptions struct {
	// StrictVersion rejects any schema version other than the current
	// one, where the default is to load older supported schemas with a
	// warning.
	StrictVersion bool

	// SkipValidate loads without structural validation. The setup
	// wizard uses it to round-trip half-finished configs.
	SkipValidate bool
}

// DefaultLoadOptions is the load the CLI does.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{}
}

// LoadResult is a loaded config plus what the loader noticed on the way.
type LoadResult struct {
	Config   *Config
	Version  SchemaVersion
	Warnings []string
}

// LoadFile reads a config file, picking the format by extension. An
// unknown extension is tried as HCL first, then JSON.
func LoadFile(path string) (*Config, error) {
	result, err := LoadFileWithOptions(path, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadFileWithOptions is LoadFile with explicit options.
func LoadFileWithOptions(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return LoadHCLWithOptions(data, path, opts)
	case ".json":
		return LoadJSONWithOptions(data, opts)
	default:
		result, err := LoadHCLWithOptions(data, path, opts)
		if err != nil {
			return LoadJSONWithOptions(data, opts)
		}
		return result, nil
	}
}

// LoadHCL decodes HCL config bytes. filename is for diagnostics only.
func LoadHCL(data []byte, filename string) (*Config, error) {
	result, err := LoadHCLWithOptions(data, filename, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadHCLWithOptions is LoadHCL with explicit options.
func LoadHCLWithOptions(data []byte, filename string, opts LoadOptions) (*LoadResult, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	// Probe the version before the full decode so a future major can
	// dispatch to its own reader instead of failing on shape changes.
	var probe struct {
		SchemaVersion string   `hcl:"schema_version,optional"`
		Remain        hcl.Body `hcl:",remain"`
	}
	_ = gohcl.DecodeBody(file.Body, nil, &probe)

	version, err := versionGate(probe.SchemaVersion)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return finishLoad(&cfg, version, opts)
}

// LoadJSON decodes JSON config bytes.
func LoadJSON(data []byte) (*Config, error) {
	result, err := LoadJSONWithOptions(data, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadJSONWithOptions is LoadJSON with explicit options.
func LoadJSONWithOptions(data []byte, opts LoadOptions) (*LoadResult, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}

	version, err := versionGate(cfg.SchemaVersion)
	if err != nil {
		return nil, err
	}
	return finishLoad(&cfg, version, opts)
}

// versionGate parses and admits a schema version string.
func versionGate(s string) (SchemaVersion, error) {
	version, err := ParseVersion(s)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid schema version: %w", err)
	}
	if !IsSupportedVersion(version) {
		return SchemaVersion{}, fmt.Errorf("unsupported config schema version %s (supported: %v)",
			version, SupportedVersions)
	}
	return version, nil
}

func finishLoad(cfg *Config, version SchemaVersion, opts LoadOptions) (*LoadResult, error) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	current, _ := ParseVersion(CurrentSchemaVersion)
	if opts.StrictVersion && version.Compare(current) != 0 {
		return nil, fmt.Errorf("config version %s does not match current version %s", version, current)
	}

	result := &LoadResult{Config: cfg, Version: version}
	if version.Compare(current) < 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("config schema %s is older than %s", version, current))
	}

	if !opts.SkipValidate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// SaveFile writes the config in the format the extension names,
// defaulting to HCL.
func SaveFile(cfg *Config, path string) error {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return SaveJSON(cfg, path)
	}
	return SaveHCL(cfg, path)
}

// SaveJSON writes the config as indented JSON.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// SaveHCL writes the config as formatted HCL, creating the parent
// directory when needed.
func SaveHCL(cfg *Config, path string) error {
	out, err := GenerateHCL(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write HCL file: %w", err)
	}
	return nil
}

// GenerateHCL renders the config through hclwrite.
func GenerateHCL(cfg *Config) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return f.Bytes(), nil
}
