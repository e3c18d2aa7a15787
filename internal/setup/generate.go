package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/rampart/internal/config"
)

// RenderHCL scaffolds a commented config file. config.GenerateHCL is the
// lossless struct encoder; this one is for humans reading their first
// rampart.hcl, so blocks carry comments and zero-valued noise is left out.
func RenderHCL(cfg *config.Config) []byte {
	f := hclwrite.NewEmptyFile()
	root := f.Body()

	comment(root, "rampart configuration. Generated by `rampart setup`; edit freely.")
	comment(root, "Every attribute here can be overridden per run with flags.")
	root.AppendNewline()
	root.SetAttributeValue("schema_version", cty.StringVal(cfg.SchemaVersion))

	if d := cfg.Defaults; d != nil {
		root.AppendNewline()
		body := root.AppendNewBlock("defaults", nil).Body()
		setString(body, "login", d.Login)
		setString(body, "deadline", d.Deadline)
		setString(body, "known_hosts", d.KnownHosts)
		setString(body, "bootstrap_user", d.BootstrapUser)
		setInt(body, "port", d.Port)
	}

	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		root.AppendNewline()
		body := root.AppendNewBlock("target", []string{t.Name}).Body()
		body.SetAttributeValue("address", cty.StringVal(t.Address))
		setInt(body, "port", t.Port)
		setString(body, "bootstrap_user", t.BootstrapUser)
		setString(body, "public_key_file", t.PublicKeyFile)
		setString(body, "login", t.Login)
	}

	if id := cfg.Identity; id != nil {
		root.AppendNewline()
		comment(root, "The account rampart provisions and hardens access toward.")
		body := root.AppendNewBlock("identity", nil).Body()
		setString(body, "login", id.Login)
		setString(body, "shell", id.Shell)
		setInt(body, "passphrase_words", id.PassphraseWords)
		if id.SudoNoPasswd {
			body.SetAttributeValue("sudo_nopasswd", cty.BoolVal(true))
		}
	}

	if tx := cfg.Transaction; tx != nil {
		root.AppendNewline()
		comment(root, "Rollback guard timing. The deadline is how long the target")
		comment(root, "waits for confirmation before restoring the snapshot itself.")
		body := root.AppendNewBlock("transaction", nil).Body()
		setString(body, "deadline", tx.Deadline)
		setString(body, "confirm_timeout", tx.ConfirmTimeout)
	}

	if j := cfg.Journal; j != nil {
		root.AppendNewline()
		body := root.AppendNewBlock("journal", nil).Body()
		setString(body, "path", j.Path)
		setInt(body, "retention_days", j.RetentionDays)
	}

	if n := cfg.Notify; n != nil {
		root.AppendNewline()
		body := root.AppendNewBlock("notify", nil).Body()
		body.SetAttributeValue("enabled", cty.BoolVal(n.Enabled))
		setString(body, "min_level", n.MinLevel)
		for i := range n.Channels {
			ch := &n.Channels[i]
			body.AppendNewline()
			chBody := body.AppendNewBlock("channel", []string{ch.Name}).Body()
			chBody.SetAttributeValue("type", cty.StringVal(ch.Type))
			setString(chBody, "url", ch.URL)
			setString(chBody, "api_token", ch.APIToken)
			setString(chBody, "user_key", ch.UserKey)
			setInt(chBody, "priority", ch.Priority)
			setString(chBody, "sound", ch.Sound)
			setString(chBody, "device", ch.Device)
		}
	}

	return f.Bytes()
}

// WriteConfig renders and writes the scaffold, creating the directory.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, RenderHCL(cfg), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func comment(body *hclwrite.Body, text string) {
	body.AppendUnstructuredTokens(hclwrite.Tokens{{
		Type:  hclsyntax.TokenComment,
		Bytes: []byte("# " + text + "\n"),
	}})
}

func setString(body *hclwrite.Body, name, val string) {
	if val != "" {
		body.SetAttributeValue(name, cty.StringVal(val))
	}
}

func setInt(body *hclwrite.Body, name string, val int) {
	if val != 0 {
		body.SetAttributeValue(name, cty.NumberIntVal(int64(val)))
	}
}
