package setup

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// KeyInfo describes a local public key the wizard can offer.
type KeyInfo struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Comment string `json:"comment,omitempty"`
}

// SSHHost is a candidate target lifted from the operator's ssh_config.
type SSHHost struct {
	Alias        string `json:"alias"`
	HostName     string `json:"hostname,omitempty"`
	User         string `json:"user,omitempty"`
	Port         int    `json:"port,omitempty"`
	IdentityFile string `json:"identity_file,omitempty"`
}

// Detected is what the wizard learned about the local environment.
type Detected struct {
	PublicKeys []KeyInfo `json:"public_keys"`
	SSHHosts   []SSHHost `json:"ssh_hosts"`
}

// DetectEnvironment scans ~/.ssh for public keys and config entries to
// prefill the wizard. Detection never fails; a bare environment just means
// empty suggestions.
func DetectEnvironment() *Detected {
	home, err := os.UserHomeDir()
	if err != nil {
		return &Detected{}
	}
	sshDir := filepath.Join(home, ".ssh")
	return &Detected{
		PublicKeys: detectPublicKeys(sshDir),
		SSHHosts:   detectSSHHosts(filepath.Join(sshDir, "config")),
	}
}

func detectPublicKeys(sshDir string) []KeyInfo {
	matches, err := filepath.Glob(filepath.Join(sshDir, "*.pub"))
	if err != nil {
		return nil
	}
	var keys []KeyInfo
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "-") {
			continue
		}
		info := KeyInfo{Path: path, Type: fields[0]}
		if len(fields) > 2 {
			info.Comment = fields[2]
		}
		keys = append(keys, info)
	}
	return keys
}

// PreferredKey picks the key the form preselects. ed25519 beats everything,
// then any non-certificate key in glob order.
func PreferredKey(keys []KeyInfo) string {
	for _, k := range keys {
		if k.Type == "ssh-ed25519" {
			return k.Path
		}
	}
	if len(keys) > 0 {
		return keys[0].Path
	}
	return ""
}

// detectSSHHosts reads concrete Host blocks from an OpenSSH client config.
// Pattern hosts (* or ?) and Match blocks are skipped; only the directives
// the wizard can prefill are kept.
func detectSSHHosts(path string) []SSHHost {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var hosts []SSHHost
	var cur *SSHHost
	flush := func() {
		if cur != nil {
			hosts = append(hosts, *cur)
			cur = nil
		}
	}

	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])

		switch key {
		case "host":
			flush()
			if len(fields) == 2 && !strings.ContainsAny(fields[1], "*?!") {
				cur = &SSHHost{Alias: fields[1]}
			}
		case "match":
			flush()
		case "hostname", "user", "port", "identityfile":
			if cur == nil || len(fields) < 2 {
				continue
			}
			val := fields[1]
			switch key {
			case "hostname":
				cur.HostName = val
			case "user":
				cur.User = val
			case "port":
				if p, err := strconv.Atoi(val); err == nil {
					cur.Port = p
				}
			case "identityfile":
				cur.IdentityFile = val
			}
		}
	}
	flush()
	return hosts
}

// FindSSHHost returns the detected entry for an alias, or nil.
func (d *Detected) FindSSHHost(alias string) *SSHHost {
	for i := range d.SSHHosts {
		if d.SSHHosts[i].Alias == alias {
			return &d.SSHHosts[i]
		}
	}
	return nil
}
