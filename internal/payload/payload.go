// Package payload defines the policy payloads rampart manages on a target:
// the file content, where it lives, how to validate a staged copy, and how to
// reload the affected service. Content is data, not behavior; the transaction
// engine treats every payload the same way.
package payload

import (
	"fmt"

	"grimm.is/rampart/internal/config"
)

// Payload names, in apply order. The access policy goes first: confirming it
// doubles as the login proof for the managed identity.
const (
	AccessPolicy = "access_policy"
	KernelParams = "kernel_params"
	PacketFilter = "packet_filter"
	IntrusionBan = "intrusion_ban"
)

// Validator runs a payload-specific syntax check against a staged file.
// The staged path is appended as the final argument.
type Validator struct {
	Argv []string
}

// Command returns the full argv for validating the given staged path.
func (v *Validator) Command(staged string) []string {
	out := make([]string, 0, len(v.Argv)+1)
	out = append(out, v.Argv...)
	return append(out, staged)
}

// Payload is one managed policy file.
type Payload struct {
	Name     string
	LivePath string
	Content  string

	// Validator is nil for payloads with no standalone syntax checker
	// (sysctl fragments, fail2ban jails). The engine records the gap as a
	// receipt warning instead of skipping validation silently.
	Validator *Validator

	// Reload holds candidate commands tried in order until one succeeds.
	// Only the access policy needs more than one (ssh vs sshd unit naming).
	Reload [][]string

	// Service is a systemd unit that must exist for the payload to make
	// sense; a missing unit downgrades the payload to a skip with a
	// warning. Empty means always apply (the core payloads surface a
	// missing service as a reload failure instead, handled by the guard).
	Service string
}

const accessPolicyContent = `# Managed by rampart. Manual edits will be overwritten.
PermitRootLogin no
PasswordAuthentication no
KbdInteractiveAuthentication no
ChallengeResponseAuthentication no
PubkeyAuthentication yes
MaxAuthTries 3
LoginGraceTime 30
X11Forwarding no
AllowAgentForwarding no
`

const kernelParamsContent = `# Managed by rampart. Manual edits will be overwritten.
net.ipv4.conf.all.rp_filter=1
net.ipv4.conf.default.rp_filter=1
net.ipv4.tcp_syncookies=1
kernel.kptr_restrict=2
fs.protected_hardlinks=1
fs.protected_symlinks=1
`

const packetFilterTemplate = `#!/usr/sbin/nft -f
# Managed by rampart. Manual edits will be overwritten.
flush ruleset

table inet filter {
	chain input {
		type filter hook input priority 0; policy drop;
		iifname "lo" accept
		ct state established,related accept
		ct state invalid drop
		tcp dport %d accept
		meta l4proto icmp accept
		meta l4proto icmpv6 accept
	}
	chain forward {
		type filter hook forward priority 0; policy drop;
	}
	chain output {
		type filter hook output priority 0; policy accept;
	}
}
`

const intrusionBanContent = `# Managed by rampart. Manual edits will be overwritten.
[sshd]
enabled  = true
backend  = systemd
maxretry = 5
findtime = 10m
bantime  = 1h
`

// Defaults returns the built-in payload set in apply order. sshPort is
// rendered into the packet filter so hardening a host on a non-standard port
// does not firewall away the session that is hardening it.
func Defaults(sshPort int) []Payload {
	if sshPort == 0 {
		sshPort = config.DefaultPort
	}
	return []Payload{
		{
			Name:      AccessPolicy,
			LivePath:  "/etc/ssh/sshd_config.d/90-rampart.conf",
			Content:   accessPolicyContent,
			Validator: &Validator{Argv: []string{"sshd", "-t", "-f"}},
			Reload: [][]string{
				{"systemctl", "restart", "ssh"},
				{"systemctl", "restart", "sshd"},
			},
		},
		{
			Name:     KernelParams,
			LivePath: "/etc/sysctl.d/90-rampart.conf",
			Content:  kernelParamsContent,
			Reload:   [][]string{{"sysctl", "-p", "/etc/sysctl.d/90-rampart.conf"}},
		},
		{
			Name:      PacketFilter,
			LivePath:  "/etc/nftables.conf",
			Content:   fmt.Sprintf(packetFilterTemplate, sshPort),
			Validator: &Validator{Argv: []string{"nft", "-c", "-f"}},
			Reload:    [][]string{{"systemctl", "restart", "nftables"}},
			Service:   "nftables",
		},
		{
			Name:     IntrusionBan,
			LivePath: "/etc/fail2ban/jail.d/90-rampart.local",
			Content:  intrusionBanContent,
			Reload:   [][]string{{"systemctl", "restart", "fail2ban"}},
			Service:  "fail2ban",
		},
	}
}

// FromConfig returns the enabled payloads in apply order with any config
// overrides applied. Unknown payload names were already rejected by
// config.Validate.
func FromConfig(cfg *config.Config, sshPort int) []Payload {
	defaults := Defaults(sshPort)
	if cfg == nil {
		return defaults
	}

	out := make([]Payload, 0, len(defaults))
	for _, p := range defaults {
		block := cfg.FindPayload(p.Name)
		if block != nil {
			if block.Enabled != nil && !*block.Enabled {
				continue
			}
			if block.Path != "" {
				p.LivePath = block.Path
				if p.Name == KernelParams {
					p.Reload = [][]string{{"sysctl", "-p", block.Path}}
				}
			}
			if block.Content != "" {
				p.Content = block.Content
			}
		}
		out = append(out, p)
	}
	return out
}

// Find returns the payload with the given name, or nil.
func Find(payloads []Payload, name string) *Payload {
	for i := range payloads {
		if payloads[i].Name == name {
			return &payloads[i]
		}
	}
	return nil
}
