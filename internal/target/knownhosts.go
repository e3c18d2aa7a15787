package target

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"grimm.is/rampart/internal/logging"
)

// DefaultKnownHostsPath returns the user's known_hosts file.
func DefaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// PurgeKnownHost removes every record for the given host (plain, bracketed
// with port, and hashed |1| entries) from a known_hosts file. Freshly
// provisioned VMs reuse addresses, so a stale record would hard-fail the
// handshake before the probe can say anything useful.
func PurgeKnownHost(path, host string, port int) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	// known_hosts matches "[host]:port" for non-default ports, bare host otherwise.
	patterns := []string{host}
	if port != 0 && port != 22 {
		patterns = []string{"[" + host + "]:" + strconv.Itoa(port)}
	}

	var kept []string
	removed := 0
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			kept = append(kept, line)
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 3 || !lineMatchesHost(fields[0], patterns) {
			kept = append(kept, line)
			continue
		}
		removed++
	}

	if removed == 0 {
		return 0, nil
	}

	out := strings.Join(kept, "\n")
	if !strings.HasSuffix(out, "\n") && out != "" {
		out += "\n"
	}

	tmp := path + ".rampart-tmp"
	if err := os.WriteFile(tmp, []byte(out), 0600); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return removed, nil
}

// lineMatchesHost checks a known_hosts host field (comma-separated
// patterns, possibly hashed) against our patterns.
func lineMatchesHost(hostField string, patterns []string) bool {
	if strings.HasPrefix(hostField, "|") {
		for _, p := range patterns {
			if hashedHostMatches(hostField, p) {
				return true
			}
		}
		return false
	}
	for _, entry := range strings.Split(hostField, ",") {
		for _, p := range patterns {
			if entry == p {
				return true
			}
		}
	}
	return false
}

// hashedHostMatches checks a "|1|salt|digest" entry: digest is
// HMAC-SHA1(salt, host).
func hashedHostMatches(field, host string) bool {
	parts := strings.Split(field, "|")
	if len(parts) != 4 || parts[1] != "1" {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	return hmac.Equal(mac.Sum(nil), want)
}

// HashKnownHost produces a hashed "|1|salt|digest" host field, matching the
// format ssh-keyscan -H emits.
func HashKnownHost(host string, salt []byte) string {
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	return "|1|" + base64.StdEncoding.EncodeToString(salt) + "|" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// AppendKnownHost records a host key, creating the file if needed.
func AppendKnownHost(path, host string, port int, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// AcceptNewCallback returns a host key callback implementing the
// accept-new policy: unknown hosts are recorded, known hosts must match.
// An empty path disables tracking entirely.
func AcceptNewCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	log := logging.WithComponent("target")

	return func(hostport string, remote net.Addr, key ssh.PublicKey) error {
		// Build the checker lazily so a missing file means "no knowns yet"
		// rather than an error.
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			host, port := splitHostPort(hostport)
			log.Info("recording new host key", "host", hostport, "type", key.Type())
			return AppendKnownHost(path, host, port, key)
		}

		check, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}

		err = check(hostport, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			host, port := splitHostPort(hostport)
			log.Info("recording new host key", "host", hostport, "type", key.Type())
			return AppendKnownHost(path, host, port, key)
		}
		return fmt.Errorf("host key mismatch for %s: %w", hostport, err)
	}, nil
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 22
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 22
	}
	return host, port
}
