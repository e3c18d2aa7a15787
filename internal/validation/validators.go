package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

var (
	// Valid DNS label: alphanumeric with inner dashes, max 63 chars
	hostLabelRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

	// Valid POSIX login name: lowercase start, then alphanumeric, dash,
	// underscore, optional trailing $ (machine accounts), max 32 chars
	loginNameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}\$?$`)

	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Dangerous characters that should never appear in values handed to a remote shell
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r", " ", "\t", "*", "?", "[", "]", "~", "!", "#"}
)

// Guard deadline bounds. Below the floor a slow SSH handshake alone could
// eat the window; above the cap a forgotten guard holds the backup hostage.
const (
	MinDeadline = 10 * time.Second
	MaxDeadline = time.Hour
)

// ValidateHostAddress validates a target address: an IP (v4 or v6) or a hostname.
func ValidateHostAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("target address cannot be empty")
	}

	if ip := net.ParseIP(addr); ip != nil {
		return nil
	}

	if len(addr) > 253 {
		return fmt.Errorf("hostname too long: %s", addr)
	}
	for _, label := range strings.Split(addr, ".") {
		if !hostLabelRegex.MatchString(label) {
			return fmt.Errorf("invalid hostname: %s", addr)
		}
	}
	return nil
}

// ValidateLoginName validates a POSIX login name (useradd's rules).
func ValidateLoginName(name string) error {
	if name == "" {
		return fmt.Errorf("login name cannot be empty")
	}

	if !loginNameRegex.MatchString(name) {
		return fmt.Errorf("invalid login name: %s (lowercase letter or underscore first, then [a-z0-9_-], max 32)", name)
	}

	return nil
}

// ValidateIdentifier validates a general identifier (payload names, target labels, etc.)
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}

	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}

	return nil
}

// ValidateRemotePath validates a path that will be used on a managed host.
// Remote paths must be absolute and clean: no traversal, no whitespace, no
// shell metacharacters. Quoting happens at the transport layer, but paths
// are the one value that ends up in scripts too, so they are held to the
// strictest rule.
func ValidateRemotePath(path string) error {
	if path == "" {
		return fmt.Errorf("remote path cannot be empty")
	}

	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("remote path must be absolute: %s", path)
	}

	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed: %s", path)
	}

	if strings.Contains(path, "\x00") {
		return fmt.Errorf("null byte in path")
	}

	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return fmt.Errorf("remote path contains forbidden character %q: %s", char, path)
		}
	}

	return nil
}

// ValidatePortNumber validates a port number
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateDeadline validates a rollback guard deadline.
func ValidateDeadline(d time.Duration) error {
	if d < MinDeadline {
		return fmt.Errorf("guard deadline %s below minimum %s", d, MinDeadline)
	}
	if d > MaxDeadline {
		return fmt.Errorf("guard deadline %s above maximum %s", d, MaxDeadline)
	}
	return nil
}

// ValidateAllowlist checks if a value is in an allowed list
func ValidateAllowlist(value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("value not in allowlist: %s", value)
}

// SanitizeString removes dangerous characters from a string (for display purposes)
func SanitizeString(s string) string {
	for _, char := range dangerousChars {
		if char == " " || char == "\t" {
			continue
		}
		s = strings.ReplaceAll(s, char, "")
	}
	return s
}
