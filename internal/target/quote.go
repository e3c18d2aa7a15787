package target

import "strings"

// quoteArgv joins argv into a single POSIX shell word sequence. SSH exec
// requests are parsed by the remote login shell, so quoting happens here,
// in exactly one place.
func quoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteOne(a)
	}
	return strings.Join(parts, " ")
}

// ShellQuote renders one word safe for a POSIX shell. Exported for code
// that generates shell scripts to run on a target; interactive commands
// should go through Command instead.
func ShellQuote(s string) string {
	return quoteOne(s)
}

// quoteOne single-quotes a word, closing and reopening the quote around
// embedded single quotes. Safe words pass through untouched.
func quoteOne(s string) string {
	if s == "" {
		return "''"
	}
	if isSafeWord(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafeWord(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '/' || c == ':' || c == '=' || c == ',' || c == '+' || c == '@' || c == '%':
		default:
			return false
		}
	}
	return true
}
