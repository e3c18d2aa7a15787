// Package i18n picks the message printer for CLI output from the
// process locale. English is the fallback; Dutch ships because the
// operators who asked for this tool work in both.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is used when the locale is unset or unsupported.
var DefaultLang = language.English

var matcher = language.NewMatcher([]language.Tag{
	language.English,
	language.Dutch,
})

// NewCLIPrinter builds a printer for the locale in LC_ALL, LC_MESSAGES,
// or LANG, in glibc's precedence order.
func NewCLIPrinter() *message.Printer {
	locale := ""
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			locale = v
			break
		}
	}
	if locale == "" {
		return message.NewPrinter(DefaultLang)
	}

	// "nl_NL.UTF-8" carries an encoding suffix language.Parse rejects.
	if i := strings.Index(locale, "."); i != -1 {
		locale = locale[:i]
	}

	tag, err := language.Parse(locale)
	if err != nil {
		return message.NewPrinter(DefaultLang)
	}
	// Map regional variants onto what we ship, "nl-NL" to "nl".
	tag, _, _ = matcher.Match(tag)
	return message.NewPrinter(tag)
}
