package cmd

import (
	"flag"

	"grimm.is/rampart/internal/passphrase"
)

// RunGenPass prints freshly generated credentials of the same shape the
// workflow assigns to managed identities.
func RunGenPass(args []string) error {
	fs := flag.NewFlagSet("genpass", flag.ExitOnError)
	count := fs.Int("n", 1, "How many passphrases to generate")
	words := fs.Int("words", 0, "Words per passphrase (0 picks 3 or 4 at random)")
	fs.IntVar(words, "w", 0, "Words per passphrase (shorthand)")
	fs.Parse(args)

	list, err := passphrase.GenerateN(*count, passphrase.Options{WordCount: *words})
	if err != nil {
		return err
	}
	for _, pw := range list {
		Printer.Println(pw)
	}
	return nil
}
