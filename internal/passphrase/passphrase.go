// Package passphrase generates memorable credentials from Dutch words
// joined with hyphens. The managed identity gets one of these when the
// operator does not supply a credential.
package passphrase

import (
	"crypto/rand"
	_ "embed"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"unicode"
)

//go:embed words_nl.txt
var wordsNL string

var (
	wordsOnce sync.Once
	words     []string
)

// MinLength is the minimum accepted passphrase length.
const MinLength = 10

// specialChars are the symbols the generator may insert.
const specialChars = "!@#$%^&*()_+=[]{}:;,./<>?"

// punctuation mirrors the classic ASCII punctuation set used by the
// strength predicate; note it includes the hyphen separator.
const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Words returns the embedded wordlist (4-8 letter Dutch words).
func Words() []string {
	wordsOnce.Do(func() {
		for _, w := range strings.Split(wordsNL, "\n") {
			w = strings.TrimSpace(w)
			if w != "" {
				words = append(words, w)
			}
		}
	})
	return words
}

// Options controls generation.
type Options struct {
	// WordCount is the number of words to join. Zero picks 3 or 4 at random.
	WordCount int
}

// Generate produces one passphrase that satisfies IsStrong.
func Generate(opts Options) (string, error) {
	for i := 0; i < 100; i++ {
		pw, err := generateOnce(opts)
		if err != nil {
			return "", err
		}
		if IsStrong(pw) {
			return pw, nil
		}
	}
	return "", fmt.Errorf("could not generate a strong passphrase")
}

// GenerateN produces n passphrases.
func GenerateN(n int, opts Options) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		pw, err := Generate(opts)
		if err != nil {
			return nil, err
		}
		out = append(out, pw)
	}
	return out, nil
}

// IsStrong reports whether a credential meets the baseline: at least
// MinLength characters with an upper-case letter, a digit, and a
// punctuation character.
func IsStrong(pw string) bool {
	if len(pw) < MinLength {
		return false
	}
	var hasUpper, hasDigit, hasPunct bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
		if strings.ContainsRune(punctuation, r) {
			hasPunct = true
		}
	}
	return hasUpper && hasDigit && hasPunct
}

func generateOnce(opts Options) (string, error) {
	list := Words()

	count := opts.WordCount
	if count <= 0 {
		n, err := randInt(2)
		if err != nil {
			return "", err
		}
		count = 3 + n
	}
	if count > len(list) {
		return "", fmt.Errorf("word count %d exceeds wordlist size %d", count, len(list))
	}

	chosen, err := sample(list, count)
	if err != nil {
		return "", err
	}

	// Capitalize one word at random
	ci, err := randInt(count)
	if err != nil {
		return "", err
	}
	chosen[ci] = strings.ToUpper(chosen[ci][:1]) + chosen[ci][1:]

	di, err := randInt(10)
	if err != nil {
		return "", err
	}
	digit := string(rune('0' + di))

	si, err := randInt(len(specialChars))
	if err != nil {
		return "", err
	}
	special := string(specialChars[si])

	base := strings.Join(chosen, "-")
	insert := digit + special

	// Place the digit+symbol pair: front, back, mid-string, or in place
	// of one of the hyphens.
	pos, err := randInt(4)
	if err != nil {
		return "", err
	}

	var pw string
	switch pos {
	case 0:
		pw = insert + base
	case 1:
		pw = base + insert
	case 2:
		mid := len(base) / 2
		pw = base[:mid] + insert + base[mid:]
	default:
		hyphens := []int{}
		for i, c := range base {
			if c == '-' {
				hyphens = append(hyphens, i)
			}
		}
		if len(hyphens) == 0 {
			pw = base + insert
			break
		}
		hi, err := randInt(len(hyphens))
		if err != nil {
			return "", err
		}
		at := hyphens[hi]
		pw = base[:at] + insert + base[at+1:]
	}

	// Pad with digits when a short word draw lands under the minimum.
	for len(pw) < MinLength {
		n, err := randInt(10)
		if err != nil {
			return "", err
		}
		pw += string(rune('0' + n))
	}

	return pw, nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// sample draws k distinct words.
func sample(list []string, k int) ([]string, error) {
	out := make([]string, 0, k)
	used := map[int]bool{}
	for len(out) < k {
		i, err := randInt(len(list))
		if err != nil {
			return nil, err
		}
		if used[i] {
			continue
		}
		used[i] = true
		out = append(out, list[i])
	}
	return out, nil
}
