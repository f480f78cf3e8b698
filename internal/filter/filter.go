// Package filter normalizes raw chat lines before they enter the training
// corpus. Rejection is an ordinary control path, not an error.
package filter

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	urlPattern        = regexp.MustCompile(`http\S+`)
	mentionPattern    = regexp.MustCompile(`@\S+`)
	whitespacePattern = regexp.MustCompile(` +`)
)

// Options controls normalization behavior.
type Options struct {
	// Blacklist holds word patterns that reject a message outright.
	Blacklist *Blacklist
	// AllowMentions keeps @-mentions in the stored text when true.
	AllowMentions bool
}

// Normalize filters and cleans a raw chat line. The second return value is
// false when the message must not enter the corpus. Normalize is idempotent
// on its own accepted output.
func Normalize(raw string, opts Options) (string, bool) {
	if opts.Blacklist.Match(raw) {
		return "", false
	}

	msg := urlPattern.ReplaceAllString(raw, "")
	if !opts.AllowMentions {
		msg = mentionPattern.ReplaceAllString(msg, "")
	}
	msg = whitespacePattern.ReplaceAllString(msg, " ")
	msg = strings.TrimSpace(msg)

	if msg == "" {
		return "", false
	}
	return msg, true
}

// Blacklist matches messages against words the bot must never learn. Each
// word matches at a word boundary, case-insensitively.
type Blacklist struct {
	patterns []*regexp.Regexp
}

// NewBlacklist compiles a blacklist from a list of words.
func NewBlacklist(words []string) (*Blacklist, error) {
	b := &Blacklist{}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		p, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(w))
		if err != nil {
			return nil, fmt.Errorf("failed to compile blacklist word %q: %w", w, err)
		}
		b.patterns = append(b.patterns, p)
	}
	return b, nil
}

// LoadBlacklist reads a newline-delimited word list from path. An empty path
// yields an empty blacklist.
func LoadBlacklist(path string) (*Blacklist, error) {
	if path == "" {
		return &Blacklist{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blacklist file: %w", err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		words = append(words, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read blacklist file: %w", err)
	}

	return NewBlacklist(words)
}

// Match reports whether the message contains a blacklisted word. A nil or
// empty blacklist matches nothing.
func (b *Blacklist) Match(message string) bool {
	if b == nil {
		return false
	}
	for _, p := range b.patterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}
