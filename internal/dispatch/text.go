package dispatch

import (
	"strings"
	"unicode"

	"github.com/knightbot/knightbot/internal/commands"
)

// Tokenize splits text into a folded command key and the trimmed rest.
func Tokenize(text string) (key, args string) {
	text = strings.TrimSpace(text)
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return commands.FoldKey(text), ""
	}
	return commands.FoldKey(text[:i]), strings.TrimSpace(text[i:])
}

// HasCommandPrefix reports whether text starts with one of the prefix runes.
func HasCommandPrefix(text, prefixes string) bool {
	text = strings.TrimSpace(text)
	if text == "" || prefixes == "" {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(text, string(p)) {
			return true
		}
	}
	return false
}
