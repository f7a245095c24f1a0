package policy

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MatchMode selects how name aliases are bounded within content.
type MatchMode string

const (
	// MatchStrict requires true whole-word boundaries: the alias may
	// not be preceded by a word character or hyphen, and must be
	// followed by end-of-string, whitespace or closing punctuation,
	// optionally after a possessive or contraction suffix.
	MatchStrict MatchMode = "strict"
	// MatchLoose requires a whitespace or start-of-string boundary on
	// the left and allows a wider separator set on the right, so
	// hyphenated compounds like "ai-chan" still match.
	MatchLoose MatchMode = "loose"
)

const (
	strictRightSet = ")]},.!?:;\""
	looseRightSet  = "-_:,.;!?)]}"
)

// AliasMatch reports whether any alias occurs in the lowercased
// content under the given mode. Go's regexp has no lookbehind, so
// boundaries are checked by hand around each candidate occurrence.
func AliasMatch(content string, aliases []string, mode MatchMode) bool {
	lower := strings.ToLower(content)
	for _, alias := range aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" {
			continue
		}
		if matchAlias(lower, alias, mode) {
			return true
		}
	}
	return false
}

func matchAlias(content, alias string, mode MatchMode) bool {
	for from := 0; from+len(alias) <= len(content); {
		i := strings.Index(content[from:], alias)
		if i < 0 {
			return false
		}
		pos := from + i
		end := pos + len(alias)
		if leftBoundary(content, pos, mode) && rightBoundary(content, end, mode) {
			return true
		}
		from = pos + 1
	}
	return false
}

func leftBoundary(content string, pos int, mode MatchMode) bool {
	if pos == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(content[:pos])
	if mode == MatchLoose {
		return unicode.IsSpace(prev)
	}
	if prev == '-' || prev == '_' {
		return false
	}
	return !unicode.IsLetter(prev) && !unicode.IsDigit(prev)
}

func rightBoundary(content string, end int, mode MatchMode) bool {
	rest := content[end:]
	if mode == MatchLoose {
		if rest == "" {
			return true
		}
		r, _ := utf8.DecodeRuneInString(rest)
		return unicode.IsSpace(r) || strings.ContainsRune(looseRightSet, r)
	}
	rest = stripPossessive(rest)
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(r) || strings.ContainsRune(strictRightSet, r)
}

// stripPossessive removes a leading possessive or contraction suffix
// ('s, 'd, 'm, 're, 'll, with straight or curly apostrophe).
func stripPossessive(s string) string {
	var rest string
	switch {
	case strings.HasPrefix(s, "'"):
		rest = s[1:]
	case strings.HasPrefix(s, "’"):
		rest = s[len("’"):]
	default:
		return s
	}
	for _, suffix := range []string{"re", "ll", "s", "d", "m"} {
		if strings.HasPrefix(rest, suffix) {
			return rest[len(suffix):]
		}
	}
	return s
}
