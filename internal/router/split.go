package router

import "strings"

const (
	contMarker = " ....."
	leadMarker = "..... "

	// FileNotice accompanies a reply delivered as a file attachment.
	FileNotice = "(Response too long so has been attached as file.)"

	truncatedMarker = " (Response Truncated)"
)

// Split is the outbound rendering of one reply: either a list of
// chunks within the platform's character limit, or a signal to attach
// the full text as a file.
type Split struct {
	Parts  []string
	AsFile bool
}

// SplitMessage cuts text into at most maxParts chunks of maxChars
// characters, joining them with continuation markers. Cuts prefer a
// whitespace boundary when one falls in the last 40% of the chunk.
// Text too long for every allowed chunk combined is flagged for file
// attachment instead of being mangled.
func SplitMessage(text string, maxChars, maxParts int) Split {
	if maxChars <= 0 {
		maxChars = 2000
	}
	if maxParts <= 0 {
		maxParts = 1
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return Split{Parts: []string{text}}
	}

	cont := len([]rune(contMarker))
	lead := len([]rune(leadMarker))
	maxConveyable := (maxChars - cont) + (maxParts-1)*(maxChars-lead)
	if len(runes) > maxConveyable {
		return Split{AsFile: true}
	}

	var parts []string
	rest := runes
	for i := 0; i < maxParts && len(rest) > 0; i++ {
		prefix := ""
		capacity := maxChars
		if i > 0 {
			prefix = leadMarker
			capacity -= lead
		}
		if len(rest) <= capacity {
			parts = append(parts, prefix+string(rest))
			rest = nil
			break
		}
		capacity -= cont
		cut := capacity
		if idx := lastSpace(rest[:capacity]); idx >= capacity*6/10 {
			cut = idx
		}
		parts = append(parts, prefix+string(rest[:cut])+contMarker)
		rest = trimLeadingSpace(rest[cut:])
	}

	// Whitespace-aligned cuts convey slightly less than the raw
	// capacity, so a sliver can remain past the last allowed part.
	if len(rest) > 0 && len(parts) > 0 {
		last := []rune(parts[len(parts)-1])
		marker := []rune(truncatedMarker)
		room := maxChars - len(marker)
		if len(last) > room {
			last = last[:room]
		}
		parts[len(parts)-1] = string(last) + truncatedMarker
	}
	return Split{Parts: parts}
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}

func trimLeadingSpace(runes []rune) []rune {
	s := strings.TrimLeft(string(runes), " \n")
	return []rune(s)
}
