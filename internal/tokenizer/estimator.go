// Package tokenizer approximates token counts with a chars-per-token
// heuristic. It is intentionally not a real tokenizer: budgeting only
// needs a stable, conservative estimate that never fails.
package tokenizer

import (
	"strings"

	"github.com/nextlevelbuilder/parley/internal/providers"
)

const (
	// DefaultCharsPerToken is the rule-of-thumb divisor for English text.
	DefaultCharsPerToken = 4.0

	// imagePartTokens is the fixed cost assigned to one image part. True
	// image tokenization is provider-specific and opaque, so a small flat
	// overhead keeps budgeting deterministic.
	imagePartTokens = 64
)

// Estimator converts text and message lists to approximate token counts.
type Estimator struct {
	charsPerToken float64
}

// New returns an Estimator. charsPerToken <= 0 selects the default divisor.
func New(charsPerToken float64) *Estimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &Estimator{charsPerToken: charsPerToken}
}

// EstimateText returns the approximate token count of text. Non-empty
// text always costs at least one token.
func (e *Estimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(len(text)) / e.charsPerToken)
	if n < 1 {
		return 1
	}
	return n
}

// EstimateMessage returns the approximate token count of one message,
// summing per-part estimates for multimodal content.
func (e *Estimator) EstimateMessage(m providers.Message) int {
	if len(m.Parts) == 0 {
		return e.EstimateText(m.Content)
	}
	total := 0
	for _, p := range m.Parts {
		switch p.Type {
		case providers.PartText:
			total += e.EstimateText(p.Text)
		case providers.PartImageURL:
			total += imagePartTokens
		}
	}
	return total
}

// EstimateMessages sums estimates across a message list.
func (e *Estimator) EstimateMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.EstimateMessage(m)
	}
	return total
}

// Truncate cuts text down to approximately maxTokens, appending an
// ellipsis when it had to cut. maxTokens <= 0 yields the empty string.
func (e *Estimator) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	approxChars := int(float64(maxTokens) * e.charsPerToken)
	if len(text) <= approxChars {
		return text
	}
	cut := approxChars - 3
	if cut < 0 {
		cut = 0
	}
	// Prefer a word boundary near the cut point.
	if idx := strings.LastIndexByte(text[:cut], ' '); idx > cut/2 {
		cut = idx
	}
	return text[:cut] + "..."
}
