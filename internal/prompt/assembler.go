// Package prompt builds the ordered message list sent to a backend
// and enforces the token budget.
package prompt

import (
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/parley/internal/providers"
	"github.com/nextlevelbuilder/parley/internal/tokenizer"
)

const (
	// DefaultTruncateUserMin is the floor for user-turn truncation.
	DefaultTruncateUserMin = 8

	loreIntro = "You may use the following background context if it is relevant to the user's request.\n"
)

// TimeHint renders the current-time system line.
func TimeHint(t time.Time) string {
	return "Current Date/Time: " + t.Format("2006-01-02 15:04 -0700")
}

// Input is everything the assembler composes into one prompt.
type Input struct {
	System          string
	Lore            string // already capped to its own sub-budget
	TimeHint        string
	TemplateContext string
	History         []providers.Message
	User            providers.Message

	// Protected marks an assistant history entry (by content) that
	// must survive trimming, typically the parent of a reply.
	Protected string

	// Budget is the token ceiling for the assembled list.
	Budget int
}

// Assembler enforces the prompt budget.
type Assembler struct {
	est             *tokenizer.Estimator
	truncateUserMin int
}

// New creates an Assembler. truncateUserMin <= 0 selects the default
// floor.
func New(est *tokenizer.Estimator, truncateUserMin int) *Assembler {
	if truncateUserMin <= 0 {
		truncateUserMin = DefaultTruncateUserMin
	}
	return &Assembler{est: est, truncateUserMin: truncateUserMin}
}

// Assemble builds [system, lore?, time-hint?, template?, history...,
// user] and trims to the budget in three stages: measure, drop history
// oldest-first (protected entry survives), truncate the user turn as
// last resort.
func (a *Assembler) Assemble(in Input) []providers.Message {
	history := append([]providers.Message(nil), in.History...)

	build := func(user providers.Message) []providers.Message {
		msgs := make([]providers.Message, 0, len(history)+5)
		if in.System != "" {
			msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: in.System})
		}
		if in.Lore != "" {
			msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: loreIntro + in.Lore})
		}
		if in.TimeHint != "" {
			msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: in.TimeHint})
		}
		if in.TemplateContext != "" {
			msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: in.TemplateContext})
		}
		msgs = append(msgs, history...)
		msgs = append(msgs, user)
		return msgs
	}

	if in.Budget <= 0 || a.est.EstimateMessages(build(in.User)) <= in.Budget {
		return build(in.User)
	}

	// Stage two: shed history oldest-first.
	for len(history) > 0 && a.est.EstimateMessages(build(in.User)) > in.Budget {
		drop := 0
		if a.isProtected(history[0], in.Protected) {
			if len(history) == 1 {
				break
			}
			drop = 1
		}
		history = append(history[:drop], history[drop+1:]...)
	}
	if a.est.EstimateMessages(build(in.User)) <= in.Budget {
		return build(in.User)
	}

	// Stage three: truncate the user turn to whatever is left. Image
	// parts keep their fixed cost; only text competes for the rest.
	empty := in.User
	empty.Content = ""
	empty.Parts = nil
	for _, p := range in.User.Parts {
		if p.Type != providers.PartText {
			empty.Parts = append(empty.Parts, p)
		}
	}
	remaining := in.Budget - a.est.EstimateMessages(build(empty))
	if remaining < 1 {
		remaining = 1
	}
	if remaining < a.truncateUserMin && in.Budget >= a.truncateUserMin {
		remaining = a.truncateUserMin
	}

	user := a.truncateUser(in.User, remaining)
	slog.Debug("user turn truncated", "tokens", remaining, "budget", in.Budget)
	return build(user)
}

func (a *Assembler) isProtected(m providers.Message, protected string) bool {
	return protected != "" && m.Role == providers.RoleAssistant && m.Text() == protected
}

// truncateUser cuts the user message text to maxTokens, keeping any
// image parts intact.
func (a *Assembler) truncateUser(user providers.Message, maxTokens int) providers.Message {
	if len(user.Parts) > 0 {
		parts := make([]providers.ContentPart, 0, len(user.Parts))
		for _, p := range user.Parts {
			if p.Type == providers.PartText {
				p.Text = capWords(a.est.Truncate(p.Text, maxTokens), maxTokens)
			}
			parts = append(parts, p)
		}
		user.Parts = parts
		return user
	}
	user.Content = capWords(a.est.Truncate(user.Content, maxTokens), maxTokens)
	return user
}

// capWords bounds the word count by the token allowance, which keeps
// pathological no-space or one-char-word inputs from blowing past the
// estimate.
func capWords(text string, maxTokens int) string {
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return text
	}
	return strings.Join(words[:maxTokens], " ") + "..."
}
