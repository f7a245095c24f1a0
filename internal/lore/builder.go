package lore

import (
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/parley/internal/tokenizer"
)

// Build renders the lore block for a conversation. The corpus is the
// text scanned for key matches. Entries are ordered constant-first,
// with markdown files before or after world-book entries depending on
// mdPriority, then appended until the token budget runs out. A single
// entry larger than the whole budget is truncated rather than dropped
// so a tight budget still yields some context.
func (b *Book) Build(corpus string, budget int, est *tokenizer.Estimator, mdPriority bool) string {
	if budget <= 0 || len(b.entries) == 0 {
		return ""
	}
	lowerCorpus := strings.ToLower(corpus)

	var constantMD, constantJSON, matchedMD, matchedJSON []Entry
	for _, e := range b.entries {
		switch {
		case e.Constant && e.FromMD:
			constantMD = append(constantMD, e)
		case e.Constant:
			constantJSON = append(constantJSON, e)
		case e.matched(lowerCorpus, corpus):
			if e.FromMD {
				matchedMD = append(matchedMD, e)
			} else {
				matchedJSON = append(matchedJSON, e)
			}
		}
	}

	var ordered []Entry
	if mdPriority {
		ordered = concat(constantMD, constantJSON, matchedMD, matchedJSON)
	} else {
		ordered = concat(constantJSON, constantMD, matchedJSON, matchedMD)
	}
	if len(ordered) == 0 {
		return ""
	}

	var sb strings.Builder
	used := 0
	for _, e := range ordered {
		block := render(e)
		cost := est.EstimateText(block)
		if used+cost > budget {
			if used == 0 {
				truncated := est.Truncate(block, budget)
				sb.WriteString(truncated)
				used += est.EstimateText(truncated)
				slog.Debug("lore entry truncated", "uid", e.UID, "tokens", used, "budget", budget)
			}
			break
		}
		sb.WriteString(block)
		used += cost
		slog.Debug("lore entry added", "uid", e.UID, "tokens", used, "budget", budget)
	}
	if sb.Len() == 0 {
		return ""
	}
	return "[Lore]\n" + strings.TrimRight(sb.String(), "\n")
}

// render emits the entry body, headed by its comment when there is
// one. The uid stays internal.
func render(e Entry) string {
	if e.Comment == "" {
		return e.Content + "\n\n"
	}
	return "## " + e.Comment + "\n" + e.Content + "\n\n"
}

func concat(groups ...[]Entry) []Entry {
	var out []Entry
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
