package prompt

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/nextlevelbuilder/parley/internal/memory"
)

// Line is one rendered transcript line for the context template.
type Line struct {
	Author  string
	Content string
	At      time.Time
}

// ContextData feeds the context template: messages split into a recent
// bucket and an older bucket by a recency cutoff.
type ContextData struct {
	Recent []Line
	Older  []Line
}

// DefaultContextTemplate is used when no template file is configured.
const DefaultContextTemplate = `{{- if .Older}}[Earlier conversation]
{{range .Older}}{{.Author}}: {{.Content}}
{{end}}{{end -}}
{{- if .Recent}}[Recent conversation]
{{range .Recent}}{{.Author}}: {{.Content}}
{{end}}{{end -}}`

// SplitByRecency buckets records into recent (at or after cutoff) and
// older, preserving order.
func SplitByRecency(records []memory.Record, cutoff time.Time) ContextData {
	var data ContextData
	for _, rec := range records {
		line := Line{Author: rec.AuthorName, Content: rec.Content, At: rec.CreatedAt}
		if rec.CreatedAt.Before(cutoff) {
			data.Older = append(data.Older, line)
		} else {
			data.Recent = append(data.Recent, line)
		}
	}
	return data
}

// RenderContext executes the context template over the bucketed
// transcript. An empty template text selects the default. Both buckets
// empty yields an empty block.
func RenderContext(tmplText string, data ContextData) (string, error) {
	if len(data.Recent) == 0 && len(data.Older) == 0 {
		return "", nil
	}
	if strings.TrimSpace(tmplText) == "" {
		tmplText = DefaultContextTemplate
	}
	tmpl, err := template.New("context").Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("prompt: parse context template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("prompt: render context template: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Corpus renders the visible window plus the pending user text into
// the string scanned for lore matches.
func Corpus(records []memory.Record, userText string) string {
	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(rec.AuthorName)
		sb.WriteString(": ")
		sb.WriteString(rec.Content)
		sb.WriteString("\n")
	}
	sb.WriteString(userText)
	return sb.String()
}
