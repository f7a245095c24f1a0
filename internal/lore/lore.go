package lore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Entry is one lore snippet. Constant entries are always injected;
// keyed entries are injected when one of their keys matches the
// conversation text.
type Entry struct {
	UID      string
	Comment  string
	Content  string
	Keys     []string
	Constant bool
	FromMD   bool

	matchers []matcher
}

type matcher struct {
	key       string
	substring bool
	re        *regexp.Regexp
}

// jsonBook mirrors the SillyTavern-style world book layout.
type jsonBook struct {
	Entries map[string]jsonEntry `json:"entries"`
}

type jsonEntry struct {
	Content  string   `json:"content"`
	Key      []string `json:"key"`
	Comment  string   `json:"comment"`
	Constant bool     `json:"constant"`
}

var cjkRange = regexp.MustCompile(`[\x{3040}-\x{30ff}\x{3400}-\x{9fff}\x{ff66}-\x{ff9d}]`)

// Book holds parsed lore entries from one or more files.
type Book struct {
	entries []Entry
}

// Load reads markdown and JSON lore files. Markdown files become
// constant entries titled from their leading heading; JSON files are
// world books with keyed entries. Missing files are errors so a typo
// in the config surfaces at startup.
func Load(paths []string) (*Book, error) {
	book := &Book{}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("lore: read %s: %w", p, err)
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".json":
			if err := book.addJSON(p, data); err != nil {
				return nil, err
			}
		default:
			book.addMarkdown(p, data)
		}
	}
	return book, nil
}

func (b *Book) addMarkdown(path string, data []byte) {
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}
	title := filepath.Base(path)
	lines := strings.SplitN(content, "\n", 2)
	if strings.HasPrefix(lines[0], "#") {
		title = strings.TrimSpace(strings.TrimLeft(lines[0], "# "))
		if len(lines) > 1 {
			content = strings.TrimSpace(lines[1])
		} else {
			content = ""
		}
	}
	b.entries = append(b.entries, Entry{
		UID:      path,
		Comment:  title,
		Content:  content,
		Constant: true,
		FromMD:   true,
	})
}

func (b *Book) addJSON(path string, data []byte) error {
	var parsed jsonBook
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("lore: parse %s: %w", path, err)
	}
	uids := make([]string, 0, len(parsed.Entries))
	for uid := range parsed.Entries {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		je := parsed.Entries[uid]
		if strings.TrimSpace(je.Content) == "" {
			continue
		}
		entry := Entry{
			UID:      path + "#" + uid,
			Comment:  je.Comment,
			Content:  strings.TrimSpace(je.Content),
			Keys:     je.Key,
			Constant: je.Constant,
		}
		for _, key := range je.Key {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			entry.matchers = append(entry.matchers, newMatcher(key))
		}
		b.entries = append(b.entries, entry)
	}
	return nil
}

// newMatcher builds a key matcher. Keys containing CJK characters use
// plain substring matching because word boundaries are meaningless for
// scripts written without spaces; everything else matches on word
// boundaries, case-insensitively.
func newMatcher(key string) matcher {
	if cjkRange.MatchString(key) {
		return matcher{key: strings.ToLower(key), substring: true}
	}
	return matcher{
		key: key,
		re:  regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(key) + `\b`),
	}
}

func (m matcher) matches(lowerCorpus, corpus string) bool {
	if m.substring {
		return strings.Contains(lowerCorpus, m.key)
	}
	return m.re.MatchString(corpus)
}

// Entries returns all loaded entries.
func (b *Book) Entries() []Entry { return b.entries }

// matched reports whether any of the entry's keys appear in the corpus.
func (e *Entry) matched(lowerCorpus, corpus string) bool {
	for _, m := range e.matchers {
		if m.matches(lowerCorpus, corpus) {
			return true
		}
	}
	return false
}
