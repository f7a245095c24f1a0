// Package persona loads the system prompt, persona card and context
// template from files, caching by mtime so edits show up on the next
// message without a restart.
package persona

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/parley/internal/bus"
	"github.com/nextlevelbuilder/parley/internal/config"
)

type cachedFile struct {
	content string
	modTime time.Time
}

// Service reads persona and prompt files with per-file mtime caching.
type Service struct {
	mu    sync.Mutex
	files map[string]cachedFile
}

// NewService creates an empty Service.
func NewService() *Service {
	return &Service{files: make(map[string]cachedFile)}
}

func (s *Service) read(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("persona: stat %s: %w", path, err)
	}
	s.mu.Lock()
	cached, ok := s.files[path]
	s.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.content, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("persona: read %s: %w", path, err)
	}
	content := string(data)
	s.mu.Lock()
	s.files[path] = cachedFile{content: content, modTime: info.ModTime()}
	s.mu.Unlock()
	return content, nil
}

// stripFrontmatter removes a leading YAML frontmatter block from a
// persona card.
func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return content
	}
	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content
	}
	body := rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return strings.TrimLeft(body, "\n")
}

// SystemMessage builds the system prompt text: the base prompt (NSFW
// variant when requested and configured) plus the persona card under a
// "[Persona]" heading. Per-event overrides replace the corresponding
// file content.
func (s *Service) SystemMessage(cfg config.PersonaConfig, nsfw bool, ov *bus.Overrides) (string, error) {
	var systemPrompt string
	switch {
	case ov != nil && nsfw && ov.SystemPromptNSFWText != "":
		systemPrompt = ov.SystemPromptNSFWText
	case ov != nil && !nsfw && ov.SystemPromptText != "":
		systemPrompt = ov.SystemPromptText
	default:
		path := cfg.SystemPromptPath
		if nsfw && cfg.SystemPromptNSFWPath != "" {
			path = cfg.SystemPromptNSFWPath
		}
		if path != "" {
			text, err := s.read(path)
			if err != nil {
				return "", err
			}
			systemPrompt = strings.TrimSpace(text)
		}
	}

	var personaBody string
	if ov != nil && ov.PersonaText != "" {
		personaBody = strings.TrimSpace(ov.PersonaText)
	} else if cfg.PersonaPath != "" {
		text, err := s.read(cfg.PersonaPath)
		if err != nil {
			return "", err
		}
		personaBody = strings.TrimSpace(stripFrontmatter(text))
	}

	switch {
	case systemPrompt == "":
		return personaBody, nil
	case personaBody == "":
		return systemPrompt, nil
	default:
		return systemPrompt + "\n\n[Persona]\n" + personaBody, nil
	}
}

// ContextTemplate returns the raw context template text, or empty when
// none is configured.
func (s *Service) ContextTemplate(cfg config.PersonaConfig, ov *bus.Overrides) (string, error) {
	if ov != nil && ov.ContextTemplateText != nil {
		return *ov.ContextTemplateText, nil
	}
	if cfg.ContextTemplatePath == "" {
		return "", nil
	}
	return s.read(cfg.ContextTemplatePath)
}
