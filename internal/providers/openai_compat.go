package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatBackend targets self-hosted OpenAI-compatible servers
// (llama.cpp, vLLM, LM Studio and the like). Some of these expose only
// the legacy /completions endpoint; when the chat endpoint answers
// 404 or 405 the backend flattens the conversation into a single text
// prompt and retries against /completions.
type OpenAICompatBackend struct {
	name           string
	apiKey         string
	chatURL        string
	completionsURL string
	client         *http.Client
	retryConfig    RetryConfig
	sem            chan struct{}
}

// OpenAICompatOptions configures an OpenAICompatBackend.
type OpenAICompatOptions struct {
	Name        string
	APIKey      string // optional for local servers
	BaseURL     string
	Concurrency int
	Timeout     time.Duration
	Retry       RetryConfig
}

// NewOpenAICompat creates a local-compat backend. BaseURL accepts a
// bare host, a /v1 root, or a full chat-completions URL.
func NewOpenAICompat(opts OpenAICompatOptions) (*OpenAICompatBackend, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("openai-compat: missing base URL")
	}
	name := opts.Name
	if name == "" {
		name = "openai-compat"
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	retry := opts.Retry
	if retry.Attempts == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryConfig()
	}
	chatURL, completionsURL := normalizeCompatURLs(opts.BaseURL)
	return &OpenAICompatBackend{
		name:           name,
		apiKey:         opts.APIKey,
		chatURL:        chatURL,
		completionsURL: completionsURL,
		client:         &http.Client{Timeout: timeout},
		retryConfig:    retry,
		sem:            make(chan struct{}, concurrency),
	}, nil
}

// normalizeCompatURLs derives chat and legacy completion endpoints from
// whatever URL shape the operator configured.
func normalizeCompatURLs(base string) (chatURL, completionsURL string) {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasSuffix(u, "/chat/completions"):
		chatURL = u
		completionsURL = strings.TrimSuffix(u, "/chat/completions") + "/completions"
	case strings.HasSuffix(u, "/completions"):
		completionsURL = u
		chatURL = strings.TrimSuffix(u, "/completions") + "/chat/completions"
	case strings.HasSuffix(u, "/v1"):
		chatURL = u + "/chat/completions"
		completionsURL = u + "/completions"
	default:
		chatURL = u + "/v1/chat/completions"
		completionsURL = u + "/v1/completions"
	}
	return chatURL, completionsURL
}

func (b *OpenAICompatBackend) Name() string { return b.name }
func (b *OpenAICompatBackend) Kind() Kind   { return KindLocalCompat }

// GenerateChat sends the messages to the chat endpoint, falling back
// to the legacy text-completion endpoint when the server does not
// implement chat. Image content cannot be flattened to a text prompt,
// so the fallback refuses multimodal requests.
func (b *OpenAICompatBackend) GenerateChat(ctx context.Context, req Request) (*Result, error) {
	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	return RetryDo(ctx, b.retryConfig, req.Fields, func() (*Result, error) {
		respBody, err := b.post(ctx, b.chatURL, buildChatBody(req))
		if err == nil {
			defer respBody.Close()
			var parsed chatCompletionResponse
			if derr := json.NewDecoder(respBody).Decode(&parsed); derr != nil {
				return nil, fmt.Errorf("%s: decode response: %w", b.name, derr)
			}
			return parseChatResult(b.name, &parsed)
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || (httpErr.Status != http.StatusNotFound && httpErr.Status != http.StatusMethodNotAllowed) {
			return nil, err
		}
		return b.generateLegacy(ctx, req)
	})
}

// generateLegacy flattens the conversation to "role: content" lines and
// posts it to /completions.
func (b *OpenAICompatBackend) generateLegacy(ctx context.Context, req Request) (*Result, error) {
	for _, m := range req.Messages {
		if m.HasImages() {
			return nil, fmt.Errorf("%s: chat endpoint unavailable and request contains images, cannot flatten to text completion", b.name)
		}
	}

	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Text())
		sb.WriteString("\n")
	}
	sb.WriteString(RoleAssistant)
	sb.WriteString(": ")

	body := map[string]any{
		"model":  req.Model,
		"prompt": sb.String(),
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}

	respBody, err := b.post(ctx, b.completionsURL, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var parsed struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(respBody).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s: decode legacy response: %w", b.name, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s: legacy response has no choices", b.name)
	}
	result := &Result{
		Text:     strings.TrimSpace(parsed.Choices[0].Text),
		Provider: b.name,
	}
	if parsed.Usage != nil {
		result.Usage = Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (b *OpenAICompatBackend) post(ctx context.Context, url string, body map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", b.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", b.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", b.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", b.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}
