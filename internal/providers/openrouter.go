package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenRouterBackend talks to a hosted multi-model routing endpoint
// (OpenRouter or any API with the same chat-completions shape).
type OpenRouterBackend struct {
	name        string
	apiKey      string
	baseURL     string
	httpReferer string
	xTitle      string
	client      *http.Client
	retryConfig RetryConfig
	sem         chan struct{}
}

// OpenRouterOptions configures an OpenRouterBackend.
type OpenRouterOptions struct {
	APIKey      string
	BaseURL     string // default https://openrouter.ai/api/v1/chat/completions
	Concurrency int    // in-flight call cap, default 2
	Timeout     time.Duration
	Retry       RetryConfig
	HTTPReferer string
	XTitle      string
}

// NewOpenRouter creates a cloud-router backend.
func NewOpenRouter(opts OpenRouterOptions) (*OpenRouterBackend, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openrouter: missing API key")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1/chat/completions"
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retry := opts.Retry
	if retry.Attempts == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryConfig()
	}
	return &OpenRouterBackend{
		name:        "openrouter",
		apiKey:      opts.APIKey,
		baseURL:     baseURL,
		httpReferer: opts.HTTPReferer,
		xTitle:      opts.XTitle,
		client:      &http.Client{Timeout: timeout},
		retryConfig: retry,
		sem:         make(chan struct{}, concurrency),
	}, nil
}

func (b *OpenRouterBackend) Name() string { return b.name }
func (b *OpenRouterBackend) Kind() Kind   { return KindCloudRouter }

// GenerateChat sends the messages and returns generated text with
// normalized usage. Transient failures retry with backoff; non-retryable
// HTTP errors surface immediately with status and body context.
func (b *OpenRouterBackend) GenerateChat(ctx context.Context, req Request) (*Result, error) {
	body := buildChatBody(req)

	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	return RetryDo(ctx, b.retryConfig, req.Fields, func() (*Result, error) {
		respBody, err := b.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var parsed chatCompletionResponse
		if err := json.NewDecoder(respBody).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", b.name, err)
		}
		return parseChatResult(b.name, &parsed)
	})
}

func (b *OpenRouterBackend) doRequest(ctx context.Context, body map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", b.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", b.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	if b.httpReferer != "" {
		httpReq.Header.Set("HTTP-Referer", b.httpReferer)
	}
	if b.xTitle != "" {
		httpReq.Header.Set("X-Title", b.xTitle)
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

// buildChatBody converts a Request to the chat-completions wire format.
// Multimodal messages become OpenAI-style content part arrays.
func buildChatBody(req Request) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		if len(m.Parts) > 0 {
			parts := make([]map[string]any, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case PartText:
					parts = append(parts, map[string]any{"type": "text", "text": p.Text})
				case PartImageURL:
					parts = append(parts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]any{"url": p.ImageURL},
					})
				}
			}
			msg["content"] = parts
		} else {
			msg["content"] = m.Content
		}
		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		body["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		body["presence_penalty"] = *req.PresencePenalty
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}
	return body
}

// chatCompletionResponse is the subset of the chat-completions response
// this gateway consumes.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseChatResult(name string, resp *chatCompletionResponse) (*Result, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", name)
	}
	result := &Result{
		Text:     strings.TrimSpace(resp.Choices[0].Message.Content),
		Provider: name,
	}
	if resp.Usage != nil {
		result.Usage = Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return result, nil
}
