package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNormalizeCompatURLs(t *testing.T) {
	tests := []struct {
		base            string
		wantChat        string
		wantCompletions string
	}{
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions", "http://localhost:8080/v1/completions"},
		{"http://localhost:8080/", "http://localhost:8080/v1/chat/completions", "http://localhost:8080/v1/completions"},
		{"http://localhost:8080/v1", "http://localhost:8080/v1/chat/completions", "http://localhost:8080/v1/completions"},
		{"http://localhost:8080/v1/chat/completions", "http://localhost:8080/v1/chat/completions", "http://localhost:8080/v1/completions"},
		{"http://localhost:8080/v1/completions", "http://localhost:8080/v1/chat/completions", "http://localhost:8080/v1/completions"},
	}
	for _, tt := range tests {
		chat, completions := normalizeCompatURLs(tt.base)
		if chat != tt.wantChat {
			t.Errorf("normalizeCompatURLs(%q) chat = %q, want %q", tt.base, chat, tt.wantChat)
		}
		if completions != tt.wantCompletions {
			t.Errorf("normalizeCompatURLs(%q) completions = %q, want %q", tt.base, completions, tt.wantCompletions)
		}
	}
}

func TestHTTPErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		err := &HTTPError{Status: tt.status}
		if got := err.Retryable(); got != tt.want {
			t.Errorf("HTTPError{Status: %d}.Retryable() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("ParseRetryAfter(\"3\") = %v, want 3s", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("ParseRetryAfter(\"\") = %v, want 0", got)
	}
	if got := ParseRetryAfter("nonsense"); got != 0 {
		t.Errorf("ParseRetryAfter(\"nonsense\") = %v, want 0", got)
	}
}

func TestRetryDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	result, err := RetryDo(context.Background(), RetryConfig{Attempts: 2, BaseDelay: time.Millisecond}, Fields{}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: 503, Body: "overloaded"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryDo: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want ok", result)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), RetryConfig{Attempts: 3, BaseDelay: time.Millisecond}, Fields{}, func() (string, error) {
		calls++
		return "", &HTTPError{Status: 401, Body: "bad key"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// fakeBackend records requested models and fails until failUntil
// attempts have been made.
type fakeBackend struct {
	name      string
	kind      Kind
	failUntil int
	calls     []string
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Kind() Kind   { return f.kind }

func (f *fakeBackend) GenerateChat(_ context.Context, req Request) (*Result, error) {
	f.calls = append(f.calls, req.Model)
	if len(f.calls) <= f.failUntil {
		return nil, fmt.Errorf("%s: model %s unavailable", f.name, req.Model)
	}
	return &Result{Text: "reply from " + req.Model, Provider: f.name}, nil
}

func TestSelectorModelFallback(t *testing.T) {
	backend := &fakeBackend{name: "router", kind: KindCloudRouter, failUntil: 1}
	sel := &Selector{Normal: []Choice{{Backend: backend, Models: []string{"first", "second", "third"}}}}

	result, err := sel.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "reply from second" {
		t.Errorf("Text = %q, want reply from second", result.Text)
	}
	if len(backend.calls) != 2 {
		t.Errorf("attempts = %d, want 2", len(backend.calls))
	}
}

func TestSelectorPoolPrecedence(t *testing.T) {
	normal := &fakeBackend{name: "normal", kind: KindCloudRouter}
	vision := &fakeBackend{name: "vision", kind: KindCloudRouter}
	web := &fakeBackend{name: "web", kind: KindCloudRouter}
	nsfw := &fakeBackend{name: "nsfw", kind: KindCloudRouter}
	sel := &Selector{
		Normal: []Choice{{Backend: normal, Models: []string{"m"}}},
		Vision: []Choice{{Backend: vision, Models: []string{"m"}}},
		Web:    []Choice{{Backend: web, Models: []string{"m"}}},
		NSFW:   []Choice{{Backend: nsfw, Models: []string{"m"}}},
	}

	tests := []struct {
		name   string
		fields Fields
		want   string
	}{
		{"images win over web and nsfw", Fields{HasImages: true, Web: true, NSFW: true}, "vision"},
		{"web wins over nsfw", Fields{Web: true, NSFW: true}, "web"},
		{"nsfw over normal", Fields{NSFW: true}, "nsfw"},
		{"default normal", Fields{}, "normal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := sel.Generate(context.Background(), Request{Fields: tt.fields})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if result.Provider != tt.want {
				t.Errorf("provider = %q, want %q", result.Provider, tt.want)
			}
		})
	}
}

func TestSelectorEmptyPoolFallsBackToNormal(t *testing.T) {
	normal := &fakeBackend{name: "normal", kind: KindCloudRouter}
	sel := &Selector{Normal: []Choice{{Backend: normal, Models: []string{"m"}}}}

	result, err := sel.Generate(context.Background(), Request{Fields: Fields{NSFW: true}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Provider != "normal" {
		t.Errorf("provider = %q, want normal", result.Provider)
	}
}

func TestSelectorLocalCompatSingleModel(t *testing.T) {
	backend := &fakeBackend{name: "local", kind: KindLocalCompat, failUntil: 10}
	sel := &Selector{Normal: []Choice{{Backend: backend, Models: []string{"a", "b", "c"}}}}

	_, err := sel.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(backend.calls) != 1 {
		t.Errorf("attempts = %d, want 1 for local-compat backend", len(backend.calls))
	}
}

func TestSelectorAutoFallback(t *testing.T) {
	backend := &fakeBackend{name: "router", kind: KindCloudRouter, failUntil: 2}
	sel := &Selector{
		Normal:            []Choice{{Backend: backend, Models: []string{"a", "b"}}},
		AutoFallbackModel: "openrouter/auto",
	}

	result, err := sel.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "reply from openrouter/auto" {
		t.Errorf("Text = %q, want auto fallback reply", result.Text)
	}
	if got := backend.calls[len(backend.calls)-1]; got != "openrouter/auto" {
		t.Errorf("last model = %q, want openrouter/auto", got)
	}
}

func TestSelectorModelOverride(t *testing.T) {
	backend := &fakeBackend{name: "router", kind: KindCloudRouter}
	sel := &Selector{Normal: []Choice{{Backend: backend, Models: []string{"a", "b"}}}}

	result, err := sel.Generate(context.Background(), Request{Model: "forced"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "reply from forced" {
		t.Errorf("Text = %q, want reply from forced", result.Text)
	}
	if len(backend.calls) != 1 {
		t.Errorf("attempts = %d, want 1", len(backend.calls))
	}
}

func TestOpenRouterGenerateChat(t *testing.T) {
	var gotAuth, gotReferer string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		fmt.Fprint(w, `{"choices":[{"message":{"content":" hello there "}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer server.Close()

	backend, err := NewOpenRouter(OpenRouterOptions{
		APIKey:      "test-key",
		BaseURL:     server.URL,
		HTTPReferer: "https://example.com",
		Retry:       RetryConfig{Attempts: 0, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewOpenRouter: %v", err)
	}

	result, err := backend.GenerateChat(context.Background(), Request{
		Model:    "test/model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("GenerateChat: %v", err)
	}
	if result.Text != "hello there" {
		t.Errorf("Text = %q, want trimmed content", result.Text)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", result.Usage.TotalTokens)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReferer != "https://example.com" {
		t.Errorf("HTTP-Referer = %q", gotReferer)
	}
}

func TestOpenRouterHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid key"}`)
	}))
	defer server.Close()

	backend, err := NewOpenRouter(OpenRouterOptions{APIKey: "bad", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenRouter: %v", err)
	}

	_, err = backend.GenerateChat(context.Background(), Request{Model: "m"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", httpErr.Status)
	}
	if !strings.Contains(httpErr.Body, "invalid key") {
		t.Errorf("Body = %q, want error body preserved", httpErr.Body)
	}
}

func TestOpenAICompatLegacyFallback(t *testing.T) {
	var legacyPrompt string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt string `json:"prompt"`
		}
		decodeJSONBody(t, r, &body)
		legacyPrompt = body.Prompt
		fmt.Fprint(w, `{"choices":[{"text":"legacy reply"}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	backend, err := NewOpenAICompat(OpenAICompatOptions{
		BaseURL: server.URL,
		Retry:   RetryConfig{Attempts: 0, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewOpenAICompat: %v", err)
	}

	result, err := backend.GenerateChat(context.Background(), Request{
		Model: "local",
		Messages: []Message{
			{Role: RoleSystem, Content: "be nice"},
			{Role: RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("GenerateChat: %v", err)
	}
	if result.Text != "legacy reply" {
		t.Errorf("Text = %q, want legacy reply", result.Text)
	}
	if !strings.Contains(legacyPrompt, "system: be nice\n") || !strings.Contains(legacyPrompt, "user: hi\n") {
		t.Errorf("flattened prompt = %q", legacyPrompt)
	}
	if !strings.HasSuffix(legacyPrompt, "assistant: ") {
		t.Errorf("flattened prompt should end with assistant cue, got %q", legacyPrompt)
	}
}

func TestOpenAICompatLegacyRefusesImages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	backend, err := NewOpenAICompat(OpenAICompatOptions{
		BaseURL: server.URL,
		Retry:   RetryConfig{Attempts: 0, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewOpenAICompat: %v", err)
	}

	_, err = backend.GenerateChat(context.Background(), Request{
		Model: "local",
		Messages: []Message{{
			Role: RoleUser,
			Parts: []ContentPart{
				{Type: PartText, Text: "what is this"},
				{Type: PartImageURL, ImageURL: "https://example.com/a.png"},
			},
		}},
	})
	if err == nil {
		t.Fatal("expected refusal for image payload")
	}
	if !strings.Contains(err.Error(), "images") {
		t.Errorf("error = %v, want image refusal", err)
	}
}

func decodeJSONBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}
