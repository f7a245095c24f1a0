package providers

import "context"

// Kind tags the backend implementation so callers can adjust fallback
// behaviour without inspecting concrete types.
type Kind string

const (
	// KindCloudRouter is a hosted multi-model routing endpoint
	// (OpenRouter-style): many model identifiers behind one API.
	KindCloudRouter Kind = "cloud-router"

	// KindLocalCompat is a local OpenAI-compatible endpoint (llama.cpp,
	// LM Studio, textgen-webui). Such endpoints serve exactly one loaded
	// model, so per-model fallback loops are pointless against them.
	KindLocalCompat Kind = "local-compat"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType identifies a multimodal content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// Message is one chat turn. Content carries plain text; a non-empty
// Parts list supersedes Content on the wire (multimodal).
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text returns the textual body of the message, flattening text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// HasImages reports whether the message carries image parts.
func (m Message) HasImages() bool {
	for _, p := range m.Parts {
		if p.Type == PartImageURL {
			return true
		}
	}
	return false
}

// Fields is correlation/selection context threaded through a call. It is
// log metadata plus pool-selection flags, never model input.
type Fields struct {
	Channel       string
	User          string
	Correlation   string
	NSFW          bool
	HasImages     bool
	Web           bool
	ProviderIndex int
}

// Request is the input for one GenerateChat call.
type Request struct {
	Messages         []Message
	Model            string
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	Fields           Fields
}

// Usage is normalized token accounting from a backend response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Result is a successful generation.
type Result struct {
	Text     string `json:"text"`
	Usage    Usage  `json:"usage"`
	Provider string `json:"provider,omitempty"`
}

// Backend is the closed capability contract every text-generation
// backend implements.
type Backend interface {
	// GenerateChat sends messages and returns the generated text with
	// usage accounting. Implementations handle their own transient-error
	// retries; a returned error means this backend/model pairing is
	// exhausted for the call.
	GenerateChat(ctx context.Context, req Request) (*Result, error)

	// Name identifies the backend instance in logs.
	Name() string

	// Kind reports the backend implementation tag.
	Kind() Kind
}
