// Package bus defines the message types exchanged between channel adapters
// and the router. Adapters normalize platform payloads into Event values;
// the router hands rendered replies back through the Sender interface.
package bus

import (
	"context"
	"time"
)

// Event is one normalized inbound chat message. It is built once by the
// channel adapter and treated as immutable afterwards.
type Event struct {
	// Source names the adapter that produced the event ("discord",
	// "telegram", "web") and routes the reply back out.
	Source string `json:"source,omitempty"`

	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	GuildName   string    `json:"guild_name,omitempty"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name,omitempty"`
	MessageID   string    `json:"message_id"`
	Content     string    `json:"content"`
	IsBot       bool      `json:"is_bot,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Mentions    []string  `json:"mentions,omitempty"`
	IsMentioned bool      `json:"is_mentioned,omitempty"`

	// Reply metadata, populated when the message references a parent.
	IsReply           bool   `json:"is_reply,omitempty"`
	IsReplyToBot      bool   `json:"is_reply_to_bot,omitempty"`
	ReplyToAuthorID   string `json:"reply_to_author_id,omitempty"`
	ReplyToAuthorName string `json:"reply_to_author_name,omitempty"`
	ReplyToContent    string `json:"reply_to_content,omitempty"`

	// Context flags for backend pool selection.
	NSFW bool `json:"nsfw,omitempty"`
	Web  bool `json:"web,omitempty"`

	// ImageURLs are attachment URLs detected on the message (and its reply
	// parent). Non-empty selects the vision pool.
	ImageURLs []string `json:"image_urls,omitempty"`

	// Correlation ties decision → generation → send in logs. Assigned by
	// the router if the adapter leaves it empty.
	Correlation string `json:"correlation,omitempty"`

	// Overrides is the web-room-only override payload; nil for platform events.
	Overrides *Overrides `json:"overrides,omitempty"`
}

// Overrides carries per-room persona/lore/model overrides from the web surface.
type Overrides struct {
	PersonaName          string   `json:"persona_name,omitempty"`
	PersonaText          string   `json:"persona_text,omitempty"`
	SystemPromptText     string   `json:"system_prompt_text,omitempty"`
	SystemPromptNSFWText string   `json:"system_prompt_nsfw_text,omitempty"`
	ContextTemplateText  *string  `json:"context_template_text,omitempty"`
	LorePaths            []string `json:"lore_paths,omitempty"`
	Model                string   `json:"model,omitempty"`
	NSFW                 *bool    `json:"nsfw,omitempty"`
}

// Sent describes a delivered outbound message, used to record the
// assistant turn back into conversation memory.
type Sent struct {
	MessageID  string
	AuthorID   string
	AuthorName string
	CreatedAt  time.Time
}

// Sender is the outbound half of a channel adapter. The router renders
// text (already split to platform limits) and delegates delivery.
type Sender interface {
	// SendText delivers one text chunk. replyToID is non-empty when the
	// chunk should be a threaded reply to a specific message.
	SendText(ctx context.Context, channelID, text, replyToID string) (*Sent, error)

	// SendFile delivers a reply as a file attachment with a short notice,
	// used when the text exceeds what chunked messages can convey.
	SendFile(ctx context.Context, channelID, notice, filename string, data []byte, replyToID string) (*Sent, error)

	// SendEphemeral delivers a transient notice that the adapter removes
	// after ttl (best effort).
	SendEphemeral(ctx context.Context, channelID, text string, ttl time.Duration) error
}

// Fetcher re-resolves a deferred message by id so throttled mentions can
// be replayed once the anti-spam window has room.
type Fetcher interface {
	FetchEvent(ctx context.Context, channelID, messageID string) (Event, error)
}
