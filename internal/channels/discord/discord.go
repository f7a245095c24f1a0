// Package discord connects the gateway to Discord via the Bot API.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/parley/internal/bus"
	"github.com/nextlevelbuilder/parley/internal/channels"
	"github.com/nextlevelbuilder/parley/internal/config"
)

// Channel connects to Discord using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	limiter   *channels.SendLimiter
	botUserID string // populated on start

	mu   sync.Mutex
	nsfw map[string]bool // channelID → nsfw flag, resolved lazily
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, handler channels.EventHandler) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", handler),
		session:     session,
		config:      cfg,
		limiter:     channels.NewSendLimiter(1, 4),
		nsfw:        make(map[string]bool),
	}, nil
}

// Sender returns the outbound half for router registration.
func (c *Channel) Sender() bus.Sender { return c }

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord adapter")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord adapter connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord adapter")
	c.SetRunning(false)
	return c.session.Close()
}

// handleMessage normalizes an incoming Discord message and hands it to
// the router. The bot's own messages are dropped here; other bots pass
// through so the bot gates can apply their allow list.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID {
		return
	}

	ev := c.eventFromMessage(m.Message)

	slog.Debug("discord message received",
		"channel_id", ev.ChannelID,
		"author_id", ev.AuthorID,
		"is_bot", ev.IsBot,
		"mentioned", ev.IsMentioned,
	)

	if err := c.Handler().HandleEvent(context.Background(), ev); err != nil {
		slog.Error("discord event handling failed",
			"channel_id", ev.ChannelID, "message_id", ev.MessageID, "error", err)
	}
}

func (c *Channel) eventFromMessage(m *discordgo.Message) bus.Event {
	ev := bus.Event{
		Source:     "discord",
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: displayName(m),
		MessageID:  m.ID,
		Content:    m.Content,
		IsBot:      m.Author.Bot,
		CreatedAt:  m.Timestamp,
		NSFW:       c.isNSFW(m.ChannelID),
		ImageURLs:  imageURLs(m.Attachments),
	}

	for _, u := range m.Mentions {
		ev.Mentions = append(ev.Mentions, u.ID)
		if u.ID == c.botUserID {
			ev.IsMentioned = true
		}
	}

	if ch, err := c.session.State.Channel(m.ChannelID); err == nil {
		ev.ChannelName = ch.Name
		if g, err := c.session.State.Guild(ch.GuildID); err == nil {
			ev.GuildName = g.Name
		}
	}

	if parent := m.ReferencedMessage; parent != nil && parent.Author != nil {
		ev.IsReply = true
		ev.IsReplyToBot = parent.Author.ID == c.botUserID
		ev.ReplyToAuthorID = parent.Author.ID
		ev.ReplyToAuthorName = displayName(parent)
		ev.ReplyToContent = parent.Content
		ev.ImageURLs = append(ev.ImageURLs, imageURLs(parent.Attachments)...)
	}

	return ev
}

// isNSFW reports whether a channel is marked NSFW, either via config or
// the Discord channel flag. Resolved once per channel.
func (c *Channel) isNSFW(channelID string) bool {
	c.mu.Lock()
	if v, ok := c.nsfw[channelID]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	flagged := false
	for _, id := range c.config.NSFWChannels {
		if id == channelID {
			flagged = true
		}
	}
	if !flagged {
		if ch, err := c.session.State.Channel(channelID); err == nil {
			flagged = ch.NSFW
		}
	}

	c.mu.Lock()
	c.nsfw[channelID] = flagged
	c.mu.Unlock()
	return flagged
}

// SendText delivers one text chunk, threading it when replyToID is set.
func (c *Channel) SendText(_ context.Context, channelID, text, replyToID string) (*bus.Sent, error) {
	if !c.IsRunning() {
		return nil, fmt.Errorf("discord adapter not running")
	}
	c.waitTurn(channelID)

	send := &discordgo.MessageSend{Content: text}
	if replyToID != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: replyToID,
			ChannelID: channelID,
		}
	}

	msg, err := c.session.ChannelMessageSendComplex(channelID, send)
	if err != nil {
		return nil, fmt.Errorf("send discord message: %w", err)
	}
	return c.sent(msg), nil
}

// SendFile delivers the reply as a text file attachment with a notice.
func (c *Channel) SendFile(_ context.Context, channelID, notice, filename string, data []byte, replyToID string) (*bus.Sent, error) {
	if !c.IsRunning() {
		return nil, fmt.Errorf("discord adapter not running")
	}
	c.waitTurn(channelID)

	send := &discordgo.MessageSend{
		Content: notice,
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: "text/plain",
			Reader:      bytes.NewReader(data),
		}},
	}
	if replyToID != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: replyToID,
			ChannelID: channelID,
		}
	}

	msg, err := c.session.ChannelMessageSendComplex(channelID, send)
	if err != nil {
		return nil, fmt.Errorf("send discord file: %w", err)
	}
	return c.sent(msg), nil
}

// SendEphemeral posts a transient notice and deletes it after ttl.
func (c *Channel) SendEphemeral(_ context.Context, channelID, text string, ttl time.Duration) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord adapter not running")
	}

	msg, err := c.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return fmt.Errorf("send discord notice: %w", err)
	}

	time.AfterFunc(ttl, func() {
		if err := c.session.ChannelMessageDelete(channelID, msg.ID); err != nil {
			slog.Debug("discord notice cleanup failed",
				"channel_id", channelID, "message_id", msg.ID, "error", err)
		}
	})
	return nil
}

// FetchEvent re-resolves a message by id for deferred mention replay.
func (c *Channel) FetchEvent(_ context.Context, channelID, messageID string) (bus.Event, error) {
	msg, err := c.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return bus.Event{}, fmt.Errorf("fetch discord message: %w", err)
	}
	return c.eventFromMessage(msg), nil
}

func (c *Channel) sent(msg *discordgo.Message) *bus.Sent {
	return &bus.Sent{
		MessageID:  msg.ID,
		AuthorID:   c.botUserID,
		AuthorName: botAuthorName(msg),
		CreatedAt:  msg.Timestamp,
	}
}

// waitTurn blocks until the per-channel limiter grants a send slot.
func (c *Channel) waitTurn(channelID string) {
	if d := c.limiter.Reserve(channelID).Delay(); d > 0 {
		time.Sleep(d)
	}
}

func botAuthorName(msg *discordgo.Message) string {
	if msg.Author != nil && msg.Author.Username != "" {
		return msg.Author.Username
	}
	return "assistant"
}

// displayName returns the best available name for a message author.
// Priority: server nickname > global display name > username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// imageURLs extracts image attachment URLs from a message.
func imageURLs(attachments []*discordgo.MessageAttachment) []string {
	var urls []string
	for _, att := range attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			urls = append(urls, att.URL)
		}
	}
	return urls
}
