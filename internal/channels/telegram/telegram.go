// Package telegram connects the gateway to Telegram via the Bot API
// using long polling.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/parley/internal/bus"
	"github.com/nextlevelbuilder/parley/internal/channels"
	"github.com/nextlevelbuilder/parley/internal/config"
)

// seenCapacity bounds the replay cache. The Bot API has no fetch-by-id,
// so deferred mention replay resolves against recently seen events.
const seenCapacity = 512

// Channel connects to Telegram using long polling.
type Channel struct {
	*channels.BaseChannel
	bot     *telego.Bot
	config  config.TelegramConfig
	limiter *channels.SendLimiter

	botID       int64
	botUsername string

	mu        sync.Mutex
	seen      map[string]bus.Event // messageID → event
	seenOrder []string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, handler channels.EventHandler) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", handler),
		bot:         bot,
		config:      cfg,
		limiter:     channels.NewSendLimiter(1, 3),
		seen:        make(map[string]bus.Event),
	}, nil
}

// Sender returns the outbound half for router registration.
func (c *Channel) Sender() bus.Sender { return c }

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram adapter (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	c.botID = c.bot.ID()
	c.botUsername = c.bot.Username()

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram adapter connected", "username", c.botUsername)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram adapter")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram adapter stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if message.From == nil || message.From.ID == c.botID {
		return
	}
	// Service messages have no text or media worth routing.
	if message.Text == "" && message.Caption == "" && message.Photo == nil {
		return
	}

	ev := c.eventFromMessage(ctx, message)
	c.remember(ev)

	slog.Debug("telegram message received",
		"chat_id", ev.ChannelID,
		"author_id", ev.AuthorID,
		"is_bot", ev.IsBot,
		"mentioned", ev.IsMentioned,
	)

	if err := c.Handler().HandleEvent(ctx, ev); err != nil {
		slog.Error("telegram event handling failed",
			"chat_id", ev.ChannelID, "message_id", ev.MessageID, "error", err)
	}
}

func (c *Channel) eventFromMessage(ctx context.Context, message *telego.Message) bus.Event {
	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	ev := bus.Event{
		Source:      "telegram",
		ChannelID:   strconv.FormatInt(message.Chat.ID, 10),
		ChannelName: message.Chat.Title,
		AuthorID:    strconv.FormatInt(message.From.ID, 10),
		AuthorName:  authorName(message.From),
		MessageID:   strconv.Itoa(message.MessageID),
		Content:     content,
		IsBot:       message.From.IsBot,
		CreatedAt:   time.Unix(message.Date, 0),
	}

	for _, entity := range message.Entities {
		if entity.Type != telego.EntityTypeMention {
			continue
		}
		mention := entityText(message.Text, entity)
		ev.Mentions = append(ev.Mentions, strings.TrimPrefix(mention, "@"))
		if strings.EqualFold(mention, "@"+c.botUsername) {
			ev.IsMentioned = true
		}
	}

	if parent := message.ReplyToMessage; parent != nil && parent.From != nil {
		ev.IsReply = true
		ev.IsReplyToBot = parent.From.ID == c.botID
		ev.ReplyToAuthorID = strconv.FormatInt(parent.From.ID, 10)
		ev.ReplyToAuthorName = authorName(parent.From)
		ev.ReplyToContent = parent.Text
		if url := c.photoURL(ctx, parent.Photo); url != "" {
			ev.ImageURLs = append(ev.ImageURLs, url)
		}
	}

	if url := c.photoURL(ctx, message.Photo); url != "" {
		ev.ImageURLs = append(ev.ImageURLs, url)
	}

	return ev
}

// photoURL resolves the highest-resolution photo to a download URL.
func (c *Channel) photoURL(ctx context.Context, photos []telego.PhotoSize) string {
	if len(photos) == 0 {
		return ""
	}
	photo := photos[len(photos)-1]
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: photo.FileID})
	if err != nil || file.FilePath == "" {
		slog.Warn("telegram photo resolution failed", "file_id", photo.FileID, "error", err)
		return ""
	}
	return fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
}

// SendText delivers one text chunk, threading it when replyToID is set.
func (c *Channel) SendText(ctx context.Context, channelID, text, replyToID string) (*bus.Sent, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return nil, err
	}
	c.waitTurn(channelID)

	params := tu.Message(tu.ID(chatID), text)
	if replyToID != "" {
		if id, err := strconv.Atoi(replyToID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: id}
		}
	}

	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("send telegram message: %w", err)
	}
	return c.sent(msg), nil
}

// SendFile delivers the reply as a document attachment with a notice.
func (c *Channel) SendFile(ctx context.Context, channelID, notice, filename string, data []byte, replyToID string) (*bus.Sent, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return nil, err
	}
	c.waitTurn(channelID)

	params := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(data), filename)))
	params.Caption = notice
	if replyToID != "" {
		if id, err := strconv.Atoi(replyToID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: id}
		}
	}

	msg, err := c.bot.SendDocument(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("send telegram document: %w", err)
	}
	return c.sent(msg), nil
}

// SendEphemeral posts a transient notice and deletes it after ttl.
func (c *Channel) SendEphemeral(ctx context.Context, channelID, text string, ttl time.Duration) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}

	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return fmt.Errorf("send telegram notice: %w", err)
	}

	time.AfterFunc(ttl, func() {
		err := c.bot.DeleteMessage(context.Background(), &telego.DeleteMessageParams{
			ChatID:    tu.ID(chatID),
			MessageID: msg.MessageID,
		})
		if err != nil {
			slog.Debug("telegram notice cleanup failed",
				"chat_id", chatID, "message_id", msg.MessageID, "error", err)
		}
	})
	return nil
}

// FetchEvent resolves a deferred message from the replay cache. The Bot
// API cannot fetch arbitrary messages by id.
func (c *Channel) FetchEvent(_ context.Context, channelID, messageID string) (bus.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := c.seen[messageID]; ok && ev.ChannelID == channelID {
		return ev, nil
	}
	return bus.Event{}, fmt.Errorf("telegram message %s no longer cached", messageID)
}

func (c *Channel) remember(ev bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[ev.MessageID]; ok {
		return
	}
	c.seen[ev.MessageID] = ev
	c.seenOrder = append(c.seenOrder, ev.MessageID)
	if len(c.seenOrder) > seenCapacity {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
}

func (c *Channel) sent(msg *telego.Message) *bus.Sent {
	return &bus.Sent{
		MessageID:  strconv.Itoa(msg.MessageID),
		AuthorID:   strconv.FormatInt(c.botID, 10),
		AuthorName: c.botUsername,
		CreatedAt:  time.Unix(msg.Date, 0),
	}
}

func (c *Channel) waitTurn(channelID string) {
	if d := c.limiter.Reserve(channelID).Delay(); d > 0 {
		time.Sleep(d)
	}
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", s, err)
	}
	return id, nil
}

func authorName(u *telego.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}

// entityText slices the UTF-16 entity range out of the message text.
// Telegram entity offsets count UTF-16 code units.
func entityText(text string, entity telego.MessageEntity) string {
	units := utf16Units(text)
	start := entity.Offset
	end := entity.Offset + entity.Length
	if start < 0 || end > len(units) || start > end {
		return ""
	}
	return string(utf16Decode(units[start:end]))
}

func utf16Units(s string) []rune {
	var units []rune
	for _, r := range s {
		if r > 0xffff {
			units = append(units, r, -1) // surrogate pair placeholder
		} else {
			units = append(units, r)
		}
	}
	return units
}

func utf16Decode(units []rune) []rune {
	var out []rune
	for _, r := range units {
		if r >= 0 {
			out = append(out, r)
		}
	}
	return out
}
