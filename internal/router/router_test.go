package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/parley/internal/bus"
	"github.com/nextlevelbuilder/parley/internal/config"
	"github.com/nextlevelbuilder/parley/internal/providers"
)

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("short", 100, 3); len(got.Parts) != 1 || got.Parts[0] != "short" {
		t.Errorf("short text split: %+v", got)
	}

	text := strings.Repeat("lorem ipsum dolor sit amet ", 20) // 540 chars
	got := SplitMessage(text, 200, 5)
	if got.AsFile {
		t.Fatal("unexpected file fallback")
	}
	if len(got.Parts) < 3 {
		t.Fatalf("parts = %d, want >= 3", len(got.Parts))
	}
	for i, p := range got.Parts {
		if len([]rune(p)) > 200 {
			t.Errorf("part %d exceeds limit: %d chars", i, len([]rune(p)))
		}
		if i > 0 && !strings.HasPrefix(p, leadMarker) {
			t.Errorf("part %d missing lead marker: %q", i, p)
		}
		if i < len(got.Parts)-1 && !strings.HasSuffix(p, contMarker) {
			t.Errorf("part %d missing continuation marker: %q", i, p)
		}
	}

	// Rejoining the parts must preserve the words.
	var joined strings.Builder
	for _, p := range got.Parts {
		joined.WriteString(strings.TrimSuffix(strings.TrimPrefix(p, leadMarker), contMarker))
		joined.WriteString(" ")
	}
	if !strings.Contains(joined.String(), "lorem ipsum dolor sit amet") {
		t.Error("split mangled the text")
	}
}

func TestSplitMessageFileFallback(t *testing.T) {
	text := strings.Repeat("x", 10000)
	got := SplitMessage(text, 200, 3)
	if !got.AsFile {
		t.Error("oversized text should signal file attachment")
	}
}

type sentText struct {
	channel string
	text    string
	replyTo string
}

type fakeSender struct {
	mu         sync.Mutex
	texts      []sentText
	ephemerals []string
	files      []string
	n          int
}

func (f *fakeSender) SendText(_ context.Context, channelID, text, replyToID string) (*bus.Sent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.texts = append(f.texts, sentText{channel: channelID, text: text, replyTo: replyToID})
	return &bus.Sent{
		MessageID:  fmt.Sprintf("bot-%d", f.n),
		AuthorID:   "bot",
		AuthorName: "parley",
		CreatedAt:  time.Now(),
	}, nil
}

func (f *fakeSender) SendFile(_ context.Context, channelID, notice, filename string, data []byte, replyToID string) (*bus.Sent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, filename)
	return &bus.Sent{MessageID: "file-1", AuthorID: "bot", AuthorName: "parley", CreatedAt: time.Now()}, nil
}

func (f *fakeSender) SendEphemeral(_ context.Context, channelID, text string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ephemerals = append(f.ephemerals, text)
	return nil
}

func (f *fakeSender) sent() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentText, len(f.texts))
	copy(out, f.texts)
	return out
}

type scriptedBackend struct {
	mu    sync.Mutex
	reply string
	fail  bool
	calls []providers.Request
}

func (s *scriptedBackend) Name() string         { return "scripted" }
func (s *scriptedBackend) Kind() providers.Kind { return providers.KindCloudRouter }

func (s *scriptedBackend) GenerateChat(_ context.Context, req providers.Request) (*providers.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.fail {
		return nil, fmt.Errorf("scripted failure")
	}
	return &providers.Result{Text: s.reply, Provider: "scripted"}, nil
}

type routerFixture struct {
	router  *Router
	sender  *fakeSender
	backend *scriptedBackend
}

func newRouterFixture(t *testing.T, cfgJSON string) *routerFixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfgJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	w := config.NewWatcher(path)
	t.Cleanup(w.Close)

	backend := &scriptedBackend{reply: "hello there!"}
	r := New(w, nil)
	r.buildSelector = func(*config.Config) (*providers.Selector, error) {
		return &providers.Selector{
			Normal: []providers.Choice{{Backend: backend, Models: []string{"test-model"}}},
		}, nil
	}
	sender := &fakeSender{}
	r.RegisterSender("test", sender)
	return &routerFixture{router: r, sender: sender, backend: backend}
}

func testEvent(id, channel, content string) bus.Event {
	return bus.Event{
		Source:     "test",
		ChannelID:  channel,
		AuthorID:   "user-1",
		AuthorName: "alice",
		MessageID:  id,
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

const mentionConfig = `{
	participation: {
		aliases: ["bot"],
		mention_required: true,
		anti_spam: {max_responses: 10, window_seconds: 120},
		conversation: {window_seconds: 120, max_messages: 5},
	},
}`

func TestHandleEventMentionFlow(t *testing.T) {
	f := newRouterFixture(t, mentionConfig)
	ev := testEvent("m1", "c1", "bot, what time is it?")

	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sent := f.sender.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].text != "hello there!" {
		t.Errorf("text = %q", sent[0].text)
	}
	if sent[0].replyTo != "m1" {
		t.Errorf("replyTo = %q, want m1 for direct trigger", sent[0].replyTo)
	}

	if !f.router.mem.ConversationModeActive("c1") {
		t.Error("conversation mode not started after direct reply")
	}
	if !f.router.mem.HasRespondedTo("c1", "m1") {
		t.Error("triggering message not marked responded")
	}

	records := f.router.mem.Recent("c1", 10)
	if len(records) != 2 {
		t.Fatalf("memory has %d records, want user + assistant", len(records))
	}
	if records[0].IsBot || !records[1].IsBot {
		t.Errorf("record roles wrong: %+v", records)
	}
}

func TestHandleEventDenyIsSilent(t *testing.T) {
	f := newRouterFixture(t, mentionConfig)
	ev := testEvent("m1", "c1", "no trigger here")

	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := len(f.sender.sent()); got != 0 {
		t.Errorf("sent %d messages on deny, want 0", got)
	}
	if got := len(f.backend.calls); got != 0 {
		t.Errorf("backend called %d times on deny", got)
	}
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	f := newRouterFixture(t, mentionConfig)
	ev := testEvent("m1", "c1", "bot, hello")

	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sender.sent()); got != 1 {
		t.Errorf("sent %d messages for duplicate delivery, want 1", got)
	}
}

func TestAntiSpamDefersMention(t *testing.T) {
	f := newRouterFixture(t, `{
		participation: {
			aliases: ["bot"],
			mention_required: true,
			anti_spam: {max_responses: 1, window_seconds: 120},
		},
	}`)

	if err := f.router.HandleEvent(context.Background(), testEvent("m1", "c1", "bot, first")); err != nil {
		t.Fatal(err)
	}
	if err := f.router.HandleEvent(context.Background(), testEvent("m2", "c1", "bot, second")); err != nil {
		t.Fatal(err)
	}

	if got := len(f.sender.sent()); got != 1 {
		t.Errorf("sent %d replies, want 1 (second throttled)", got)
	}
	if got := len(f.sender.ephemerals); got != 1 {
		t.Errorf("ephemerals = %d, want 1", got)
	}
	if pm, ok := f.router.mentions.Peek("c1"); !ok || pm.MessageID != "m2" {
		t.Errorf("deferred mention = %+v, %v", pm, ok)
	}
}

func TestPlaceholderOnTotalFailure(t *testing.T) {
	f := newRouterFixture(t, mentionConfig)
	f.backend.fail = true

	if err := f.router.HandleEvent(context.Background(), testEvent("m1", "c1", "bot, hello")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	sent := f.sender.sent()
	if len(sent) != 1 || sent[0].text != placeholderReply {
		t.Errorf("sent = %+v, want placeholder", sent)
	}
}

func TestConversationBatchFlush(t *testing.T) {
	f := newRouterFixture(t, `{
		participation: {
			aliases: ["bot"],
			allowed_channels: ["c1"],
			random_response_chance: 0.0,
			min_messages_between_replies: 100,
			min_seconds_between_replies: 3600,
			anti_spam: {max_responses: 10, window_seconds: 120},
			conversation: {window_seconds: 300, max_messages: 5, include_non_replies: true},
		},
	}`)
	ctx := context.Background()

	// Direct trigger opens the burst window.
	if err := f.router.HandleEvent(ctx, testEvent("m1", "c1", "bot, hello")); err != nil {
		t.Fatal(err)
	}
	if !f.router.mem.ConversationModeActive("c1") {
		t.Fatal("conversation mode not active")
	}

	// Non-trigger chatter is batched, not answered immediately.
	if err := f.router.HandleEvent(ctx, testEvent("m2", "c1", "that's interesting")); err != nil {
		t.Fatal(err)
	}
	if err := f.router.HandleEvent(ctx, testEvent("m3", "c1", "tell us more")); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sender.sent()); got != 1 {
		t.Fatalf("sent %d messages before flush, want 1", got)
	}

	f.router.flushBatches(ctx)

	sent := f.sender.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages after flush, want 2", len(sent))
	}
	// Batched events merge into one author-prefixed user turn.
	last := f.backend.calls[len(f.backend.calls)-1]
	userTurn := last.Messages[len(last.Messages)-1].Text()
	if !strings.Contains(userTurn, "alice: that's interesting") || !strings.Contains(userTurn, "alice: tell us more") {
		t.Errorf("batched user turn = %q", userTurn)
	}
	// Burst replies do not reset the cooldown clock by default, but
	// batched messages are marked answered.
	if !f.router.mem.HasRespondedTo("c1", "m2") || !f.router.mem.HasRespondedTo("c1", "m3") {
		t.Error("batched messages not marked responded")
	}
}

func TestBatchClearedWhenModeExpires(t *testing.T) {
	f := newRouterFixture(t, mentionConfig)
	f.router.batcher.Add("c9", testEvent("m1", "c9", "stale"))

	f.router.flushBatches(context.Background())

	if got := len(f.router.batcher.Channels()); got != 0 {
		t.Errorf("batcher still holds %d channels, want cleared", got)
	}
	if got := len(f.sender.sent()); got != 0 {
		t.Errorf("sent %d messages for expired channel", got)
	}
}

func TestStripEcho(t *testing.T) {
	aliases := []string{"parley"}
	tests := []struct {
		in   string
		want string
	}{
		{"assistant: hello", "hello"},
		{"Assistant: hello", "hello"},
		{"[parley] hello there", "hello there"},
		{"[Parley]: hello there", "hello there"},
		{"[alice] said this", "[alice] said this"},
		{"plain reply", "plain reply"},
		{"[unclosed tag", "[unclosed tag"},
	}
	for _, tt := range tests {
		if got := stripEcho(tt.in, aliases); got != tt.want {
			t.Errorf("stripEcho(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildUserMessageVisionScopes(t *testing.T) {
	fx := newRouterFixture(t, mentionConfig)

	mentioned := testEvent("m1", "chan-1", "look at this")
	mentioned.IsMentioned = true
	mentioned.ImageURLs = []string{"https://cdn.example/mention.png"}

	casual := testEvent("m2", "chan-1", "random chatter")
	casual.ImageURLs = []string{"https://cdn.example/general.png"}

	cfg := config.Default()
	cfg.Vision.Enabled = true
	cfg.Vision.Scopes = []string{"mentions"}

	msg := fx.router.buildUserMessage(context.Background(), cfg, []bus.Event{mentioned, casual}, "combined text")
	var urls []string
	for _, part := range msg.Parts {
		if part.Type == providers.PartImageURL {
			urls = append(urls, part.ImageURL)
		}
	}
	if len(urls) != 1 || urls[0] != "https://cdn.example/mention.png" {
		t.Fatalf("urls = %v, want only the mention-scope image", urls)
	}

	cfg.Vision.Scopes = nil
	msg = fx.router.buildUserMessage(context.Background(), cfg, []bus.Event{mentioned, casual}, "combined text")
	if len(msg.Parts) != 3 {
		t.Fatalf("parts = %d, want text plus both images", len(msg.Parts))
	}
}

func TestUnansweredMessagesAccrueTowardCooldown(t *testing.T) {
	const cooldownConfig = `{
	participation: {
		aliases: ["bot"],
		allowed_channels: ["c1"],
		random_response_chance: 1.0,
		min_messages_between_replies: 3,
		min_seconds_between_replies: 3600,
		anti_spam: {max_responses: 10, window_seconds: 120},
	},
}`
	fx := newRouterFixture(t, cooldownConfig)
	ctx := context.Background()

	ev := testEvent("m1", "c1", "hey bot, you around?")
	if err := fx.router.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if got := len(fx.sender.sent()); got != 1 {
		t.Fatalf("sent after mention = %d, want 1", got)
	}

	// General chatter is denied by the cooldown but still counts
	// toward the min-messages threshold.
	base := time.Now()
	for i := 1; i <= 2; i++ {
		ev := testEvent(fmt.Sprintf("g%d", i), "c1", fmt.Sprintf("chatter %d", i))
		ev.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := fx.router.HandleEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if got := fx.router.mem.MessagesSinceLastReply("c1"); got != 2 {
		t.Fatalf("MessagesSinceLastReply = %d, want 2", got)
	}
	if got := len(fx.sender.sent()); got != 1 {
		t.Fatalf("sent during cooldown = %d, want 1", got)
	}

	// Third unanswered message satisfies the OR cooldown.
	ev = testEvent("g3", "c1", "chatter 3")
	ev.CreatedAt = base.Add(3 * time.Second)
	if err := fx.router.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if got := len(fx.sender.sent()); got != 2 {
		t.Fatalf("sent after threshold = %d, want 2", got)
	}
}

func TestRememberSkipsReplayedMessage(t *testing.T) {
	fx := newRouterFixture(t, mentionConfig)
	ctx := context.Background()

	ev := testEvent("m1", "c1", "first delivery")
	fx.router.remember(ctx, ev)
	fx.router.remember(ctx, ev)

	if got := len(fx.router.mem.Recent("c1", 10)); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}
