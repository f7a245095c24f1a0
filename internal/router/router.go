// Package router ties the pipeline together: participation decisions,
// prompt assembly and budgeting, backend selection, outbound
// splitting, and the periodic mention/batch loops.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/parley/internal/batch"
	"github.com/nextlevelbuilder/parley/internal/bus"
	"github.com/nextlevelbuilder/parley/internal/config"
	"github.com/nextlevelbuilder/parley/internal/lore"
	"github.com/nextlevelbuilder/parley/internal/memory"
	"github.com/nextlevelbuilder/parley/internal/persona"
	"github.com/nextlevelbuilder/parley/internal/policy"
	"github.com/nextlevelbuilder/parley/internal/prompt"
	"github.com/nextlevelbuilder/parley/internal/providers"
	"github.com/nextlevelbuilder/parley/internal/tokenizer"
	"github.com/nextlevelbuilder/parley/internal/vision"
)

const (
	// historyLimit bounds how many remembered turns feed the prompt
	// when no context hint narrows the window.
	historyLimit = 40

	placeholderReply = "(I could not come up with a reply this time.)"
	ephemeralNotice  = "Slow down a little, please. I'll catch up in a moment."
	ephemeralTTL     = 10 * time.Second

	attachmentName = "response.txt"
)

// Store persists transcripts and seeds memory on first contact with a
// channel. Implementations live in internal/store.
type Store interface {
	AppendTranscript(ctx context.Context, channelID string, rec memory.Record) error
	LoadTranscript(ctx context.Context, channelID string, limit int) ([]memory.Record, error)
}

// SelectorFactory builds the backend selector for a config snapshot.
// Swapped out in tests.
type SelectorFactory func(cfg *config.Config) (*providers.Selector, error)

// Router is the conversational core. One instance serves all channel
// adapters.
type Router struct {
	watcher  *config.Watcher
	mem      *memory.Memory
	batcher  *batch.Batcher
	mentions *batch.MentionsQueue
	personas *persona.Service
	store    Store

	buildSelector SelectorFactory

	mu             sync.Mutex
	derivedVersion uint64
	pol            *policy.Policy
	selector       *providers.Selector
	est            *tokenizer.Estimator
	assembler      *prompt.Assembler
	book           *lore.Book
	lorePaths      string
	images         *vision.Processor

	senders  map[string]bus.Sender
	fetchers map[string]bus.Fetcher

	hydrateMu sync.Mutex
	hydrated  map[string]bool

	now func() time.Time
}

// New creates a Router over a live config snapshot service. store may
// be nil when transcript persistence is disabled.
func New(watcher *config.Watcher, store Store) *Router {
	r := &Router{
		watcher:       watcher,
		mem:           memory.New(0),
		batcher:       batch.NewBatcher(0),
		mentions:      batch.NewMentionsQueue(0),
		personas:      persona.NewService(),
		store:         store,
		buildSelector: BuildSelector,
		senders:       make(map[string]bus.Sender),
		fetchers:      make(map[string]bus.Fetcher),
		hydrated:      make(map[string]bool),
		now:           time.Now,
	}
	cfg, _ := watcher.Snapshot()
	r.mem = memory.New(cfg.Memory.Capacity)
	return r
}

// Memory exposes the conversation memory, mainly for the HTTP surface
// to render transcripts.
func (r *Router) Memory() *memory.Memory { return r.mem }

// RegisterSender wires an adapter's outbound half under its source name.
func (r *Router) RegisterSender(source string, s bus.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[source] = s
}

// RegisterFetcher wires an adapter's message re-fetcher, used by the
// deferred-mention loop.
func (r *Router) RegisterFetcher(source string, f bus.Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[source] = f
}

func (r *Router) sender(source string) (bus.Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.senders[source]
	if !ok {
		return nil, fmt.Errorf("router: no sender registered for source %q", source)
	}
	return s, nil
}

// BuildSelector constructs backends and pools from config. It is the
// default SelectorFactory.
func BuildSelector(cfg *config.Config) (*providers.Selector, error) {
	backends := make(map[string]providers.Backend)
	retry := providers.RetryConfig{
		Attempts:  cfg.Providers.RetryAttempts,
		BaseDelay: 250 * time.Millisecond,
	}

	if cfg.Providers.OpenRouter.APIKey != "" {
		or, err := providers.NewOpenRouter(providers.OpenRouterOptions{
			APIKey:      cfg.Providers.OpenRouter.APIKey,
			BaseURL:     cfg.Providers.OpenRouter.BaseURL,
			Concurrency: cfg.Providers.Concurrency,
			Retry:       retry,
			HTTPReferer: cfg.Providers.OpenRouter.HTTPReferer,
			XTitle:      cfg.Providers.OpenRouter.XTitle,
		})
		if err != nil {
			return nil, err
		}
		backends["openrouter"] = or
	}
	for _, cc := range cfg.Providers.Compat {
		be, err := providers.NewOpenAICompat(providers.OpenAICompatOptions{
			Name:        cc.Name,
			APIKey:      cc.APIKey,
			BaseURL:     cc.BaseURL,
			Concurrency: cfg.Providers.Concurrency,
			Retry:       retry,
		})
		if err != nil {
			return nil, err
		}
		backends[cc.Name] = be
	}

	pool := func(entries []config.PoolEntry) []providers.Choice {
		var out []providers.Choice
		for _, e := range entries {
			be, ok := backends[e.Provider]
			if !ok {
				slog.Warn("pool references unknown provider", "provider", e.Provider)
				continue
			}
			out = append(out, providers.Choice{Backend: be, Models: e.Models})
		}
		return out
	}

	sel := &providers.Selector{
		Normal: pool(cfg.Providers.Pools.Normal),
		NSFW:   pool(cfg.Providers.Pools.NSFW),
		Vision: pool(cfg.Providers.Pools.Vision),
		Web:    pool(cfg.Providers.Pools.Web),
	}
	if cfg.Providers.AllowAutoFallback {
		sel.AutoFallbackModel = cfg.Providers.AutoFallbackModel
	}
	return sel, nil
}

// derived returns the config snapshot plus the caches rebuilt when the
// snapshot version changes (compiled policy, backend pools, lore book,
// estimator).
func (r *Router) derived() (*config.Config, *policy.Policy, *providers.Selector, *tokenizer.Estimator, *prompt.Assembler, *lore.Book) {
	cfg, version := r.watcher.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	if version != r.derivedVersion {
		r.pol = policy.New(policy.Config{
			RespondToBots:             cfg.Participation.RespondToBots,
			BlockedBotIDs:             cfg.Participation.BlockedBotIDs,
			AllowedBotIDs:             cfg.Participation.AllowedBotIDs,
			AntiSpamMaxResponses:      cfg.Participation.AntiSpam.MaxResponses,
			AntiSpamWindowSeconds:     cfg.Participation.AntiSpam.WindowSeconds,
			Aliases:                   cfg.Participation.Aliases,
			AliasMode:                 policy.MatchMode(cfg.Participation.AliasMode),
			MentionRequired:           cfg.Participation.MentionRequired,
			AllowedChannels:           cfg.Participation.AllowedChannels,
			OverrideChannels:          cfg.Participation.OverrideChannels,
			MinMessagesBetweenReplies: cfg.Participation.MinMessagesBetweenReplies,
			MinSecondsBetweenReplies:  cfg.Participation.MinSecondsBetweenReplies,
			CooldownLogic:             cfg.Participation.CooldownLogic,
			RandomResponseChance:      cfg.Participation.RandomResponseChance,
			ContextTimeBoundMinutes:   cfg.Participation.ContextHint.TimeBoundMinutes,
			ContextMaxMessages:        cfg.Participation.ContextHint.MaxMessages,
		}, r.mem)

		sel, err := r.buildSelector(cfg)
		if err != nil {
			slog.Error("backend selector build failed, keeping previous", "error", err)
		} else {
			r.selector = sel
		}

		r.est = tokenizer.New(cfg.Model.CharsPerToken)
		r.assembler = prompt.New(r.est, cfg.Model.TruncateUserMinTokens)
		r.images = vision.New(cfg.Vision.MaxDimension)

		paths := strings.Join(cfg.Lore.Paths, "\x00")
		if r.book == nil || paths != r.lorePaths {
			book, err := lore.Load(cfg.Lore.Paths)
			if err != nil {
				slog.Error("lore load failed, keeping previous", "error", err)
			} else {
				r.book = book
				r.lorePaths = paths
			}
		}
		r.derivedVersion = version
	}
	return cfg, r.pol, r.selector, r.est, r.assembler, r.book
}

// HandleEvent runs one inbound event through the full pipeline. It
// returns an error only for infrastructure failures; a deny decision
// is a normal nil return.
func (r *Router) HandleEvent(ctx context.Context, ev bus.Event) error {
	if ev.Correlation == "" {
		ev.Correlation = uuid.NewString()
	}
	cfg, pol, _, _, _, _ := r.derived()

	ctx, span := startSpan(ctx, "router.handle_event", ev)
	defer span.End()

	r.hydrate(ctx, ev.ChannelID)

	// Duplicate delivery is a no-op, not an error.
	if ev.MessageID != "" && r.mem.HasRespondedTo(ev.ChannelID, ev.MessageID) {
		slog.Debug("duplicate message ignored", "channel", ev.ChannelID, "message", ev.MessageID)
		return nil
	}

	// History accrues for every message the bot can see, not just the
	// ones it answers; the min-messages cooldown counts these.
	if isDirectTrigger(cfg, ev) || containsString(cfg.Participation.AllowedChannels, ev.ChannelID) {
		r.remember(ctx, ev)
	}

	decision := pol.ShouldReply(ev)
	recordDecision(span, decision.Allow, decision.Reason)

	if !decision.Allow {
		switch {
		case decision.Ephemeral:
			return r.handleThrottled(ctx, cfg, ev)
		case r.mem.ConversationModeActive(ev.ChannelID) && r.conversationAutoAllow(cfg, ev):
			if r.batcher.Add(ev.ChannelID, ev) {
				r.remember(ctx, ev)
				slog.Debug("event batched for conversation mode",
					"channel", ev.ChannelID, "correlation", ev.Correlation)
			}
			return nil
		default:
			return nil
		}
	}

	text, err := r.generate(ctx, cfg, []bus.Event{ev}, decision.Hint)
	if err != nil {
		return r.sendPlaceholder(ctx, ev, err)
	}

	replyTo := ""
	if decision.Style == policy.StyleReply {
		replyTo = ev.MessageID
	}
	sent, err := r.deliver(ctx, cfg, ev.Source, ev.ChannelID, text, replyTo)
	if err != nil {
		return fmt.Errorf("router: send reply: %w", err)
	}

	r.rememberSent(ctx, ev.ChannelID, sent, text)
	r.mem.OnReplied(ev.ChannelID, ev.MessageID)
	if isDirectStyle(decision) && cfg.Participation.Conversation.WindowSeconds > 0 {
		r.mem.StartConversationMode(ev.ChannelID,
			time.Duration(cfg.Participation.Conversation.WindowSeconds)*time.Second,
			cfg.Participation.Conversation.MaxMessages)
	}
	return nil
}

func isDirectStyle(d policy.Decision) bool {
	return d.Style == policy.StyleReply
}

// isDirectTrigger reports whether the event addresses the bot by
// mention, alias, or reply.
func isDirectTrigger(cfg *config.Config, ev bus.Event) bool {
	return ev.IsMentioned || ev.IsReplyToBot ||
		policy.AliasMatch(ev.Content, cfg.Participation.Aliases, policy.MatchMode(cfg.Participation.AliasMode))
}

// conversationAutoAllow decides whether a non-trigger event rides an
// active burst window. Mention-required policies never auto-allow
// non-mentions; replies to anyone qualify, other messages need an
// allow-listed channel plus the include_non_replies knob.
func (r *Router) conversationAutoAllow(cfg *config.Config, ev bus.Event) bool {
	if ev.IsBot {
		return false
	}
	if cfg.Participation.MentionRequired {
		return false
	}
	if ev.IsReply {
		return true
	}
	if !cfg.Participation.Conversation.IncludeNonReplies {
		return false
	}
	return containsString(cfg.Participation.AllowedChannels, ev.ChannelID)
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// handleThrottled sends the transient slow-down notice and parks
// direct triggers for the mention loop.
func (r *Router) handleThrottled(ctx context.Context, cfg *config.Config, ev bus.Event) error {
	if s, err := r.sender(ev.Source); err == nil {
		if err := s.SendEphemeral(ctx, ev.ChannelID, ephemeralNotice, ephemeralTTL); err != nil {
			slog.Debug("ephemeral notice failed", "channel", ev.ChannelID, "error", err)
		}
	}
	if isDirectTrigger(cfg, ev) && ev.MessageID != "" {
		r.mentions.Enqueue(batch.PendingMention{
			Source:     ev.Source,
			ChannelID:  ev.ChannelID,
			MessageID:  ev.MessageID,
			Style:      policy.StyleReply,
			EnqueuedAt: r.now(),
		})
		slog.Info("mention deferred by anti-spam",
			"channel", ev.ChannelID, "message", ev.MessageID, "correlation", ev.Correlation)
	}
	return nil
}

// remember stores the user turn in memory and the transcript store.
// Replays of an already-recorded message are no-ops so deferred
// mentions do not duplicate history.
func (r *Router) remember(ctx context.Context, ev bus.Event) {
	if ev.MessageID != "" && r.mem.HasRecord(ev.ChannelID, ev.MessageID) {
		return
	}
	rec := memory.Record{
		MessageID:  ev.MessageID,
		ChannelID:  ev.ChannelID,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		Content:    ev.Content,
		IsBot:      ev.IsBot,
		CreatedAt:  ev.CreatedAt,
	}
	r.mem.Record(rec)
	if r.store != nil {
		if err := r.store.AppendTranscript(ctx, ev.ChannelID, rec); err != nil {
			slog.Warn("transcript append failed", "channel", ev.ChannelID, "error", err)
		}
	}
}

func (r *Router) rememberSent(ctx context.Context, channelID string, sent *bus.Sent, text string) {
	rec := memory.Record{
		ChannelID: channelID,
		Content:   text,
		IsBot:     true,
		CreatedAt: r.now(),
	}
	if sent != nil {
		rec.MessageID = sent.MessageID
		rec.AuthorID = sent.AuthorID
		rec.AuthorName = sent.AuthorName
		if !sent.CreatedAt.IsZero() {
			rec.CreatedAt = sent.CreatedAt
		}
	}
	r.mem.Record(rec)
	if r.store != nil {
		if err := r.store.AppendTranscript(ctx, channelID, rec); err != nil {
			slog.Warn("transcript append failed", "channel", channelID, "error", err)
		}
	}
}

// hydrate seeds memory from the transcript store once per channel.
func (r *Router) hydrate(ctx context.Context, channelID string) {
	if r.store == nil {
		return
	}
	r.hydrateMu.Lock()
	done := r.hydrated[channelID]
	r.hydrated[channelID] = true
	r.hydrateMu.Unlock()
	if done {
		return
	}
	records, err := r.store.LoadTranscript(ctx, channelID, memory.DefaultCapacity)
	if err != nil {
		slog.Warn("transcript hydration failed", "channel", channelID, "error", err)
		return
	}
	if len(records) > 0 {
		r.mem.Hydrate(channelID, records)
		slog.Info("channel hydrated from transcript", "channel", channelID, "records", len(records))
	}
}

// generate assembles the budgeted prompt for one or more events on the
// same channel and runs backend selection. Multiple events (a batch
// drain) merge into a single user turn.
func (r *Router) generate(ctx context.Context, cfg *config.Config, events []bus.Event, hint *policy.ContextHint) (string, error) {
	if len(events) == 0 {
		return "", errors.New("router: generate with no events")
	}
	_, _, sel, est, asm, book := r.derived()
	if sel == nil {
		return "", errors.New("router: no backends configured")
	}
	lead := events[len(events)-1]

	ctx, span := startSpan(ctx, "router.generate", lead)
	defer span.End()

	nsfw := lead.NSFW
	if lead.Overrides != nil && lead.Overrides.NSFW != nil {
		nsfw = *lead.Overrides.NSFW
	}

	system, err := r.personas.SystemMessage(cfg.Persona, nsfw, lead.Overrides)
	if err != nil {
		slog.Warn("system prompt load failed", "error", err)
	}

	budget := cfg.Model.MaxContextTokens - cfg.Model.ReservedResponseTokens
	if budget < 1 {
		budget = 1
	}

	// History window, narrowed by the context hint when present.
	var records []memory.Record
	if hint != nil && hint.TimeBoundMinutes > 0 {
		cutoff := r.now().Add(-time.Duration(hint.TimeBoundMinutes) * time.Minute)
		records = r.mem.RecentSince(lead.ChannelID, cutoff)
		if hint.MaxMessages > 0 && len(records) > hint.MaxMessages {
			records = records[len(records)-hint.MaxMessages:]
		}
	} else {
		records = r.mem.Recent(lead.ChannelID, historyLimit)
	}
	records = dropEvents(records, events)

	userText := mergeEvents(events)
	userMsg := r.buildUserMessage(ctx, cfg, events, userText)

	// Lore sub-budget is carved out before the main trim so lore never
	// eats history's share.
	loreBlock := ""
	if book != nil {
		loreBudget := int(float64(budget) * cfg.Lore.MaxFraction)
		effectiveBook := book
		if lead.Overrides != nil && len(lead.Overrides.LorePaths) > 0 {
			if ob, err := lore.Load(lead.Overrides.LorePaths); err == nil {
				effectiveBook = ob
			} else {
				slog.Warn("override lore load failed", "error", err)
			}
		}
		loreBlock = effectiveBook.Build(prompt.Corpus(records, userText), loreBudget, est, cfg.Lore.MDPriority != "low")
	}

	// Older turns render through the context template; the recent
	// window stays as chat turns so the model sees real roles.
	recencyCutoff := r.now().Add(-time.Duration(cfg.Participation.ContextHint.TimeBoundMinutes) * time.Minute)
	older, recent := splitRecords(records, recencyCutoff)

	templateBlock := ""
	if tmplText, err := r.personas.ContextTemplate(cfg.Persona, lead.Overrides); err == nil {
		data := prompt.SplitByRecency(older, recencyCutoff)
		templateBlock, err = prompt.RenderContext(tmplText, data)
		if err != nil {
			slog.Warn("context template render failed", "error", err)
			templateBlock = ""
		}
	} else {
		slog.Warn("context template load failed", "error", err)
	}

	protected := ""
	if lead.IsReplyToBot {
		protected = lead.ReplyToContent
	}

	msgs := asm.Assemble(prompt.Input{
		System:          system,
		Lore:            loreBlock,
		TimeHint:        prompt.TimeHint(r.now()),
		TemplateContext: templateBlock,
		History:         recordsToMessages(recent),
		User:            userMsg,
		Protected:       protected,
		Budget:          budget,
	})

	if cfg.Logging.PromptDumpDir != "" {
		dumpPrompt(cfg.Logging.PromptDumpDir, lead.Correlation, msgs)
	}

	req := providers.Request{
		Messages:         msgs,
		MaxTokens:        cfg.Model.MaxResponseTokens,
		Temperature:      cfg.Model.Temperature,
		TopP:             cfg.Model.TopP,
		FrequencyPenalty: cfg.Model.FrequencyPenalty,
		PresencePenalty:  cfg.Model.PresencePenalty,
		Stop:             cfg.Model.Stop,
		Fields: providers.Fields{
			Channel:     lead.ChannelID,
			User:        lead.AuthorID,
			Correlation: lead.Correlation,
			NSFW:        nsfw,
			HasImages:   userMsg.HasImages(),
			Web:         lead.Web,
		},
	}
	if lead.Overrides != nil {
		req.Model = lead.Overrides.Model
	}

	result, err := sel.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	slog.Info("llm reply generated",
		"provider", result.Provider,
		"channel", lead.ChannelID,
		"correlation", lead.Correlation,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens)
	return stripEcho(result.Text, cfg.Participation.Aliases), nil
}

// buildUserMessage renders the user turn, attaching image parts when
// vision is enabled. Oversized images are downscaled first.
func (r *Router) buildUserMessage(ctx context.Context, cfg *config.Config, events []bus.Event, userText string) providers.Message {
	var images []string
	if cfg.Vision.Enabled {
		for _, ev := range events {
			if !cfg.Vision.AllowsScope(visionScope(ev)) {
				continue
			}
			images = append(images, ev.ImageURLs...)
		}
		if cfg.Vision.MaxImages > 0 && len(images) > cfg.Vision.MaxImages {
			images = images[:cfg.Vision.MaxImages]
		}
	}
	if len(images) == 0 {
		return providers.Message{Role: providers.RoleUser, Content: userText}
	}
	r.mu.Lock()
	proc := r.images
	r.mu.Unlock()
	images = proc.Prepare(ctx, images)
	parts := []providers.ContentPart{{Type: providers.PartText, Text: userText}}
	for _, url := range images {
		parts = append(parts, providers.ContentPart{Type: providers.PartImageURL, ImageURL: url})
	}
	return providers.Message{Role: providers.RoleUser, Parts: parts}
}

// visionScope classifies how the event engaged the bot, for the vision
// scope gate.
func visionScope(ev bus.Event) string {
	switch {
	case ev.IsReplyToBot:
		return "replies"
	case ev.IsMentioned:
		return "mentions"
	default:
		return "general"
	}
}

// mergeEvents renders one or more events as the user turn. A single
// event keeps its raw content; a batch becomes author-prefixed lines.
func mergeEvents(events []bus.Event) string {
	if len(events) == 1 {
		return events[0].Content
	}
	var sb strings.Builder
	for i, ev := range events {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(ev.AuthorName)
		sb.WriteString(": ")
		sb.WriteString(ev.Content)
	}
	return sb.String()
}

// dropEvents filters the pending events out of the history window so
// the user turn is not duplicated as a history entry.
func dropEvents(records []memory.Record, events []bus.Event) []memory.Record {
	ids := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.MessageID != "" {
			ids[ev.MessageID] = struct{}{}
		}
	}
	out := records[:0:0]
	for _, rec := range records {
		if _, pending := ids[rec.MessageID]; pending {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func splitRecords(records []memory.Record, cutoff time.Time) (older, recent []memory.Record) {
	for _, rec := range records {
		if rec.CreatedAt.Before(cutoff) {
			older = append(older, rec)
		} else {
			recent = append(recent, rec)
		}
	}
	return older, recent
}

// recordsToMessages converts remembered turns to chat messages. Bot
// turns become assistant messages; user turns keep their author name
// so the model can track multi-party chats.
func recordsToMessages(records []memory.Record) []providers.Message {
	out := make([]providers.Message, 0, len(records))
	for _, rec := range records {
		if rec.IsBot {
			out = append(out, providers.Message{Role: providers.RoleAssistant, Content: rec.Content})
		} else {
			out = append(out, providers.Message{
				Role:    providers.RoleUser,
				Content: rec.AuthorName + ": " + rec.Content,
			})
		}
	}
	return out
}

// stripEcho removes a leading role echo or a bracketed self-name tag
// some models produce when history turns carry author prefixes.
func stripEcho(text string, aliases []string) string {
	for _, prefix := range []string{"assistant:", "Assistant:"} {
		if strings.HasPrefix(text, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(text, prefix))
		}
	}
	if strings.HasPrefix(text, "[") {
		if end := strings.Index(text, "]"); end > 1 {
			tag := strings.ToLower(text[1:end])
			for _, alias := range aliases {
				if tag == strings.ToLower(alias) {
					rest := strings.TrimPrefix(strings.TrimSpace(text[end+1:]), ":")
					return strings.TrimSpace(rest)
				}
			}
		}
	}
	return text
}

// dumpPrompt writes the assembled prompt to a debug file. Best effort;
// failures only log.
func dumpPrompt(dir, correlation string, msgs []providers.Message) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Debug("prompt dump dir create failed", "dir", dir, "error", err)
		return
	}
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString("--- ")
		sb.WriteString(string(m.Role))
		sb.WriteString(" ---\n")
		sb.WriteString(m.Text())
		sb.WriteString("\n\n")
	}
	path := filepath.Join(dir, "prompt-"+correlation+".txt")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		slog.Debug("prompt dump write failed", "path", path, "error", err)
	}
}

// deliver splits the reply to platform limits and sends each chunk,
// falling back to a file attachment for oversized replies. Returns the
// Sent record of the last delivered chunk.
func (r *Router) deliver(ctx context.Context, cfg *config.Config, source, channelID, text, replyTo string) (*bus.Sent, error) {
	s, err := r.sender(source)
	if err != nil {
		return nil, err
	}
	split := SplitMessage(text, cfg.Split.MaxChars, cfg.Split.MaxMessages)
	if split.AsFile {
		return s.SendFile(ctx, channelID, FileNotice, attachmentName, []byte(text), replyTo)
	}
	var last *bus.Sent
	for i, part := range split.Parts {
		chunkReplyTo := ""
		if i == 0 {
			chunkReplyTo = replyTo
		}
		sent, err := s.SendText(ctx, channelID, part, chunkReplyTo)
		if err != nil {
			return last, err
		}
		last = sent
	}
	return last, nil
}

// sendPlaceholder surfaces a total generation failure to the user and
// logs it as a distinct event for operators.
func (r *Router) sendPlaceholder(ctx context.Context, ev bus.Event, cause error) error {
	slog.Error("llm no reply",
		"channel", ev.ChannelID,
		"correlation", ev.Correlation,
		"error", cause)
	s, err := r.sender(ev.Source)
	if err != nil {
		return err
	}
	if _, err := s.SendText(ctx, ev.ChannelID, placeholderReply, ev.MessageID); err != nil {
		return fmt.Errorf("router: send placeholder: %w", err)
	}
	return nil
}

// GenerateOneShot produces and delivers a reply to a synthetic prompt,
// outside the participation pipeline. Used by scheduled reminders.
func (r *Router) GenerateOneShot(ctx context.Context, source, channelID, promptText string) error {
	cfg, _, _, _, _, _ := r.derived()
	ev := bus.Event{
		Source:      source,
		ChannelID:   channelID,
		AuthorID:    "scheduler",
		AuthorName:  "scheduler",
		Content:     promptText,
		CreatedAt:   r.now(),
		Correlation: uuid.NewString(),
	}
	text, err := r.generate(ctx, cfg, []bus.Event{ev}, nil)
	if err != nil {
		return fmt.Errorf("router: one-shot generate: %w", err)
	}
	sent, err := r.deliver(ctx, cfg, source, channelID, text, "")
	if err != nil {
		return fmt.Errorf("router: one-shot send: %w", err)
	}
	r.rememberSent(ctx, channelID, sent, text)
	return nil
}
