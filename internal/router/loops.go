package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/parley/internal/config"
)

// mentionPollInterval is how often deferred mentions are re-attempted.
const mentionPollInterval = 2 * time.Second

// StartLoops launches the two periodic tasks: the deferred-mention
// dequeue loop and the conversation-mode batch flush loop. Both stop
// when ctx is canceled.
func (r *Router) StartLoops(ctx context.Context) {
	go r.mentionLoop(ctx)
	go r.batchLoop(ctx)
}

// mentionLoop replays throttled mentions once their channel's
// anti-spam window has room again. Failures are isolated per channel.
func (r *Router) mentionLoop(ctx context.Context) {
	ticker := time.NewTicker(mentionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, _, _, _, _, _ := r.derived()
			for _, channelID := range r.mentions.Channels() {
				r.tryDeferredMention(ctx, channelID,
					cfg.Participation.AntiSpam.MaxResponses,
					time.Duration(cfg.Participation.AntiSpam.WindowSeconds)*time.Second)
			}
		}
	}
}

func (r *Router) tryDeferredMention(ctx context.Context, channelID string, maxResponses int, window time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("mention loop panic", "channel", channelID, "panic", rec)
		}
	}()

	// Re-check room before popping so the mention survives another
	// tick when the window is still saturated.
	if maxResponses > 0 && r.mem.ResponsesInWindow(channelID, window) >= maxResponses {
		return
	}
	pm, ok := r.mentions.Pop(channelID)
	if !ok {
		return
	}

	r.mu.Lock()
	fetcher, ok := r.fetchers[pm.Source]
	r.mu.Unlock()
	if !ok {
		slog.Warn("no fetcher for deferred mention", "source", pm.Source, "channel", channelID)
		return
	}
	ev, err := fetcher.FetchEvent(ctx, pm.ChannelID, pm.MessageID)
	if err != nil {
		slog.Warn("deferred mention fetch failed",
			"channel", channelID, "message", pm.MessageID, "error", err)
		return
	}
	if err := r.HandleEvent(ctx, ev); err != nil {
		slog.Error("deferred mention handling failed",
			"channel", channelID, "message", pm.MessageID, "error", err)
	}
}

// batchLoop drains per-channel batched events for channels still in
// conversation mode and produces one combined reply per channel per
// tick.
func (r *Router) batchLoop(ctx context.Context) {
	for {
		cfg, _, _, _, _, _ := r.derived()
		interval := time.Duration(cfg.Batch.FlushSeconds) * time.Second
		if interval <= 0 {
			interval = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			r.flushBatches(ctx)
		}
	}
}

func (r *Router) flushBatches(ctx context.Context) {
	cfg, _, _, _, _, _ := r.derived()
	for _, channelID := range r.batcher.Channels() {
		r.flushChannel(ctx, cfg, channelID)
	}
}

func (r *Router) flushChannel(ctx context.Context, cfg *config.Config, channelID string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("batch flush panic", "channel", channelID, "panic", rec)
		}
	}()

	// A channel that fell out of conversation mode sheds its backlog.
	if !r.mem.ConversationModeActive(channelID) {
		r.batcher.Clear(channelID)
		return
	}

	events := r.batcher.Drain(channelID, cfg.Batch.DrainLimit)
	if len(events) == 0 {
		return
	}

	// Each batched reply spends burst budget; override channels ride
	// free since they already bypass cooldown gating.
	if !containsString(cfg.Participation.OverrideChannels, channelID) {
		if !r.mem.ConsumeConversationMessage(channelID) {
			r.batcher.Clear(channelID)
			return
		}
	}

	text, err := r.generate(ctx, cfg, events, nil)
	if err != nil {
		slog.Error("batch reply generation failed", "channel", channelID, "error", err)
		return
	}
	lead := events[len(events)-1]
	sent, err := r.deliver(ctx, cfg, lead.Source, channelID, text, "")
	if err != nil {
		slog.Error("batch reply send failed", "channel", channelID, "error", err)
		return
	}
	r.rememberSent(ctx, channelID, sent, text)

	// The cooldown knob decides whether burst replies restart the
	// cooldown clock or only count toward anti-spam.
	if cfg.Participation.Conversation.AffectsCooldown {
		r.mem.OnReplied(channelID, lead.MessageID)
	} else {
		r.mem.RecordResponseOnly(channelID)
	}
	for _, ev := range events {
		if ev.MessageID != "" {
			r.mem.MarkResponded(channelID, ev.MessageID)
		}
	}
}
