package policy

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nextlevelbuilder/parley/internal/bus"
	"github.com/nextlevelbuilder/parley/internal/memory"
)

// Reply styles.
const (
	StyleReply  = "reply"
	StyleNormal = "normal"
)

// ContextHint asks the assembler to narrow history to a recent window.
type ContextHint struct {
	TimeBoundMinutes int
	MaxMessages      int
}

// Decision is the participation verdict for one event. Computed fresh
// per event, never persisted.
type Decision struct {
	Allow     bool
	Reason    string
	Style     string
	Ephemeral bool
	Hint      *ContextHint
}

// Config holds the participation rules. Zero values are safe: no
// aliases, no allowed channels, mentions not required.
type Config struct {
	RespondToBots bool
	BlockedBotIDs []string
	AllowedBotIDs []string

	AntiSpamMaxResponses  int
	AntiSpamWindowSeconds int

	Aliases         []string
	AliasMode       MatchMode
	MentionRequired bool

	AllowedChannels  []string
	OverrideChannels []string

	MinMessagesBetweenReplies int
	MinSecondsBetweenReplies  int
	CooldownLogic             string // "AND" or "OR", default OR
	RandomResponseChance      float64

	ContextTimeBoundMinutes int
	ContextMaxMessages      int
}

// Policy evaluates events against the participation rules and the
// channel's conversation memory.
type Policy struct {
	cfg  Config
	mem  *memory.Memory
	rand func() float64
	now  func() time.Time
}

// New creates a Policy over the given memory.
func New(cfg Config, mem *memory.Memory) *Policy {
	if cfg.AliasMode == "" {
		cfg.AliasMode = MatchStrict
	}
	return &Policy{
		cfg:  cfg,
		mem:  mem,
		rand: rand.Float64,
		now:  time.Now,
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (p *Policy) deny(ev bus.Event, reason string, ephemeral bool) Decision {
	d := Decision{Allow: false, Reason: reason, Ephemeral: ephemeral}
	slog.Debug("participation deny",
		"reason", reason,
		"channel", ev.ChannelID,
		"author", ev.AuthorName,
		"correlation", ev.Correlation)
	return d
}

func (p *Policy) allow(ev bus.Event, reason, style string, hint *ContextHint) Decision {
	d := Decision{Allow: true, Reason: reason, Style: style, Hint: hint}
	slog.Info("participation allow",
		"reason", reason,
		"style", style,
		"channel", ev.ChannelID,
		"author", ev.AuthorName,
		"correlation", ev.Correlation)
	return d
}

// ShouldReply runs the decision chain. The order is load-bearing:
// bot gates, anti-spam, direct triggers, channel allow-list, cooldown,
// chance. Direct triggers bypass cooldown and chance but not
// anti-spam.
func (p *Policy) ShouldReply(ev bus.Event) Decision {
	if ev.IsBot {
		if !p.cfg.RespondToBots {
			return p.deny(ev, "ignore-bot", false)
		}
		if contains(p.cfg.BlockedBotIDs, ev.AuthorID) {
			return p.deny(ev, "bot-blocked", false)
		}
		if len(p.cfg.AllowedBotIDs) > 0 && !contains(p.cfg.AllowedBotIDs, ev.AuthorID) {
			return p.deny(ev, "bot-not-allowed", false)
		}
	}

	if p.cfg.AntiSpamMaxResponses > 0 {
		window := time.Duration(p.cfg.AntiSpamWindowSeconds) * time.Second
		if p.mem.ResponsesInWindow(ev.ChannelID, window) >= p.cfg.AntiSpamMaxResponses {
			return p.deny(ev, "anti-spam", true)
		}
	}

	aliasHit := AliasMatch(ev.Content, p.cfg.Aliases, p.cfg.AliasMode)
	isDirect := ev.IsMentioned || aliasHit || ev.IsReplyToBot

	if p.cfg.MentionRequired && !isDirect {
		return p.deny(ev, "mention-required", false)
	}

	if isDirect {
		reason := "mention"
		if aliasHit && !ev.IsMentioned && !ev.IsReplyToBot {
			reason = "mention-alias"
		}
		return p.allow(ev, reason, StyleReply, nil)
	}

	if !contains(p.cfg.AllowedChannels, ev.ChannelID) {
		return p.deny(ev, "general-not-allowed-channel", false)
	}

	override := contains(p.cfg.OverrideChannels, ev.ChannelID)
	secondsOK := p.secondsSinceLastReply(ev.ChannelID) >= float64(p.cfg.MinSecondsBetweenReplies)

	if !override {
		messagesOK := p.mem.MessagesSinceLastReply(ev.ChannelID) >= p.cfg.MinMessagesBetweenReplies
		cooldownOK := messagesOK || secondsOK
		if p.cfg.CooldownLogic == "AND" {
			cooldownOK = messagesOK && secondsOK
		}
		if !cooldownOK {
			return p.deny(ev, "cooldown", false)
		}
	}

	roll := 0.0
	if !override {
		roll = p.rand()
		if roll >= p.cfg.RandomResponseChance {
			return p.deny(ev, fmt.Sprintf("chance-failed:%.2f", roll), false)
		}
	}

	var hint *ContextHint
	if secondsOK && p.cfg.ContextTimeBoundMinutes > 0 {
		hint = &ContextHint{
			TimeBoundMinutes: p.cfg.ContextTimeBoundMinutes,
			MaxMessages:      p.cfg.ContextMaxMessages,
		}
	}

	reason := "general"
	if override {
		reason = "general-override"
	}
	return p.allow(ev, reason, StyleNormal, hint)
}

func (p *Policy) secondsSinceLastReply(channelID string) float64 {
	last := p.mem.LastReply(channelID)
	if last.IsZero() {
		return float64(p.cfg.MinSecondsBetweenReplies) + 1
	}
	return p.now().Sub(last).Seconds()
}
