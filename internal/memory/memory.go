package memory

import (
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds the per-channel record deque.
	DefaultCapacity = 200

	// replyPruneHorizon caps how far back reply timestamps are kept.
	// Anti-spam windows are configured well below this.
	replyPruneHorizon = 10 * time.Minute

	// respondedCap bounds the per-channel answered-message-id set.
	respondedCap = 512
)

// Record is one remembered conversation turn.
type Record struct {
	MessageID  string
	ChannelID  string
	AuthorID   string
	AuthorName string
	Content    string
	IsBot      bool
	CreatedAt  time.Time
}

type conversationMode struct {
	until  time.Time
	budget int
}

type channelState struct {
	records        []Record
	lastReply      time.Time
	replyTimes     []time.Time
	conv           *conversationMode
	responded      map[string]struct{}
	respondedOrder []string
}

// Memory tracks per-channel rolling history, reply timing, anti-spam
// accounting and conversation-mode burst state. All state is
// in-process; a restart starts clean.
type Memory struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	channels map[string]*channelState
}

// New creates a Memory with the given per-channel history capacity.
func New(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		capacity: capacity,
		now:      time.Now,
		channels: make(map[string]*channelState),
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) channel(id string) *channelState {
	st, ok := m.channels[id]
	if !ok {
		st = &channelState{responded: make(map[string]struct{})}
		m.channels[id] = st
	}
	return st
}

// Record appends a turn to the channel's history, evicting the oldest
// entry at capacity.
func (m *Memory) Record(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.channel(rec.ChannelID)
	st.records = append(st.records, rec)
	if len(st.records) > m.capacity {
		st.records = st.records[len(st.records)-m.capacity:]
	}
}

// HasRecord reports whether a message id is already in the channel's
// history.
func (m *Memory) HasRecord(channelID, messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok || messageID == "" {
		return false
	}
	for i := len(st.records) - 1; i >= 0; i-- {
		if st.records[i].MessageID == messageID {
			return true
		}
	}
	return false
}

// Recent returns up to limit most recent records, oldest first.
func (m *Memory) Recent(channelID string, limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok || limit <= 0 {
		return nil
	}
	records := st.records
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out
}

// RecentSince returns records created at or after cutoff, oldest first.
func (m *Memory) RecentSince(channelID string, cutoff time.Time) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok {
		return nil
	}
	i := len(st.records)
	for i > 0 && !st.records[i-1].CreatedAt.Before(cutoff) {
		i--
	}
	out := make([]Record, len(st.records)-i)
	copy(out, st.records[i:])
	return out
}

// OnReplied records a completed reply: resets the cooldown clock,
// counts toward the anti-spam window, and marks the triggering message
// as answered.
func (m *Memory) OnReplied(channelID, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.channel(channelID)
	now := m.now()
	st.lastReply = now
	st.replyTimes = append(st.replyTimes, now)
	pruneReplies(st, now)
	if messageID != "" {
		markResponded(st, messageID)
	}
}

// RecordResponseOnly counts a reply toward the anti-spam window
// without resetting the cooldown clock. Conversation-mode batch
// replies use this so burst activity does not keep the channel
// perpetually off cooldown.
func (m *Memory) RecordResponseOnly(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.channel(channelID)
	now := m.now()
	st.replyTimes = append(st.replyTimes, now)
	pruneReplies(st, now)
}

func pruneReplies(st *channelState, now time.Time) {
	cutoff := now.Add(-replyPruneHorizon)
	i := 0
	for i < len(st.replyTimes) && st.replyTimes[i].Before(cutoff) {
		i++
	}
	st.replyTimes = st.replyTimes[i:]
}

func markResponded(st *channelState, messageID string) {
	if _, ok := st.responded[messageID]; ok {
		return
	}
	st.responded[messageID] = struct{}{}
	st.respondedOrder = append(st.respondedOrder, messageID)
	if len(st.respondedOrder) > respondedCap {
		evicted := st.respondedOrder[0]
		st.respondedOrder = st.respondedOrder[1:]
		delete(st.responded, evicted)
	}
}

// ResponsesInWindow counts replies sent within the trailing window.
func (m *Memory) ResponsesInWindow(channelID string, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok {
		return 0
	}
	cutoff := m.now().Add(-window)
	n := 0
	for i := len(st.replyTimes) - 1; i >= 0; i-- {
		if st.replyTimes[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// LastReply returns the last cooldown-resetting reply time for the
// channel, zero if it never replied.
func (m *Memory) LastReply(channelID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok {
		return time.Time{}
	}
	return st.lastReply
}

// MessagesSinceLastReply counts non-bot messages recorded after the
// last reply. With no prior reply it counts the whole history.
func (m *Memory) MessagesSinceLastReply(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok {
		return 0
	}
	n := 0
	for i := len(st.records) - 1; i >= 0; i-- {
		rec := st.records[i]
		if !st.lastReply.IsZero() && !rec.CreatedAt.After(st.lastReply) {
			break
		}
		if !rec.IsBot {
			n++
		}
	}
	return n
}

// StartConversationMode opens a burst window for the channel. An
// already active window is left alone so repeated triggers cannot
// extend it indefinitely.
func (m *Memory) StartConversationMode(channelID string, window time.Duration, maxMessages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.channel(channelID)
	now := m.now()
	if st.conv != nil && now.Before(st.conv.until) && st.conv.budget > 0 {
		return
	}
	st.conv = &conversationMode{until: now.Add(window), budget: maxMessages}
}

// ConversationModeActive reports whether the channel is inside a burst
// window, lazily expiring stale state.
func (m *Memory) ConversationModeActive(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok {
		return false
	}
	return m.convActiveLocked(st)
}

func (m *Memory) convActiveLocked(st *channelState) bool {
	if st.conv == nil {
		return false
	}
	if !m.now().Before(st.conv.until) || st.conv.budget <= 0 {
		st.conv = nil
		return false
	}
	return true
}

// ConsumeConversationMessage spends one slot of the burst budget.
// Returns false without side effects when the window is inactive or spent.
func (m *Memory) ConsumeConversationMessage(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok {
		return false
	}
	if !m.convActiveLocked(st) {
		return false
	}
	st.conv.budget--
	if st.conv.budget <= 0 {
		st.conv = nil
	}
	return true
}

// MarkResponded records a message id as answered without touching
// reply timing.
func (m *Memory) MarkResponded(channelID, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageID == "" {
		return
	}
	markResponded(m.channel(channelID), messageID)
}

// HasRespondedTo reports whether the message id was already answered
// in this channel.
func (m *Memory) HasRespondedTo(channelID, messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[channelID]
	if !ok {
		return false
	}
	_, seen := st.responded[messageID]
	return seen
}

// Hydrate seeds channel history from a persisted transcript. Existing
// records keep their order; transcript records already present (by
// message id) or falling between existing entries are skipped, older
// ones are prepended and newer ones appended.
func (m *Memory) Hydrate(channelID string, records []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.channel(channelID)

	if len(st.records) == 0 {
		n := len(records)
		if n > m.capacity {
			records = records[n-m.capacity:]
		}
		st.records = append([]Record(nil), records...)
		return
	}

	seen := make(map[string]struct{}, len(st.records))
	for _, rec := range st.records {
		if rec.MessageID != "" {
			seen[rec.MessageID] = struct{}{}
		}
	}
	head := st.records[0].CreatedAt
	tail := st.records[len(st.records)-1].CreatedAt

	var before, after []Record
	for _, rec := range records {
		if rec.MessageID != "" {
			if _, dup := seen[rec.MessageID]; dup {
				continue
			}
		}
		switch {
		case rec.CreatedAt.Before(head):
			before = append(before, rec)
		case rec.CreatedAt.After(tail):
			after = append(after, rec)
		}
	}

	merged := make([]Record, 0, len(before)+len(st.records)+len(after))
	merged = append(merged, before...)
	merged = append(merged, st.records...)
	merged = append(merged, after...)
	if len(merged) > m.capacity {
		merged = merged[len(merged)-m.capacity:]
	}
	st.records = merged
}
