package batch

import (
	"sync"
	"time"
)

// PendingMention is a deferred mention reply, parked while the
// channel's anti-spam window is saturated.
type PendingMention struct {
	Source     string
	ChannelID  string
	MessageID  string
	Style      string
	EnqueuedAt time.Time
}

// DefaultMentionsCapacity bounds each channel's deferred-mention FIFO.
const DefaultMentionsCapacity = 20

// MentionsQueue is a bounded per-channel FIFO of deferred mentions.
// When full, the oldest pending mention is dropped.
type MentionsQueue struct {
	mu       sync.Mutex
	capacity int
	channels map[string][]PendingMention
}

// NewMentionsQueue creates a MentionsQueue with the given per-channel
// capacity.
func NewMentionsQueue(capacity int) *MentionsQueue {
	if capacity <= 0 {
		capacity = DefaultMentionsCapacity
	}
	return &MentionsQueue{
		capacity: capacity,
		channels: make(map[string][]PendingMention),
	}
}

// Enqueue parks a mention for later delivery.
func (q *MentionsQueue) Enqueue(pm PendingMention) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := append(q.channels[pm.ChannelID], pm)
	if len(list) > q.capacity {
		list = list[1:]
	}
	q.channels[pm.ChannelID] = list
}

// Peek returns the oldest pending mention without removing it.
func (q *MentionsQueue) Peek(channelID string) (PendingMention, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.channels[channelID]
	if len(list) == 0 {
		return PendingMention{}, false
	}
	return list[0], true
}

// Pop removes and returns the oldest pending mention.
func (q *MentionsQueue) Pop(channelID string) (PendingMention, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.channels[channelID]
	if len(list) == 0 {
		return PendingMention{}, false
	}
	pm := list[0]
	if len(list) == 1 {
		delete(q.channels, channelID)
	} else {
		q.channels[channelID] = list[1:]
	}
	return pm, true
}

// Channels lists channel ids with pending mentions.
func (q *MentionsQueue) Channels() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.channels))
	for id := range q.channels {
		out = append(out, id)
	}
	return out
}
