package batch

import (
	"sync"

	"github.com/nextlevelbuilder/parley/internal/bus"
)

// DefaultCapacity bounds each channel's pending-event buffer.
const DefaultCapacity = 200

type channelQueue struct {
	events []bus.Event
	seen   map[string]struct{}
}

// Batcher accumulates non-immediate events per channel for periodic
// batch replies. Adds are idempotent on message id; a full buffer
// silently drops its oldest event.
type Batcher struct {
	mu       sync.Mutex
	capacity int
	channels map[string]*channelQueue
}

// NewBatcher creates a Batcher with the given per-channel capacity.
func NewBatcher(capacity int) *Batcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Batcher{
		capacity: capacity,
		channels: make(map[string]*channelQueue),
	}
}

// Add queues an event. Returns false when the message id was already
// queued for this channel.
func (b *Batcher) Add(channelID string, ev bus.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.channels[channelID]
	if !ok {
		q = &channelQueue{seen: make(map[string]struct{})}
		b.channels[channelID] = q
	}
	if ev.MessageID != "" {
		if _, dup := q.seen[ev.MessageID]; dup {
			return false
		}
		q.seen[ev.MessageID] = struct{}{}
	}
	q.events = append(q.events, ev)
	if len(q.events) > b.capacity {
		evicted := q.events[0]
		q.events = q.events[1:]
		delete(q.seen, evicted.MessageID)
	}
	return true
}

// Drain pops up to limit oldest events and releases their ids.
func (b *Batcher) Drain(channelID string, limit int) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.channels[channelID]
	if !ok || limit <= 0 {
		return nil
	}
	n := limit
	if n > len(q.events) {
		n = len(q.events)
	}
	out := make([]bus.Event, n)
	copy(out, q.events[:n])
	q.events = q.events[n:]
	for _, ev := range out {
		delete(q.seen, ev.MessageID)
	}
	if len(q.events) == 0 {
		delete(b.channels, channelID)
	}
	return out
}

// Channels lists channel ids with pending events.
func (b *Batcher) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.channels))
	for id, q := range b.channels {
		if len(q.events) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Clear discards a channel's pending events.
func (b *Batcher) Clear(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, channelID)
}
