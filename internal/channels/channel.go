// Package channels provides the platform adapter abstraction. Adapters
// normalize inbound platform payloads into bus.Event values, hand them
// to the router, and implement bus.Sender for the way back out.
package channels

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/parley/internal/bus"
)

// EventHandler receives normalized inbound events. The router
// implements this.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev bus.Event) error
}

// Channel is one platform adapter.
type Channel interface {
	// Name returns the adapter identifier (e.g. "discord", "telegram").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter.
	Stop(ctx context.Context) error

	// IsRunning reports whether the adapter is processing messages.
	IsRunning() bool

	// Sender returns the outbound half for router registration.
	Sender() bus.Sender
}

// BaseChannel provides shared adapter state. Implementations embed it.
type BaseChannel struct {
	name    string
	handler EventHandler

	mu      sync.Mutex
	running bool
}

// NewBaseChannel creates a BaseChannel bound to an event handler.
func NewBaseChannel(name string, handler EventHandler) *BaseChannel {
	return &BaseChannel{name: name, handler: handler}
}

// Name returns the adapter name.
func (c *BaseChannel) Name() string { return c.name }

// Handler returns the inbound event handler.
func (c *BaseChannel) Handler() EventHandler { return c.handler }

// IsRunning reports whether the adapter is active.
func (c *BaseChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}
