// Package channels defines the messaging adapter surface the relay
// drives: each network implements Adapter, registers itself, and feeds
// inbound messages through a shared stream.
package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/textslash/cockpit/pkg/models"
)

// InboundMessage is one user message arriving from a network.
type InboundMessage struct {
	Channel models.ChannelType
	// UserID is the network-scoped sender id (Discord user id, Telegram
	// chat id).
	UserID string
	Text   string
}

// Adapter is one network connection.
type Adapter interface {
	// Type identifies the network.
	Type() models.ChannelType

	// Start connects and begins delivering inbound messages. It returns
	// once the connection is established; delivery continues until Stop.
	Start(ctx context.Context) error

	// Stop disconnects and closes the inbound stream.
	Stop() error

	// SendText delivers text to a user, chunked to the network's limit.
	SendText(ctx context.Context, userID, text string) error

	// SendProgress delivers a transient status line. Networks that
	// support editing update the previous progress message in place.
	SendProgress(ctx context.Context, userID, text string) error

	// SendPayload delivers a structured result (text, diff summary,
	// view link).
	SendPayload(ctx context.Context, userID string, payload models.Payload) error

	// Messages exposes the inbound stream.
	Messages() <-chan InboundMessage
}

// Registry holds the running adapters keyed by channel type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[models.ChannelType]Adapter),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds an adapter. Re-registering a type replaces it.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Type()] = a
	r.mu.Unlock()
	r.logger.Info("adapter registered", "channel", a.Type())
}

// Get returns the adapter for a channel type, or nil.
func (r *Registry) Get(t models.ChannelType) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[t]
}

// All returns the registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// StopAll stops every adapter, logging failures.
func (r *Registry) StopAll() {
	for _, a := range r.All() {
		if err := a.Stop(); err != nil {
			r.logger.Warn("adapter stop failed", "channel", a.Type(), "error", err)
		}
	}
}

// Allowlist is the per-adapter sender filter. The relay drives one
// machine with full shell access; an empty allow-list is a
// misconfiguration, not an open door, so Allowed rejects everything.
type Allowlist struct {
	ids map[string]bool
}

// NewAllowlist builds a filter from configured sender ids.
func NewAllowlist(ids []string) *Allowlist {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return &Allowlist{ids: m}
}

// Allowed reports whether userID may drive the machine.
func (a *Allowlist) Allowed(userID string) bool {
	return a.ids[userID]
}
