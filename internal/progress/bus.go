// Package progress routes integer progress values (0-100) to the client
// connected on behalf of a user.
package progress

import (
	"log/slog"
	"sync"
)

// Sink delivers progress values to one connected client.
// Implementations must be comparable (pointer types); the bus compares
// sinks by identity when unregistering.
type Sink interface {
	// Open reports whether the sink can still accept values.
	Open() bool
	// Send hands one value to the client. It must not block on network I/O.
	Send(value int) error
}

// Publisher is what the pipeline needs from the bus.
type Publisher interface {
	Send(userID string, value int)
}

// Bus maps user ids to their currently registered sink.
type Bus struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		sinks:  make(map[string]Sink),
		logger: logger,
	}
}

// Register associates sink with userID, replacing any previous sink.
// The replaced sink is not closed.
func (b *Bus) Register(userID string, sink Sink) {
	if userID == "" || sink == nil {
		return
	}
	b.mu.Lock()
	_, replaced := b.sinks[userID]
	b.sinks[userID] = sink
	b.mu.Unlock()

	b.logger.Debug("progress sink registered", "user_id", userID, "replaced", replaced)
}

// Unregister removes the mapping for userID only if it still points at sink.
// It reports whether a mapping was removed.
func (b *Bus) Unregister(userID string, sink Sink) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.sinks[userID]
	if !ok || cur != sink {
		return false
	}
	delete(b.sinks, userID)
	b.logger.Debug("progress sink unregistered", "user_id", userID)
	return true
}

// Send delivers value to the sink registered for userID. Missing or closed
// sinks drop the value silently; delivery errors are only logged.
func (b *Bus) Send(userID string, value int) {
	b.mu.RLock()
	sink, ok := b.sinks[userID]
	b.mu.RUnlock()

	if !ok || !sink.Open() {
		return
	}
	if err := sink.Send(value); err != nil {
		b.logger.Debug("progress delivery failed", "user_id", userID, "value", value, "error", err)
	}
}

// Len returns the number of users with a registered sink.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}
