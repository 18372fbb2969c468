package peer

import (
	"sync"

	"peerchat/models"
)

// DefaultHistoryLimit bounds the in-memory recent message buffer.
const DefaultHistoryLimit = 200

// History is a bounded in-memory message buffer, oldest-evicted. It is
// a UI display aid only; messages are never persisted.
type History struct {
	mu      sync.RWMutex
	limit   int
	entries []models.Message
}

// NewHistory creates a history buffer with the given bound.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{
		limit:   limit,
		entries: make([]models.Message, 0, limit),
	}
}

// Append records a message, evicting the oldest entry at capacity.
func (h *History) Append(msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) >= h.limit {
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, msg)
}

// Snapshot returns a copy of the buffered messages in arrival order.
func (h *History) Snapshot() []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.Message, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of buffered messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
