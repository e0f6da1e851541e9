package bridge

import (
	"strings"
	"sync"
	"time"
)

// HistoryEntry is one recorded turn in a chat.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
}

// PendingHistory is a bounded, per-chat ordered log of recent turns used
// to build context for the backend. Entries are appended before dispatch
// and cleared only after a successful dispatch, so a failed dispatch
// leaves the context intact for the next attempt. Eviction is strictly
// FIFO; entries for a chat are never reordered.
type PendingHistory struct {
	mu      sync.Mutex
	limit   int
	entries map[string][]HistoryEntry
}

// NewPendingHistory creates a history buffer capping each chat at limit
// entries.
func NewPendingHistory(limit int) *PendingHistory {
	if limit < 0 {
		limit = 0
	}
	return &PendingHistory{
		limit:   limit,
		entries: make(map[string][]HistoryEntry),
	}
}

// Append pushes an entry to the tail of the chat's sequence, evicting
// from the head while over the cap.
func (h *PendingHistory) Append(chatKey string, entry HistoryEntry) {
	if h.limit == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := append(h.entries[chatKey], entry)
	if over := len(seq) - h.limit; over > 0 {
		seq = seq[over:]
	}
	h.entries[chatKey] = seq
}

// BuildContext renders up to limit most recent entries (oldest first)
// through formatEntry, followed by currentBody.
func (h *PendingHistory) BuildContext(chatKey string, limit int, currentBody string, formatEntry func(HistoryEntry) string) string {
	h.mu.Lock()
	seq := h.entries[chatKey]
	if limit >= 0 && len(seq) > limit {
		seq = seq[len(seq)-limit:]
	}
	window := make([]HistoryEntry, len(seq))
	copy(window, seq)
	h.mu.Unlock()

	if len(window) == 0 {
		return currentBody
	}

	var sb strings.Builder
	for _, entry := range window {
		sb.WriteString(formatEntry(entry))
		sb.WriteString("\n")
	}
	sb.WriteString(currentBody)
	return sb.String()
}

// Clear removes up to limit entries from the head of the chat's sequence,
// matching the window that was presented as context. It is a bounded
// clear, not a full wipe.
func (h *PendingHistory) Clear(chatKey string, limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := h.entries[chatKey]
	if len(seq) == 0 {
		return
	}
	if limit < 0 || limit >= len(seq) {
		delete(h.entries, chatKey)
		return
	}
	h.entries[chatKey] = seq[limit:]
}

// Len returns the number of entries recorded for a chat.
func (h *PendingHistory) Len(chatKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[chatKey])
}
