// memorypersist.go — In-memory, bounded PersistenceHook implementation.
// Adapted from the teacher's internal/audit.AuditTrail: a bounded,
// FIFO-evicted, append-only, concurrency-safe log, repurposed to store
// relay status/message/activity records instead of MCP tool-call records.
// Used whenever no durable store is configured, and directly in tests in
// place of a database fake.
package memorypersist

import (
	"sync"
	"time"

	"github.com/coderelay/relayd/internal/lifecycle"
	"github.com/google/uuid"
)

const defaultMaxEntries = 10000

// StatusRecord is one recorded status transition.
type StatusRecord struct {
	ID        string
	SessionID string
	Status    lifecycle.Status
	Extra     map[string]any
	Recorded  time.Time
}

// MessageRecord is one recorded message.
type MessageRecord struct {
	ID        string
	SessionID string
	Type      string
	Content   string
	Metadata  map[string]any
	Recorded  time.Time
}

// Hook is a bounded in-process PersistenceHook implementation satisfying
// relay.PersistenceHook.
type Hook struct {
	mu             sync.Mutex
	maxEntries     int
	statuses       []StatusRecord
	messages       []MessageRecord
	lastActivityAt map[string]time.Time
}

// New constructs a Hook bounded to maxEntries per record kind. A
// non-positive maxEntries falls back to a sensible default.
func New(maxEntries int) *Hook {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Hook{
		maxEntries:     maxEntries,
		lastActivityAt: make(map[string]time.Time),
	}
}

// RecordStatus appends a status transition, evicting the oldest entry if
// the log is at capacity.
func (h *Hook) RecordStatus(sessionID string, status lifecycle.Status, extra map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.statuses) >= h.maxEntries {
		h.statuses = append(h.statuses[:0], h.statuses[1:]...)
	}
	h.statuses = append(h.statuses, StatusRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    status,
		Extra:     extra,
		Recorded:  time.Now(),
	})
}

// RecordMessage appends a message record, evicting the oldest entry if the
// log is at capacity.
func (h *Hook) RecordMessage(sessionID, msgType, content string, metadata map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.messages) >= h.maxEntries {
		h.messages = append(h.messages[:0], h.messages[1:]...)
	}
	h.messages = append(h.messages, MessageRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      msgType,
		Content:   content,
		Metadata:  metadata,
		Recorded:  time.Now(),
	})
}

// TouchActivity records the wall-clock time of the session's last
// observed activity.
func (h *Hook) TouchActivity(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivityAt[sessionID] = time.Now()
}

// MessagesFor returns a snapshot of every message recorded for sessionID,
// oldest first. Intended for tests.
func (h *Hook) MessagesFor(sessionID string) []MessageRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []MessageRecord
	for _, m := range h.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

// StatusesFor returns a snapshot of every status transition recorded for
// sessionID, oldest first. Intended for tests.
func (h *Hook) StatusesFor(sessionID string) []StatusRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []StatusRecord
	for _, s := range h.statuses {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out
}
