// registry.go — the process-wide sessionId → Relay table. Registry
// operations are the only way to create or destroy Relays. Modeled on the
// teacher's sse.go connection registry (DESIGN.md): an RWMutex-guarded map
// with idempotent lookup-or-create and a broadcast-then-drop teardown.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coderelay/relayd/internal/lifecycle"
	"github.com/gorilla/websocket"
)

// Registry owns the process-wide sessionId → Relay table.
type Registry struct {
	mu              sync.RWMutex
	relays          map[string]*Relay
	bufferCapacity  int
	persistence     PersistenceHook
	logger          *slog.Logger
}

// NewRegistry constructs an empty Registry. bufferCapacity is the Message
// Buffer capacity newly created Relays are given; persistence is the
// fire-and-forget sink every Relay reports through.
func NewRegistry(bufferCapacity int, persistence PersistenceHook, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		relays:         make(map[string]*Relay),
		bufferCapacity: bufferCapacity,
		persistence:    persistence,
		logger:         logger,
	}
}

// GetOrCreate returns the existing Relay for sessionID (identity
// preserved) or constructs a new one. Idempotent: two concurrent calls for
// the same id resolve to the same Relay.
func (reg *Registry) GetOrCreate(sessionID, userID string, opts CreateOptions) *Relay {
	reg.mu.RLock()
	if r, ok := reg.relays[sessionID]; ok {
		reg.mu.RUnlock()
		return r
	}
	reg.mu.RUnlock()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.relays[sessionID]; ok {
		return r
	}
	r := newRelay(sessionID, userID, opts, reg.bufferCapacity, reg.persistence, reg.logger)
	reg.relays[sessionID] = r
	reg.persistence.RecordStatus(sessionID, lifecycle.StatusStarting, nil)
	return r
}

// Get is a pure lookup; returns nil if no Relay exists for sessionID.
func (reg *Registry) Get(sessionID string) *Relay {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.relays[sessionID]
}

// Remove closes the container socket (code 1000, "Relay removed"), enqueues
// a terminal session_status (status=stopped) to every browser subscriber's
// outbox and closes it, and drops the registry entry. Returns without error
// if sessionID is unknown.
func (reg *Registry) Remove(sessionID string) {
	reg.mu.Lock()
	r, ok := reg.relays[sessionID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	delete(reg.relays, sessionID)
	reg.mu.Unlock()

	r.mu.Lock()
	container := r.containerSocket
	r.containerSocket = nil
	outboxes := r.browserOutboxes
	r.browserOutboxes = make(map[*websocket.Conn]chan ServerEvent)
	r.mu.Unlock()

	r.clearPermissionsForTeardown()

	if container != nil {
		closeSocket(container, websocket.CloseNormalClosure, "Relay removed")
	}

	terminal := wrapEvent(EventSessionStatus, map[string]interface{}{
		"sessionId": sessionID,
		"status":    lifecycle.StatusStopped,
	})
	for _, ch := range outboxes {
		select {
		case ch <- terminal:
		default:
		}
		close(ch)
	}
}

// Summary is a read-only snapshot of a Relay for admin introspection.
type Summary struct {
	SessionID         string           `json:"sessionId"`
	UserID            string           `json:"userId"`
	Status            lifecycle.Status `json:"status"`
	Initialized       bool             `json:"initialized"`
	LastActivityAt    time.Time        `json:"lastActivityAt"`
	BufferedCount     int              `json:"bufferedCount"`
	PendingPermissions int             `json:"pendingPermissions"`
}

// List returns a Summary for every live session, optionally restricted to
// sessions whose last observed activity is at or after since.
func (reg *Registry) List(since time.Time) []Summary {
	reg.mu.RLock()
	relays := make([]*Relay, 0, len(reg.relays))
	for _, r := range reg.relays {
		relays = append(relays, r)
	}
	reg.mu.RUnlock()

	out := make([]Summary, 0, len(relays))
	for _, r := range relays {
		r.mu.Lock()
		lastActivity := r.lastActivityAt
		s := Summary{
			SessionID:          r.SessionID,
			UserID:             r.UserID,
			Status:             r.status,
			Initialized:        r.initialized,
			LastActivityAt:     lastActivity,
			BufferedCount:      r.buffer.size(),
			PendingPermissions: r.pendingPermissionCount(),
		}
		r.mu.Unlock()
		if !since.IsZero() && lastActivity.Before(since) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Reset removes all relays. Test-only.
func (reg *Registry) Reset() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.relays = make(map[string]*Relay)
}

func closeSocket(c *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.WriteControl(websocket.CloseMessage, msg, noDeadline())
	_ = c.Close()
}
