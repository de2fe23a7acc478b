// egress.go — Browser Egress: wrap and deliver events to browser
// subscribers, and record every broadcast for replay. Each subscriber owns
// a bounded outbox channel and a dedicated writePump goroutine, the
// per-connection send-queue pattern used throughout the example corpus'
// WebSocket hubs: the hub only ever does a non-blocking send
// into the queue, never a direct socket write, so one slow or dead browser
// can never stall delivery to the others or to the container read loop
// that triggered the broadcast.
package relay

import (
	"log/slog"
	"time"

	"github.com/coderelay/relayd/internal/lifecycle"
	"github.com/coderelay/relayd/internal/util"
	"github.com/gorilla/websocket"
)

const (
	browserOutboxCapacity = 64
	browserWriteWait      = 10 * time.Second
)

// broadcast wraps (t, payload) into an envelope, records it in the
// Message Buffer, and enqueues it on every currently-subscribed browser's
// outbox. Enqueuing is a non-blocking channel send: a subscriber whose
// outbox is already full is dropped (its channel is closed, which signals
// its writePump to close the socket) rather than blocking this call.
func (r *Relay) broadcast(t EventType, payload interface{}) {
	event := wrapEvent(t, payload)

	r.mu.Lock()
	r.buffer.push(event)
	for c, ch := range r.browserOutboxes {
		r.enqueueLocked(c, ch, event)
	}
	r.mu.Unlock()
}

// enqueueLocked attempts a non-blocking send of event on ch. Caller must
// hold r.mu. On overflow, ch is closed and removed from browserOutboxes;
// the owning writePump goroutine notices the close and tears the socket
// down.
func (r *Relay) enqueueLocked(c *websocket.Conn, ch chan ServerEvent, event ServerEvent) {
	select {
	case ch <- event:
	default:
		close(ch)
		delete(r.browserOutboxes, c)
	}
}

// runBrowserWritePump is the sole data-frame writer for socket (pings and
// close frames go through WriteControl, which gorilla/websocket allows
// concurrently): it drains ch and
// writes each event, closing the connection once ch is closed (either by
// the subscriber's own teardown or by enqueueLocked dropping a full
// outbox).
func runBrowserWritePump(socket *websocket.Conn, ch chan ServerEvent, logger *slog.Logger) {
	defer func() { _ = socket.Close() }()

	for event := range ch {
		_ = socket.SetWriteDeadline(time.Now().Add(browserWriteWait))
		if err := socket.WriteJSON(event); err != nil {
			if logger != nil {
				logger.Debug("browser socket write failed, closing", "err", err)
			}
			return
		}
	}

	_ = socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscriber closed"),
		time.Now().Add(browserWriteWait))
}

func (r *Relay) logger() *slog.Logger {
	return r.log
}

// addBrowserToSession subscribes socket to the relay: it registers a fresh
// outbox and write pump, then enqueues an immediate status snapshot and,
// if lastEventID is set, every buffered event recorded after it. Returns
// false if no Relay exists for sessionID — the caller is responsible for
// closing the socket in that case.
func (reg *Registry) addBrowserToSession(sessionID string, socket *websocket.Conn, lastEventID string) bool {
	r := reg.Get(sessionID)
	if r == nil {
		return false
	}

	ch := make(chan ServerEvent, browserOutboxCapacity)

	r.mu.Lock()
	r.browserOutboxes[socket] = ch
	status := currentStatusLocked(r)
	pending := make([]map[string]interface{}, 0, len(r.pendingPermissions))
	for _, p := range r.pendingPermissions {
		pending = append(pending, map[string]interface{}{
			"requestId":      p.RequestID,
			"toolName":       p.ToolName,
			"input":          p.Input,
			"decisionReason": p.DecisionReason,
		})
	}
	statusPayload := map[string]interface{}{
		"sessionId":    sessionID,
		"status":       status,
		"initialized":  r.initialized,
		"startupPhase": r.startupPhase,
		"startupAt":    r.startupAt,
		"pending":      pending,
	}
	if r.initialized {
		statusPayload["capabilities"] = r.capabilities
	}
	r.enqueueLocked(socket, ch, wrapEvent(EventSessionStatus, statusPayload))

	if lastEventID != "" {
		for _, entry := range r.buffer.getAfter(lastEventID) {
			if _, ok := r.browserOutboxes[socket]; !ok {
				break // outbox overflowed and was dropped by enqueueLocked
			}
			replay := entry.data
			replay.Payload = bufferedPayload(replay.Payload)
			r.enqueueLocked(socket, ch, replay)
		}
	}
	r.mu.Unlock()

	util.SafeGo(func() { runBrowserWritePump(socket, ch, r.logger()) }, "browser-write-pump")

	return true
}

// removeBrowserFromSession detaches a browser socket on disconnect, closing
// its outbox so the write pump can finish draining and close the socket.
func (r *Relay) removeBrowserFromSession(socket *websocket.Conn) {
	r.mu.Lock()
	if ch, ok := r.browserOutboxes[socket]; ok {
		close(ch)
		delete(r.browserOutboxes, socket)
	}
	r.mu.Unlock()
}

func currentStatusLocked(r *Relay) lifecycle.Status {
	return r.status
}
