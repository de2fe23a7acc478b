// transport.go — HTTP/WebSocket route wiring. Upgrader configuration,
// ping/pong keep-alive, and close-code conventions follow the
// other_examples orb relay server (DESIGN.md): fixed buffer sizes, a
// bounded max message size, and a pong-driven read deadline.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coderelay/relayd/internal/auth"
	"github.com/coderelay/relayd/internal/relay"
	"github.com/coderelay/relayd/internal/util"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 * 1024 * 1024
)

// Server wires the Registry to HTTP routes.
type Server struct {
	Registry    *relay.Registry
	Verifier    auth.Verifier
	Logger      *slog.Logger
	AllowOrigin func(origin string) bool

	upgrader websocket.Upgrader
}

// NewServer constructs a Server. allowOrigin may be nil, in which case all
// origins are accepted (suitable for container-to-server connections that
// never carry an Origin header, and for local development).
func NewServer(reg *relay.Registry, verifier auth.Verifier, logger *slog.Logger, allowOrigin func(string) bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Registry: reg, Verifier: verifier, Logger: logger, AllowOrigin: allowOrigin}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.AllowOrigin == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.AllowOrigin(extractOrigin(origin))
}

// extractOrigin extracts the origin (scheme://host[:port]) from a raw
// Origin header value. Returns "" for data: URLs, blob: URLs whose nested
// origin can't be recovered, and anything else lacking a scheme or a host.
func extractOrigin(rawURL string) string {
	if strings.HasPrefix(rawURL, "data:") {
		return ""
	}
	rawURL = strings.TrimPrefix(rawURL, "blob:")

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// Router builds the mux.Router exposing the container-attach,
// browser-subscribe, and admin routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/containers/{sessionId}", s.handleContainerAttach)
	r.HandleFunc("/browsers/{sessionId}", s.handleBrowserSubscribe)
	r.HandleFunc("/admin/sessions", s.handleAdminSessions).Methods(http.MethodGet)
	return r
}

func (s *Server) handleContainerAttach(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("container upgrade failed", "sessionId", sessionID, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	util.SafeGo(func() { keepAlive(conn) }, "container-keepalive")

	s.Registry.AttachContainer(sessionID, conn)
}

func (s *Server) handleBrowserSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	lastEventID := r.URL.Query().Get("lastEventId")

	userID := ""
	if s.Verifier != nil {
		id, err := s.Verifier.UserIDFromRequest(r)
		if err == nil {
			userID = id
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("browser upgrade failed", "sessionId", sessionID, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	util.SafeGo(func() { keepAlive(conn) }, "browser-keepalive")

	if !s.Registry.RunBrowserSubscriber(sessionID, conn, userID, lastEventID) {
		_ = conn.Close()
	}
}

// handleAdminSessions lists live sessions, newest-activity-first behavior
// left to the caller; an optional "since" query parameter (RFC3339 or
// RFC3339Nano) restricts the result to sessions active at or after that
// instant.
func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since = parseTimestamp(raw)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.Registry.List(since),
	})
}

// parseTimestamp parses an RFC3339 timestamp, trying RFC3339Nano first
// since it's a superset of RFC3339. Returns the zero time on failure.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "[relayd] error encoding JSON response: %v\n", err)
	}
}

// keepAlive pings the peer on pingPeriod until a write fails. Pings go out
// through WriteControl, which gorilla/websocket allows concurrently with the
// connection's single data writer.
func keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}
