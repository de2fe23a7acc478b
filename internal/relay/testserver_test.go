// testserver_test.go — Shared WebSocket test harness: a minimal httptest
// server that upgrades raw HTTP connections and hands them straight to
// Registry.AttachContainer / Registry.RunBrowserSubscriber, the standard
// way to exercise a gorilla/websocket handler without a real network.
package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHarness(t *testing.T, reg *Registry) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/container", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.AttachContainer(sessionID, conn)
	})
	mux.HandleFunc("/browser", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		userID := r.URL.Query().Get("userId")
		lastEventID := r.URL.Query().Get("lastEventId")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if !reg.RunBrowserSubscriber(sessionID, conn, userID, lastEventID) {
			_ = conn.Close()
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readEvent reads and decodes the next ServerEvent from conn, failing the
// test if none arrives within the deadline already set on conn.
func readEvent(t *testing.T, conn *websocket.Conn) ServerEvent {
	t.Helper()
	var ev ServerEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// readRawLine reads one text frame and returns it unparsed, for asserting
// the exact bytes sent to the container.
func readRawLine(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read raw line: %v", err)
	}
	return data
}

// waitFor polls cond until it returns true or timeout elapses, failing the
// test otherwise. Persistence is fire-and-forget: the RecordMessage/
// RecordStatus call runs in its own goroutine, so assertions against the
// persistence hook must poll rather than read immediately after a
// synchronous network round-trip.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met within timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
