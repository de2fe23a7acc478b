// integration_test.go — End-to-end Relay scenarios driven over real
// gorilla/websocket connections against an httptest.Server, covering the
// container/browser message flow from attach through teardown.
package relay

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/coderelay/relayd/internal/lifecycle"
	"github.com/coderelay/relayd/internal/persistence/memorypersist"
	"github.com/gorilla/websocket"
)

// scenarioHarness bundles a Registry backed by an in-memory persistence
// hook with the HTTP test server exposing it.
type scenarioHarness struct {
	reg  *Registry
	hook *memorypersist.Hook
}

func newScenarioHarness(t *testing.T) *scenarioHarness {
	hook := memorypersist.New(100)
	reg := NewRegistry(10, hook, nil)
	return &scenarioHarness{reg: reg, hook: hook}
}

func containerPath(sessionID string) string {
	return "/container?" + url.Values{"sessionId": {sessionID}}.Encode()
}

func browserPath(sessionID, userID, lastEventID string) string {
	v := url.Values{"sessionId": {sessionID}, "userId": {userID}}
	if lastEventID != "" {
		v.Set("lastEventId", lastEventID)
	}
	return "/browser?" + v.Encode()
}

func payloadMap(t *testing.T, ev ServerEvent) map[string]interface{} {
	t.Helper()
	m, ok := ev.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("payload is %T, want map[string]interface{}: %+v", ev.Payload, ev.Payload)
	}
	return m
}

const initLine = `{"type":"system","subtype":"init","cwd":"/p","session_id":"cc1","model":"m","tools":[],"mcp_servers":[],"permission_mode":"default","claude_code_version":"1"}`

// Scenario 1: happy-path assistant message.
func TestScenario_HappyPathAssistantMessage(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s1", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)

	browser := dialWS(t, srv, browserPath("s1", "u1", ""))
	_ = readEvent(t, browser) // immediate subscribe status snapshot

	container := dialWS(t, srv, containerPath("s1"))
	startingEv := readEvent(t, browser)
	if startingEv.Type != EventSessionStatus {
		t.Fatalf("expected session_status on attach, got %s", startingEv.Type)
	}

	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}
	activeEv := readEvent(t, browser)
	activePayload := payloadMap(t, activeEv)
	if activePayload["status"] != string(lifecycle.StatusActive) {
		t.Errorf("status after init = %v, want active", activePayload["status"])
	}

	if err := container.WriteMessage(websocket.TextMessage, []byte(`{"type":"assistant","content":"Hi"}`)); err != nil {
		t.Fatalf("write assistant: %v", err)
	}
	msgEv := readEvent(t, browser)
	if msgEv.Type != EventSessionMessage {
		t.Fatalf("expected session_message, got %s", msgEv.Type)
	}
	msgPayload := payloadMap(t, msgEv)
	if msgPayload["messageType"] != "assistant" || msgPayload["content"] != "Hi" {
		t.Errorf("session_message payload = %+v, want messageType=assistant content=Hi", msgPayload)
	}

	waitFor(t, time.Second, func() bool {
		for _, m := range h.hook.MessagesFor("s1") {
			if m.Type == "assistant" && m.Content == "Hi" {
				return true
			}
		}
		return false
	})
}

// Scenario 2: initial prompt replay.
func TestScenario_InitialPromptReplay(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s2", "u1", CreateOptions{InitialPrompt: "Build a REST API"})
	srv := newTestHarness(t, h.reg)

	container := dialWS(t, srv, containerPath("s2"))

	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}

	line := readRawLine(t, container)
	var frame map[string]interface{}
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("unmarshal injected line: %v", err)
	}
	if frame["type"] != "user" {
		t.Fatalf("injected frame type = %v, want user", frame["type"])
	}
	msg, _ := frame["message"].(map[string]interface{})
	if msg["role"] != "user" || msg["content"] != "Build a REST API" {
		t.Errorf("injected message = %+v, want role=user content='Build a REST API'", msg)
	}
	if frame["parent_tool_use_id"] != nil {
		t.Errorf("parent_tool_use_id = %v, want nil", frame["parent_tool_use_id"])
	}
	if frame["session_id"] != "s2" {
		t.Errorf("session_id = %v, want s2", frame["session_id"])
	}

	waitFor(t, time.Second, func() bool {
		for _, m := range h.hook.MessagesFor("s2") {
			if m.Type == "user" && m.Content == "Build a REST API" {
				return true
			}
		}
		return false
	})
}

// Scenario 3 + 4: permission round-trip, and non-owner rejected.
func TestScenario_PermissionRoundTripAndOwnership(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s3", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)

	browser := dialWS(t, srv, browserPath("s3", "u1", ""))
	_ = readEvent(t, browser) // subscribe snapshot

	container := dialWS(t, srv, containerPath("s3"))
	_ = readEvent(t, browser) // starting status

	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}
	_ = readEvent(t, browser) // active status

	reqLine := `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"decision_reason":"requires permission"}}`
	if err := container.WriteMessage(websocket.TextMessage, []byte(reqLine)); err != nil {
		t.Fatalf("write control_request: %v", err)
	}
	permEv := readEvent(t, browser)
	if permEv.Type != EventSessionPermissionRequest {
		t.Fatalf("expected session_permission_request, got %s", permEv.Type)
	}
	permPayload := payloadMap(t, permEv)
	if permPayload["decisionReason"] != "requires permission" {
		t.Errorf("decisionReason = %v, want 'requires permission'", permPayload["decisionReason"])
	}

	r := h.reg.Get("s3")
	if !r.HasPendingPermission("r1") {
		t.Fatal("expected r1 pending after control_request")
	}

	// Scenario 4: attacker (non-owner) response is silently dropped.
	attackerResp := `{"type":"session_permission_response","sessionId":"s3","requestId":"r1","behavior":"allow"}`
	h.reg.HandleBrowserMessage("s3", nil, []byte(attackerResp), "attacker")
	if !r.HasPendingPermission("r1") {
		t.Fatal("non-owner response must not resolve the pending permission")
	}

	// Scenario 3: owner's response resolves it.
	ownerResp := `{"type":"session_permission_response","sessionId":"s3","requestId":"r1","behavior":"allow"}`
	h.reg.HandleBrowserMessage("s3", nil, []byte(ownerResp), "u1")

	ctrlLine := readRawLine(t, container)
	var ctrl map[string]interface{}
	if err := json.Unmarshal(ctrlLine, &ctrl); err != nil {
		t.Fatalf("unmarshal control_response: %v", err)
	}
	if ctrl["type"] != "control_response" {
		t.Fatalf("type = %v, want control_response", ctrl["type"])
	}
	resp := ctrl["response"].(map[string]interface{})
	if resp["request_id"] != "r1" || resp["subtype"] != "success" {
		t.Errorf("response envelope = %+v", resp)
	}
	inner := resp["response"].(map[string]interface{})
	if inner["behavior"] != "allow" {
		t.Errorf("behavior = %v, want allow", inner["behavior"])
	}
	updatedInput, _ := inner["updatedInput"].(map[string]interface{})
	if updatedInput["command"] != "ls" {
		t.Errorf("updatedInput = %+v, want command=ls", inner["updatedInput"])
	}

	if r.HasPendingPermission("r1") {
		t.Error("r1 should no longer be pending after resolution")
	}

	resolvedEv := readEvent(t, browser)
	if resolvedEv.Type != EventSessionPermissionResolve {
		t.Fatalf("expected session_permission_resolved, got %s", resolvedEv.Type)
	}
	resolvedPayload := payloadMap(t, resolvedEv)
	if resolvedPayload["requestId"] != "r1" || resolvedPayload["behavior"] != "allow" {
		t.Errorf("resolved payload = %+v", resolvedPayload)
	}
}

// Permission response with behavior=deny omits updatedInput.
func TestPermissionResponseDenyOmitsUpdatedInput(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s3d", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)
	container := dialWS(t, srv, containerPath("s3d"))
	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}

	reqLine := `{"type":"control_request","request_id":"r2","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /"}}}`
	if err := container.WriteMessage(websocket.TextMessage, []byte(reqLine)); err != nil {
		t.Fatalf("write control_request: %v", err)
	}

	denyResp := `{"type":"session_permission_response","sessionId":"s3d","requestId":"r2","behavior":"deny"}`
	h.reg.HandleBrowserMessage("s3d", nil, []byte(denyResp), "u1")

	ctrlLine := readRawLine(t, container)
	var ctrl map[string]interface{}
	if err := json.Unmarshal(ctrlLine, &ctrl); err != nil {
		t.Fatalf("unmarshal control_response: %v", err)
	}
	resp := ctrl["response"].(map[string]interface{})
	inner := resp["response"].(map[string]interface{})
	if inner["behavior"] != "deny" {
		t.Fatalf("behavior = %v, want deny", inner["behavior"])
	}
	if _, present := inner["updatedInput"]; present {
		t.Errorf("updatedInput must be omitted for deny, got %v", inner["updatedInput"])
	}
}

// A control-response for an unknown request-id is a no-op.
func TestPermissionResponseUnknownRequestIDIsNoop(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s3u", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)
	container := dialWS(t, srv, containerPath("s3u"))
	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}

	resp := `{"type":"session_permission_response","sessionId":"s3u","requestId":"ghost","behavior":"allow"}`
	h.reg.HandleBrowserMessage("s3u", nil, []byte(resp), "u1")

	// Nothing should have been sent to the container as a result; confirm
	// by sending a keep_alive round-trip marker and checking no stray
	// control_response precedes it. Simpler: assert the pending map, which
	// was empty to begin with, stays empty (no crash / no panic is itself
	// the main assertion here since takePermission returned ok=false).
	r := h.reg.Get("s3u")
	if r.HasPendingPermission("ghost") {
		t.Error("ghost should never have existed")
	}
}

// Scenario 5: reconnect replay.
func TestScenario_ReconnectReplay(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s5", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)

	// An observer browser subscribes before the stream events fire so its
	// blocking reads double as a synchronization barrier: by the time it
	// has received the 3rd stream_event, that push into the Message
	// Buffer (which happens-before the broadcast write, under the same
	// lock) is guaranteed visible.
	observer := dialWS(t, srv, browserPath("s5", "u1", ""))
	_ = readEvent(t, observer) // subscribe snapshot

	container := dialWS(t, srv, containerPath("s5"))
	_ = readEvent(t, observer) // starting status

	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}
	_ = readEvent(t, observer) // active status

	for i := 0; i < 3; i++ {
		line := `{"type":"stream_event","delta":{"type":"text_delta","text":"chunk"}}`
		if err := container.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			t.Fatalf("write stream_event %d: %v", i, err)
		}
		_ = readEvent(t, observer)
	}

	r := h.reg.Get("s5")
	all := r.buffer.getAll()
	if len(all) < 3 {
		t.Fatalf("expected at least 3 buffered entries, got %d", len(all))
	}
	// The first of the three stream events is the last 3 entries pushed,
	// since init's status broadcast precedes them.
	firstStreamIdx := len(all) - 3
	firstStreamID := all[firstStreamIdx].id

	browser := dialWS(t, srv, browserPath("s5", "u1", firstStreamID))
	statusEv := readEvent(t, browser)
	if statusEv.Type != EventSessionStatus {
		t.Fatalf("expected immediate session_status first, got %s", statusEv.Type)
	}

	ev1 := readEvent(t, browser)
	ev2 := readEvent(t, browser)
	if ev1.Type != EventSessionStream || ev2.Type != EventSessionStream {
		t.Fatalf("expected two replayed session_stream events, got %s, %s", ev1.Type, ev2.Type)
	}
	p1 := payloadMap(t, ev1)
	if buffered, _ := p1["_buffered"].(bool); !buffered {
		t.Error("replayed event missing _buffered:true marker")
	}
}

// Scenario 6: startup failure (container disconnects before init).
func TestScenario_StartupFailure(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s6", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)

	browser := dialWS(t, srv, browserPath("s6", "u1", ""))
	_ = readEvent(t, browser) // subscribe snapshot

	container := dialWS(t, srv, containerPath("s6"))
	_ = readEvent(t, browser) // starting/initializing status

	_ = container.Close()

	errEv := readEvent(t, browser)
	if errEv.Type != EventSessionStatus {
		t.Fatalf("expected session_status, got %s", errEv.Type)
	}
	payload := payloadMap(t, errEv)
	if payload["status"] != string(lifecycle.StatusErrored) {
		t.Errorf("status = %v, want errored", payload["status"])
	}
	if payload["startupPhase"] != string(lifecycle.PhaseFailed) {
		t.Errorf("startupPhase = %v, want failed", payload["startupPhase"])
	}

	waitFor(t, time.Second, func() bool {
		for _, s := range h.hook.StatusesFor("s6") {
			if s.Status == lifecycle.StatusErrored {
				if errMsg, _ := s.Extra["error"].(string); errMsg == "Container disconnected during startup" {
					return true
				}
			}
		}
		return false
	})
}

// Two NDJSON objects concatenated with a single '\n' in one frame dispatch
// as two messages in order.
func TestNDJSONTwoObjectsOneFrameDispatchInOrder(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s7", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)

	browser := dialWS(t, srv, browserPath("s7", "u1", ""))
	_ = readEvent(t, browser) // subscribe snapshot

	container := dialWS(t, srv, containerPath("s7"))
	_ = readEvent(t, browser) // starting status

	frame := []byte(`{"type":"assistant","content":"first"}` + "\n" + `{"type":"assistant","content":"second"}`)
	if err := container.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write combined frame: %v", err)
	}

	ev1 := readEvent(t, browser)
	ev2 := readEvent(t, browser)
	p1 := payloadMap(t, ev1)
	p2 := payloadMap(t, ev2)
	if p1["content"] != "first" || p2["content"] != "second" {
		t.Errorf("got content order %v, %v; want first, second", p1["content"], p2["content"])
	}
}

// A malformed NDJSON line never aborts processing of later lines in the
// same frame.
func TestNDJSONMalformedLineSkipped(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s8", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)

	browser := dialWS(t, srv, browserPath("s8", "u1", ""))
	_ = readEvent(t, browser) // subscribe snapshot
	container := dialWS(t, srv, containerPath("s8"))
	_ = readEvent(t, browser) // starting status

	frame := []byte("not json at all\n" + `{"type":"assistant","content":"ok"}`)
	if err := container.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ev := readEvent(t, browser)
	p := payloadMap(t, ev)
	if p["content"] != "ok" {
		t.Errorf("expected the valid line to still dispatch, got %+v", p)
	}
}

// Round-trip: user message content appears verbatim in both the
// container-side frame and the echoed browser broadcast.
func TestUserMessageRoundTrip(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s9", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)
	container := dialWS(t, srv, containerPath("s9"))
	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}

	const content = "Refactor the auth module"
	req := `{"type":"session_user_message","sessionId":"s9","content":"Refactor the auth module"}`
	h.reg.HandleBrowserMessage("s9", nil, []byte(req), "u1")

	line := readRawLine(t, container)
	var frame map[string]interface{}
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg := frame["message"].(map[string]interface{})
	if msg["content"] != content {
		t.Errorf("container-side content = %v, want %q", msg["content"], content)
	}

	waitFor(t, time.Second, func() bool {
		for _, m := range h.hook.MessagesFor("s9") {
			if m.Type == "user" && m.Content == content {
				return true
			}
		}
		return false
	})
}

// Ownership: non-owner input produces no container send, no persisted
// write, no pending-permission mutation.
func TestOwnershipViolationIsSilentDrop(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s10", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)
	container := dialWS(t, srv, containerPath("s10"))
	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}

	before := len(h.hook.MessagesFor("s10"))
	req := `{"type":"session_user_message","sessionId":"s10","content":"malicious"}`
	h.reg.HandleBrowserMessage("s10", nil, []byte(req), "attacker")

	after := len(h.hook.MessagesFor("s10"))
	if before != after {
		t.Errorf("ownership violation persisted a message: before=%d after=%d", before, after)
	}
}

// Empty content on session_user_message is dropped, not sent.
func TestEmptyUserMessageDropped(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s11", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)
	container := dialWS(t, srv, containerPath("s11"))
	if err := container.WriteMessage(websocket.TextMessage, []byte(initLine)); err != nil {
		t.Fatalf("write init: %v", err)
	}

	before := len(h.hook.MessagesFor("s11"))
	req := `{"type":"session_user_message","sessionId":"s11","content":""}`
	h.reg.HandleBrowserMessage("s11", nil, []byte(req), "u1")

	if got := len(h.hook.MessagesFor("s11")); got != before {
		t.Errorf("empty content should not persist a message: before=%d after=%d", before, got)
	}
}

// Attaching a container to an unknown session closes it with code 4004.
func TestAttachContainerUnknownSessionCloses(t *testing.T) {
	h := newScenarioHarness(t)
	srv := newTestHarness(t, h.reg)
	container := dialWS(t, srv, containerPath("does-not-exist"))

	_, _, err := container.ReadMessage()
	if err == nil {
		t.Fatal("expected the socket to be closed by the server")
	}
}

// Registry.Remove closes the container and every browser with a terminal
// stopped status.
func TestRegistryRemoveBroadcastsTerminalStatus(t *testing.T) {
	h := newScenarioHarness(t)
	h.reg.GetOrCreate("s12", "u1", CreateOptions{})
	srv := newTestHarness(t, h.reg)

	browser := dialWS(t, srv, browserPath("s12", "u1", ""))
	_ = readEvent(t, browser) // subscribe snapshot

	h.reg.Remove("s12")

	ev := readEvent(t, browser)
	payload := payloadMap(t, ev)
	if payload["status"] != string(lifecycle.StatusStopped) {
		t.Errorf("terminal status = %v, want stopped", payload["status"])
	}
	if h.reg.Get("s12") != nil {
		t.Error("relay should be gone from the registry after Remove")
	}
}
