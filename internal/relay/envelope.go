// envelope.go — Server event envelope: every payload sent to a browser is
// wrapped as {type, payload, timestamp}. Modeled as a closed set of
// outbound type tags rather than dynamic dispatch, so a browser client can
// switch on `type` exhaustively.
package relay

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of outbound (server → browser) envelope tags.
type EventType string

const (
	EventSessionStatus            EventType = "session_status"
	EventSessionMessage           EventType = "session_message"
	EventSessionStream            EventType = "session_stream"
	EventSessionPermissionRequest EventType = "session_permission_request"
	EventSessionPermissionResolve EventType = "session_permission_resolved"
	EventSessionControl           EventType = "session_control"
	EventSessionToolProgress      EventType = "session_tool_progress"
	EventSessionResult            EventType = "session_result"
	EventSessionAuthStatus        EventType = "session_auth_status"
	EventSessionToolUseSummary    EventType = "session_tool_use_summary"
	EventSessionRaw               EventType = "session_raw"
)

// ServerEvent is the wire envelope delivered to browser subscribers.
type ServerEvent struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// wrapEvent forms the envelope for a (type, payload) pair.
func wrapEvent(t EventType, payload interface{}) ServerEvent {
	return ServerEvent{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// bufferedPayload adds the `_buffered: true` marker replay entries carry,
// without disturbing the original payload's own fields.
func bufferedPayload(payload interface{}) map[string]interface{} {
	out := map[string]interface{}{"_buffered": true}
	raw, err := json.Marshal(payload)
	if err != nil {
		return out
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err == nil {
		for k, v := range asMap {
			out[k] = v
		}
		return out
	}
	// payload wasn't a JSON object (e.g. a bare string/array) — wrap it.
	out["value"] = json.RawMessage(raw)
	return out
}
