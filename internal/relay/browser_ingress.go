// browser_ingress.go — accepts typed client requests on a browser socket,
// enforces session ownership, and translates them to container actions.
package relay

import (
	"bytes"
	"encoding/json"

	"github.com/coderelay/relayd/internal/util"
	"github.com/gorilla/websocket"
)

// browserRequest is the inbound browser → server envelope.
type browserRequest struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Content   string          `json:"content"`
	RequestID string          `json:"requestId"`
	Behavior  string          `json:"behavior"`
	Mode      string          `json:"permission_mode"`
	Model     string          `json:"model"`
	Env       json.RawMessage `json:"environment_variables"`
}

// HandleBrowserMessage parses raw as a typed client request and, subject
// to the ownership check, translates it into container actions and
// browser broadcasts. userID is "" for compat contexts that
// pre-authenticated at the socket level, in which case the check is
// skipped.
func (reg *Registry) HandleBrowserMessage(sessionID string, socket *websocket.Conn, raw []byte, userID string) {
	r := reg.Get(sessionID)
	if r == nil {
		return
	}

	var req browserRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	if userID != "" && userID != r.UserID {
		return
	}

	switch req.Type {
	case "session_user_message":
		r.handleUserMessage(req)
	case "session_permission_response":
		r.handlePermissionResponse(req)
	case "session_interrupt":
		r.handleInterrupt()
	case "session_set_permission_mode":
		r.handleSetPermissionMode(req)
	case "session_set_model":
		r.handleSetModel(req)
	case "session_update_env":
		r.handleUpdateEnv(req)
	}
}

func (r *Relay) handleUserMessage(req browserRequest) {
	if req.Content == "" {
		return
	}
	r.sendToContainer(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": req.Content,
		},
		"parent_tool_use_id": nil,
		"session_id":         r.SessionID,
	})
	r.persist("user", req.Content, nil)
	r.broadcast(EventSessionMessage, map[string]interface{}{
		"sessionId":   r.SessionID,
		"messageType": "user",
		"content":     req.Content,
	})
	r.touchActivity()
}

func (r *Relay) handlePermissionResponse(req browserRequest) {
	p, ok := r.takePermission(req.RequestID)
	if !ok {
		return
	}

	response := map[string]interface{}{
		"behavior": req.Behavior,
	}
	if req.Behavior == "allow" {
		response["updatedInput"] = p.Input
	}
	r.sendToContainer(map[string]interface{}{
		"type": "control_response",
		"response": map[string]interface{}{
			"subtype":    "success",
			"request_id": req.RequestID,
			"response":   response,
		},
	})

	r.persist("permission_response", req.Behavior+": "+p.ToolName, map[string]any{
		"requestId": req.RequestID,
		"behavior":  req.Behavior,
		"toolName":  p.ToolName,
	})
	r.broadcast(EventSessionPermissionResolve, map[string]interface{}{
		"sessionId": r.SessionID,
		"requestId": req.RequestID,
		"behavior":  req.Behavior,
	})
}

// handleInterrupt sends a synthesized user message rather than the raw
// {type:"interrupt"} frame: the literal interrupt frame crashes the
// container. Preserve this until the downstream crash is confirmed fixed.
func (r *Relay) handleInterrupt() {
	r.persist("system", "User interrupted session", nil)
	r.sendToContainer(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": "Interrupt requested",
		},
		"parent_tool_use_id": nil,
		"session_id":         r.SessionID,
	})
	r.broadcast(EventSessionMessage, map[string]interface{}{
		"sessionId":   r.SessionID,
		"messageType": "system",
		"content":     "Interrupt requested",
	})
}

func (r *Relay) handleSetPermissionMode(req browserRequest) {
	r.sendToContainer(map[string]interface{}{
		"type":            "set_permission_mode",
		"permission_mode": req.Mode,
	})
	r.persist("system", "Permission mode set to: "+req.Mode, map[string]any{"mode": req.Mode})
}

func (r *Relay) handleSetModel(req browserRequest) {
	r.sendToContainer(map[string]interface{}{
		"type":  "set_model",
		"model": req.Model,
	})
	r.persist("system", "Model set to: "+req.Model, map[string]any{"model": req.Model})
}

func (r *Relay) handleUpdateEnv(req browserRequest) {
	env, keys, err := decodeEnvObject(req.Env)
	if err != nil {
		return
	}
	r.sendToContainer(map[string]interface{}{
		"type":                   "update_environment_variables",
		"environment_variables": env,
	})

	r.persist("system", "Environment variables updated", map[string]any{"variableKeys": keys})
}

// decodeEnvObject decodes a JSON object into a string map while also
// recording its keys in the order they appeared on the wire. Go's
// encoding/json discards object key order when decoding into a map, so the
// keys are walked separately with a token-level decoder.
func decodeEnvObject(raw json.RawMessage) (map[string]string, []string, error) {
	var env map[string]string
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(env))
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil { // opening '{'
		return env, keys, nil
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		key, ok := tok.(string)
		if !ok {
			break
		}
		keys = append(keys, key)
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			break
		}
	}
	return env, keys, nil
}

// runBrowserReadLoop reads browser requests from socket until it closes.
func (reg *Registry) runBrowserReadLoop(sessionID string, socket *websocket.Conn, userID string) {
	r := reg.Get(sessionID)
	defer func() {
		if r != nil {
			r.removeBrowserFromSession(socket)
		}
	}()

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			return
		}
		reg.HandleBrowserMessage(sessionID, socket, data, userID)
	}
}

// RunBrowserSubscriber subscribes socket to sessionID and starts a
// goroutine that reads its inbound requests until it disconnects; it
// returns without waiting for that goroutine. lastEventID replays buffered
// events after that id, if provided. Returns false if no Relay exists.
func (reg *Registry) RunBrowserSubscriber(sessionID string, socket *websocket.Conn, userID, lastEventID string) bool {
	if !reg.addBrowserToSession(sessionID, socket, lastEventID) {
		return false
	}
	util.SafeGo(func() {
		reg.runBrowserReadLoop(sessionID, socket, userID)
	}, "browser-read-loop")
	return true
}
