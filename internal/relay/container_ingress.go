// container_ingress.go — attaches a container socket to an existing Relay,
// parses its NDJSON output frame by frame, and dispatches by message type.
// The read loop is launched via util.SafeGo (the teacher's panic-recovering
// goroutine launcher) so a parser bug never takes the whole process down.
package relay

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/coderelay/relayd/internal/lifecycle"
	"github.com/coderelay/relayd/internal/util"
	"github.com/gorilla/websocket"
)

// containerFrame is the union of every inbound container NDJSON shape.
// Using json.RawMessage/pointer fields for subtype-specific payloads keeps
// one parse covering the whole closed type set.
type containerFrame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// system/init
	Cwd               string   `json:"cwd"`
	SessionID         string   `json:"session_id"`
	Model             string   `json:"model"`
	Tools             []string `json:"tools"`
	MCPServers        []string `json:"mcp_servers"`
	PermissionMode    string   `json:"permission_mode"`
	ClaudeCodeVersion string   `json:"claude_code_version"`

	// assistant
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason,omitempty"`

	// control_request
	RequestID string               `json:"request_id"`
	Request   *controlRequestBody  `json:"request"`

	// tool_progress
	ToolUseID string `json:"tool_use_id"`
	ElapsedMS int64  `json:"elapsed_ms"`

	// result
	ResultType string          `json:"result_type"`
	DurationMS int64           `json:"duration_ms"`
	CostUSD    float64         `json:"cost_usd"`
	Usage      *usageBody      `json:"usage"`
	Error      string          `json:"error"`
	Result     json.RawMessage `json:"result"`

	// auth_status
	Authenticated bool   `json:"authenticated"`
	Provider      string `json:"provider"`

	// tool_use_summary
	ToolsUsed  json.RawMessage `json:"tools_used"`
	TotalCalls int             `json:"total_calls"`
}

type controlRequestBody struct {
	Subtype        string      `json:"subtype"`
	ToolName       string      `json:"tool_name"`
	ToolUseID      string      `json:"tool_use_id"`
	Input          interface{} `json:"input"`
	DecisionReason string      `json:"decision_reason"`
}

type usageBody struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// AttachContainer attaches socket as the container side of sessionID's
// Relay. If no Relay exists, the socket is closed with code 4004 ("Unknown
// session") and nothing else happens. If a container socket was already
// attached, it is closed with code 1000 ("Replaced").
func (reg *Registry) AttachContainer(sessionID string, socket *websocket.Conn) {
	r := reg.Get(sessionID)
	if r == nil {
		closeSocket(socket, 4004, "Unknown session")
		return
	}

	r.mu.Lock()
	prior := r.containerSocket
	r.containerSocket = socket
	r.startupPhase = lifecycle.PhaseInitializing
	r.startupAt = time.Now()
	r.mu.Unlock()

	if prior != nil {
		closeSocket(prior, websocket.CloseNormalClosure, "Replaced")
	}

	r.broadcast(EventSessionStatus, map[string]interface{}{
		"sessionId":    sessionID,
		"status":       lifecycle.StatusStarting,
		"startupPhase": lifecycle.PhaseInitializing,
		"startupAt":    r.startupAt,
	})

	util.SafeGo(func() {
		r.runContainerReadLoop(socket)
	}, "container-read-loop")
}

// runContainerReadLoop reads frames from the container socket until it
// closes, dispatching every NDJSON line within each frame.
func (r *Relay) runContainerReadLoop(socket *websocket.Conn) {
	defer r.handleContainerDisconnect(socket)

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			return
		}
		r.dispatchContainerFrame(data)
	}
}

// dispatchContainerFrame splits one WebSocket frame on '\n' and dispatches
// each valid JSON object in order. Malformed lines are silently skipped
// and never abort the remainder of the frame.
func (r *Relay) dispatchContainerFrame(frame []byte) {
	lines := bytes.Split(frame, []byte("\n"))
	for _, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var msg containerFrame
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			continue
		}
		r.dispatchContainerMessage(msg, trimmed)
	}
}

func (r *Relay) dispatchContainerMessage(msg containerFrame, raw []byte) {
	r.touchActivity()

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			r.handleSystemInit(msg)
		}
	case "assistant":
		r.handleAssistant(msg, raw)
	case "stream_event":
		r.broadcast(EventSessionStream, map[string]interface{}{
			"sessionId": r.SessionID,
			"event":     json.RawMessage(raw),
		})
	case "control_request":
		r.handleControlRequest(msg)
	case "tool_progress":
		r.broadcast(EventSessionToolProgress, map[string]interface{}{
			"sessionId": r.SessionID,
			"toolUseId": msg.ToolUseID,
			"elapsedMs": msg.ElapsedMS,
		})
	case "result":
		r.handleResult(msg)
	case "keep_alive":
		// Activity already touched above; no persistence, no broadcast.
	case "auth_status":
		r.broadcast(EventSessionAuthStatus, map[string]interface{}{
			"sessionId":     r.SessionID,
			"authenticated": msg.Authenticated,
			"provider":      msg.Provider,
		})
	case "tool_use_summary":
		r.persist("tool_use", "", map[string]any{
			"toolsUsed":  msg.ToolsUsed,
			"totalCalls": msg.TotalCalls,
		})
		r.broadcast(EventSessionToolUseSummary, map[string]interface{}{
			"sessionId":  r.SessionID,
			"toolsUsed":  msg.ToolsUsed,
			"totalCalls": msg.TotalCalls,
		})
	default:
		r.broadcast(EventSessionRaw, map[string]interface{}{
			"sessionId": r.SessionID,
			"message":   json.RawMessage(raw),
		})
	}
}

func (r *Relay) handleSystemInit(msg containerFrame) {
	caps := Capabilities{
		WorkingDir:        msg.Cwd,
		Model:             msg.Model,
		Tools:             msg.Tools,
		MCPServers:        msg.MCPServers,
		PermissionMode:    msg.PermissionMode,
		ClaudeCodeVersion: msg.ClaudeCodeVersion,
	}

	r.mu.Lock()
	r.initialized = true
	r.capabilities = caps
	r.startupPhase = lifecycle.PhaseNone
	r.status = lifecycle.StatusActive
	initialPrompt := r.InitialPrompt
	r.mu.Unlock()

	r.persistStatus(lifecycle.StatusActive, map[string]any{"capabilities": caps})
	r.broadcast(EventSessionStatus, map[string]interface{}{
		"sessionId":    r.SessionID,
		"status":       lifecycle.StatusActive,
		"capabilities": caps,
	})

	if initialPrompt != "" {
		r.injectInitialPrompt(initialPrompt)
	}
}

// injectInitialPrompt sends the startup prompt as a synthetic user
// message immediately after system/init.
func (r *Relay) injectInitialPrompt(prompt string) {
	r.sendToContainer(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         r.SessionID,
	})
	r.persist("user", prompt, nil)
}

func (r *Relay) handleAssistant(msg containerFrame, raw []byte) {
	var content interface{}
	_ = json.Unmarshal(msg.Content, &content)

	r.persist("assistant", contentAsString(content), map[string]any{"raw": json.RawMessage(raw)})
	r.broadcast(EventSessionMessage, map[string]interface{}{
		"sessionId":   r.SessionID,
		"messageType": "assistant",
		"content":     content,
		"raw":         json.RawMessage(raw),
	})
}

func contentAsString(content interface{}) string {
	if s, ok := content.(string); ok {
		return s
	}
	b, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	return string(b)
}

func (r *Relay) handleControlRequest(msg containerFrame) {
	if msg.Request == nil {
		return
	}
	switch msg.Request.Subtype {
	case "can_use_tool":
		p := PendingPermission{
			RequestID:      msg.RequestID,
			ToolName:       msg.Request.ToolName,
			ToolUseID:      msg.Request.ToolUseID,
			Input:          msg.Request.Input,
			DecisionReason: msg.Request.DecisionReason,
		}
		r.insertPermission(p)
		r.persist("permission_request", "", map[string]any{
			"requestId":      p.RequestID,
			"toolName":       p.ToolName,
			"toolUseId":      p.ToolUseID,
			"decisionReason": p.DecisionReason,
		})
		r.broadcast(EventSessionPermissionRequest, map[string]interface{}{
			"sessionId":      r.SessionID,
			"requestId":      p.RequestID,
			"toolName":       p.ToolName,
			"toolUseId":      p.ToolUseID,
			"input":          p.Input,
			"decisionReason": p.DecisionReason,
		})
	case "hook_callback":
		r.persist("system", "", map[string]any{"requestId": msg.RequestID})
		r.broadcast(EventSessionControl, map[string]interface{}{
			"sessionId": r.SessionID,
			"subtype":   "hook_callback",
			"requestId": msg.RequestID,
		})
	}
}

func (r *Relay) handleResult(msg containerFrame) {
	stats := ResultStats{
		DurationMS: msg.DurationMS,
		CostUSD:    msg.CostUSD,
		ResultType: msg.ResultType,
	}
	if msg.Usage != nil {
		stats.InputTokens = msg.Usage.InputTokens
		stats.OutputTokens = msg.Usage.OutputTokens
		stats.TotalTokens = msg.Usage.TotalTokens
	}

	r.mu.Lock()
	r.resultStats = stats
	r.mu.Unlock()

	if msg.ResultType == "success" {
		r.persistStatus(lifecycle.StatusActive, map[string]any{"stats": stats})
	} else if isErrorResultType(msg.ResultType) {
		errMsg := msg.Error
		if errMsg == "" {
			errMsg = msg.ResultType
		}
		r.mu.Lock()
		r.status = lifecycle.StatusErrored
		r.mu.Unlock()
		r.persistStatus(lifecycle.StatusErrored, map[string]any{"error": errMsg, "stats": stats})
	}

	r.broadcast(EventSessionResult, map[string]interface{}{
		"sessionId": r.SessionID,
		"stats":     stats,
		"result":    json.RawMessage(msg.Result),
	})
}

func isErrorResultType(resultType string) bool {
	return resultType == "error_during_execution" ||
		resultType == "error_max_turns" ||
		strings.HasPrefix(resultType, "error_")
}

// handleContainerDisconnect runs when the container read loop exits,
// whether from a clean close or a transport error.
func (r *Relay) handleContainerDisconnect(socket *websocket.Conn) {
	r.mu.Lock()
	if r.containerSocket == socket {
		r.containerSocket = nil
	}
	wasInitializing := r.startupPhase == lifecycle.PhaseInitializing
	if wasInitializing {
		r.startupPhase = lifecycle.PhaseFailed
		r.status = lifecycle.StatusErrored
	} else {
		r.status = lifecycle.StatusStopped
	}
	r.mu.Unlock()

	// The session has terminated; any permission request still awaiting a
	// user decision can never be resolved.
	r.clearPermissionsForTeardown()

	if wasInitializing {
		r.persistStatus(lifecycle.StatusErrored, map[string]any{"error": "Container disconnected during startup"})
		r.broadcast(EventSessionStatus, map[string]interface{}{
			"sessionId":    r.SessionID,
			"status":       lifecycle.StatusErrored,
			"startupPhase": lifecycle.PhaseFailed,
		})
		return
	}

	r.persistStatus(lifecycle.StatusStopped, nil)
	r.broadcast(EventSessionStatus, map[string]interface{}{
		"sessionId": r.SessionID,
		"status":    lifecycle.StatusStopped,
	})
}

// sendToContainer marshals v and writes it as one NDJSON line, serialized
// against other writers on the same socket. A missing or non-OPEN socket
// is a silent no-op: fail closed rather than error when the container
// isn't there to receive it.
func (r *Relay) sendToContainer(v interface{}) {
	r.mu.Lock()
	socket := r.containerSocket
	r.mu.Unlock()
	if socket == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	r.containerWriteMu.Lock()
	defer r.containerWriteMu.Unlock()
	_ = socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = socket.WriteMessage(websocket.TextMessage, data)
}

// persist forwards a message record to the configured PersistenceHook,
// fire-and-forget. Failures are the hook's own concern; the Relay never
// observes or waits on them.
func (r *Relay) persist(msgType, content string, metadata map[string]any) {
	util.SafeGo(func() {
		r.persistence.RecordMessage(r.SessionID, msgType, content, metadata)
	}, "persist-message")
}

// persistStatus forwards a status transition to the PersistenceHook,
// fire-and-forget.
func (r *Relay) persistStatus(status lifecycle.Status, extra map[string]any) {
	util.SafeGo(func() {
		r.persistence.RecordStatus(r.SessionID, status, extra)
	}, "persist-status")
}

// touchActivity updates lastActivityAt and notifies the persistence hook.
func (r *Relay) touchActivity() {
	r.mu.Lock()
	r.lastActivityAt = time.Now()
	r.mu.Unlock()
	util.SafeGo(func() {
		r.persistence.TouchActivity(r.SessionID)
	}, "persist-touch-activity")
}
