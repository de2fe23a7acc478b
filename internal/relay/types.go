// types.go — The Relay aggregate: per-session state multiplexing one
// container socket and N browser sockets, guarded by a single mutex per
// the teacher's mutate-under-lock-then-snapshot discipline
// (internal/server.Server, internal/audit.AuditTrail).
package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coderelay/relayd/internal/lifecycle"
	"github.com/gorilla/websocket"
)

// Capabilities is the container's self-reported environment, populated at
// system/init and immutable afterward.
type Capabilities struct {
	WorkingDir         string   `json:"cwd"`
	Model              string   `json:"model"`
	Tools              []string `json:"tools"`
	MCPServers         []string `json:"mcp_servers"`
	PermissionMode     string   `json:"permission_mode"`
	ClaudeCodeVersion  string   `json:"claude_code_version"`
}

// ResultStats is the accounting attached to a container `result` message.
type ResultStats struct {
	DurationMS   int64   `json:"duration_ms"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	ResultType   string  `json:"result_type"`
}

// PendingPermission is a container control-request stored verbatim so the
// eventual response can echo the original input.
type PendingPermission struct {
	RequestID      string      `json:"request_id"`
	ToolName       string      `json:"tool_name"`
	ToolUseID      string      `json:"tool_use_id,omitempty"`
	Input          interface{} `json:"input"`
	DecisionReason string      `json:"decision_reason,omitempty"`
}

// CreateOptions carries the optional startup hints accepted by getOrCreate.
type CreateOptions struct {
	InitialPrompt string
	WorkerContext interface{}
}

// PersistenceHook is the fire-and-forget durability collaborator a Relay
// reports through. Concrete bodies live in
// internal/persistence/{mongopersist,memorypersist}; the Relay only depends
// on this narrow interface, mirroring the teacher's server.LogReader split
// (internal/server/log_accessor.go).
type PersistenceHook interface {
	RecordStatus(sessionID string, status lifecycle.Status, extra map[string]any)
	RecordMessage(sessionID, msgType, content string, metadata map[string]any)
	TouchActivity(sessionID string)
}

// Relay is the per-session aggregate multiplexing one container socket
// and N browser socket subscribers. All field access outside this package
// goes through methods that take mu.
type Relay struct {
	SessionID string
	UserID    string

	InitialPrompt string
	WorkerContext interface{}

	mu sync.Mutex

	containerSocket *websocket.Conn
	containerWriteMu sync.Mutex // serializes writes to containerSocket; gorilla/websocket forbids concurrent writers

	// browserOutboxes holds one bounded outbox channel per subscribed
	// browser socket. A dedicated writePump goroutine drains each channel
	// and owns that socket's writes, so a slow or half-open browser can
	// never stall the container read loop delivering a broadcast: a full
	// outbox is dropped (channel closed, subscriber removed) instead of
	// blocking the sender.
	browserOutboxes map[*websocket.Conn]chan ServerEvent

	initialized  bool
	capabilities Capabilities

	status       lifecycle.Status
	startupPhase lifecycle.StartupPhase
	startupAt    time.Time

	pendingPermissions map[string]PendingPermission
	buffer             *messageBuffer
	lastActivityAt     time.Time

	resultStats ResultStats

	persistence PersistenceHook
	log         *slog.Logger
}

func newRelay(sessionID, userID string, opts CreateOptions, capacity int, hook PersistenceHook, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		SessionID:          sessionID,
		UserID:             userID,
		InitialPrompt:      opts.InitialPrompt,
		WorkerContext:      opts.WorkerContext,
		browserOutboxes:    make(map[*websocket.Conn]chan ServerEvent),
		status:             lifecycle.StatusStarting,
		startupPhase:       lifecycle.PhaseNone,
		pendingPermissions: make(map[string]PendingPermission),
		buffer:             newMessageBuffer(capacity),
		persistence:        hook,
		log:                logger,
	}
}

// Status returns the current externally-visible status.
func (r *Relay) Status() lifecycle.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
