// socket.go — Small WebSocket helpers shared across ingress/egress/registry.
package relay

import "time"

// noDeadline returns a short, fixed deadline for control-frame writes
// (close/ping), matching the writeWait convention used throughout the
// relay-server pattern this package is grounded on.
func noDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}
