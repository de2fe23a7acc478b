// conn.go — Connection-error classification, shared by the persistence
// layer to distinguish "nothing is listening yet" dial failures from
// other kinds of errors when deciding whether a retry is worthwhile.
package bridge

import (
	"errors"
	"net"
	"strings"
)

// IsConnectionError returns true if err indicates a peer is unreachable
// (connection refused, DNS lookup failure) rather than some other failure
// mode (auth, malformed request). Any *net.OpError in the chain counts,
// including a dial or I/O timeout; a plain error counts only if its message
// contains "connection refused" or "no such host".
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	// Prefer typed error checks over string matching
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// Fallback: string check for wrapped errors that lose type info
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host")
}
