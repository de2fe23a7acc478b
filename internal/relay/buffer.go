// buffer.go — Message Buffer: a bounded FIFO ring of server-events with
// opaque ids for reconnect replay. Adapted from the teacher's generic
// internal/buffers.RingBuffer[T], but traded down to a narrower contract:
// ids are opaque strings (minted with github.com/google/uuid rather than
// an exposed monotonic int64 cursor), and the only operations are
// push/getAll/getAfter/size — callers must not infer ordering from the id
// itself, only from buffer position.
package relay

import (
	"sync"

	"github.com/google/uuid"
)

// bufferEntry is the buffer's {id, data} pair.
type bufferEntry struct {
	id   string
	data ServerEvent
}

// messageBuffer is a fixed-capacity FIFO; once an entry is evicted it is
// unrecoverable and any getAfter referencing its id returns empty.
type messageBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []bufferEntry
}

func newMessageBuffer(capacity int) *messageBuffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &messageBuffer{capacity: capacity}
}

// defaultBufferCapacity is the default ring size: a few hundred entries is
// enough to cover a typical reconnect gap without unbounded growth.
const defaultBufferCapacity = 500

// push appends data, evicting from the front if over capacity, and returns
// a freshly minted unique id.
func (b *messageBuffer) push(data ServerEvent) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.entries = append(b.entries, bufferEntry{id: id, data: data})
	if len(b.entries) > b.capacity {
		overflow := len(b.entries) - b.capacity
		b.entries = b.entries[overflow:]
	}
	return id
}

// getAll returns a FIFO-order snapshot of everything currently buffered.
func (b *messageBuffer) getAll() []bufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bufferEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// getAfter returns every entry strictly after the one whose id equals id.
// Empty if id is absent (including evicted) or is the last entry.
func (b *messageBuffer) getAfter(id string) []bufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := -1
	for i, e := range b.entries {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx == -1 || idx == len(b.entries)-1 {
		return nil
	}
	out := make([]bufferEntry, len(b.entries)-idx-1)
	copy(out, b.entries[idx+1:])
	return out
}

// size returns the current number of buffered entries.
func (b *messageBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
