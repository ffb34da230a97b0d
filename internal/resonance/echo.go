package resonance

import "sync"

// DefaultEchoCapacity bounds how many recently surfaced memory ids are
// remembered for repeat suppression.
const DefaultEchoCapacity = 25

// EchoBuffer is a bounded FIFO of memory ids that already surfaced in
// recent turns. It keeps the same flashback from echoing turn after
// turn. Lifetime is the process; nothing is persisted.
type EchoBuffer struct {
	mu  sync.Mutex
	cap int
	ids []string
	set map[string]struct{}
}

func NewEchoBuffer(capacity int) *EchoBuffer {
	if capacity <= 0 {
		capacity = DefaultEchoCapacity
	}
	return &EchoBuffer{cap: capacity, set: make(map[string]struct{})}
}

// Contains reports whether id surfaced recently.
func (b *EchoBuffer) Contains(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.set[id]
	return ok
}

// Remember records id, evicting the oldest entry past capacity.
// Re-remembering an id refreshes nothing: its original slot keeps its
// place in the eviction order.
func (b *EchoBuffer) Remember(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.set[id]; ok {
		return
	}
	b.ids = append(b.ids, id)
	b.set[id] = struct{}{}
	for len(b.ids) > b.cap {
		oldest := b.ids[0]
		b.ids = b.ids[1:]
		delete(b.set, oldest)
	}
}

func (b *EchoBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}
