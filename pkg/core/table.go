package core

import (
	"sync"

	"github.com/eapache/queue"
)

// sessionTable is the fixed set of session slots. The slice never changes
// after construction, so lookups by id take no lock; only the free list is
// guarded.
type sessionTable struct {
	sessions []*Session

	mu     sync.Mutex
	free   *queue.Queue // uint16 ids, least recently released first
	isFree []bool
}

func newSessionTable(n int) *sessionTable {
	t := &sessionTable{
		sessions: make([]*Session, n),
		free:     queue.New(),
		isFree:   make([]bool, n),
	}
	for i := 0; i < n; i++ {
		t.free.Add(uint16(i))
		t.isFree[i] = true
	}
	return t
}

func (t *sessionTable) get(id uint16) (*Session, bool) {
	if int(id) >= len(t.sessions) {
		return nil, false
	}
	s := t.sessions[id]
	return s, s != nil
}

// acquire takes the next free slot.
func (t *sessionTable) acquire() (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.free.Length() == 0 {
		return nil, false
	}
	id := t.free.Remove().(uint16)
	t.isFree[id] = false
	return t.sessions[id], true
}

// release returns id to the free list. Releasing a free id is a no-op.
func (t *sessionTable) release(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.isFree) || t.isFree[id] {
		return
	}
	t.isFree[id] = true
	t.free.Add(id)
}

func (t *sessionTable) freeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.free.Length()
}
