package pool

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrArenaClosed is returned by Acquire after Close.
var ErrArenaClosed = errors.New("arena closed")

// Handle names one arena slot. The zero Handle is never valid.
type Handle int32

// Arena is a fixed set of equally sized buffers addressed by handle. A
// handle has exactly one owner from Acquire until Release; ownership moves
// between goroutines by passing the handle, never the slice.
type Arena struct {
	slotSize int
	mem      []byte
	owned    []atomic.Bool
	free     chan Handle
	done     chan struct{}
	closed   atomic.Bool
}

// NewArena allocates slots buffers of slotSize bytes each.
func NewArena(slots, slotSize int) *Arena {
	if slots <= 0 {
		slots = 1
	}
	if slotSize <= 0 {
		slotSize = FrameBufSize
	}
	a := &Arena{
		slotSize: slotSize,
		mem:      make([]byte, slots*slotSize),
		owned:    make([]atomic.Bool, slots+1),
		free:     make(chan Handle, slots),
		done:     make(chan struct{}),
	}
	for h := 1; h <= slots; h++ {
		a.free <- Handle(h)
	}
	return a
}

func (a *Arena) Slots() int    { return cap(a.free) }
func (a *Arena) SlotSize() int { return a.slotSize }

// Available returns the number of free slots.
func (a *Arena) Available() int { return len(a.free) }

// Acquire blocks until a slot is free, ctx is done, or the arena closes.
func (a *Arena) Acquire(ctx context.Context) (Handle, error) {
	select {
	case h := <-a.free:
		a.owned[h].Store(true)
		return h, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-a.done:
		return 0, ErrArenaClosed
	}
}

// TryAcquire returns a free slot without blocking.
func (a *Arena) TryAcquire() (Handle, bool) {
	select {
	case h := <-a.free:
		a.owned[h].Store(true)
		return h, true
	default:
		return 0, false
	}
}

// Bytes returns the full-capacity buffer behind h. The slice must not be
// used after h is released.
func (a *Arena) Bytes(h Handle) []byte {
	off := (int(h) - 1) * a.slotSize
	return a.mem[off : off+a.slotSize : off+a.slotSize]
}

// Release returns h to the arena. It reports false, and does nothing, if
// h is invalid or already free.
func (a *Arena) Release(h Handle) bool {
	if h <= 0 || int(h) >= len(a.owned) {
		return false
	}
	if !a.owned[h].CompareAndSwap(true, false) {
		return false
	}
	a.free <- h
	return true
}

// Close wakes blocked Acquire calls. Held handles stay valid until released.
func (a *Arena) Close() {
	if a.closed.CompareAndSwap(false, true) {
		close(a.done)
	}
}
