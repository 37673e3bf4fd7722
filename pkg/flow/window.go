package flow

// ReceiveWindow tracks which of the next Size sequences have arrived.
// Bit i of the bitmap stands for sequence Start()+i.
type ReceiveWindow struct {
	start  uint64
	size   uint32
	bitmap []uint64
}

// NewReceiveWindow returns an empty window of size sequences beginning at
// start. size must be positive.
func NewReceiveWindow(size uint32, start uint64) *ReceiveWindow {
	if size == 0 {
		size = 1
	}
	return &ReceiveWindow{
		start:  start,
		size:   size,
		bitmap: make([]uint64, (size+63)/64),
	}
}

// Reset empties the window and moves it to start.
func (w *ReceiveWindow) Reset(start uint64) {
	w.start = start
	clear(w.bitmap)
}

func (w *ReceiveWindow) Size() uint32        { return w.size }
func (w *ReceiveWindow) WindowStart() uint64 { return w.start }

// InWindow reports whether seq falls in [start, start+size).
func (w *ReceiveWindow) InWindow(seq uint64) bool {
	return seq >= w.start && seq-w.start < uint64(w.size)
}

func (w *ReceiveWindow) bit(off uint64) bool {
	return w.bitmap[off/64]&(1<<(off%64)) != 0
}

// IsReceived reports whether seq is marked. Sequences behind the window
// count as received.
func (w *ReceiveWindow) IsReceived(seq uint64) bool {
	if seq < w.start {
		return true
	}
	if !w.InWindow(seq) {
		return false
	}
	return w.bit(seq - w.start)
}

// MarkReceived records seq and slides the window over every contiguous
// received sequence at its front. It returns false if seq is outside the
// window.
func (w *ReceiveWindow) MarkReceived(seq uint64) bool {
	if !w.InWindow(seq) {
		return false
	}
	off := seq - w.start
	w.bitmap[off/64] |= 1 << (off % 64)
	for w.bit(0) {
		w.shift()
	}
	return true
}

// shift drops offset 0 and moves every bit down by one.
func (w *ReceiveWindow) shift() {
	n := len(w.bitmap)
	for i := 0; i < n; i++ {
		w.bitmap[i] >>= 1
		if i+1 < n {
			w.bitmap[i] |= (w.bitmap[i+1] & 1) << 63
		}
	}
	w.start++
}

// GetWindowEnd returns the first sequence past the window that begins at
// nextRecv. The value is advertised to the peer as its send limit.
func (w *ReceiveWindow) GetWindowEnd(nextRecv uint64) uint64 {
	return nextRecv + uint64(w.size)
}
