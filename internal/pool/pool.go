package pool

import "sync"

// FrameBufSize fits the largest frame the codec produces.
const FrameBufSize = 1472

var framePool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, FrameBufSize)
		return &b
	},
}

// GetFrame returns a frame-sized scratch buffer for sealing reply packets.
func GetFrame() *[]byte {
	return framePool.Get().(*[]byte)
}

// PutFrame returns a buffer obtained from GetFrame.
func PutFrame(b *[]byte) {
	if b == nil || cap(*b) < FrameBufSize {
		return
	}
	*b = (*b)[:FrameBufSize]
	framePool.Put(b)
}
