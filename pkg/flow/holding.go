package flow

import "container/heap"

// Held is one received packet waiting for the sequences before it.
type Held struct {
	Sequence uint64
	PacketID uint32
	Payload  []byte // owned by the queue entry
	Control  bool   // carries no application payload (heartbeat)
}

type heldHeap []Held

func (h heldHeap) Len() int           { return len(h) }
func (h heldHeap) Less(i, j int) bool { return h[i].Sequence < h[j].Sequence }
func (h heldHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *heldHeap) Push(x any)        { *h = append(*h, x.(Held)) }
func (h *heldHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = Held{}
	*h = old[:n-1]
	return x
}

// HoldingQueue orders out-of-order packets by ascending sequence.
// It is not safe for concurrent use.
type HoldingQueue struct {
	h heldHeap
}

func (q *HoldingQueue) Len() int { return q.h.Len() }

// Push adds p to the queue.
func (q *HoldingQueue) Push(p Held) { heap.Push(&q.h, p) }

// Peek returns the lowest-sequence entry without removing it.
func (q *HoldingQueue) Peek() (Held, bool) {
	if len(q.h) == 0 {
		return Held{}, false
	}
	return q.h[0], true
}

// Pop removes and returns the lowest-sequence entry.
func (q *HoldingQueue) Pop() (Held, bool) {
	if len(q.h) == 0 {
		return Held{}, false
	}
	return heap.Pop(&q.h).(Held), true
}

// Reset drops every entry.
func (q *HoldingQueue) Reset() {
	clear(q.h)
	q.h = q.h[:0]
}

// Sequencer delivers packets in sequence order on top of a receive window
// and a holding queue. It is not safe for concurrent use.
type Sequencer struct {
	window   *ReceiveWindow
	holding  HoldingQueue
	expected uint64
}

// NewSequencer expects sequence start first and tolerates up to
// windowSize packets of reordering.
func NewSequencer(windowSize uint32, start uint64) *Sequencer {
	return &Sequencer{window: NewReceiveWindow(windowSize, start), expected: start}
}

// Verdict classifies one arriving sequence.
type Verdict uint8

const (
	// Deliver: the packet and any now-contiguous held packets are ready.
	Deliver Verdict = iota
	// Buffered: held until the gap before it fills.
	Buffered
	// Duplicate: already received; acknowledge again but do not deliver.
	Duplicate
	// OutOfWindow: too far ahead; drop without acknowledging.
	OutOfWindow
)

func (v Verdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case OutOfWindow:
		return "out_of_window"
	default:
		return "unknown"
	}
}

// Reset moves the sequencer to start and drops held packets.
func (s *Sequencer) Reset(start uint64) {
	s.window.Reset(start)
	s.holding.Reset()
	s.expected = start
}

// Expected returns the next in-order sequence.
func (s *Sequencer) Expected() uint64 { return s.expected }

// Held returns the number of buffered packets.
func (s *Sequencer) Held() int { return s.holding.Len() }

// WindowEnd returns the advertised end of the receive window.
func (s *Sequencer) WindowEnd() uint64 { return s.window.GetWindowEnd(s.expected) }

// Window exposes the underlying receive window.
func (s *Sequencer) Window() *ReceiveWindow { return s.window }

// Offer processes an arriving packet. On Deliver, ready holds p followed by
// every held packet that became contiguous, in sequence order. On Buffered
// the payload is copied so the caller may reuse its buffer.
func (s *Sequencer) Offer(p Held) (Verdict, []Held) {
	switch {
	case p.Sequence < s.expected:
		return Duplicate, nil
	case !s.window.InWindow(p.Sequence):
		return OutOfWindow, nil
	case p.Sequence != s.expected:
		if s.window.IsReceived(p.Sequence) {
			return Duplicate, nil
		}
		s.window.MarkReceived(p.Sequence)
		p.Payload = append([]byte(nil), p.Payload...)
		s.holding.Push(p)
		return Buffered, nil
	}

	s.window.MarkReceived(p.Sequence)
	s.expected++
	ready := []Held{p}
	for {
		top, ok := s.holding.Peek()
		if !ok {
			break
		}
		if top.Sequence < s.expected {
			s.holding.Pop()
			continue
		}
		if top.Sequence != s.expected {
			break
		}
		s.holding.Pop()
		s.expected++
		ready = append(ready, top)
	}
	return Deliver, ready
}
