// Package flow implements per-session congestion control and receive-side
// sequencing state. Windows are counted in packets, not bytes.
package flow

import "fmt"

// Congestion control constants.
const (
	InitialCwnd           = 1
	InitialSSThresh       = 65535
	MaxCwnd               = 255 // hard cap on packets in flight
	DuplicateAckThreshold = 3   // duplicate acks before fast recovery
	minSSThresh           = 2
)

// CongestionState is the Reno-like controller state.
type CongestionState uint8

const (
	SlowStart CongestionState = iota
	CongestionAvoidance
	FastRecovery
)

func (s CongestionState) String() string {
	switch s {
	case SlowStart:
		return "SLOW_START"
	case CongestionAvoidance:
		return "CONGESTION_AVOIDANCE"
	case FastRecovery:
		return "FAST_RECOVERY"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Controller is a Reno-like congestion window machine. It is not safe for
// concurrent use; the owning session serializes access.
type Controller struct {
	cwnd           uint32
	ssthresh       uint32
	state          CongestionState
	dupAckCount    uint32
	lastDupAckSeq  uint64
	hasDupAckSeq   bool
	caAckCount     uint32
	receiverWindow uint32
}

// Stats is a point-in-time copy of controller state.
type Stats struct {
	Cwnd           uint32
	SSThresh       uint32
	State          CongestionState
	DupAckCount    uint32
	ReceiverWindow uint32
}

// NewController returns a controller in slow start.
func NewController() *Controller {
	c := &Controller{}
	c.Reset()
	return c
}

// Reset restores the initial state.
func (c *Controller) Reset() {
	*c = Controller{
		cwnd:           InitialCwnd,
		ssthresh:       InitialSSThresh,
		state:          SlowStart,
		receiverWindow: MaxCwnd,
	}
}

// EffectiveWindow returns min(cwnd, receiver window, MaxCwnd).
func (c *Controller) EffectiveWindow() uint32 {
	w := c.cwnd
	if c.receiverWindow < w {
		w = c.receiverWindow
	}
	if w > MaxCwnd {
		w = MaxCwnd
	}
	return w
}

// CanSend reports whether sequence nextSendSeq may go out while
// lastAckedSeq is the oldest unacknowledged sequence. If lastAckedSeq is
// ahead of nextSendSeq the outstanding count is taken as zero.
func (c *Controller) CanSend(nextSendSeq, lastAckedSeq uint64) bool {
	var outstanding uint64
	if nextSendSeq > lastAckedSeq {
		outstanding = nextSendSeq - lastAckedSeq
	}
	return outstanding < uint64(c.EffectiveWindow())
}

// OnAckReceived grows the window for a newly acknowledged sequence.
func (c *Controller) OnAckReceived(ackedSeq uint64) {
	if !c.hasDupAckSeq || ackedSeq != c.lastDupAckSeq {
		c.dupAckCount = 0
	}

	switch c.state {
	case SlowStart:
		if c.cwnd < MaxCwnd {
			c.cwnd++
		}
		if c.cwnd >= c.ssthresh {
			c.state = CongestionAvoidance
			c.caAckCount = 0
		}
	case CongestionAvoidance:
		c.caAckCount++
		if c.caAckCount >= c.cwnd {
			if c.cwnd < MaxCwnd {
				c.cwnd++
			}
			c.caAckCount = 0
		}
	case FastRecovery:
		c.cwnd = c.ssthresh
		c.state = CongestionAvoidance
		c.caAckCount = 0
	}
}

// OnDuplicateAck counts repeated acks for seq. The third one enters fast
// recovery; further ones while recovering inflate the window.
func (c *Controller) OnDuplicateAck(seq uint64) {
	if c.hasDupAckSeq && seq == c.lastDupAckSeq {
		c.dupAckCount++
	} else {
		c.dupAckCount = 1
		c.lastDupAckSeq = seq
		c.hasDupAckSeq = true
	}

	if c.state == FastRecovery {
		if c.cwnd < MaxCwnd {
			c.cwnd++
		}
		return
	}
	if c.dupAckCount >= DuplicateAckThreshold {
		c.ssthresh = halve(c.cwnd)
		c.cwnd = c.ssthresh + DuplicateAckThreshold
		if c.cwnd > MaxCwnd {
			c.cwnd = MaxCwnd
		}
		c.state = FastRecovery
	}
}

// OnTimeout collapses the window after a retransmission timeout.
func (c *Controller) OnTimeout() {
	c.ssthresh = halve(c.cwnd)
	c.cwnd = InitialCwnd
	c.state = SlowStart
	c.dupAckCount = 0
	c.hasDupAckSeq = false
	c.caAckCount = 0
}

// UpdateReceiverWindow stores the peer-advertised receive window.
func (c *Controller) UpdateReceiverWindow(n uint32) {
	c.receiverWindow = n
}

func (c *Controller) Cwnd() uint32              { return c.cwnd }
func (c *Controller) SSThresh() uint32          { return c.ssthresh }
func (c *Controller) State() CongestionState    { return c.state }
func (c *Controller) DuplicateAckCount() uint32 { return c.dupAckCount }

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() Stats {
	return Stats{
		Cwnd:           c.cwnd,
		SSThresh:       c.ssthresh,
		State:          c.state,
		DupAckCount:    c.dupAckCount,
		ReceiverWindow: c.receiverWindow,
	}
}

func halve(cwnd uint32) uint32 {
	h := cwnd / 2
	if h < minSSThresh {
		return minSSThresh
	}
	return h
}
