package core

import (
	"log/slog"

	"github.com/TeoSlayer/multisocketrudp/pkg/metrics"
)

// Frame drop reasons, used as metric labels.
const (
	dropNoSession   = "no_session"
	dropAuth        = "auth"
	dropMalformed   = "malformed"
	dropFrameCode   = "frame_code"
	dropDirection   = "direction"
	dropAddress     = "address"
	dropState       = "state"
	dropOutOfWindow = "out_of_window"
	dropConnect     = "connect_rejected"
)

type coreMetrics struct {
	framesReceived  *metrics.Counter
	framesSent      *metrics.Counter
	framesDropped   *metrics.CounterVec
	retransmissions *metrics.Counter
	delivered       *metrics.Counter
	duplicates      *metrics.Counter
	connects        *metrics.Counter
	reserveFailures *metrics.Counter
	released        *metrics.CounterVec
	ackRTT          *metrics.Histogram
}

func newCoreMetrics(r *metrics.Registry, c *Core) *coreMetrics {
	m := &coreMetrics{
		framesReceived:  r.Counter("frames_received_total", "Datagrams read from slot sockets."),
		framesSent:      r.Counter("frames_sent_total", "Frames written to slot sockets, including retransmissions."),
		framesDropped:   r.CounterVec("frames_dropped_total", "Frames discarded before delivery.", "reason"),
		retransmissions: r.Counter("retransmissions_total", "Frames resent by the retransmission sweep."),
		delivered:       r.Counter("packets_delivered_total", "Packets handed to the session behavior in order."),
		duplicates:      r.Counter("duplicates_total", "Data packets received more than once."),
		connects:        r.Counter("connects_total", "Sessions moved to CONNECTED."),
		reserveFailures: r.Counter("reserve_failures_total", "Reservations refused because the table was full."),
		released:        r.CounterVec("sessions_released_total", "Sessions recycled, by reason.", "reason"),
		ackRTT:          r.Histogram("ack_rtt_seconds", "Time from first transmission to acknowledgment.", metrics.DurationBuckets),
	}
	r.GaugeFunc("sessions_reserved", "Sessions waiting for Connect.", func() float64 {
		return float64(c.countState(Reserved))
	})
	r.GaugeFunc("sessions_connected", "Connected sessions.", func() float64 {
		return float64(c.countState(Connected))
	})
	r.GaugeFunc("sessions_free", "Free session slots.", func() float64 {
		return float64(c.Stats().Free)
	})
	r.GaugeFunc("arena_available", "Free receive buffers.", func() float64 {
		return float64(c.arena.Available())
	})
	return m
}

// Stats is a snapshot of core activity.
type Stats struct {
	Sockets         int
	Free            int
	Reserved        int
	Connected       int
	Releasing       int
	PendingReleases int
	FramesReceived  int64
	FramesSent      int64
	FramesDropped   int64
	Retransmissions int64
	Delivered       int64
}

// Stats returns current counters and the session table census.
func (c *Core) Stats() Stats {
	st := Stats{
		FramesReceived:  c.m.framesReceived.Value(),
		FramesSent:      c.m.framesSent.Value(),
		FramesDropped:   c.m.framesDropped.Total(),
		Retransmissions: c.m.retransmissions.Value(),
		Delivered:       c.m.delivered.Value(),
		PendingReleases: c.releases.Len(),
	}
	t := c.table
	if t == nil {
		return st
	}
	st.Sockets = len(t.sessions)
	st.Free = t.freeCount()
	for _, s := range t.sessions {
		switch s.State() {
		case Reserved:
			st.Reserved++
		case Connected:
			st.Connected++
		case Releasing:
			st.Releasing++
		}
	}
	return st
}

func (c *Core) countState(want SessionState) int {
	if c.table == nil {
		return 0
	}
	n := 0
	for _, s := range c.table.sessions {
		if s.State() == want {
			n++
		}
	}
	return n
}

func (c *Core) logStats() {
	st := c.Stats()
	slog.Info("rudp stats",
		"free", st.Free,
		"reserved", st.Reserved,
		"connected", st.Connected,
		"releasing", st.Releasing,
		"frames_received", st.FramesReceived,
		"frames_sent", st.FramesSent,
		"frames_dropped", st.FramesDropped,
		"retransmissions", st.Retransmissions,
	)
}
