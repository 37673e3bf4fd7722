package core

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/TeoSlayer/multisocketrudp/internal/pool"
	"github.com/TeoSlayer/multisocketrudp/pkg/flow"
	"github.com/TeoSlayer/multisocketrudp/pkg/protocol"
)

// SessionState is the lifecycle state of a session slot.
type SessionState uint32

const (
	Disconnected SessionState = iota
	Reserved
	Connected
	Releasing
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Reserved:
		return "RESERVED"
	case Connected:
		return "CONNECTED"
	case Releasing:
		return "RELEASING"
	default:
		return fmt.Sprintf("STATE(%d)", uint32(s))
	}
}

// Release reasons.
const (
	reasonRetransmissionLimit = "retransmission limit"
	reasonPeerDisconnect      = "peer disconnect"
	reasonHandlerError        = "handler error"
	reasonReservationTimeout  = "reservation timeout"
	reasonLocal               = "local release"
	reasonCancelled           = "reservation cancelled"
)

// maxReceiverWindow caps the window a peer may advertise.
const maxReceiverWindow = 65535

// outstanding is one tracked frame awaiting acknowledgment. It is shared
// by the session's send table and its partition's retransmission list.
type outstanding struct {
	session     *Session
	epoch       uint64
	seq         uint64
	typ         protocol.PacketType
	frame       []byte
	retransmits int       // guarded by session.mu
	sentAt      time.Time // first transmission
	deadline    time.Time
	acked       atomic.Bool
}

// Session is one slot of the session table. Its id and socket are fixed
// for the life of the core; everything else is reset each epoch.
type Session struct {
	id   uint16
	port uint16
	core *Core
	part *partition
	conn *net.UDPConn

	state          atomic.Uint32
	epoch          atomic.Uint64
	codec          atomic.Pointer[protocol.Codec]
	sendsInFlight  atomic.Int32
	logicExecuting atomic.Bool

	mu           sync.Mutex
	key          [protocol.SessionKeySize]byte
	addr         netip.AddrPort
	reservedAt   time.Time
	connectedAt  time.Time
	wasConnected bool
	nextSend     uint64
	sendBase     uint64 // lowest sequence not yet acknowledged
	highestAcked uint64
	nextReply    uint64 // header sequence of the next reply frame
	peerWindow   uint64 // highest window end the peer has advertised
	sendTable    map[uint64]*outstanding
	pending      *queue.Queue // *outstanding held back by the flow controller
	flow         *flow.Controller
	seq          *flow.Sequencer
	heartbeatOut bool
}

func newSession(c *Core, id uint16) *Session {
	return &Session{
		id:        id,
		core:      c,
		sendTable: make(map[uint64]*outstanding),
		pending:   queue.New(),
		flow:      flow.NewController(),
		seq:       flow.NewSequencer(c.cfg.windowSize(), 0),
	}
}

func (s *Session) ID() uint16 { return s.id }

// Port returns the local UDP port of the session's socket.
func (s *Session) Port() uint16 { return s.port }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Epoch counts how many times the slot has been recycled.
func (s *Session) Epoch() uint64 { return s.epoch.Load() }

// Addr returns the client address, valid once connected.
func (s *Session) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// FlowStats returns a snapshot of the session's congestion state.
func (s *Session) FlowStats() flow.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flow.Snapshot()
}

// Outstanding returns the number of transmitted, unacknowledged frames and
// the number held back by the flow controller.
func (s *Session) Outstanding() (inFlight, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sendTable), s.pending.Length()
}

// Send queues a reliable packet to the client.
func (s *Session) Send(packetID uint32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Connected {
		return ErrNotConnected
	}
	return s.queueLocked(protocol.TypeSend, packetID, payload, time.Now())
}

// Release schedules the session for recycling. It reports false if the
// session was not reserved or connected.
func (s *Session) Release() bool {
	return s.core.scheduleRelease(s, reasonLocal)
}

// reserve installs fresh crypto material and moves the slot to RESERVED.
func (s *Session) reserve(key, salt []byte, now time.Time) error {
	codec, err := protocol.NewCodec(s.core.cfg.frameCode(), key, salt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	copy(s.key[:], key)
	s.reservedAt = now
	s.codec.Store(codec)
	s.state.Store(uint32(Reserved))
	return nil
}

func (s *Session) reservationExpired(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State() == Reserved && now.Sub(s.reservedAt) > timeout
}

// resetLocked clears per-epoch state. The caller holds s.mu.
func (s *Session) resetLocked() {
	s.key = [protocol.SessionKeySize]byte{}
	s.addr = netip.AddrPort{}
	s.reservedAt = time.Time{}
	s.connectedAt = time.Time{}
	s.wasConnected = false
	s.nextSend = 0
	s.sendBase = 0
	s.highestAcked = 0
	s.nextReply = 0
	s.peerWindow = 0
	for _, e := range s.sendTable {
		e.acked.Store(true)
	}
	clear(s.sendTable)
	s.pending = queue.New()
	s.flow.Reset()
	s.seq.Reset(0)
	s.heartbeatOut = false
}

// process runs the receive logic for one authenticated packet. It is only
// called from the session's partition logic goroutine.
func (s *Session) process(epoch uint64, pkt protocol.Packet, from netip.AddrPort) {
	s.logicExecuting.Store(true)
	defer s.logicExecuting.Store(false)
	if s.epoch.Load() != epoch {
		s.core.m.framesDropped.WithLabel(dropNoSession).Inc()
		return
	}

	switch pkt.Type {
	case protocol.TypeConnect:
		s.onConnect(epoch, pkt, from)
	case protocol.TypeSend, protocol.TypeHeartbeat:
		s.onData(epoch, pkt, from)
	case protocol.TypeSendReply, protocol.TypeHeartbeatReply:
		s.onReply(epoch, pkt, from)
	case protocol.TypeDisconnect:
		s.onDisconnect(epoch, from)
	}
}

func (s *Session) onConnect(epoch uint64, pkt protocol.Packet, from netip.AddrPort) {
	s.mu.Lock()
	if s.epoch.Load() != epoch {
		s.mu.Unlock()
		return
	}
	switch s.State() {
	case Reserved:
		sid, key, err := protocol.ParseConnectBody(pkt.Payload)
		if err != nil || pkt.Sequence != protocol.LoginSequence || sid != s.id ||
			subtle.ConstantTimeCompare(key, s.key[:]) != 1 {
			s.mu.Unlock()
			s.core.m.framesDropped.WithLabel(dropConnect).Inc()
			slog.Debug("connect rejected", "session_id", s.id, "from", from)
			return
		}
		if !s.state.CompareAndSwap(uint32(Reserved), uint32(Connected)) {
			s.mu.Unlock()
			return
		}
		s.addr = from
		s.wasConnected = true
		s.connectedAt = time.Now()
		s.replyLocked(protocol.TypeSendReply, protocol.LoginSequence)
		s.mu.Unlock()

		s.core.m.connects.Inc()
		slog.Info("session connected", "session_id", s.id, "addr", from)
		s.core.behavior.OnConnected(s)

	case Connected:
		// The client retries Connect until it sees the reply.
		if from == s.addr && pkt.Sequence == protocol.LoginSequence {
			s.replyLocked(protocol.TypeSendReply, protocol.LoginSequence)
		}
		s.mu.Unlock()

	default:
		s.mu.Unlock()
		s.core.m.framesDropped.WithLabel(dropState).Inc()
	}
}

// acceptLocked reports whether a post-connect packet from addr belongs to
// this epoch's client.
func (s *Session) acceptLocked(epoch uint64, from netip.AddrPort) bool {
	if s.epoch.Load() != epoch || s.State() != Connected {
		s.core.m.framesDropped.WithLabel(dropState).Inc()
		return false
	}
	if from != s.addr {
		s.core.m.framesDropped.WithLabel(dropAddress).Inc()
		return false
	}
	return true
}

func (s *Session) onData(epoch uint64, pkt protocol.Packet, from netip.AddrPort) {
	s.mu.Lock()
	if !s.acceptLocked(epoch, from) {
		s.mu.Unlock()
		return
	}
	verdict, ready := s.seq.Offer(flow.Held{
		Sequence: pkt.Sequence,
		PacketID: pkt.PacketID,
		Payload:  pkt.Payload,
		Control:  pkt.Type == protocol.TypeHeartbeat,
	})
	if verdict == flow.OutOfWindow {
		s.mu.Unlock()
		s.core.m.framesDropped.WithLabel(dropOutOfWindow).Inc()
		slog.Debug("sequence outside receive window", "session_id", s.id, "seq", pkt.Sequence)
		return
	}
	reply := protocol.TypeSendReply
	if pkt.Type == protocol.TypeHeartbeat {
		reply = protocol.TypeHeartbeatReply
	}
	s.replyLocked(reply, pkt.Sequence)
	s.mu.Unlock()

	if verdict == flow.Duplicate {
		s.core.m.duplicates.Inc()
		return
	}
	for _, h := range ready {
		if h.Control {
			continue
		}
		if s.epoch.Load() != epoch || s.State() != Connected {
			return
		}
		if err := s.core.behavior.Handle(s, h.PacketID, h.Payload); err != nil {
			slog.Warn("session handler failed", "session_id", s.id, "packet_id", h.PacketID, "error", err)
			s.core.scheduleRelease(s, reasonHandlerError)
			return
		}
		s.core.m.delivered.Inc()
	}
}

func (s *Session) onReply(epoch uint64, pkt protocol.Packet, from netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptLocked(epoch, from) {
		return
	}
	acked, windowEnd, err := protocol.ParseReplyBody(pkt.Payload)
	if err != nil {
		s.core.m.framesDropped.WithLabel(dropMalformed).Inc()
		return
	}
	s.onAckLocked(acked, windowEnd, time.Now())
}

func (s *Session) onDisconnect(epoch uint64, from netip.AddrPort) {
	s.mu.Lock()
	ok := s.acceptLocked(epoch, from)
	s.mu.Unlock()
	if ok {
		s.core.scheduleRelease(s, reasonPeerDisconnect)
	}
}

// onAckLocked applies one acknowledgment to the send side.
func (s *Session) onAckLocked(seq, windowEnd uint64, now time.Time) {
	if e, ok := s.sendTable[seq]; ok {
		delete(s.sendTable, seq)
		e.acked.Store(true)
		s.flow.OnAckReceived(seq)
		if e.retransmits == 0 {
			s.core.m.ackRTT.Observe(now.Sub(e.sentAt).Seconds())
		}
		if seq > s.highestAcked {
			s.highestAcked = seq
		}
		if e.typ == protocol.TypeHeartbeat {
			s.heartbeatOut = false
		}
	} else if seq >= s.highestAcked && seq < s.nextSend {
		s.flow.OnDuplicateAck(seq)
	}

	s.advanceSendBaseLocked()
	// The peer's window end never moves backwards; a late or duplicated
	// reply must not shrink it.
	if windowEnd > s.peerWindow {
		s.peerWindow = windowEnd
	}
	var rwnd uint64
	if s.peerWindow > s.sendBase {
		rwnd = s.peerWindow - s.sendBase
	}
	if rwnd > maxReceiverWindow {
		rwnd = maxReceiverWindow
	}
	s.flow.UpdateReceiverWindow(uint32(rwnd))
	s.drainLocked(now)
}

// advanceSendBaseLocked moves sendBase to the lowest unacknowledged
// sequence, or to the next one to transmit when nothing is in flight.
func (s *Session) advanceSendBaseLocked() {
	base := s.nextSend
	if s.pending.Length() > 0 {
		base = s.pending.Peek().(*outstanding).seq
	}
	for seq := range s.sendTable {
		if seq < base {
			base = seq
		}
	}
	s.sendBase = base
}

// queueLocked seals a tracked packet with the next sequence and either
// transmits it or parks it behind the flow controller.
func (s *Session) queueLocked(t protocol.PacketType, packetID uint32, payload []byte, now time.Time) error {
	codec := s.codec.Load()
	if codec == nil {
		return ErrNotConnected
	}
	seq := s.nextSend
	frame, err := codec.Encode(nil, protocol.Packet{
		Type:      t,
		Direction: protocol.DirectionFor(t, true),
		Sequence:  seq,
		PacketID:  packetID,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("seal %s: %w", t, err)
	}
	s.nextSend++
	e := &outstanding{session: s, epoch: s.epoch.Load(), seq: seq, typ: t, frame: frame}
	if s.pending.Length() == 0 && s.canSendLocked(seq) {
		s.transmitLocked(e, now)
	} else {
		s.pending.Add(e)
	}
	return nil
}

func (s *Session) drainLocked(now time.Time) {
	for s.pending.Length() > 0 {
		e := s.pending.Peek().(*outstanding)
		if !s.canSendLocked(e.seq) {
			return
		}
		s.pending.Remove()
		s.transmitLocked(e, now)
	}
}

// canSendLocked applies the flow controller, except that one packet may
// always go out when nothing is in flight. That packet tests a closed
// receive window; its ack reopens the window or its retransmissions
// release the session.
func (s *Session) canSendLocked(seq uint64) bool {
	return len(s.sendTable) == 0 || s.flow.CanSend(seq, s.sendBase)
}

func (s *Session) transmitLocked(e *outstanding, now time.Time) {
	e.sentAt = now
	e.deadline = now.Add(s.core.cfg.retransmissionInterval())
	s.sendTable[e.seq] = e
	s.writeLocked(e.frame)
	s.part.track(e)
}

// replyLocked seals and writes an untracked acknowledgment for seq. Each
// reply takes the next reply sequence, so re-acknowledging seq with a
// moved window end never reuses a nonce.
func (s *Session) replyLocked(t protocol.PacketType, seq uint64) {
	codec := s.codec.Load()
	if codec == nil {
		return
	}
	buf := pool.GetFrame()
	defer pool.PutFrame(buf)
	frame, err := codec.Encode((*buf)[:0], protocol.Packet{
		Type:      t,
		Direction: protocol.DirectionFor(t, true),
		Sequence:  s.nextReply,
		Payload:   protocol.ReplyBody(seq, s.seq.WindowEnd()),
	})
	if err != nil {
		slog.Error("seal reply", "session_id", s.id, "error", err)
		return
	}
	s.nextReply++
	s.writeLocked(frame)
}

// sendDisconnectLocked writes a fire-and-forget Disconnect. It consumes a
// sequence so its nonce is never reused.
func (s *Session) sendDisconnectLocked() {
	codec := s.codec.Load()
	if codec == nil || !s.addr.IsValid() {
		return
	}
	seq := s.nextSend
	s.nextSend++
	frame, err := codec.Encode(nil, protocol.Packet{
		Type:      protocol.TypeDisconnect,
		Direction: protocol.ServerToClient,
		Sequence:  seq,
	})
	if err != nil {
		return
	}
	s.writeLocked(frame)
}

func (s *Session) writeLocked(frame []byte) {
	s.sendsInFlight.Add(1)
	defer s.sendsInFlight.Add(-1)
	if _, err := s.conn.WriteToUDPAddrPort(frame, s.addr); err != nil {
		slog.Debug("rudp write failed", "session_id", s.id, "addr", s.addr, "error", err)
		return
	}
	s.core.m.framesSent.Inc()
}

// retransmit resends e if it is still owed. It reports whether e stays on
// the retransmission list.
func (s *Session) retransmit(e *outstanding, now time.Time) bool {
	s.mu.Lock()
	if e.acked.Load() || s.epoch.Load() != e.epoch || s.State() != Connected {
		s.mu.Unlock()
		return false
	}
	if e.retransmits >= s.core.cfg.maxRetransmissionCount() {
		s.mu.Unlock()
		slog.Warn("retransmission limit reached", "session_id", s.id, "seq", e.seq, "type", e.typ)
		s.core.scheduleRelease(s, reasonRetransmissionLimit)
		return false
	}
	e.retransmits++
	e.deadline = now.Add(s.core.cfg.retransmissionInterval())
	s.flow.OnTimeout()
	s.writeLocked(e.frame)
	s.mu.Unlock()
	s.core.m.retransmissions.Inc()
	return true
}

// sendHeartbeat queues a Heartbeat unless one is still unacknowledged.
func (s *Session) sendHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Connected || s.heartbeatOut {
		return
	}
	if err := s.queueLocked(protocol.TypeHeartbeat, 0, nil, time.Now()); err != nil {
		slog.Debug("heartbeat failed", "session_id", s.id, "error", err)
		return
	}
	s.heartbeatOut = true
}
