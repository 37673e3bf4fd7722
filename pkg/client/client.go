// Package client is the RUDP client endpoint: it takes a session
// assignment from the broker, connects to the assigned slot, and offers
// reliable sends and in-order receives.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"

	"github.com/TeoSlayer/multisocketrudp/pkg/broker"
	"github.com/TeoSlayer/multisocketrudp/pkg/flow"
	"github.com/TeoSlayer/multisocketrudp/pkg/protocol"
)

var (
	ErrRetransmissionLimit = errors.New("retransmission limit reached")
	ErrClosed              = errors.New("client closed")
	ErrAssignmentRejected  = errors.New("session assignment rejected")
	ErrDisconnected        = errors.New("disconnected by server")
	ErrNotConnected        = errors.New("not connected")
)

// Default tuning constants (used when Options fields are zero).
const (
	DefaultConnectRetryInterval   = 200 * time.Millisecond
	DefaultRetransmissionInterval = 100 * time.Millisecond
	DefaultMaxRetransmissionCount = 16
	DefaultSweepInterval          = 20 * time.Millisecond
	DefaultWindowSize             = 256
	DefaultMessageBuffer          = 256
	maxReceiverWindow             = 65535
)

type Options struct {
	FrameCode              byte          // default 0x89
	ConnectRetryInterval   time.Duration // default 200ms
	RetransmissionInterval time.Duration // default 100ms
	MaxRetransmissionCount int           // default 16
	SweepInterval          time.Duration // default 20ms
	WindowSize             uint32        // default 256
	MessageBuffer          int           // Messages channel capacity, default 256
}

func (o *Options) frameCode() byte {
	if o.FrameCode != 0 {
		return o.FrameCode
	}
	return protocol.DefaultFrameCode
}

func (o *Options) connectRetryInterval() time.Duration {
	if o.ConnectRetryInterval > 0 {
		return o.ConnectRetryInterval
	}
	return DefaultConnectRetryInterval
}

func (o *Options) retransmissionInterval() time.Duration {
	if o.RetransmissionInterval > 0 {
		return o.RetransmissionInterval
	}
	return DefaultRetransmissionInterval
}

func (o *Options) maxRetransmissionCount() int {
	if o.MaxRetransmissionCount > 0 {
		return o.MaxRetransmissionCount
	}
	return DefaultMaxRetransmissionCount
}

func (o *Options) sweepInterval() time.Duration {
	if o.SweepInterval > 0 {
		return o.SweepInterval
	}
	return DefaultSweepInterval
}

func (o *Options) windowSize() uint32 {
	if o.WindowSize > 0 {
		return o.WindowSize
	}
	return DefaultWindowSize
}

func (o *Options) messageBuffer() int {
	if o.MessageBuffer > 0 {
		return o.MessageBuffer
	}
	return DefaultMessageBuffer
}

// Message is one packet delivered in order by the server.
type Message struct {
	PacketID uint32
	Payload  []byte
}

type outstanding struct {
	seq         uint64
	frame       []byte
	retransmits int
	deadline    time.Time
}

type Client struct {
	opts      Options
	sessionID uint16
	key       []byte
	codec     *protocol.Codec
	conn      *net.UDPConn

	mu           sync.Mutex
	nextSend     uint64
	sendBase     uint64
	highestAcked uint64
	nextReply    uint64 // header sequence of the next reply frame
	peerWindow   uint64 // highest window end the server has advertised
	sendTable    map[uint64]*outstanding
	pending      *queue.Queue
	flow         *flow.Controller
	seq          *flow.Sequencer

	connected   chan struct{}
	connectOnce sync.Once
	messages    chan Message
	done        chan struct{}
	doneOnce    sync.Once
	errMu       sync.Mutex
	err         error
	cancel      context.CancelFunc
	group       *errgroup.Group
}

// Dial fetches an assignment from the broker at brokerAddr, pinning its
// certificate fingerprint, and connects to the assigned slot.
func Dial(ctx context.Context, brokerAddr, fingerprint string, opts Options) (*Client, error) {
	a, err := broker.Fetch(ctx, brokerAddr, fingerprint)
	if err != nil {
		return nil, err
	}
	c, err := New(a, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// New opens a UDP socket toward the assigned slot. Call Connect before
// sending.
func New(a protocol.Assignment, opts Options) (*Client, error) {
	if a.Result != protocol.ResultSuccess {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentRejected, a.Result)
	}
	codec, err := protocol.NewCodec(opts.frameCode(), a.Key, a.Salt)
	if err != nil {
		return nil, fmt.Errorf("session codec: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(a.Addr))
	if err != nil {
		return nil, fmt.Errorf("dial session %d: %w", a.SessionID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c := &Client{
		opts:      opts,
		sessionID: a.SessionID,
		key:       append([]byte(nil), a.Key...),
		codec:     codec,
		conn:      conn,
		sendTable: make(map[uint64]*outstanding),
		pending:   queue.New(),
		flow:      flow.NewController(),
		seq:       flow.NewSequencer(opts.windowSize(), 0),
		connected: make(chan struct{}),
		messages:  make(chan Message, opts.messageBuffer()),
		done:      make(chan struct{}),
		cancel:    cancel,
		group:     g,
	}
	g.Go(c.readLoop)
	g.Go(func() error { return c.sweepLoop(gctx) })
	return c, nil
}

// SessionID returns the assigned session id.
func (c *Client) SessionID() uint16 { return c.sessionID }

// LocalAddr returns the client's UDP address.
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Messages delivers server packets in sequence order. It is closed when
// the client stops.
func (c *Client) Messages() <-chan Message { return c.messages }

// Err returns the error that stopped the client, or nil while it runs.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed when the client stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// FlowStats returns a snapshot of the send-side congestion state.
func (c *Client) FlowStats() flow.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flow.Snapshot()
}

// Connect sends Connect until the server acknowledges it or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	frame, err := c.codec.Encode(nil, protocol.Packet{
		Type:      protocol.TypeConnect,
		Direction: protocol.ClientToServer,
		Sequence:  protocol.LoginSequence,
		Payload:   protocol.ConnectBody(c.sessionID, c.key),
	})
	if err != nil {
		return fmt.Errorf("seal connect: %w", err)
	}
	ticker := time.NewTicker(c.opts.connectRetryInterval())
	defer ticker.Stop()

	for {
		c.write(frame)
		select {
		case <-c.connected:
			slog.Debug("rudp client connected", "session_id", c.sessionID, "server", c.conn.RemoteAddr())
			return nil
		case <-c.done:
			return c.Err()
		case <-ctx.Done():
			return fmt.Errorf("connect session %d: %w", c.sessionID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) isConnected() bool {
	select {
	case <-c.connected:
		return true
	default:
		return false
	}
}

// Send queues a reliable packet to the server.
func (c *Client) Send(packetID uint32, payload []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	if !c.isConnected() {
		return ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.nextSend
	frame, err := c.codec.Encode(nil, protocol.Packet{
		Type:      protocol.TypeSend,
		Direction: protocol.ClientToServer,
		Sequence:  seq,
		PacketID:  packetID,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("seal send: %w", err)
	}
	c.nextSend++
	e := &outstanding{seq: seq, frame: frame}
	if c.pending.Length() == 0 && c.canSendLocked(seq) {
		c.transmitLocked(e, time.Now())
	} else {
		c.pending.Add(e)
	}
	return nil
}

// Close sends Disconnect and stops the client.
func (c *Client) Close() error {
	if c.Err() == nil && c.isConnected() {
		c.mu.Lock()
		seq := c.nextSend
		c.nextSend++
		c.mu.Unlock()
		frame, err := c.codec.Encode(nil, protocol.Packet{
			Type:      protocol.TypeDisconnect,
			Direction: protocol.ClientToServer,
			Sequence:  seq,
		})
		if err == nil {
			c.write(frame)
		}
	}
	c.stop(ErrClosed)
	return c.group.Wait()
}

// stop records err as the terminal error and tears the client down.
func (c *Client) stop(err error) {
	c.doneOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.cancel()
		c.conn.Close()
		if !errors.Is(err, ErrClosed) {
			slog.Warn("rudp client stopped", "session_id", c.sessionID, "error", err)
		}
	})
}

func (c *Client) write(frame []byte) {
	if _, err := c.conn.Write(frame); err != nil {
		slog.Debug("rudp client write failed", "session_id", c.sessionID, "error", err)
	}
}

// canSendLocked lets one packet out when nothing is in flight, so a
// closed window is retried instead of stalling.
func (c *Client) canSendLocked(seq uint64) bool {
	return len(c.sendTable) == 0 || c.flow.CanSend(seq, c.sendBase)
}

func (c *Client) transmitLocked(e *outstanding, now time.Time) {
	e.deadline = now.Add(c.opts.retransmissionInterval())
	c.sendTable[e.seq] = e
	c.write(e.frame)
}

func (c *Client) readLoop() error {
	defer close(c.messages)
	buf := make([]byte, protocol.MaxFrameSize+1)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// ICMP port unreachable surfaces as a read error on
			// connected UDP sockets; keep reading.
			slog.Debug("rudp client read error", "session_id", c.sessionID, "error", err)
			continue
		}
		pkt, err := c.codec.Decode(buf[:n])
		if err != nil {
			slog.Debug("rudp client frame dropped", "session_id", c.sessionID, "error", err)
			continue
		}
		if pkt.Direction != protocol.DirectionFor(pkt.Type, true) {
			continue
		}
		if !c.handle(pkt) {
			return nil
		}
	}
}

// handle processes one server packet. It reports false once the client
// should stop reading.
func (c *Client) handle(pkt protocol.Packet) bool {
	switch pkt.Type {
	case protocol.TypeSendReply, protocol.TypeHeartbeatReply:
		acked, windowEnd, err := protocol.ParseReplyBody(pkt.Payload)
		if err != nil {
			slog.Debug("rudp client reply dropped", "session_id", c.sessionID, "error", err)
			return true
		}
		if pkt.Type == protocol.TypeSendReply && acked == protocol.LoginSequence {
			c.connectOnce.Do(func() { close(c.connected) })
			return true
		}
		c.mu.Lock()
		c.onAckLocked(acked, windowEnd, time.Now())
		c.mu.Unlock()

	case protocol.TypeSend, protocol.TypeHeartbeat:
		return c.onData(pkt)

	case protocol.TypeDisconnect:
		c.stop(ErrDisconnected)
		return false
	}
	return true
}

func (c *Client) onData(pkt protocol.Packet) bool {
	c.mu.Lock()
	verdict, ready := c.seq.Offer(flow.Held{
		Sequence: pkt.Sequence,
		PacketID: pkt.PacketID,
		Payload:  pkt.Payload,
		Control:  pkt.Type == protocol.TypeHeartbeat,
	})
	if verdict == flow.OutOfWindow {
		c.mu.Unlock()
		return true
	}
	reply := protocol.TypeSendReply
	if pkt.Type == protocol.TypeHeartbeat {
		reply = protocol.TypeHeartbeatReply
	}
	frame, err := c.codec.Encode(nil, protocol.Packet{
		Type:      reply,
		Direction: protocol.ClientToServerReply,
		Sequence:  c.nextReply,
		Payload:   protocol.ReplyBody(pkt.Sequence, c.seq.WindowEnd()),
	})
	if err == nil {
		c.nextReply++
	}
	c.mu.Unlock()
	if err == nil {
		c.write(frame)
	}

	for _, h := range ready {
		if h.Control {
			continue
		}
		m := Message{PacketID: h.PacketID, Payload: append([]byte(nil), h.Payload...)}
		select {
		case c.messages <- m:
		case <-c.done:
			return false
		}
	}
	return true
}

func (c *Client) onAckLocked(seq, windowEnd uint64, now time.Time) {
	if _, ok := c.sendTable[seq]; ok {
		delete(c.sendTable, seq)
		c.flow.OnAckReceived(seq)
		if seq > c.highestAcked {
			c.highestAcked = seq
		}
	} else if seq >= c.highestAcked && seq < c.nextSend {
		c.flow.OnDuplicateAck(seq)
	}

	base := c.nextSend
	if c.pending.Length() > 0 {
		base = c.pending.Peek().(*outstanding).seq
	}
	for s := range c.sendTable {
		if s < base {
			base = s
		}
	}
	c.sendBase = base

	if windowEnd > c.peerWindow {
		c.peerWindow = windowEnd
	}
	var rwnd uint64
	if c.peerWindow > c.sendBase {
		rwnd = c.peerWindow - c.sendBase
	}
	if rwnd > maxReceiverWindow {
		rwnd = maxReceiverWindow
	}
	c.flow.UpdateReceiverWindow(uint32(rwnd))

	for c.pending.Length() > 0 {
		e := c.pending.Peek().(*outstanding)
		if !c.canSendLocked(e.seq) {
			break
		}
		c.pending.Remove()
		c.transmitLocked(e, now)
	}
}

func (c *Client) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := c.retransmitDue(now); err != nil {
				c.stop(err)
				return nil
			}
		}
	}
}

func (c *Client) retransmitDue(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.sendTable {
		if now.Before(e.deadline) {
			continue
		}
		if e.retransmits >= c.opts.maxRetransmissionCount() {
			return fmt.Errorf("%w: seq %d", ErrRetransmissionLimit, e.seq)
		}
		e.retransmits++
		e.deadline = now.Add(c.opts.retransmissionInterval())
		c.flow.OnTimeout()
		c.write(e.frame)
	}
	return nil
}
