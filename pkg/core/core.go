// Package core is the reliable-transport engine: a fixed table of session
// slots, one UDP socket per slot, served by a small set of partitions that
// decode, sequence, acknowledge and retransmit.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TeoSlayer/multisocketrudp/internal/pool"
	"github.com/TeoSlayer/multisocketrudp/internal/sockopt"
	"github.com/TeoSlayer/multisocketrudp/pkg/metrics"
	"github.com/TeoSlayer/multisocketrudp/pkg/protocol"
	"github.com/TeoSlayer/multisocketrudp/pkg/ticker"
)

var (
	ErrServerFull      = errors.New("no free session slot")
	ErrNotConnected    = errors.New("session not connected")
	ErrCoreStopped     = errors.New("core not running")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrUnknownPacketID = errors.New("no handler for packet id")
)

// Reservation identifies the slot assigned to a new client.
type Reservation struct {
	SessionID uint16
	Port      uint16
	Epoch     uint64
}

type Option func(*Core)

// WithBehavior replaces the default Router. Handle has no effect on a core
// built with a custom behavior.
func WithBehavior(b SessionBehavior) Option {
	return func(c *Core) { c.behavior = b }
}

// WithMetrics registers the core's metrics on r instead of a private registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(c *Core) { c.registry = r }
}

type Core struct {
	cfg      Config
	router   *Router
	behavior SessionBehavior
	registry *metrics.Registry
	m        *coreMetrics

	table     *sessionTable
	parts     []*partition
	arena     *pool.Arena
	ticker    *ticker.Ticker
	releases  *releaseQueue
	heartbeat chan struct{}

	running  atomic.Bool
	startMu  sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// New validates cfg and allocates the session table. Sockets are bound by
// Start.
func New(cfg Config, opts ...Option) (*Core, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Core{
		cfg:       cfg,
		router:    NewRouter(),
		releases:  newReleaseQueue(),
		heartbeat: make(chan struct{}, 1),
		ticker:    ticker.New(cfg.tickInterval()),
	}
	c.behavior = c.router
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = metrics.NewRegistry("rudp_")
	}

	n := cfg.sockets()
	c.table = newSessionTable(n)
	c.arena = pool.NewArena(cfg.arenaSlots(), pool.FrameBufSize)
	depth := cfg.arenaSlots()
	for i := 0; i < cfg.workers(); i++ {
		c.parts = append(c.parts, newPartition(c, i, depth))
	}
	for i := 0; i < n; i++ {
		s := newSession(c, uint16(i))
		s.part = c.parts[i%len(c.parts)]
		c.table.sessions[i] = s
	}
	c.m = newCoreMetrics(c.registry, c)
	return c, nil
}

// Handle registers fn for packetID on the default router. Call it before
// Start.
func (c *Core) Handle(packetID uint32, fn HandlerFunc) {
	c.router.Register(packetID, fn)
}

// Router returns the default router.
func (c *Core) Router() *Router { return c.router }

// Metrics returns the registry holding the core's metrics.
func (c *Core) Metrics() *metrics.Registry { return c.registry }

// Session returns the slot with the given id.
func (c *Core) Session(id uint16) (*Session, bool) { return c.table.get(id) }

// Start binds every slot socket and launches the core's goroutines. It
// returns once the core is serving; Stop shuts it down.
func (c *Core) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return errors.New("core already started")
	}

	opts := sockopt.Options{
		ReadBuffer:  c.cfg.SocketReadBuffer,
		WriteBuffer: c.cfg.SocketWriteBuffer,
		ReuseAddr:   c.cfg.PortStart > 0,
	}
	for i, s := range c.table.sessions {
		conn, err := sockopt.ListenUDP(ctx, c.cfg.slotAddr(i), opts)
		if err != nil {
			c.closeSockets()
			return fmt.Errorf("bind session %d: %w", i, err)
		}
		s.conn = conn
		s.port = uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g
	c.started = true

	for _, s := range c.table.sessions {
		g.Go(func() error { return c.readLoop(gctx, s) })
	}
	for _, p := range c.parts {
		g.Go(func() error { return p.pump(gctx) })
		g.Go(func() error { return p.run(gctx) })
		g.Go(func() error { return p.sweepLoop(gctx) })
	}
	g.Go(func() error { return c.releaseLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	c.registerTimers()
	g.Go(func() error { return c.ticker.Run(gctx) })
	c.running.Store(true)

	first := c.table.sessions[0].port
	slog.Info("rudp core started",
		"sockets", len(c.table.sessions),
		"workers", len(c.parts),
		"bind", c.cfg.bindIP(),
		"first_port", first,
	)
	return nil
}

// Stop cancels every goroutine, closes the slot sockets and waits.
func (c *Core) Stop() error {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		c.startMu.Lock()
		started := c.started
		c.startMu.Unlock()
		if !started {
			return
		}
		c.cancel()
		c.closeSockets()
		c.arena.Close()
		if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.stopErr = err
		}
		slog.Info("rudp core stopped")
	})
	return c.stopErr
}

func (c *Core) closeSockets() {
	for _, s := range c.table.sessions {
		if s.conn != nil {
			s.conn.Close()
		}
	}
}

// Reserve assigns a free slot to a new client and installs its key and
// salt. The slot waits in RESERVED for the client's Connect.
func (c *Core) Reserve(key, salt []byte) (Reservation, error) {
	if !c.running.Load() {
		return Reservation{}, ErrCoreStopped
	}
	if len(key) != protocol.SessionKeySize || len(salt) != protocol.SessionSaltSize {
		return Reservation{}, fmt.Errorf("reserve: key %d bytes, salt %d bytes", len(key), len(salt))
	}
	s, ok := c.table.acquire()
	if !ok {
		c.m.reserveFailures.Inc()
		return Reservation{}, ErrServerFull
	}
	if err := s.reserve(key, salt, time.Now()); err != nil {
		c.table.release(s.id)
		return Reservation{}, fmt.Errorf("reserve session %d: %w", s.id, err)
	}
	slog.Debug("session reserved", "session_id", s.id, "port", s.port)
	return Reservation{SessionID: s.id, Port: s.port, Epoch: s.Epoch()}, nil
}

// Cancel gives back a reservation whose client never received it. It is a
// no-op once the slot has connected or moved to a later epoch.
func (c *Core) Cancel(r Reservation) bool {
	s, ok := c.Session(r.SessionID)
	if !ok || s.Epoch() != r.Epoch {
		return false
	}
	return c.releaseFrom(s, Reserved, reasonCancelled)
}
