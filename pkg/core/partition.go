package core

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/TeoSlayer/multisocketrudp/internal/pool"
	"github.com/TeoSlayer/multisocketrudp/pkg/protocol"
)

// completion is one datagram read into an arena slot. The handle moves
// from the reader to the pump, then to the logic goroutine, which releases it.
type completion struct {
	s     *Session
	epoch uint64
	h     pool.Handle
	n     int
	from  netip.AddrPort
}

// message is a decoded packet bound for the logic goroutine. pkt.Payload
// aliases the arena slot h.
type message struct {
	s     *Session
	epoch uint64
	pkt   protocol.Packet
	from  netip.AddrPort
	h     pool.Handle
}

// partition serves every session whose id maps to it. Receive logic for
// those sessions runs serially on one goroutine.
type partition struct {
	id          int
	core        *Core
	completions chan completion
	logic       chan message

	mu   sync.Mutex
	retx []*outstanding
}

func newPartition(c *Core, id, depth int) *partition {
	return &partition{
		id:          id,
		core:        c,
		completions: make(chan completion, depth),
		logic:       make(chan message, depth),
	}
}

// track adds e to the retransmission list.
func (p *partition) track(e *outstanding) {
	p.mu.Lock()
	p.retx = append(p.retx, e)
	p.mu.Unlock()
}

func (p *partition) tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retx)
}

// pump decodes completions and forwards them to the logic goroutine.
func (p *partition) pump(ctx context.Context) error {
	arena := p.core.arena
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-p.completions:
			m, ok := p.decode(c)
			if !ok {
				arena.Release(c.h)
				continue
			}
			select {
			case p.logic <- m:
			case <-ctx.Done():
				arena.Release(c.h)
				return nil
			}
		}
	}
}

func (p *partition) decode(c completion) (message, bool) {
	m := p.core.m
	m.framesReceived.Inc()

	codec := c.s.codec.Load()
	if codec == nil || c.s.epoch.Load() != c.epoch {
		m.framesDropped.WithLabel(dropNoSession).Inc()
		return message{}, false
	}
	pkt, err := codec.Decode(p.core.arena.Bytes(c.h)[:c.n])
	if err != nil {
		m.framesDropped.WithLabel(dropReason(err)).Inc()
		slog.Debug("rudp frame dropped", "session_id", c.s.id, "from", c.from, "error", err)
		return message{}, false
	}
	if pkt.Direction != protocol.DirectionFor(pkt.Type, false) {
		m.framesDropped.WithLabel(dropDirection).Inc()
		return message{}, false
	}
	return message{s: c.s, epoch: c.epoch, pkt: pkt, from: c.from, h: c.h}, true
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrAuthFailed):
		return dropAuth
	case errors.Is(err, protocol.ErrFrameCode):
		return dropFrameCode
	case errors.Is(err, protocol.ErrInvalidDirection):
		return dropDirection
	default:
		return dropMalformed
	}
}

// run is the partition's logic goroutine.
func (p *partition) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-p.logic:
			m.s.process(m.epoch, m.pkt, m.from)
			p.core.arena.Release(m.h)
		}
	}
}

func (p *partition) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.core.cfg.retransmissionSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// sweep resends every due entry. Due entries leave the list while the
// partition lock is held and are resent without it, so sessions may track
// new frames concurrently.
func (p *partition) sweep(now time.Time) {
	p.mu.Lock()
	var due []*outstanding
	kept := p.retx[:0]
	for _, e := range p.retx {
		switch {
		case e.acked.Load() || e.session.epoch.Load() != e.epoch:
		case !now.Before(e.deadline):
			due = append(due, e)
		default:
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(p.retx); i++ {
		p.retx[i] = nil
	}
	p.retx = kept
	p.mu.Unlock()

	for _, e := range due {
		if e.session.retransmit(e, now) {
			p.track(e)
		}
	}
}
