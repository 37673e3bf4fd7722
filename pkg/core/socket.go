package core

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/TeoSlayer/multisocketrudp/internal/pool"
)

const maxReadBackoff = time.Second

// readBackoff is the pause after n consecutive read errors.
func readBackoff(n int) time.Duration {
	d := time.Duration(n) * 10 * time.Millisecond
	if d > maxReadBackoff {
		return maxReadBackoff
	}
	return d
}

// readLoop drains one slot socket in batches. Every datagram is read into
// its own arena slot and handed to the session's partition.
func (c *Core) readLoop(ctx context.Context, s *Session) error {
	batch := c.cfg.readBatchSize()
	pc := ipv4.NewPacketConn(s.conn)
	msgs := make([]ipv4.Message, batch)
	handles := make([]pool.Handle, batch)
	defer func() {
		for _, h := range handles {
			if h != 0 {
				c.arena.Release(h)
			}
		}
	}()

	consecutiveErrors := 0
	for {
		for i := range msgs {
			if handles[i] != 0 {
				continue
			}
			h, err := c.arena.Acquire(ctx)
			if err != nil {
				return nil
			}
			handles[i] = h
			msgs[i].Buffers = [][]byte{c.arena.Bytes(h)}
		}

		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				slog.Debug("rudp read loop stopped", "session_id", s.id, "reason", "conn closed")
				return nil
			}
			consecutiveErrors++
			slog.Error("rudp read error", "session_id", s.id, "error", err, "consecutive", consecutiveErrors)
			select {
			case <-time.After(readBackoff(consecutiveErrors)):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		consecutiveErrors = 0

		epoch := s.epoch.Load()
		for i := 0; i < n; i++ {
			from, ok := msgs[i].Addr.(*net.UDPAddr)
			if !ok || msgs[i].N == 0 {
				continue
			}
			cm := completion{
				s:     s,
				epoch: epoch,
				h:     handles[i],
				n:     msgs[i].N,
				from:  unmapAddrPort(from.AddrPort()),
			}
			handles[i] = 0
			select {
			case s.part.completions <- cm:
			case <-ctx.Done():
				c.arena.Release(cm.h)
				return nil
			}
		}
	}
}

// unmapAddrPort normalizes IPv4-mapped IPv6 addresses so they compare
// equal to the plain IPv4 form.
func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
