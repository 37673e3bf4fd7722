package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
)

type releaseRequest struct {
	s      *Session
	epoch  uint64
	reason string
}

// releaseQueue is the FIFO of sessions waiting to be recycled.
type releaseQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
}

func newReleaseQueue() *releaseQueue {
	return &releaseQueue{q: queue.New(), signal: make(chan struct{}, 1)}
}

// push enqueues r and wakes the release goroutine.
func (rq *releaseQueue) push(r releaseRequest) {
	rq.add(r)
	select {
	case rq.signal <- struct{}{}:
	default:
	}
}

// add enqueues r without waking anyone; deferred requests wait for the
// retry tick.
func (rq *releaseQueue) add(r releaseRequest) {
	rq.mu.Lock()
	rq.q.Add(r)
	rq.mu.Unlock()
}

func (rq *releaseQueue) take() []releaseRequest {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	out := make([]releaseRequest, 0, rq.q.Length())
	for rq.q.Length() > 0 {
		out = append(out, rq.q.Remove().(releaseRequest))
	}
	return out
}

func (rq *releaseQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.q.Length()
}

// scheduleRelease moves s to RELEASING and queues it for recycling. Only
// the first caller per epoch wins.
func (c *Core) scheduleRelease(s *Session, reason string) bool {
	for {
		st := s.State()
		if st != Connected && st != Reserved {
			return false
		}
		if c.releaseFrom(s, st, reason) {
			return true
		}
	}
}

// releaseFrom is scheduleRelease restricted to sessions still in state from.
func (c *Core) releaseFrom(s *Session, from SessionState, reason string) bool {
	if !s.state.CompareAndSwap(uint32(from), uint32(Releasing)) {
		return false
	}
	slog.Debug("session release scheduled", "session_id", s.id, "reason", reason)
	c.releases.push(releaseRequest{s: s, epoch: s.epoch.Load(), reason: reason})
	return true
}

func (c *Core) releaseLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.releaseRetryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.releases.signal:
		case <-ticker.C:
		}
		for _, r := range c.releases.take() {
			if !c.finalize(r) {
				c.releases.add(r)
			}
		}
	}
}

// finalize recycles the slot once no send is in flight and no receive
// logic is running for it. It reports false if the session is still busy.
func (c *Core) finalize(r releaseRequest) bool {
	s := r.s
	if s.epoch.Load() != r.epoch || s.State() != Releasing {
		return true
	}
	if s.sendsInFlight.Load() > 0 || s.logicExecuting.Load() {
		return false
	}

	s.mu.Lock()
	wasConnected := s.wasConnected
	addr := s.addr
	var connectedFor time.Duration
	if wasConnected {
		connectedFor = time.Since(s.connectedAt)
		if r.reason != reasonPeerDisconnect {
			s.sendDisconnectLocked()
		}
	}
	s.mu.Unlock()

	if wasConnected {
		c.behavior.OnDisconnected(s)
	}

	s.mu.Lock()
	s.epoch.Add(1)
	s.codec.Store(nil)
	s.resetLocked()
	s.state.Store(uint32(Disconnected))
	s.mu.Unlock()

	c.table.release(s.id)
	c.m.released.WithLabel(r.reason).Inc()
	if wasConnected {
		slog.Info("session released", "session_id", s.id, "addr", addr, "reason", r.reason, "connected_for", connectedFor)
	} else {
		slog.Debug("reservation released", "session_id", s.id, "reason", r.reason)
	}
	return true
}
