package core

import (
	"context"
	"time"
)

// registerTimers installs the core's periodic work on its ticker.
func (c *Core) registerTimers() {
	c.ticker.Register(c.cfg.heartbeatInterval(), func() {
		select {
		case c.heartbeat <- struct{}{}:
		default:
		}
	})
	c.ticker.Register(c.cfg.reservationSweepInterval(), func() {
		c.sweepReservations(time.Now())
	})
	c.ticker.Register(c.cfg.statsInterval(), c.logStats)
}

func (c *Core) heartbeatLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.heartbeat:
			for _, s := range c.table.sessions {
				if s.State() == Connected {
					s.sendHeartbeat()
				}
			}
		}
	}
}

// sweepReservations releases slots reserved longer than the reservation
// timeout without a Connect.
func (c *Core) sweepReservations(now time.Time) {
	timeout := c.cfg.reservationTimeout()
	for _, s := range c.table.sessions {
		if s.State() == Reserved && s.reservationExpired(now, timeout) {
			c.releaseFrom(s, Reserved, reasonReservationTimeout)
		}
	}
}
