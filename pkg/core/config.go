package core

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/TeoSlayer/multisocketrudp/pkg/protocol"
)

// Default tuning constants (used when Config fields are zero).
const (
	DefaultWorkers                     = 4
	DefaultSockets                     = 64
	DefaultBindIP                      = "0.0.0.0"
	DefaultRetransmissionInterval      = 100 * time.Millisecond
	DefaultMaxRetransmissionCount      = 16
	DefaultRetransmissionSweepInterval = 20 * time.Millisecond
	DefaultHeartbeatInterval           = 1 * time.Second
	DefaultWindowSize                  = 256
	DefaultReservationTimeout          = 10 * time.Second
	DefaultTickInterval                = 16 * time.Millisecond
	DefaultReadBatchSize               = 8
	DefaultReleaseRetryInterval        = 10 * time.Millisecond
	DefaultStatsInterval               = 30 * time.Second
	arenaSlotsPerReader                = 4 // batches of headroom per reader
	maxReservationSweepInterval        = 500 * time.Millisecond
)

type Config struct {
	BindIP    string // local address every slot socket binds to
	PortStart int    // slot i binds PortStart+i (0 = ephemeral ports)
	Workers   int    // partitions (default 4)
	Sockets   int    // session slots, one UDP socket each (default 64)
	FrameCode byte   // leading byte of every frame (default 0x89)

	// Tuning (zero = use defaults)
	RetransmissionInterval      time.Duration // default 100ms
	MaxRetransmissionCount      int           // default 16
	RetransmissionSweepInterval time.Duration // default 20ms
	HeartbeatInterval           time.Duration // default 1s
	WindowSize                  uint32        // receive window in packets, default 256
	ReservationTimeout          time.Duration // default 10s
	TickInterval                time.Duration // default 16ms
	ReadBatchSize               int           // datagrams per read call, default 8
	ReleaseRetryInterval        time.Duration // default 10ms
	StatsInterval               time.Duration // periodic stats log, default 30s
	SocketReadBuffer            int           // SO_RCVBUF bytes (0 = OS default)
	SocketWriteBuffer           int           // SO_SNDBUF bytes (0 = OS default)
	ArenaSlots                  int           // receive buffers (default Sockets*ReadBatchSize*4)
}

func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return DefaultWorkers
}

func (c *Config) sockets() int {
	if c.Sockets > 0 {
		return c.Sockets
	}
	return DefaultSockets
}

func (c *Config) bindIP() string {
	if c.BindIP != "" {
		return c.BindIP
	}
	return DefaultBindIP
}

func (c *Config) frameCode() byte {
	if c.FrameCode != 0 {
		return c.FrameCode
	}
	return protocol.DefaultFrameCode
}

func (c *Config) retransmissionInterval() time.Duration {
	if c.RetransmissionInterval > 0 {
		return c.RetransmissionInterval
	}
	return DefaultRetransmissionInterval
}

func (c *Config) maxRetransmissionCount() int {
	if c.MaxRetransmissionCount > 0 {
		return c.MaxRetransmissionCount
	}
	return DefaultMaxRetransmissionCount
}

func (c *Config) retransmissionSweepInterval() time.Duration {
	if c.RetransmissionSweepInterval > 0 {
		return c.RetransmissionSweepInterval
	}
	return DefaultRetransmissionSweepInterval
}

func (c *Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

func (c *Config) windowSize() uint32 {
	if c.WindowSize > 0 {
		return c.WindowSize
	}
	return DefaultWindowSize
}

func (c *Config) reservationTimeout() time.Duration {
	if c.ReservationTimeout > 0 {
		return c.ReservationTimeout
	}
	return DefaultReservationTimeout
}

func (c *Config) reservationSweepInterval() time.Duration {
	if d := c.reservationTimeout() / 2; d < maxReservationSweepInterval {
		return d
	}
	return maxReservationSweepInterval
}

func (c *Config) tickInterval() time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	return DefaultTickInterval
}

func (c *Config) readBatchSize() int {
	if c.ReadBatchSize > 0 {
		return c.ReadBatchSize
	}
	return DefaultReadBatchSize
}

func (c *Config) releaseRetryInterval() time.Duration {
	if c.ReleaseRetryInterval > 0 {
		return c.ReleaseRetryInterval
	}
	return DefaultReleaseRetryInterval
}

func (c *Config) statsInterval() time.Duration {
	if c.StatsInterval > 0 {
		return c.StatsInterval
	}
	return DefaultStatsInterval
}

func (c *Config) arenaSlots() int {
	if c.ArenaSlots > 0 {
		return c.ArenaSlots
	}
	return c.sockets() * c.readBatchSize() * arenaSlotsPerReader
}

// validate rejects combinations the slot table cannot represent.
func (c *Config) validate() error {
	n := c.sockets()
	if n > 1<<16 {
		return fmt.Errorf("%w: %d sockets exceeds the session id space", ErrInvalidConfig, n)
	}
	if c.PortStart < 0 || c.PortStart > 0xFFFF {
		return fmt.Errorf("%w: port start %d", ErrInvalidConfig, c.PortStart)
	}
	if c.PortStart > 0 && c.PortStart+n-1 > 0xFFFF {
		return fmt.Errorf("%w: ports %d-%d exceed 65535", ErrInvalidConfig, c.PortStart, c.PortStart+n-1)
	}
	if _, err := netip.ParseAddr(c.bindIP()); err != nil {
		return fmt.Errorf("%w: bind ip %q: %v", ErrInvalidConfig, c.bindIP(), err)
	}
	if c.arenaSlots() < n*c.readBatchSize() {
		return fmt.Errorf("%w: %d arena slots cannot cover %d readers of batch %d",
			ErrInvalidConfig, c.arenaSlots(), n, c.readBatchSize())
	}
	return nil
}

// slotAddr returns the listen address of slot i.
func (c *Config) slotAddr(i int) string {
	port := 0
	if c.PortStart > 0 {
		port = c.PortStart + i
	}
	return netip.AddrPortFrom(netip.MustParseAddr(c.bindIP()), uint16(port)).String()
}
