// Package sockopt applies UDP socket options through net.ListenConfig.
package sockopt

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// Options are applied to each socket before bind. Zero leaves the OS
// default in place.
type Options struct {
	ReadBuffer  int
	WriteBuffer int
	ReuseAddr   bool
}

// ListenConfig returns a net.ListenConfig whose Control hook applies o.
func (o Options) ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = apply(fd, o)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}

// ListenUDP binds a UDP socket on addr with o applied.
func ListenUDP(ctx context.Context, addr string, o Options) (*net.UDPConn, error) {
	pc, err := o.ListenConfig().ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listen udp %s: unexpected conn type %T", addr, pc)
	}
	return conn, nil
}
