package core

import (
	"errors"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	var c Config
	if c.workers() != DefaultWorkers || c.sockets() != DefaultSockets {
		t.Errorf("workers/sockets: got %d/%d", c.workers(), c.sockets())
	}
	if c.frameCode() != 0x89 {
		t.Errorf("frame code: got %#x, want 0x89", c.frameCode())
	}
	if c.retransmissionInterval() != 100*time.Millisecond {
		t.Errorf("retransmission interval: got %v", c.retransmissionInterval())
	}
	if c.maxRetransmissionCount() != 16 {
		t.Errorf("max retransmissions: got %d, want 16", c.maxRetransmissionCount())
	}
	if c.windowSize() != 256 {
		t.Errorf("window: got %d, want 256", c.windowSize())
	}
	if want := DefaultSockets * DefaultReadBatchSize * arenaSlotsPerReader; c.arenaSlots() != want {
		t.Errorf("arena slots: got %d, want %d", c.arenaSlots(), want)
	}
	if c.reservationSweepInterval() != maxReservationSweepInterval {
		t.Errorf("reservation sweep: got %v", c.reservationSweepInterval())
	}
	short := Config{ReservationTimeout: 100 * time.Millisecond}
	if short.reservationSweepInterval() != 50*time.Millisecond {
		t.Errorf("short reservation sweep: got %v, want 50ms", short.reservationSweepInterval())
	}
	if err := c.validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cases := map[string]Config{
		"too many sockets": {Sockets: 1<<16 + 1},
		"port overflow":    {PortStart: 65500, Sockets: 64},
		"negative port":    {PortStart: -1},
		"bad bind ip":      {BindIP: "not-an-ip"},
		"small arena":      {Sockets: 4, ReadBatchSize: 8, ArenaSlots: 8},
	}
	for name, cfg := range cases {
		if err := cfg.validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: got %v, want ErrInvalidConfig", name, err)
		}
	}
	if _, err := New(Config{BindIP: "nope"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New: got %v, want ErrInvalidConfig", err)
	}
}

func TestSlotAddr(t *testing.T) {
	t.Parallel()
	c := Config{BindIP: "127.0.0.1", PortStart: 9000}
	if got := c.slotAddr(3); got != "127.0.0.1:9003" {
		t.Errorf("slot addr: got %s, want 127.0.0.1:9003", got)
	}
	e := Config{}
	if got := e.slotAddr(3); got != "0.0.0.0:0" {
		t.Errorf("ephemeral slot addr: got %s, want 0.0.0.0:0", got)
	}
}

func TestSessionTableFreeList(t *testing.T) {
	t.Parallel()
	tb := newSessionTable(3)
	for i := range tb.sessions {
		tb.sessions[i] = &Session{id: uint16(i)}
	}
	var ids []uint16
	for i := 0; i < 3; i++ {
		s, ok := tb.acquire()
		if !ok {
			t.Fatalf("acquire %d failed", i)
		}
		ids = append(ids, s.id)
	}
	if _, ok := tb.acquire(); ok {
		t.Fatal("acquire from full table succeeded")
	}
	tb.release(ids[1])
	tb.release(ids[1])
	tb.release(ids[0])
	if n := tb.freeCount(); n != 2 {
		t.Fatalf("free: got %d, want 2", n)
	}
	// Least recently released first.
	if s, _ := tb.acquire(); s.id != ids[1] {
		t.Errorf("reuse order: got %d, want %d", s.id, ids[1])
	}
	if _, ok := tb.get(99); ok {
		t.Error("get out of range succeeded")
	}
}

func TestRouterUnknownPacketID(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	called := false
	r.Register(7, func(*Session, []byte) error {
		called = true
		return nil
	})
	if err := r.Handle(nil, 7, nil); err != nil || !called {
		t.Fatalf("registered handler: err %v called %v", err, called)
	}
	if err := r.Handle(nil, 8, nil); !errors.Is(err, ErrUnknownPacketID) {
		t.Fatalf("unknown id: got %v, want ErrUnknownPacketID", err)
	}
}

func TestSessionStateString(t *testing.T) {
	t.Parallel()
	for st, want := range map[SessionState]string{
		Disconnected: "DISCONNECTED",
		Reserved:     "RESERVED",
		Connected:    "CONNECTED",
		Releasing:    "RELEASING",
	} {
		if st.String() != want {
			t.Errorf("%d: got %s, want %s", st, st.String(), want)
		}
	}
}
