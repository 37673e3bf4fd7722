package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/TeoSlayer/multisocketrudp/pkg/broker"
	"github.com/TeoSlayer/multisocketrudp/pkg/core"
	"github.com/TeoSlayer/multisocketrudp/pkg/flow"
	"github.com/TeoSlayer/multisocketrudp/pkg/protocol"
)

const echoPacketID = 1

func startCore(t *testing.T, cfg core.Config) *core.Core {
	t.Helper()
	cfg.BindIP = "127.0.0.1"
	if cfg.Sockets == 0 {
		cfg.Sockets = 4
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = time.Hour
	}
	c, err := core.New(cfg)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	c.Handle(echoPacketID, func(s *core.Session, payload []byte) error {
		return s.Send(echoPacketID, payload)
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start core: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

// assignment reserves a slot directly, bypassing the broker.
func assignment(t *testing.T, c *core.Core) protocol.Assignment {
	t.Helper()
	key := make([]byte, protocol.SessionKeySize)
	salt := make([]byte, protocol.SessionSaltSize)
	rand.Read(key)
	rand.Read(salt)
	res, err := c.Reserve(key, salt)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return protocol.Assignment{
		Result:    protocol.ResultSuccess,
		Addr:      netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), res.Port),
		SessionID: res.SessionID,
		Key:       key,
		Salt:      salt,
	}
}

func connect(t *testing.T, a protocol.Assignment, opts Options) *Client {
	t.Helper()
	cl, err := New(a, opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return cl
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receive(t *testing.T, cl *Client) Message {
	t.Helper()
	select {
	case m, ok := <-cl.Messages():
		if !ok {
			t.Fatalf("messages closed: %v", cl.Err())
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestEchoRoundTrip(t *testing.T) {
	t.Parallel()
	c := startCore(t, core.Config{})
	cl := connect(t, assignment(t, c), Options{})

	const n = 200
	for i := 0; i < n; i++ {
		if err := cl.Send(echoPacketID, []byte(fmt.Sprintf("msg-%03d", i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		m := receive(t, cl)
		want := fmt.Sprintf("msg-%03d", i)
		if m.PacketID != echoPacketID || string(m.Payload) != want {
			t.Fatalf("message %d: got %d/%q, want %d/%q", i, m.PacketID, m.Payload, echoPacketID, want)
		}
	}
	waitFor(t, "client send table to drain", func() bool {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		return len(cl.sendTable) == 0 && cl.pending.Length() == 0
	})
}

func TestDialThroughBroker(t *testing.T) {
	t.Parallel()
	c := startCore(t, core.Config{})
	b, err := broker.NewServer(c, broker.Config{PublicIP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	if err := b.SetTLS("", ""); err != nil {
		t.Fatalf("set tls: %v", err)
	}
	go b.ListenAndServe("127.0.0.1:0")
	t.Cleanup(func() { b.Close() })
	<-b.Ready()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := Dial(ctx, b.Addr().String(), b.Fingerprint(), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cl.Close()

	if err := cl.Send(echoPacketID, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if m := receive(t, cl); !bytes.Equal(m.Payload, []byte("hello")) {
		t.Errorf("echo: got %q, want hello", m.Payload)
	}
	s, ok := c.Session(cl.SessionID())
	if !ok || s.State() != core.Connected {
		t.Errorf("server session not connected")
	}
}

func TestNewRejectsFailedAssignment(t *testing.T) {
	t.Parallel()
	_, err := New(protocol.Assignment{Result: protocol.ResultServerFull}, Options{})
	if !errors.Is(err, ErrAssignmentRejected) {
		t.Fatalf("new: got %v, want ErrAssignmentRejected", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	t.Parallel()
	c := startCore(t, core.Config{})
	cl, err := New(assignment(t, c), Options{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cl.Close()
	if err := cl.Send(echoPacketID, []byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send: got %v, want ErrNotConnected", err)
	}
}

func TestConnectTimesOutWithoutServer(t *testing.T) {
	t.Parallel()
	c := startCore(t, core.Config{})
	a := assignment(t, c)
	a.Key = bytes.Repeat([]byte{1}, protocol.SessionKeySize)
	cl, err := New(a, Options{ConnectRetryInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cl.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := cl.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("connect: got %v, want deadline exceeded", err)
	}
}

func TestHeartbeatsAnswered(t *testing.T) {
	t.Parallel()
	c := startCore(t, core.Config{
		HeartbeatInterval:      20 * time.Millisecond,
		RetransmissionInterval: 20 * time.Millisecond,
		MaxRetransmissionCount: 2,
	})
	cl := connect(t, assignment(t, c), Options{})

	time.Sleep(300 * time.Millisecond)
	s, _ := c.Session(cl.SessionID())
	if got := s.State(); got != core.Connected {
		t.Fatalf("state after heartbeats: got %s, want Connected", got)
	}
	if err := cl.Err(); err != nil {
		t.Errorf("client error: %v", err)
	}
}

func TestServerReleaseDisconnectsClient(t *testing.T) {
	t.Parallel()
	c := startCore(t, core.Config{})
	cl := connect(t, assignment(t, c), Options{})
	s, _ := c.Session(cl.SessionID())
	s.Release()

	select {
	case <-cl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not stopped by server disconnect")
	}
	if err := cl.Err(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("err: got %v, want ErrDisconnected", err)
	}
	if err := cl.Send(echoPacketID, nil); !errors.Is(err, ErrDisconnected) {
		t.Errorf("send after disconnect: got %v, want ErrDisconnected", err)
	}
}

func TestCloseReleasesServerSession(t *testing.T) {
	t.Parallel()
	c := startCore(t, core.Config{})
	cl := connect(t, assignment(t, c), Options{})
	id := cl.SessionID()
	s, _ := c.Session(id)
	epoch := s.Epoch()

	if err := cl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "server session release", func() bool { return s.Epoch() != epoch })
	if _, ok := <-cl.Messages(); ok {
		t.Error("messages channel still open after close")
	}
	if err := cl.Err(); !errors.Is(err, ErrClosed) {
		t.Errorf("err: got %v, want ErrClosed", err)
	}
}

func TestRetransmissionLimit(t *testing.T) {
	t.Parallel()
	c := startCore(t, core.Config{})
	cl := connect(t, assignment(t, c), Options{
		RetransmissionInterval: 10 * time.Millisecond,
		MaxRetransmissionCount: 2,
		SweepInterval:          5 * time.Millisecond,
	})
	c.Stop()

	if err := cl.Send(echoPacketID, []byte("lost")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-cl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not give up")
	}
	if err := cl.Err(); !errors.Is(err, ErrRetransmissionLimit) {
		t.Errorf("err: got %v, want ErrRetransmissionLimit", err)
	}
	if st := cl.FlowStats(); st.Cwnd != flow.InitialCwnd {
		t.Errorf("cwnd after timeouts: got %d, want %d", st.Cwnd, flow.InitialCwnd)
	}
}
