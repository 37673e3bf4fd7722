// Package broker hands out RUDP session slots over TLS. A client connects,
// receives one assignment message carrying its slot address and key
// material, and the connection closes.
package broker

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/TeoSlayer/multisocketrudp/pkg/core"
	"github.com/TeoSlayer/multisocketrudp/pkg/protocol"
)

// Default tuning constants (used when Config fields are zero).
const (
	DefaultPublicIP         = "127.0.0.1"
	DefaultHandshakeTimeout = 5 * time.Second
	maxConsecutiveErrors    = 10
)

// Reserver assigns session slots. *core.Core implements it.
type Reserver interface {
	Reserve(key, salt []byte) (core.Reservation, error)
	// Cancel frees a reservation that was never delivered.
	Cancel(r core.Reservation) bool
}

type Config struct {
	PublicIP         string        // address advertised in assignments (default 127.0.0.1)
	HandshakeTimeout time.Duration // TLS handshake and write deadline (default 5s)
	Rand             io.Reader     // secret source (default crypto/rand)
}

func (c *Config) publicIP() (netip.Addr, error) {
	ip := c.PublicIP
	if ip == "" {
		ip = DefaultPublicIP
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("public ip %q: %w", ip, err)
	}
	return addr.Unmap(), nil
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (c *Config) rand() io.Reader {
	if c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

type Server struct {
	reserver    Reserver
	cfg         Config
	publicIP    netip.Addr
	tlsConfig   *tls.Config
	fingerprint string

	mu       sync.Mutex
	listener net.Listener
	readyCh  chan struct{}
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewServer(r Reserver, cfg Config) (*Server, error) {
	ip, err := cfg.publicIP()
	if err != nil {
		return nil, err
	}
	return &Server{
		reserver: r,
		cfg:      cfg,
		publicIP: ip,
		readyCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetTLS loads the broker certificate. If certFile is empty, a self-signed
// certificate is generated.
func (s *Server) SetTLS(certFile, keyFile string) error {
	var cert tls.Certificate
	if certFile != "" {
		c, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("load TLS keypair: %w", err)
		}
		cert = c
		slog.Info("broker TLS configured", "cert", certFile)
	} else {
		c, err := generateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("generate self-signed cert: %w", err)
		}
		cert = c
		slog.Info("broker TLS configured with auto-generated self-signed certificate")
	}
	s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	s.fingerprint = Fingerprint(cert.Certificate[0])
	return nil
}

// Fingerprint returns the SHA-256 fingerprint of the serving certificate.
func (s *Server) Fingerprint() string { return s.fingerprint }

// ListenAndServe accepts broker connections until Close.
func (s *Server) ListenAndServe(addr string) error {
	if s.tlsConfig == nil {
		if err := s.SetTLS("", ""); err != nil {
			return err
		}
	}
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	slog.Info("broker listening", "addr", ln.Addr(), "fingerprint", s.fingerprint)
	close(s.readyCh)

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			consecutiveErrors++
			slog.Error("broker accept error", "err", err, "consecutive", consecutiveErrors)
			if consecutiveErrors >= maxConsecutiveErrors {
				return fmt.Errorf("accept: %d consecutive errors, last: %w", consecutiveErrors, err)
			}
			backoff := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
			time.Sleep(backoff)
			continue
		}
		consecutiveErrors = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Ready returns a channel that is closed when the server has bound its port.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the server's bound address. Only valid after Ready() fires.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and waits for in-progress assignments.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			err = ln.Close()
		}
		s.wg.Wait()
	})
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.cfg.handshakeTimeout()))

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			slog.Debug("broker handshake failed", "remote", conn.RemoteAddr(), "err", err)
			return
		}
	}

	a, res := s.assign()
	if err := protocol.WriteAssignment(conn, a); err != nil {
		slog.Warn("broker write error", "remote", conn.RemoteAddr(), "err", err)
		if a.Result == protocol.ResultSuccess {
			s.reserver.Cancel(res)
		}
		return
	}
	if a.Result == protocol.ResultSuccess {
		slog.Info("session assigned", "remote", conn.RemoteAddr(), "session_id", a.SessionID, "addr", a.Addr)
	} else {
		slog.Warn("session assignment refused", "remote", conn.RemoteAddr(), "result", a.Result)
	}
}

// assign reserves a slot with fresh key material. The reservation is only
// meaningful when the result is ResultSuccess.
func (s *Server) assign() (protocol.Assignment, core.Reservation) {
	key, salt, err := newSessionKeys(s.cfg.rand())
	if err != nil {
		slog.Error("session key generation failed", "err", err)
		return protocol.Assignment{Result: protocol.ResultSessionKeyGenerationFailed}, core.Reservation{}
	}
	res, err := s.reserver.Reserve(key, salt)
	switch {
	case errors.Is(err, core.ErrServerFull):
		return protocol.Assignment{Result: protocol.ResultServerFull}, core.Reservation{}
	case err != nil:
		slog.Error("session reserve failed", "err", err)
		return protocol.Assignment{Result: protocol.ResultInternalError}, core.Reservation{}
	}
	return protocol.Assignment{
		Result:    protocol.ResultSuccess,
		Addr:      netip.AddrPortFrom(s.publicIP, res.Port),
		SessionID: res.SessionID,
		Key:       key,
		Salt:      salt,
	}, res
}
