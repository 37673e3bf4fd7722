package core

import (
	"fmt"
	"sync"
)

// SessionBehavior receives session lifecycle events and delivered packets.
// All calls for one session come from its partition's logic goroutine,
// except OnDisconnected, which runs on the release goroutine.
type SessionBehavior interface {
	OnConnected(s *Session)
	OnDisconnected(s *Session)
	// Handle processes one in-order packet. payload is only valid for the
	// duration of the call. A non-nil error releases the session.
	Handle(s *Session, packetID uint32, payload []byte) error
}

// HandlerFunc processes the payload of one packet ID.
type HandlerFunc func(s *Session, payload []byte) error

// Router is the default SessionBehavior: a static table from packet ID to
// handler. Packets with no registered handler release the session.
type Router struct {
	mu           sync.RWMutex
	handlers     map[uint32]HandlerFunc
	onConnect    func(*Session)
	onDisconnect func(*Session)
}

func NewRouter() *Router {
	return &Router{handlers: make(map[uint32]HandlerFunc)}
}

// Register installs fn for packetID, replacing any previous handler.
func (r *Router) Register(packetID uint32, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[packetID] = fn
	r.mu.Unlock()
}

// OnConnect sets a callback run when a session connects.
func (r *Router) OnConnect(fn func(*Session)) {
	r.mu.Lock()
	r.onConnect = fn
	r.mu.Unlock()
}

// OnDisconnect sets a callback run when a connected session is released.
func (r *Router) OnDisconnect(fn func(*Session)) {
	r.mu.Lock()
	r.onDisconnect = fn
	r.mu.Unlock()
}

func (r *Router) OnConnected(s *Session) {
	r.mu.RLock()
	fn := r.onConnect
	r.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (r *Router) OnDisconnected(s *Session) {
	r.mu.RLock()
	fn := r.onDisconnect
	r.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (r *Router) Handle(s *Session, packetID uint32, payload []byte) error {
	r.mu.RLock()
	fn, ok := r.handlers[packetID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPacketID, packetID)
	}
	return fn(s, payload)
}
