package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the single-byte packet discriminator.
type PacketType uint8

const (
	TypeInvalid PacketType = iota
	TypeConnect
	TypeDisconnect
	TypeSend
	TypeSendReply
	TypeHeartbeat
	TypeHeartbeatReply
	typeCount
)

func (t PacketType) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeSend:
		return "SEND"
	case TypeSendReply:
		return "SEND_REPLY"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeHeartbeatReply:
		return "HEARTBEAT_REPLY"
	default:
		return fmt.Sprintf("INVALID(%d)", uint8(t))
	}
}

// Valid reports whether t is a known non-Invalid type.
func (t PacketType) Valid() bool { return t > TypeInvalid && t < typeCount }

// IsReply reports whether packets of this type acknowledge another packet.
// Replies are never retransmitted.
func (t PacketType) IsReply() bool { return t == TypeSendReply || t == TypeHeartbeatReply }

// HasPacketID reports whether frames of this type carry a packet ID field.
func (t PacketType) HasPacketID() bool { return t == TypeSend }

// Direction separates the four traffic flows sharing one session key.
type Direction uint8

const (
	ClientToServer      Direction = 0
	ClientToServerReply Direction = 1
	ServerToClient      Direction = 2
	ServerToClientReply Direction = 3
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "C2S"
	case ClientToServerReply:
		return "C2S_REPLY"
	case ServerToClient:
		return "S2C"
	case ServerToClientReply:
		return "S2C_REPLY"
	default:
		return fmt.Sprintf("DIR(%d)", uint8(d))
	}
}

func (d Direction) Valid() bool { return d <= ServerToClientReply }

// DirectionFor returns the direction a packet of type t takes when sent by
// the server (fromServer) or by the client.
func DirectionFor(t PacketType, fromServer bool) Direction {
	switch {
	case fromServer && t.IsReply():
		return ServerToClientReply
	case fromServer:
		return ServerToClient
	case t.IsReply():
		return ClientToServerReply
	default:
		return ClientToServer
	}
}

// Packet is the logical, decrypted form of a frame.
type Packet struct {
	Type      PacketType
	Direction Direction
	Sequence  uint64
	PacketID  uint32 // Send only
	Payload   []byte
}

func headerSize(t PacketType) int {
	if t.HasPacketID() {
		return sendHeaderSize
	}
	return coreHeaderSize
}

// ConnectBody builds the plaintext body of a Connect packet.
func ConnectBody(sessionID uint16, key []byte) []byte {
	b := make([]byte, ConnectBodySize)
	binary.BigEndian.PutUint16(b[0:2], sessionID)
	copy(b[2:], key)
	return b
}

// ParseConnectBody splits a Connect body into session ID and key.
func ParseConnectBody(b []byte) (uint16, []byte, error) {
	if len(b) != ConnectBodySize {
		return 0, nil, fmt.Errorf("connect body: %w", ErrMalformedFrame)
	}
	return binary.BigEndian.Uint16(b[0:2]), b[2:], nil
}

// ReplyBodySize is the plaintext size of SendReply and HeartbeatReply
// bodies.
const ReplyBodySize = 16

// ReplyBody encodes the acknowledged sequence and the receiver's advertised
// window end. A reply's own header sequence comes from the sender's reply
// counter, so every reply frame is sealed under a fresh nonce.
func ReplyBody(ackedSeq, windowEnd uint64) []byte {
	b := make([]byte, ReplyBodySize)
	binary.BigEndian.PutUint64(b[0:8], ackedSeq)
	binary.BigEndian.PutUint64(b[8:16], windowEnd)
	return b
}

// ParseReplyBody splits a reply body into the acknowledged sequence and
// the advertised window end.
func ParseReplyBody(b []byte) (ackedSeq, windowEnd uint64, err error) {
	if len(b) != ReplyBodySize {
		return 0, 0, fmt.Errorf("reply body: %w", ErrMalformedFrame)
	}
	return binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint64(b[8:16]), nil
}
