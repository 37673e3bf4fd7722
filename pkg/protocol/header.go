package protocol

import "errors"

// Sentinel errors shared across packages.
var (
	ErrAuthFailed        = errors.New("frame authentication failed")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrInvalidPacketType = errors.New("invalid packet type")
	ErrInvalidDirection  = errors.New("invalid direction")
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrFrameCode         = errors.New("frame code mismatch")
)

// Crypto material sizes.
const (
	SessionKeySize  = 16 // AES-128-GCM key
	SessionSaltSize = 16 // per-session nonce salt
	AuthTagSize     = 16 // GCM tag
	NonceSize       = 12
)

// Frame geometry.
//
//	Byte  0:     Frame code
//	Byte  1-2:   Body length (bytes after this field)
//	Byte  3:     Packet type
//	Byte  4-11:  Sequence
//	Byte  12-15: Packet ID (Send only)
//	...          Ciphertext
//	Byte  n-17:  Direction
//	Byte  n-16:  Auth tag
const (
	prefixSize         = 3
	coreHeaderSize     = prefixSize + 1 + 8
	sendHeaderSize     = coreHeaderSize + 4
	trailerSize        = 1 + AuthTagSize
	MinCoreFrameSize   = coreHeaderSize + trailerSize
	MinSendFrameSize   = sendHeaderSize + trailerSize
	MaxFrameSize       = 1472 // fits an unfragmented IPv4 datagram on a 1500 MTU link
	MaxPayloadSize     = MaxFrameSize - MinSendFrameSize
	DefaultFrameCode   = 0x89
)

// LoginSequence is the sequence carried by Connect and acknowledged by the
// reply to it. It is outside the space any data stream can reach.
const LoginSequence uint64 = ^uint64(0)

// ConnectBodySize is the plaintext size of a Connect body.
const ConnectBodySize = 2 + SessionKeySize
