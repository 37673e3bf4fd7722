package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// Codec seals and opens frames for one session. The key and salt are fixed
// for the codec's lifetime; a new session epoch gets a new Codec.
//
// A Codec is safe for concurrent use.
type Codec struct {
	aead      cipher.AEAD
	salt      [NonceSize]byte
	frameCode byte
}

// NewCodec builds an AES-GCM codec from a session key and salt.
func NewCodec(frameCode byte, key, salt []byte) (*Codec, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("session key: got %d bytes, want %d", len(key), SessionKeySize)
	}
	if len(salt) != SessionSaltSize {
		return nil, fmt.Errorf("session salt: got %d bytes, want %d", len(salt), SessionSaltSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	c := &Codec{aead: aead, frameCode: frameCode}
	copy(c.salt[:], salt[:NonceSize])
	return c, nil
}

// FrameCode returns the leading byte every frame of this codec carries.
func (c *Codec) FrameCode() byte { return c.frameCode }

// nonce mixes direction and sequence into the salt. Distinct (seq, dir)
// pairs always produce distinct nonces.
func (c *Codec) nonce(seq uint64, dir Direction) [NonceSize]byte {
	n := c.salt
	n[3] ^= byte(dir)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		n[4+i] ^= s[i]
	}
	return n
}

func additionalData(buf *[sendHeaderSize + 1]byte, header []byte, dir Direction) []byte {
	n := copy(buf[:], header)
	buf[n] = byte(dir)
	return buf[:n+1]
}

// Encode seals p into a wire frame, reusing dst's storage when it is large
// enough. dst must not overlap p.Payload.
func (c *Codec) Encode(dst []byte, p Packet) ([]byte, error) {
	if !p.Type.Valid() {
		return nil, ErrInvalidPacketType
	}
	if !p.Direction.Valid() {
		return nil, ErrInvalidDirection
	}
	hs := headerSize(p.Type)
	total := hs + len(p.Payload) + trailerSize
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, total, MaxFrameSize)
	}

	var buf []byte
	if cap(dst) >= total {
		buf = dst[:total]
	} else {
		buf = make([]byte, total)
	}

	buf[0] = c.frameCode
	binary.BigEndian.PutUint16(buf[1:3], uint16(total-prefixSize))
	buf[3] = byte(p.Type)
	binary.BigEndian.PutUint64(buf[4:12], p.Sequence)
	if p.Type.HasPacketID() {
		binary.BigEndian.PutUint32(buf[12:16], p.PacketID)
	}

	var aadBuf [sendHeaderSize + 1]byte
	aad := additionalData(&aadBuf, buf[:hs], p.Direction)
	nonce := c.nonce(p.Sequence, p.Direction)
	c.aead.Seal(buf[hs:hs], nonce[:], p.Payload, aad)

	// Seal leaves ciphertext||tag; the direction byte sits between them.
	ctEnd := hs + len(p.Payload)
	copy(buf[ctEnd+1:], buf[ctEnd:ctEnd+AuthTagSize])
	buf[ctEnd] = byte(p.Direction)
	return buf, nil
}

// Decode authenticates and decrypts frame in place. The returned payload
// aliases frame. On ErrAuthFailed the frame contents are undefined and the
// caller must drop it.
func (c *Codec) Decode(frame []byte) (Packet, error) {
	n := len(frame)
	if n < MinCoreFrameSize {
		return Packet{}, fmt.Errorf("%w: %d bytes (min %d)", ErrMalformedFrame, n, MinCoreFrameSize)
	}
	if frame[0] != c.frameCode {
		return Packet{}, ErrFrameCode
	}
	if bodyLen := int(binary.BigEndian.Uint16(frame[1:3])); bodyLen != n-prefixSize {
		return Packet{}, fmt.Errorf("%w: length field %d, frame body %d", ErrMalformedFrame, bodyLen, n-prefixSize)
	}
	t := PacketType(frame[3])
	if !t.Valid() {
		return Packet{}, ErrInvalidPacketType
	}
	hs := headerSize(t)
	if n < hs+trailerSize {
		return Packet{}, fmt.Errorf("%w: %d bytes for %s (min %d)", ErrMalformedFrame, n, t, hs+trailerSize)
	}
	dirAt := n - trailerSize
	dir := Direction(frame[dirAt])
	if !dir.Valid() {
		return Packet{}, ErrInvalidDirection
	}

	p := Packet{
		Type:      t,
		Direction: dir,
		Sequence:  binary.BigEndian.Uint64(frame[4:12]),
	}
	if t.HasPacketID() {
		p.PacketID = binary.BigEndian.Uint32(frame[12:16])
	}

	var aadBuf [sendHeaderSize + 1]byte
	aad := additionalData(&aadBuf, frame[:hs], dir)
	nonce := c.nonce(p.Sequence, dir)

	copy(frame[dirAt:], frame[dirAt+1:])
	pt, err := c.aead.Open(frame[hs:hs], nonce[:], frame[hs:n-1], aad)
	if err != nil {
		return Packet{}, ErrAuthFailed
	}
	p.Payload = pt
	return p, nil
}

// Encode seals one packet with the given session material.
func Encode(frameCode byte, dir Direction, seq uint64, t PacketType, packetID uint32, plaintext, salt, key []byte) ([]byte, error) {
	c, err := NewCodec(frameCode, key, salt)
	if err != nil {
		return nil, err
	}
	return c.Encode(nil, Packet{Type: t, Direction: dir, Sequence: seq, PacketID: packetID, Payload: plaintext})
}

// Decode opens one frame with the given session material.
func Decode(frameCode byte, frame, salt, key []byte) (Packet, error) {
	c, err := NewCodec(frameCode, key, salt)
	if err != nil {
		return Packet{}, err
	}
	return c.Decode(frame)
}
