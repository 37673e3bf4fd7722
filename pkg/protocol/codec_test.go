package protocol

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net/netip"
	"testing"
)

func testMaterial(t *testing.T) (key, salt []byte) {
	t.Helper()
	key = make([]byte, SessionKeySize)
	salt = make([]byte, SessionSaltSize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("key: %v", err)
	}
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		t.Fatalf("salt: %v", err)
	}
	return key, salt
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()
	key, salt := testMaterial(t)

	for _, size := range []int{1, 17, 512, MaxPayloadSize} {
		payload := make([]byte, size)
		rand.Read(payload)

		frame, err := Encode(DefaultFrameCode, ServerToClient, 42, TypeSend, 7, payload, salt, key)
		if err != nil {
			t.Fatalf("encode %d: %v", size, err)
		}
		got, err := Decode(DefaultFrameCode, frame, salt, key)
		if err != nil {
			t.Fatalf("decode %d: %v", size, err)
		}
		if got.Direction != ServerToClient {
			t.Errorf("direction: got %s, want %s", got.Direction, ServerToClient)
		}
		if got.Sequence != 42 {
			t.Errorf("sequence: got %d, want 42", got.Sequence)
		}
		if got.PacketID != 7 {
			t.Errorf("packet id: got %d, want 7", got.PacketID)
		}
		if !bytes.Equal(got.Payload, payload) {
			t.Errorf("payload mismatch for size %d", size)
		}
	}
}

func TestCodecCorePacketHasNoPacketID(t *testing.T) {
	t.Parallel()
	key, salt := testMaterial(t)
	c, err := NewCodec(DefaultFrameCode, key, salt)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	frame, err := c.Encode(nil, Packet{Type: TypeHeartbeat, Direction: ServerToClient, Sequence: 3, PacketID: 99})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != MinCoreFrameSize {
		t.Fatalf("heartbeat frame: got %d bytes, want %d", len(frame), MinCoreFrameSize)
	}
	got, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PacketID != 0 || len(got.Payload) != 0 {
		t.Errorf("heartbeat: got id %d payload %d bytes, want empty", got.PacketID, len(got.Payload))
	}
}

func TestCodecBitFlipFails(t *testing.T) {
	t.Parallel()
	key, salt := testMaterial(t)
	c, err := NewCodec(DefaultFrameCode, key, salt)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	payload := []byte("tamper with me")
	frame, err := c.Encode(nil, Packet{Type: TypeSend, Direction: ClientToServer, Sequence: 9, PacketID: 1, Payload: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Ciphertext spans the bytes after the header; the tag follows the direction byte.
	start := sendHeaderSize
	dirAt := len(frame) - trailerSize
	var positions []int
	for i := start; i < dirAt; i++ {
		positions = append(positions, i)
	}
	for i := dirAt + 1; i < len(frame); i++ {
		positions = append(positions, i)
	}

	for _, pos := range positions {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), frame...)
			tampered[pos] ^= 1 << bit
			if _, err := c.Decode(tampered); !errors.Is(err, ErrAuthFailed) {
				t.Fatalf("byte %d bit %d: got %v, want ErrAuthFailed", pos, bit, err)
			}
		}
	}

	if _, err := c.Decode(append([]byte(nil), frame...)); err != nil {
		t.Fatalf("untampered decode: %v", err)
	}
}

func TestCodecHeaderIsAuthenticated(t *testing.T) {
	t.Parallel()
	key, salt := testMaterial(t)
	c, _ := NewCodec(DefaultFrameCode, key, salt)
	frame, err := c.Encode(nil, Packet{Type: TypeSend, Direction: ClientToServer, Sequence: 5, PacketID: 1, Payload: []byte("x")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	seqFlip := append([]byte(nil), frame...)
	seqFlip[11] ^= 0x01
	if _, err := c.Decode(seqFlip); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("sequence flip: got %v, want ErrAuthFailed", err)
	}

	dirFlip := append([]byte(nil), frame...)
	dirFlip[len(dirFlip)-trailerSize] = byte(ServerToClient)
	if _, err := c.Decode(dirFlip); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("direction flip: got %v, want ErrAuthFailed", err)
	}

	idFlip := append([]byte(nil), frame...)
	idFlip[15] ^= 0x80
	if _, err := c.Decode(idFlip); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("packet id flip: got %v, want ErrAuthFailed", err)
	}
}

func TestCodecNonceDistinctAcrossDirections(t *testing.T) {
	t.Parallel()
	key, salt := testMaterial(t)
	c, _ := NewCodec(DefaultFrameCode, key, salt)

	seen := make(map[[NonceSize]byte]string)
	for _, seq := range []uint64{0, 1, 255, 256, LoginSequence} {
		for d := ClientToServer; d <= ServerToClientReply; d++ {
			n := c.nonce(seq, d)
			if prev, ok := seen[n]; ok {
				t.Fatalf("nonce collision between %s and seq=%d dir=%s", prev, seq, d)
			}
			seen[n] = d.String()
		}
	}
}

func TestCodecRejectsMalformed(t *testing.T) {
	t.Parallel()
	key, salt := testMaterial(t)
	c, _ := NewCodec(DefaultFrameCode, key, salt)

	if _, err := c.Decode(make([]byte, MinCoreFrameSize-1)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("short frame: got %v, want ErrMalformedFrame", err)
	}

	frame, _ := c.Encode(nil, Packet{Type: TypeSend, Direction: ClientToServer, Sequence: 1, Payload: []byte("abc")})
	other, _ := NewCodec(DefaultFrameCode+1, key, salt)
	if _, err := other.Decode(append([]byte(nil), frame...)); !errors.Is(err, ErrFrameCode) {
		t.Errorf("frame code: got %v, want ErrFrameCode", err)
	}

	truncated := append([]byte(nil), frame[:len(frame)-1]...)
	if _, err := c.Decode(truncated); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("truncated: got %v, want ErrMalformedFrame", err)
	}

	badType := append([]byte(nil), frame...)
	badType[3] = 0
	if _, err := c.Decode(badType); !errors.Is(err, ErrInvalidPacketType) {
		t.Errorf("invalid type: got %v, want ErrInvalidPacketType", err)
	}

	if _, err := c.Encode(nil, Packet{Type: TypeSend, Direction: ClientToServer, Payload: make([]byte, MaxPayloadSize+1)}); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversize: got %v, want ErrFrameTooLarge", err)
	}
}

func TestCodecWrongKeyFails(t *testing.T) {
	t.Parallel()
	key, salt := testMaterial(t)
	otherKey, _ := testMaterial(t)

	frame, err := Encode(DefaultFrameCode, ClientToServer, 1, TypeSend, 1, []byte("secret"), salt, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(DefaultFrameCode, frame, salt, otherKey); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("wrong key: got %v, want ErrAuthFailed", err)
	}
}

func TestConnectBody(t *testing.T) {
	t.Parallel()
	key, _ := testMaterial(t)
	id, gotKey, err := ParseConnectBody(ConnectBody(513, key))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != 513 || !bytes.Equal(gotKey, key) {
		t.Errorf("connect body: got id %d, want 513", id)
	}
	if _, _, err := ParseConnectBody(key); err == nil {
		t.Error("expected error for short connect body")
	}
}

func TestReplyBody(t *testing.T) {
	t.Parallel()
	acked, end, err := ParseReplyBody(ReplyBody(LoginSequence, 300))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if acked != LoginSequence || end != 300 {
		t.Errorf("reply body: got acked %d end %d, want %d and 300", acked, end, LoginSequence)
	}
	if _, _, err := ParseReplyBody(make([]byte, 8)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("short reply body: got %v, want ErrMalformedFrame", err)
	}
}

func TestAssignmentRoundTrip(t *testing.T) {
	t.Parallel()
	key, salt := testMaterial(t)
	want := Assignment{
		Result:    ResultSuccess,
		Addr:      netip.MustParseAddrPort("127.0.0.1:40001"),
		SessionID: 12,
		Key:       key,
		Salt:      salt,
	}

	var buf bytes.Buffer
	if err := WriteAssignment(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadAssignment(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Addr != want.Addr || got.SessionID != want.SessionID {
		t.Errorf("assignment: got %v/%d, want %v/%d", got.Addr, got.SessionID, want.Addr, want.SessionID)
	}
	if !bytes.Equal(got.Key, key) || !bytes.Equal(got.Salt, salt) {
		t.Error("assignment key material mismatch")
	}

	buf.Reset()
	if err := WriteAssignment(&buf, Assignment{Result: ResultServerFull}); err != nil {
		t.Fatalf("write full: %v", err)
	}
	full, err := ReadAssignment(&buf)
	if err != nil {
		t.Fatalf("read full: %v", err)
	}
	if full.Result != ResultServerFull {
		t.Errorf("result: got %s, want %s", full.Result, ResultServerFull)
	}
}
