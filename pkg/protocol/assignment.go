package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// ResultCode is the first byte of a session-assignment message.
type ResultCode uint8

const (
	ResultSuccess ResultCode = iota
	ResultServerFull
	ResultAlreadyConnected
	ResultSessionKeyGenerationFailed
	ResultInternalError
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultServerFull:
		return "server full"
	case ResultAlreadyConnected:
		return "already connected session"
	case ResultSessionKeyGenerationFailed:
		return "session key generation failed"
	case ResultInternalError:
		return "internal error"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Assignment is the one-shot message a broker sends before the RUDP
// channel exists. Only Result is meaningful when Result != ResultSuccess.
type Assignment struct {
	Result    ResultCode
	Addr      netip.AddrPort
	SessionID uint16
	Key       []byte
	Salt      []byte
}

const maxAssignmentSize = 1 + 1 + 16 + 2 + 2 + SessionKeySize + SessionSaltSize

// MarshalBinary encodes the assignment body (without length prefix).
func (a Assignment) MarshalBinary() ([]byte, error) {
	if a.Result != ResultSuccess {
		return []byte{byte(a.Result)}, nil
	}
	if len(a.Key) != SessionKeySize || len(a.Salt) != SessionSaltSize {
		return nil, fmt.Errorf("assignment: bad key material (%d/%d bytes)", len(a.Key), len(a.Salt))
	}
	ip := a.Addr.Addr().AsSlice()
	if len(ip) == 0 {
		return nil, fmt.Errorf("assignment: missing address")
	}
	b := make([]byte, 0, maxAssignmentSize)
	b = append(b, byte(a.Result), byte(len(ip)))
	b = append(b, ip...)
	b = binary.BigEndian.AppendUint16(b, a.Addr.Port())
	b = binary.BigEndian.AppendUint16(b, a.SessionID)
	b = append(b, a.Key...)
	b = append(b, a.Salt...)
	return b, nil
}

// UnmarshalBinary decodes an assignment body.
func (a *Assignment) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return fmt.Errorf("assignment: %w", ErrMalformedFrame)
	}
	a.Result = ResultCode(b[0])
	if a.Result != ResultSuccess {
		return nil
	}
	if len(b) < 2 {
		return fmt.Errorf("assignment: %w", ErrMalformedFrame)
	}
	ipLen := int(b[1])
	if ipLen != 4 && ipLen != 16 {
		return fmt.Errorf("assignment: ip length %d: %w", ipLen, ErrMalformedFrame)
	}
	want := 2 + ipLen + 2 + 2 + SessionKeySize + SessionSaltSize
	if len(b) != want {
		return fmt.Errorf("assignment: got %d bytes, want %d: %w", len(b), want, ErrMalformedFrame)
	}
	off := 2
	ip, _ := netip.AddrFromSlice(b[off : off+ipLen])
	off += ipLen
	port := binary.BigEndian.Uint16(b[off:])
	off += 2
	a.Addr = netip.AddrPortFrom(ip.Unmap(), port)
	a.SessionID = binary.BigEndian.Uint16(b[off:])
	off += 2
	a.Key = append([]byte(nil), b[off:off+SessionKeySize]...)
	off += SessionKeySize
	a.Salt = append([]byte(nil), b[off:off+SessionSaltSize]...)
	return nil
}

// WriteAssignment writes a to w with a 4-byte big-endian length prefix.
func WriteAssignment(w io.Writer, a Assignment) error {
	body, err := a.MarshalBinary()
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(append(lenBuf[:], body...)); err != nil {
		return err
	}
	return nil
}

// ReadAssignment reads one length-prefixed assignment from r.
func ReadAssignment(r io.Reader) (Assignment, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Assignment{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxAssignmentSize {
		return Assignment{}, fmt.Errorf("bad assignment length: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Assignment{}, err
	}
	var a Assignment
	if err := a.UnmarshalBinary(body); err != nil {
		return Assignment{}, err
	}
	return a, nil
}
