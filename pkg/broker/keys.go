package broker

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/TeoSlayer/multisocketrudp/pkg/protocol"
)

// SecretSize is the amount of fresh entropy behind each session's keys.
const SecretSize = 32

const keyInfo = "multisocketrudp session key v1"

// DeriveSessionKeys expands secret into an AES-128 key and a nonce salt.
func DeriveSessionKeys(secret []byte) (key, salt []byte, err error) {
	if len(secret) < SecretSize {
		return nil, nil, fmt.Errorf("session secret: got %d bytes, want %d", len(secret), SecretSize)
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(keyInfo))
	out := make([]byte, protocol.SessionKeySize+protocol.SessionSaltSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out[:protocol.SessionKeySize], out[protocol.SessionKeySize:], nil
}

// newSessionKeys draws a fresh secret from rand and derives keys from it.
func newSessionKeys(rand io.Reader) (key, salt []byte, err error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand, secret); err != nil {
		return nil, nil, fmt.Errorf("read session secret: %w", err)
	}
	return DeriveSessionKeys(secret)
}
