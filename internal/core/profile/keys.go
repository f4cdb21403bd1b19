package profile

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/keywatch/keywatch/internal/core"
)

// EncodeIdentityKey returns the wire form of a key: base64 of the type byte
// followed by the key material.
func EncodeIdentityKey(key core.IdentityKey) string {
	buf := make([]byte, 0, encodedKeyLength)
	buf = append(buf, KeyTypeDJB)
	buf = append(buf, key[:]...)
	return base64.StdEncoding.EncodeToString(buf)
}

// ParseIdentityKey accepts either the wire form (33 bytes with type byte) or
// bare key material (32 bytes), base64 encoded.
func ParseIdentityKey(encoded string) (core.IdentityKey, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return core.IdentityKey{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	switch len(raw) {
	case encodedKeyLength:
		return core.IdentityKeyFromBytes(raw[1:])
	case core.IdentityKeySize:
		return core.IdentityKeyFromBytes(raw)
	default:
		return core.IdentityKey{}, fmt.Errorf("%w: decoded length %d", ErrInvalidKeyLength, len(raw))
	}
}

// KeyPair is a Curve25519 identity key pair.
type KeyPair struct {
	Private [curve25519.ScalarSize]byte
	Public  core.IdentityKey
}

// GenerateIdentityKey creates a fresh Curve25519 key pair.
func GenerateIdentityKey() (*KeyPair, error) {
	var pair KeyPair
	if _, err := rand.Read(pair.Private[:]); err != nil {
		return nil, fmt.Errorf("read random scalar: %w", err)
	}

	public, err := curve25519.X25519(pair.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	key, err := core.IdentityKeyFromBytes(public)
	if err != nil {
		return nil, err
	}
	pair.Public = key
	return &pair, nil
}
