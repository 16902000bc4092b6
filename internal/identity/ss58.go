package identity

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/decred/base58"
	"golang.org/x/crypto/blake2b"
)

// GenericPrefix is the SS58 network prefix for generic substrate addresses
const GenericPrefix uint8 = 42

var ErrInvalidAddress = errors.New("invalid ss58 address")

var ss58Salt = []byte("SS58PRE")

func ss58Checksum(payload []byte) []byte {
	sum := blake2b.Sum512(append(append([]byte{}, ss58Salt...), payload...))
	return sum[:2]
}

// EncodeAddress renders a 32-byte public key as an SS58 address
func EncodeAddress(publicKey []byte, prefix uint8) (string, error) {
	if len(publicKey) != 32 {
		return "", fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrInvalidAddress, len(publicKey))
	}
	if prefix > 63 {
		return "", fmt.Errorf("%w: prefix %d needs the two-byte form", ErrInvalidAddress, prefix)
	}
	payload := append([]byte{prefix}, publicKey...)
	return base58.Encode(append(payload, ss58Checksum(payload)...)), nil
}

// DecodeAddress returns the prefix and public key of an SS58 address
func DecodeAddress(addr string) (uint8, []byte, error) {
	// 1 byte version + 32 bytes public key + 2 bytes checksum
	decoded := base58.Decode(addr)
	if len(decoded) != 35 {
		return 0, nil, fmt.Errorf("%w: decoded length %d", ErrInvalidAddress, len(decoded))
	}
	payload, checksum := decoded[:33], decoded[33:]
	if !bytes.Equal(checksum, ss58Checksum(payload)) {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	if payload[0] > 63 {
		return 0, nil, fmt.Errorf("%w: unsupported prefix byte %d", ErrInvalidAddress, payload[0])
	}
	return payload[0], payload[1:], nil
}
