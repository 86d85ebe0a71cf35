package fhe

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HandleSize is the byte length of a handle.
const HandleSize = 32

// Handle addresses a confidential value inside the runtime.
type Handle [HandleSize]byte

// String returns the 0x-prefixed hex form of the handle.
func (h Handle) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle parses a hex handle, with or without the 0x prefix.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid handle: %w", err)
	}
	if len(raw) != HandleSize {
		return h, fmt.Errorf("invalid handle: want %d bytes, got %d", HandleSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Principal identifies a party the runtime grants capabilities to: an engine instance, a user
// submitting inputs, or a randomness oracle.
type Principal string

// Pending is a value the runtime has produced but nobody has been granted yet.
// It cannot be used as an operand; pass it to Runtime.Allow first.
type Pending struct {
	handle Handle
}

// PendingHandle wraps a handle received from another party (for example over the oracle's
// HTTP transport) so it can be granted locally.
func PendingHandle(h Handle) Pending {
	return Pending{handle: h}
}

// Handle returns the handle of the pending value.
func (p Pending) Handle() Handle { return p.handle }

// Ciphertext is a granted confidential value, usable as an operand.
// The zero Ciphertext is invalid; values are only produced by Runtime.Allow.
type Ciphertext struct {
	handle Handle
}

// Handle returns the handle of the value.
func (c Ciphertext) Handle() Handle { return c.handle }

// IsZero reports whether c was never granted.
func (c Ciphertext) IsZero() bool { return c.handle.IsZero() }

func (c Ciphertext) String() string { return c.handle.String() }
