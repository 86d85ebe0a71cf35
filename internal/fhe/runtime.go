package fhe

import (
	"context"
	"errors"
)

var (
	// ErrInvalidInput indicates a malformed external input.
	ErrInvalidInput = errors.New("fhe: invalid input")

	// ErrInvalidProof indicates the proof does not authenticate the input it was presented with.
	ErrInvalidProof = errors.New("fhe: invalid input proof")

	// ErrUnknownHandle indicates the handle does not exist in the runtime.
	ErrUnknownHandle = errors.New("fhe: unknown handle")

	// ErrNotAllowed indicates the caller holds no capability on the handle.
	ErrNotAllowed = errors.New("fhe: caller not allowed on handle")
)

// Runtime is the subset of the confidential-computation runtime the engine depends on.
type Runtime interface {
	// Verify converts an external encrypted input into a runtime value owned by contract.
	// The proof must authenticate exactly this input for this (contract, user) pair.
	Verify(ctx context.Context, contract, user Principal, in *ExternalInput, proof []byte) (Pending, error)

	// Add, Sub, Mul and Xor combine two granted values. The caller must hold a capability on
	// both operands; the result is owned by the caller and still needs to be granted.
	Add(ctx context.Context, caller Principal, a, b Ciphertext) (Pending, error)
	Sub(ctx context.Context, caller Principal, a, b Ciphertext) (Pending, error)
	Mul(ctx context.Context, caller Principal, a, b Ciphertext) (Pending, error)
	Xor(ctx context.Context, caller Principal, a, b Ciphertext) (Pending, error)

	// Allow grants principal `to` a capability on p. The caller must own p or already hold a
	// capability on it.
	Allow(ctx context.Context, caller Principal, p Pending, to Principal) (Ciphertext, error)
}

// RandomSource produces confidential random values. Randomness oracles use it at fulfillment.
type RandomSource interface {
	Random(ctx context.Context, seed []byte, owner Principal) (Pending, error)
}
