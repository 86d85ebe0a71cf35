// Package oracle implements the randomness provider the engine consumes: the narrow Provider
// interface, a reference in-process Oracle and its signed HTTP transport.
package oracle

import (
	"context"
	"errors"

	"entropycalc/internal/fhe"
)

// Amount is a fee or payment in provider base units.
type Amount uint64

// RequestID is the opaque identifier a provider assigns to a randomness request.
type RequestID string

// Provider is a randomness provider as seen by a consumer.
type Provider interface {
	// Address is the stable handle of the provider. It is never empty for a usable provider.
	Address() string

	// CurrentFee is the published price of one request.
	CurrentFee(ctx context.Context) (Amount, error)

	// RequestRandomness registers a request on behalf of requester. The payment is forwarded in
	// full; tag is opaque bookkeeping data.
	RequestRandomness(ctx context.Context, requester fhe.Principal, tag string, payment Amount) (RequestID, error)

	// IsFulfilled reports whether randomness for id is available.
	IsFulfilled(ctx context.Context, id RequestID) (bool, error)

	// FetchConfidentialRandomness returns the random value for a fulfilled request. The value is
	// owned by the requester and not yet granted to anyone.
	FetchConfidentialRandomness(ctx context.Context, requester fhe.Principal, id RequestID) (fhe.Pending, error)
}

var (
	ErrInsufficientPayment = errors.New("oracle: payment below current fee")
	ErrUnknownRequest      = errors.New("oracle: unknown request")
	ErrNotFulfilled        = errors.New("oracle: request not fulfilled")
	ErrAlreadyFulfilled    = errors.New("oracle: request already fulfilled")
	ErrWrongRequester      = errors.New("oracle: request belongs to another requester")
	ErrBadSignature        = errors.New("oracle: envelope signature invalid")

	// ErrSealedDelivery is returned by an in-process fetch when the randomness was sealed for a
	// remote runtime. Fetch it through a Client configured WithRuntime instead.
	ErrSealedDelivery = errors.New("oracle: randomness is sealed for the requester's runtime")
)

// Sealer seals a value as an external input for the requester's runtime. *fhe.Prover
// implements it.
type Sealer interface {
	Encrypt(value uint64, contract, user fhe.Principal) (*fhe.ExternalInput, []byte, error)
}

// Delivery is fulfilled randomness as handed to its requester: either a handle in the runtime
// the oracle shares with the requester, or an input sealed for the requester's runtime together
// with its proof. Sealed inputs are bound to (requester, oracle address).
type Delivery struct {
	Handle fhe.Handle
	Sealed *fhe.ExternalInput
	Proof  []byte
}
