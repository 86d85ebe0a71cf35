package engine

import (
	"errors"
	"fmt"

	"entropycalc/internal/fhe"
)

var (
	// ErrAlreadyInitialized indicates Initialize was called on an initialized engine.
	ErrAlreadyInitialized = errors.New("engine: already initialized")

	// ErrNotInitialized indicates an operation ran before Initialize.
	ErrNotInitialized = errors.New("engine: not initialized")

	// ErrInsufficientFee indicates the payment is below the provider's current fee.
	ErrInsufficientFee = errors.New("engine: insufficient fee")

	// ErrUnknownOrConsumedRequest indicates the request id was never issued by this engine or
	// its randomness was already used.
	ErrUnknownOrConsumedRequest = errors.New("engine: unknown or consumed request")

	// ErrEntropyNotReady indicates the provider has not fulfilled the request yet. Retry later.
	ErrEntropyNotReady = errors.New("engine: entropy not ready")

	// ErrInvalidProviderAddress indicates the provider is missing or has no address.
	ErrInvalidProviderAddress = errors.New("engine: invalid provider address")

	// ErrInvalidConfig indicates a required collaborator is missing.
	ErrInvalidConfig = errors.New("engine: invalid config")

	// ErrDuplicateRequest indicates the provider returned a request id already in the table.
	ErrDuplicateRequest = errors.New("engine: duplicate request id")
)

// Error wraps an underlying error with the operation that failed.
type Error struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errorf(op string, format string, args ...interface{}) error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}

// Error codes, stable across transports.
const (
	CodeAlreadyInitialized       = "already_initialized"
	CodeNotInitialized           = "not_initialized"
	CodeInsufficientFee          = "insufficient_fee"
	CodeUnknownOrConsumedRequest = "unknown_or_consumed_request"
	CodeEntropyNotReady          = "entropy_not_ready"
	CodeInvalidInput             = "invalid_input"
	CodeInternal                 = "internal"
)

// Code classifies err for metrics and transports. It returns "" for nil.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInitialized):
		return CodeAlreadyInitialized
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrInsufficientFee):
		return CodeInsufficientFee
	case errors.Is(err, ErrUnknownOrConsumedRequest):
		return CodeUnknownOrConsumedRequest
	case errors.Is(err, ErrEntropyNotReady):
		return CodeEntropyNotReady
	case errors.Is(err, fhe.ErrInvalidProof), errors.Is(err, fhe.ErrInvalidInput):
		return CodeInvalidInput
	default:
		return CodeInternal
	}
}
