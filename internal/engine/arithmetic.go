package engine

import (
	"context"
	"time"

	"entropycalc/internal/fhe"
	"entropycalc/internal/oracle"
)

type binaryOp func(ctx context.Context, caller fhe.Principal, a, b fhe.Ciphertext) (fhe.Pending, error)

// operation describes one arithmetic operation and its entropy-mixed variant.
type operation struct {
	name         string
	event        EventKind
	entropyName  string
	entropyEvent EventKind
	compute      func(rt fhe.Runtime) binaryOp
}

var (
	opAdd = operation{
		name: "add", event: EventAdditionPerformed,
		entropyName: "add_with_entropy", entropyEvent: EventEntropyAdditionPerformed,
		compute: func(rt fhe.Runtime) binaryOp { return rt.Add },
	}
	opSubtract = operation{
		name: "subtract", event: EventSubtractionPerformed,
		entropyName: "subtract_with_entropy", entropyEvent: EventEntropySubtractionPerformed,
		compute: func(rt fhe.Runtime) binaryOp { return rt.Sub },
	}
	opMultiply = operation{
		name: "multiply", event: EventMultiplicationPerformed,
		entropyName: "multiply_with_entropy", entropyEvent: EventEntropyMultiplicationPerformed,
		compute: func(rt fhe.Runtime) binaryOp { return rt.Mul },
	}
)

// Add returns value1 + value2, granted to the engine.
func (e *Engine) Add(ctx context.Context) (fhe.Ciphertext, error) { return e.plain(ctx, opAdd) }

// Subtract returns value1 - value2 (wrapping), granted to the engine.
func (e *Engine) Subtract(ctx context.Context) (fhe.Ciphertext, error) {
	return e.plain(ctx, opSubtract)
}

// Multiply returns value1 * value2 (wrapping), granted to the engine.
func (e *Engine) Multiply(ctx context.Context) (fhe.Ciphertext, error) {
	return e.plain(ctx, opMultiply)
}

// AddWithEntropy returns (value1 + value2) XOR r, where r is the randomness of request id.
// The request is consumed on success.
func (e *Engine) AddWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error) {
	return e.withEntropy(ctx, opAdd, id)
}

// SubtractWithEntropy returns (value1 - value2) XOR r and consumes id.
func (e *Engine) SubtractWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error) {
	return e.withEntropy(ctx, opSubtract, id)
}

// MultiplyWithEntropy returns (value1 * value2) XOR r and consumes id.
func (e *Engine) MultiplyWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error) {
	return e.withEntropy(ctx, opMultiply, id)
}

func (e *Engine) plain(ctx context.Context, o operation) (fhe.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	res, err := e.plainLocked(ctx, o)
	e.observe(o.name, start, err)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	e.emit(ctx, resultEvent(o.event, "", res))
	return res, nil
}

func (e *Engine) plainLocked(ctx context.Context, o operation) (fhe.Ciphertext, error) {
	if !e.initialized {
		return fhe.Ciphertext{}, &Error{Op: o.name, Err: ErrNotInitialized}
	}
	res, err := e.computeLocked(ctx, o)
	if err != nil {
		return fhe.Ciphertext{}, &Error{Op: o.name, Err: err}
	}
	return res, nil
}

// computeLocked applies o to the stored operands and grants the result.
func (e *Engine) computeLocked(ctx context.Context, o operation) (fhe.Ciphertext, error) {
	p, err := o.compute(e.rt)(ctx, e.self, e.value1, e.value2)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return e.grant(ctx, p)
}

func (e *Engine) withEntropy(ctx context.Context, o operation, id oracle.RequestID) (fhe.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	res, err := e.withEntropyLocked(ctx, o, id)
	e.observe(o.entropyName, start, err)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	e.emit(ctx, resultEvent(o.entropyEvent, id, res))
	e.publishPending(ctx)
	e.log.Info().Str("request", string(id)).Str("op", o.entropyName).Msg("entropy consumed")
	return res, nil
}

func (e *Engine) withEntropyLocked(ctx context.Context, o operation, id oracle.RequestID) (fhe.Ciphertext, error) {
	op := o.entropyName
	if !e.initialized {
		return fhe.Ciphertext{}, &Error{Op: op, Err: ErrNotInitialized}
	}
	if err := e.consumable(ctx, id); err != nil {
		return fhe.Ciphertext{}, errorf(op, "request %s: %w", id, err)
	}

	// Step 1: fetch and grant the randomness
	p, err := e.provider.FetchConfidentialRandomness(ctx, e.self, id)
	if err != nil {
		return fhe.Ciphertext{}, errorf(op, "fetch randomness: %w", err)
	}
	rnd, err := e.grant(ctx, p)
	if err != nil {
		return fhe.Ciphertext{}, errorf(op, "grant randomness: %w", err)
	}

	// Step 2: plain arithmetic
	mid, err := e.computeLocked(ctx, o)
	if err != nil {
		return fhe.Ciphertext{}, errorf(op, "%s: %w", o.name, err)
	}

	// Step 3: XOR mix
	mixed, err := e.rt.Xor(ctx, e.self, mid, rnd)
	if err != nil {
		return fhe.Ciphertext{}, errorf(op, "mix: %w", err)
	}
	res, err := e.grant(ctx, mixed)
	if err != nil {
		return fhe.Ciphertext{}, errorf(op, "grant result: %w", err)
	}

	// Step 4: consume last
	if err := e.requests.Consume(ctx, id); err != nil {
		return fhe.Ciphertext{}, errorf(op, "consume %s: %w", id, err)
	}
	return res, nil
}
