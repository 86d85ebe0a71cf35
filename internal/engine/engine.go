// Package engine implements the entropy-augmented confidential arithmetic engine: a store that
// holds two confidential operands after a one-time initialization, a tracker that lets each
// fulfilled randomness request be consumed at most once, and arithmetic with optional XOR
// entropy mixing.
//
// Every exported operation holds one mutex for its whole duration, so operations observe and
// commit state strictly one after another.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"entropycalc/internal/fhe"
	"entropycalc/internal/oracle"
)

// Metrics receives per-operation measurements. *telemetry.MetricsCollector implements it.
type Metrics interface {
	RecordOperation(op string, d time.Duration, errCode string)
	SetPendingRequests(n int)
	RecordEmitFailure(kind string)
}

// Config wires an engine to its collaborators.
type Config struct {
	// Self is the principal the engine acts as towards the runtime and the provider.
	Self fhe.Principal

	Runtime  fhe.Runtime
	Provider oracle.Provider

	// Requests defaults to an in-memory table.
	Requests RequestTable
	// Events defaults to an in-memory Journal.
	Events EventSink

	Logger  zerolog.Logger
	Metrics Metrics

	// Now defaults to time.Now; it stamps events.
	Now func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	self     fhe.Principal
	rt       fhe.Runtime
	provider oracle.Provider
	requests RequestTable
	events   EventSink
	log      zerolog.Logger
	metrics  Metrics
	now      func() time.Time

	mu          sync.Mutex
	initialized bool
	value1      fhe.Ciphertext
	value2      fhe.Ciphertext
}

// New validates cfg and builds an engine. The provider is fixed for the engine's lifetime.
func New(cfg Config) (*Engine, error) {
	if cfg.Provider == nil || cfg.Provider.Address() == "" {
		return nil, &Error{Op: "new", Err: ErrInvalidProviderAddress}
	}
	if cfg.Self == "" {
		return nil, errorf("new", "%w: self principal is required", ErrInvalidConfig)
	}
	if cfg.Runtime == nil {
		return nil, errorf("new", "%w: runtime is required", ErrInvalidConfig)
	}

	e := &Engine{
		self:     cfg.Self,
		rt:       cfg.Runtime,
		provider: cfg.Provider,
		requests: cfg.Requests,
		events:   cfg.Events,
		log:      cfg.Logger.With().Str("engine", string(cfg.Self)).Logger(),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if e.requests == nil {
		e.requests = NewMemoryRequests()
	}
	if e.events == nil {
		e.events = NewJournal()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.log.Info().Str("provider", cfg.Provider.Address()).Msg("engine created")
	return e, nil
}

// Self returns the engine's principal.
func (e *Engine) Self() fhe.Principal { return e.self }

// Provider returns the randomness provider the engine was built with.
func (e *Engine) Provider() oracle.Provider { return e.provider }

// IsInitialized reports whether Initialize has succeeded.
func (e *Engine) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// PendingRequests returns how many issued requests have not been consumed. Requests that are
// never fulfilled stay pending forever.
func (e *Engine) PendingRequests(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.requests.PendingCount(ctx)
	if err != nil {
		return 0, &Error{Op: "pending_requests", Err: err}
	}
	return n, nil
}

// Initialize converts both external inputs, each with its own proof, grants the engine on the
// results and stores them. It succeeds at most once.
func (e *Engine) Initialize(ctx context.Context, caller fhe.Principal, in1 *fhe.ExternalInput, proof1 []byte, in2 *fhe.ExternalInput, proof2 []byte) error {
	const op = "initialize"
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	err := e.initializeLocked(ctx, op, caller, in1, proof1, in2, proof2)
	e.observe(op, start, err)
	if err != nil {
		return err
	}

	e.emit(ctx, Event{Kind: EventValuesInitialized, Principal: caller})
	e.log.Info().Str("initializer", string(caller)).Msg("values initialized")
	return nil
}

func (e *Engine) initializeLocked(ctx context.Context, op string, caller fhe.Principal, in1 *fhe.ExternalInput, proof1 []byte, in2 *fhe.ExternalInput, proof2 []byte) error {
	if e.initialized {
		return &Error{Op: op, Err: ErrAlreadyInitialized}
	}

	v1, err := e.convert(ctx, caller, in1, proof1)
	if err != nil {
		return errorf(op, "input 1: %w", err)
	}
	v2, err := e.convert(ctx, caller, in2, proof2)
	if err != nil {
		return errorf(op, "input 2: %w", err)
	}

	e.value1, e.value2 = v1, v2
	e.initialized = true
	return nil
}

func (e *Engine) convert(ctx context.Context, caller fhe.Principal, in *fhe.ExternalInput, proof []byte) (fhe.Ciphertext, error) {
	p, err := e.rt.Verify(ctx, e.self, caller, in, proof)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return e.grant(ctx, p)
}

// grant makes p usable by the engine itself.
func (e *Engine) grant(ctx context.Context, p fhe.Pending) (fhe.Ciphertext, error) {
	c, err := e.rt.Allow(ctx, e.self, p, e.self)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return c, nil
}

// RequestEntropy pays for a randomness request and records it as pending.
func (e *Engine) RequestEntropy(ctx context.Context, caller fhe.Principal, tag string, payment oracle.Amount) (oracle.RequestID, error) {
	const op = "request_entropy"
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	id, err := e.requestEntropyLocked(ctx, op, tag, payment)
	e.observe(op, start, err)
	if err != nil {
		return "", err
	}

	e.emit(ctx, Event{Kind: EventEntropyRequested, RequestID: id, Principal: caller})
	e.publishPending(ctx)
	e.log.Info().Str("request", string(id)).Str("caller", string(caller)).Msg("entropy requested")
	return id, nil
}

func (e *Engine) requestEntropyLocked(ctx context.Context, op, tag string, payment oracle.Amount) (oracle.RequestID, error) {
	if !e.initialized {
		return "", &Error{Op: op, Err: ErrNotInitialized}
	}

	fee, err := e.provider.CurrentFee(ctx)
	if err != nil {
		return "", errorf(op, "current fee: %w", err)
	}
	if payment < fee {
		return "", errorf(op, "%w: paid %d, fee %d", ErrInsufficientFee, payment, fee)
	}

	id, err := e.provider.RequestRandomness(ctx, e.self, tag, payment)
	if err != nil {
		if errors.Is(err, oracle.ErrInsufficientPayment) {
			return "", errorf(op, "%w: %v", ErrInsufficientFee, err)
		}
		return "", errorf(op, "request randomness: %w", err)
	}
	if err := e.requests.Record(ctx, id); err != nil {
		return "", errorf(op, "record %s: %w", id, err)
	}
	return id, nil
}

// consumable checks that id was issued by this engine, is unconsumed and has been fulfilled,
// in that order.
func (e *Engine) consumable(ctx context.Context, id oracle.RequestID) error {
	state, err := e.requests.State(ctx, id)
	if err != nil {
		return err
	}
	if state != RequestPending {
		return ErrUnknownOrConsumedRequest
	}
	ready, err := e.provider.IsFulfilled(ctx, id)
	if errors.Is(err, oracle.ErrUnknownRequest) {
		// Recorded here but lost by the provider, e.g. across a restart. It can never be fulfilled.
		return fmt.Errorf("%w: provider has no record: %v", ErrUnknownOrConsumedRequest, err)
	}
	if err != nil {
		return err
	}
	if !ready {
		return ErrEntropyNotReady
	}
	return nil
}

// observe records metrics for one operation.
func (e *Engine) observe(op string, start time.Time, err error) {
	if err != nil {
		ev := e.log.Debug()
		if Code(err) == CodeInternal {
			ev = e.log.Error()
		}
		ev.Err(err).Str("op", op).Msg("operation rejected")
	}
	if e.metrics != nil {
		e.metrics.RecordOperation(op, time.Since(start), Code(err))
	}
}

// emit delivers ev after its operation has committed. A sink failure cannot undo the commit;
// it is logged and counted.
func (e *Engine) emit(ctx context.Context, ev Event) {
	ev.Time = e.now()
	if err := e.events.Emit(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("kind", string(ev.Kind)).Str("request", string(ev.RequestID)).Msg("event emit failed")
		if e.metrics != nil {
			e.metrics.RecordEmitFailure(string(ev.Kind))
		}
	}
}

func (e *Engine) publishPending(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	n, err := e.requests.PendingCount(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("pending count unavailable")
		return
	}
	e.metrics.SetPendingRequests(n)
}
