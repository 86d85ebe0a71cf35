package oracle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"entropycalc/internal/fhe"
)

// Config configures an Oracle.
type Config struct {
	Address string
	Fee     Amount

	// Source produces the confidential random values in a runtime shared with the requesters.
	Source fhe.RandomSource

	// Sealer, when set, takes precedence over Source: each value is sealed for the requester's
	// runtime, which imports it by verifying the proof. One of Source and Sealer is required.
	Sealer Sealer

	// Secret keys the per-request seeds. A random secret is drawn when empty.
	Secret []byte

	Logger zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// RequestInfo is a snapshot of one request.
type RequestInfo struct {
	ID          RequestID     `json:"id"`
	Requester   fhe.Principal `json:"requester"`
	Tag         string        `json:"tag"`
	Payment     Amount        `json:"payment"`
	RequestedAt time.Time     `json:"requested_at"`
	Fulfilled   bool          `json:"fulfilled"`
	FulfilledAt time.Time     `json:"fulfilled_at,omitempty"`
	Randomness  fhe.Handle    `json:"randomness,omitempty"`

	sealed *fhe.ExternalInput
	proof  []byte
}

// Oracle is a reference randomness provider. Requests are fulfilled explicitly through Fulfill
// or asynchronously by Run.
type Oracle struct {
	address string
	source  fhe.RandomSource
	sealer  Sealer
	secret  []byte
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	fee      Amount
	escrow   Amount
	requests map[RequestID]*RequestInfo
}

var _ Provider = (*Oracle)(nil)

// New creates an oracle.
func New(cfg Config) (*Oracle, error) {
	if cfg.Address == "" {
		return nil, errors.New("oracle: address is required")
	}
	if cfg.Source == nil && cfg.Sealer == nil {
		return nil, errors.New("oracle: random source or sealer is required")
	}
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("oracle: seed secret: %w", err)
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Oracle{
		address:  cfg.Address,
		source:   cfg.Source,
		sealer:   cfg.Sealer,
		secret:   secret,
		log:      cfg.Logger.With().Str("oracle", cfg.Address).Logger(),
		now:      now,
		fee:      cfg.Fee,
		requests: make(map[RequestID]*RequestInfo),
	}, nil
}

func (o *Oracle) Address() string { return o.address }

func (o *Oracle) CurrentFee(ctx context.Context) (Amount, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fee, nil
}

// SetFee changes the published fee for subsequent requests.
func (o *Oracle) SetFee(fee Amount) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fee = fee
}

// Escrow returns the sum of all payments received.
func (o *Oracle) Escrow() Amount {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.escrow
}

func (o *Oracle) RequestRandomness(ctx context.Context, requester fhe.Principal, tag string, payment Amount) (RequestID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if payment < o.fee {
		return "", fmt.Errorf("%w: paid %d, fee %d", ErrInsufficientPayment, payment, o.fee)
	}
	id := RequestID(uuid.NewString())
	o.requests[id] = &RequestInfo{
		ID:          id,
		Requester:   requester,
		Tag:         tag,
		Payment:     payment,
		RequestedAt: o.now(),
	}
	o.escrow += payment
	o.log.Info().Str("request", string(id)).Str("requester", string(requester)).Uint64("payment", uint64(payment)).Msg("randomness requested")
	return id, nil
}

func (o *Oracle) IsFulfilled(ctx context.Context, id RequestID) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.requests[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return r.Fulfilled, nil
}

func (o *Oracle) FetchConfidentialRandomness(ctx context.Context, requester fhe.Principal, id RequestID) (fhe.Pending, error) {
	d, err := o.Deliver(ctx, requester, id)
	if err != nil {
		return fhe.Pending{}, err
	}
	if d.Sealed != nil {
		return fhe.Pending{}, fmt.Errorf("%w: %s", ErrSealedDelivery, id)
	}
	return fhe.PendingHandle(d.Handle), nil
}

// Deliver returns the randomness of a fulfilled request in the form it was produced.
func (o *Oracle) Deliver(ctx context.Context, requester fhe.Principal, id RequestID) (Delivery, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.requests[id]
	if !ok {
		return Delivery{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if r.Requester != requester {
		return Delivery{}, fmt.Errorf("%w: %s", ErrWrongRequester, id)
	}
	if !r.Fulfilled {
		return Delivery{}, fmt.Errorf("%w: %s", ErrNotFulfilled, id)
	}
	return Delivery{Handle: r.Randomness, Sealed: r.sealed, Proof: r.proof}, nil
}

// Request returns a snapshot of the request with the given id.
func (o *Oracle) Request(id RequestID) (RequestInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.requests[id]
	if !ok {
		return RequestInfo{}, false
	}
	return *r, true
}

// Outstanding lists unfulfilled requests, oldest first.
func (o *Oracle) Outstanding() []RequestInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outstandingLocked(time.Time{})
}

func (o *Oracle) outstandingLocked(before time.Time) []RequestInfo {
	var out []RequestInfo
	for _, r := range o.requests {
		if r.Fulfilled {
			continue
		}
		if !before.IsZero() && r.RequestedAt.After(before) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Fulfill produces the confidential randomness for id, owned by the original requester. With a
// Sealer the value is sealed for the requester's runtime instead.
func (o *Oracle) Fulfill(ctx context.Context, id RequestID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fulfillLocked(ctx, id)
}

func (o *Oracle) fulfillLocked(ctx context.Context, id RequestID) error {
	r, ok := o.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if r.Fulfilled {
		return fmt.Errorf("%w: %s", ErrAlreadyFulfilled, id)
	}

	seed := o.seed(r)
	if o.sealer != nil {
		in, proof, err := o.sealer.Encrypt(binary.BigEndian.Uint64(seed[:8]), r.Requester, fhe.Principal(o.address))
		if err != nil {
			return fmt.Errorf("oracle: seal randomness for %s: %w", id, err)
		}
		r.Randomness = in.Handle
		r.sealed, r.proof = in, proof
	} else {
		p, err := o.source.Random(ctx, seed, r.Requester)
		if err != nil {
			return fmt.Errorf("oracle: generate randomness for %s: %w", id, err)
		}
		r.Randomness = p.Handle()
	}
	r.Fulfilled = true
	r.FulfilledAt = o.now()
	o.log.Info().Str("request", string(id)).Dur("latency", r.FulfilledAt.Sub(r.RequestedAt)).Msg("request fulfilled")
	return nil
}

func (o *Oracle) seed(r *RequestInfo) []byte {
	h := sha256.New()
	h.Write(o.secret)
	h.Write([]byte(r.ID))
	h.Write([]byte(r.Tag))
	return h.Sum(nil)
}

// FulfillDue fulfills every outstanding request older than delay and returns how many it
// fulfilled.
func (o *Oracle) FulfillDue(ctx context.Context, delay time.Duration) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	due := o.outstandingLocked(o.now().Add(-delay))
	for i, r := range due {
		if err := o.fulfillLocked(ctx, r.ID); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

// Run fulfills due requests every interval until ctx is done.
func (o *Oracle) Run(ctx context.Context, interval, delay time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info().Dur("interval", interval).Dur("delay", delay).Msg("fulfillment loop started")
	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("fulfillment loop stopped")
			return nil
		case <-ticker.C:
			n, err := o.FulfillDue(ctx, delay)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				o.log.Error().Err(err).Msg("fulfillment failed")
				continue
			}
			if n > 0 {
				o.log.Debug().Int("fulfilled", n).Msg("fulfillment pass")
			}
		}
	}
}
