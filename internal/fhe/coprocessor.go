package fhe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/rs/zerolog"
)

// Config configures a Coprocessor.
type Config struct {
	// ProvingKeyPath and VerifyingKeyPath locate the input-proof keys. When both are set, keys are
	// loaded from (or generated into) those files; otherwise a fresh setup is kept in memory.
	ProvingKeyPath   string
	VerifyingKeyPath string

	// NetworkKeyPath holds the network secret scalar. It is created on first start; when empty a
	// fresh key is generated and lost on exit.
	NetworkKeyPath string

	Logger zerolog.Logger
}

// Stats is a point-in-time snapshot of coprocessor activity.
type Stats struct {
	Values     int    `json:"values"`
	Inputs     uint64 `json:"inputs"`
	Operations uint64 `json:"operations"`
	Grants     uint64 `json:"grants"`
	Randoms    uint64 `json:"randoms"`
}

type entry struct {
	value uint64
	owner Principal
	acl   map[Principal]struct{}
}

func (e *entry) permits(p Principal) bool {
	if p == e.owner {
		return true
	}
	_, ok := e.acl[p]
	return ok
}

// Coprocessor is an in-process reference runtime. It implements Runtime and RandomSource and
// enforces the same capability rules a networked coprocessor would.
type Coprocessor struct {
	log     zerolog.Logger
	network *KeyPair
	ccs     constraint.ConstraintSystem
	pk      groth16.ProvingKey
	vk      groth16.VerifyingKey

	mu     sync.RWMutex
	values map[Handle]*entry
	seq    uint64
	stats  Stats
}

var (
	_ Runtime      = (*Coprocessor)(nil)
	_ RandomSource = (*Coprocessor)(nil)
)

// NewCoprocessor compiles the input circuit and loads or generates its proof keys and its
// network keypair.
func NewCoprocessor(cfg Config) (*Coprocessor, error) {
	ccs, err := CompileInputCircuit()
	if err != nil {
		return nil, fmt.Errorf("compile input circuit: %w", err)
	}
	pk, vk, err := SetupOrLoadKeys(ccs, cfg.ProvingKeyPath, cfg.VerifyingKeyPath)
	if err != nil {
		return nil, err
	}
	network, err := LoadOrCreateNetworkKey(cfg.NetworkKeyPath)
	if err != nil {
		return nil, fmt.Errorf("network key: %w", err)
	}
	cfg.Logger.Info().
		Int("constraints", ccs.GetNbConstraints()).
		Msg("coprocessor ready")
	return &Coprocessor{
		log:     cfg.Logger,
		network: network,
		ccs:     ccs,
		pk:      pk,
		vk:      vk,
		values:  make(map[Handle]*entry),
	}, nil
}

// NetworkKey returns the public key clients seal inputs against.
func (c *Coprocessor) NetworkKey() *bls12377.G1Affine {
	pk := *c.network.Pk
	return &pk
}

// Prover returns a prover sealing inputs for this coprocessor.
func (c *Coprocessor) Prover() *Prover {
	return NewProver(c.NetworkKey(), c.ccs, c.pk)
}

// WriteProvingKey serializes the input-proof proving key, so remote parties can build a Prover
// with NewProverFromKeys.
func (c *Coprocessor) WriteProvingKey(w io.Writer) (int64, error) {
	return c.pk.WriteTo(w)
}

// Verify checks the input proof, recovers the sealed value and registers it under the input's
// handle, owned by contract.
func (c *Coprocessor) Verify(ctx context.Context, contract, user Principal, in *ExternalInput, proof []byte) (Pending, error) {
	if err := ctx.Err(); err != nil {
		return Pending{}, err
	}
	if in == nil {
		return Pending{}, fmt.Errorf("%w: nil input", ErrInvalidInput)
	}

	// Step 1: decode public values
	ct, err := decodeElement(in.Ciphertext)
	if err != nil {
		return Pending{}, err
	}
	commit, err := decodeElement(in.MaskCommitment)
	if err != nil {
		return Pending{}, err
	}
	handleEl, err := decodeElement(in.Handle[:])
	if err != nil {
		return Pending{}, err
	}
	var eph bls12377.G1Affine
	if _, err := eph.SetBytes(in.EphemeralKey); err != nil {
		return Pending{}, fmt.Errorf("%w: ephemeral key: %v", ErrInvalidInput, err)
	}

	// Step 2: the handle must bind this ciphertext to (user, contract)
	userEl := principalElement(user)
	contractEl := principalElement(contract)
	if expected := mimcElements(ct, commit, userEl, contractEl); !expected.Equal(&handleEl) {
		return Pending{}, fmt.Errorf("%w: handle does not match (user, contract)", ErrInvalidProof)
	}

	// Step 3: Groth16 verification against the public witness
	assignment := &InputCircuit{
		Ciphertext:     elementBig(ct),
		MaskCommitment: elementBig(commit),
		Handle:         elementBig(handleEl),
		User:           elementBig(userEl),
		Contract:       elementBig(contractEl),
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return Pending{}, fmt.Errorf("%w: cannot build public witness: %v", ErrInvalidProof, err)
	}
	p := groth16.NewProof(ecc.BN254)
	if _, err := p.ReadFrom(bytes.NewReader(proof)); err != nil {
		return Pending{}, fmt.Errorf("%w: cannot decode proof: %v", ErrInvalidProof, err)
	}
	if err := groth16.Verify(p, c.vk, w); err != nil {
		return Pending{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	// Step 4: unseal with the network key
	mask := maskFromShared(sharedPoint(c.network.Sk, &eph))
	if got := mimcElements(mask); !got.Equal(&commit) {
		return Pending{}, fmt.Errorf("%w: input not sealed for this network key", ErrInvalidProof)
	}
	var v fr.Element
	v.Sub(&ct, &mask)
	if !v.IsUint64() {
		return Pending{}, fmt.Errorf("%w: value out of range", ErrInvalidProof)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[in.Handle]; !ok {
		c.values[in.Handle] = &entry{value: v.Uint64(), owner: contract, acl: map[Principal]struct{}{}}
	}
	c.stats.Inputs++
	c.log.Debug().Stringer("handle", in.Handle).Str("contract", string(contract)).Msg("input verified")
	return Pending{handle: in.Handle}, nil
}

func (c *Coprocessor) Add(ctx context.Context, caller Principal, a, b Ciphertext) (Pending, error) {
	return c.binary(ctx, "add", caller, a, b, func(x, y uint64) uint64 { return x + y })
}

func (c *Coprocessor) Sub(ctx context.Context, caller Principal, a, b Ciphertext) (Pending, error) {
	return c.binary(ctx, "sub", caller, a, b, func(x, y uint64) uint64 { return x - y })
}

func (c *Coprocessor) Mul(ctx context.Context, caller Principal, a, b Ciphertext) (Pending, error) {
	return c.binary(ctx, "mul", caller, a, b, func(x, y uint64) uint64 { return x * y })
}

func (c *Coprocessor) Xor(ctx context.Context, caller Principal, a, b Ciphertext) (Pending, error) {
	return c.binary(ctx, "xor", caller, a, b, func(x, y uint64) uint64 { return x ^ y })
}

func (c *Coprocessor) binary(ctx context.Context, label string, caller Principal, a, b Ciphertext, f func(x, y uint64) uint64) (Pending, error) {
	if err := ctx.Err(); err != nil {
		return Pending{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	x, err := c.operandLocked(caller, a)
	if err != nil {
		return Pending{}, err
	}
	y, err := c.operandLocked(caller, b)
	if err != nil {
		return Pending{}, err
	}

	c.seq++
	h := derivedHandle(label, c.seq, a.handle[:], b.handle[:])
	c.values[h] = &entry{value: f(x.value, y.value), owner: caller, acl: map[Principal]struct{}{}}
	c.stats.Operations++
	return Pending{handle: h}, nil
}

func (c *Coprocessor) operandLocked(caller Principal, ct Ciphertext) (*entry, error) {
	e, ok := c.values[ct.handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, ct.handle)
	}
	if _, granted := e.acl[caller]; !granted {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotAllowed, caller, ct.handle)
	}
	return e, nil
}

// Allow grants `to` a capability on p.
func (c *Coprocessor) Allow(ctx context.Context, caller Principal, p Pending, to Principal) (Ciphertext, error) {
	if err := ctx.Err(); err != nil {
		return Ciphertext{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.values[p.handle]
	if !ok {
		return Ciphertext{}, fmt.Errorf("%w: %s", ErrUnknownHandle, p.handle)
	}
	if !e.permits(caller) {
		return Ciphertext{}, fmt.Errorf("%w: %s cannot grant %s", ErrNotAllowed, caller, p.handle)
	}
	e.acl[to] = struct{}{}
	c.stats.Grants++
	return Ciphertext{handle: p.handle}, nil
}

// Random produces a confidential value drawn from a SHA-256 stream keyed by seed. The value is
// owned by owner and granted to nobody.
func (c *Coprocessor) Random(ctx context.Context, seed []byte, owner Principal) (Pending, error) {
	if err := ctx.Err(); err != nil {
		return Pending{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	h := derivedHandle("rand", c.seq, seed, []byte(owner))
	c.values[h] = &entry{value: seededUint64(seed, c.seq), owner: owner, acl: map[Principal]struct{}{}}
	c.stats.Randoms++
	return Pending{handle: h}, nil
}

// Reveal returns the cleartext behind h. The requester must own h or hold a capability on it.
func (c *Coprocessor) Reveal(ctx context.Context, requester Principal, h Handle) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.values[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if !e.permits(requester) {
		return 0, fmt.Errorf("%w: %s cannot reveal %s", ErrNotAllowed, requester, h)
	}
	c.log.Warn().Stringer("handle", h).Str("requester", string(requester)).Msg("cleartext revealed")
	return e.value, nil
}

// Allowed reports whether p holds a capability on h.
func (c *Coprocessor) Allowed(p Principal, h Handle) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.values[h]
	return ok && e.permits(p)
}

// Stats returns a snapshot of activity counters.
func (c *Coprocessor) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Values = len(c.values)
	return s
}
