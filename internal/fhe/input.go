package fhe

import (
	"bytes"
	"fmt"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/fxamacker/cbor/v2"
)

// ExternalInput is a sealed 64-bit value bound to one (user, contract) pair.
// The ephemeral key lets the network key holder recover the mask.
type ExternalInput struct {
	Handle         Handle `cbor:"1,keyasint" json:"handle"`
	Ciphertext     []byte `cbor:"2,keyasint" json:"ciphertext"`
	MaskCommitment []byte `cbor:"3,keyasint" json:"mask_commitment"`
	EphemeralKey   []byte `cbor:"4,keyasint" json:"ephemeral_key"`
}

// Marshal encodes the input with deterministic CBOR.
func (in *ExternalInput) Marshal() ([]byte, error) {
	return cborEnc.Marshal(in)
}

// UnmarshalExternalInput decodes a CBOR encoded input.
func UnmarshalExternalInput(data []byte) (*ExternalInput, error) {
	var in ExternalInput
	if err := cbor.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(in.Ciphertext) != fr.Bytes || len(in.MaskCommitment) != fr.Bytes {
		return nil, fmt.Errorf("%w: malformed field elements", ErrInvalidInput)
	}
	return &in, nil
}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Prover seals values for a network key and proves them well formed.
type Prover struct {
	networkKey *bls12377.G1Affine
	ccs        constraint.ConstraintSystem
	pk         groth16.ProvingKey
}

// NewProver builds a prover for the given network key and circuit keys.
func NewProver(networkKey *bls12377.G1Affine, ccs constraint.ConstraintSystem, pk groth16.ProvingKey) *Prover {
	return &Prover{networkKey: networkKey, ccs: ccs, pk: pk}
}

// NewProverFromKeys builds a prover from a published network key and a serialized proving key.
// The input circuit is compiled locally; compilation is deterministic, so the key matches.
func NewProverFromKeys(networkKey *bls12377.G1Affine, provingKey io.Reader) (*Prover, error) {
	ccs, err := CompileInputCircuit()
	if err != nil {
		return nil, fmt.Errorf("compile input circuit: %w", err)
	}
	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(provingKey); err != nil {
		return nil, fmt.Errorf("read proving key: %w", err)
	}
	return NewProver(networkKey, ccs, pk), nil
}

// NetworkKey returns the key the prover seals against.
func (p *Prover) NetworkKey() *bls12377.G1Affine { return p.networkKey }

// Encrypt seals value for use by contract on behalf of user.
// It returns the input together with a serialized Groth16 proof.
func (p *Prover) Encrypt(value uint64, contract, user Principal) (*ExternalInput, []byte, error) {
	// Step 1: ephemeral DH against the network key
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral key: %w", err)
	}
	mask := maskFromShared(sharedPoint(eph.Sk, p.networkKey))

	// Step 2: seal and commit
	var v, ct fr.Element
	v.SetUint64(value)
	ct.Add(&v, &mask)
	commit := mimcElements(mask)

	// Step 3: bind to (user, contract)
	userEl := principalElement(user)
	contractEl := principalElement(contract)
	handleEl := mimcElements(ct, commit, userEl, contractEl)

	// Step 4: prove
	assignment := &InputCircuit{
		Ciphertext:     elementBig(ct),
		MaskCommitment: elementBig(commit),
		Handle:         elementBig(handleEl),
		User:           elementBig(userEl),
		Contract:       elementBig(contractEl),
		Value:          new(big.Int).SetUint64(value),
		Mask:           elementBig(mask),
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, fmt.Errorf("witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(p.ccs, p.pk, w)
	if err != nil {
		return nil, nil, fmt.Errorf("proof generation failed: %w", err)
	}
	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, nil, err
	}

	ctBytes := ct.Bytes()
	commitBytes := commit.Bytes()
	ephBytes := eph.Pk.Bytes()
	in := &ExternalInput{
		Handle:         handleEl.Bytes(),
		Ciphertext:     ctBytes[:],
		MaskCommitment: commitBytes[:],
		EphemeralKey:   ephBytes[:],
	}
	return in, proofBuf.Bytes(), nil
}

func elementBig(e fr.Element) *big.Int {
	return e.BigInt(new(big.Int))
}

// decodeElement parses a canonical 32-byte field element.
func decodeElement(b []byte) (fr.Element, error) {
	var e fr.Element
	if len(b) != fr.Bytes {
		return e, fmt.Errorf("%w: field element must be %d bytes", ErrInvalidInput, fr.Bytes)
	}
	if err := e.SetBytesCanonical(b); err != nil {
		return e, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return e, nil
}
