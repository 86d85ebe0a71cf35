// crypto.go - Cryptographic primitives for sealing external inputs and deriving handles.
//
// Implements BLS12-377 Diffie-Hellman key agreement, MiMC (BN254) masks and commitments, and
// Keccak-256 handle derivation for computed values.

package fhe

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"golang.org/x/crypto/sha3"
)

// KeyPair is a BLS12-377 keypair used for Diffie-Hellman key agreement.
type KeyPair struct {
	Sk *bls12377_fr.Element // Private scalar
	Pk *bls12377.G1Affine   // Public key (G1 point)
}

// GenerateKeyPair generates a random BLS12-377 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var sk bls12377_fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, err
	}
	return keyPairFromScalar(&sk), nil
}

func keyPairFromScalar(sk *bls12377_fr.Element) *KeyPair {
	_, _, g1, _ := bls12377.Generators()
	var pk bls12377.G1Affine
	pk.ScalarMultiplication(&g1, sk.BigInt(new(big.Int)))
	return &KeyPair{Sk: sk, Pk: &pk}
}

// EncodeNetworkKey returns the compressed encoding of a network public key.
func EncodeNetworkKey(pk *bls12377.G1Affine) []byte {
	b := pk.Bytes()
	return b[:]
}

// DecodeNetworkKey parses a compressed network public key.
func DecodeNetworkKey(b []byte) (*bls12377.G1Affine, error) {
	var pk bls12377.G1Affine
	if _, err := pk.SetBytes(b); err != nil {
		return nil, fmt.Errorf("%w: network key: %v", ErrInvalidInput, err)
	}
	if pk.IsInfinity() {
		return nil, fmt.Errorf("%w: network key is the point at infinity", ErrInvalidInput)
	}
	return &pk, nil
}

// sharedPoint computes the DH shared point from our scalar and their public key.
func sharedPoint(sk *bls12377_fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

// maskFromShared derives the additive mask for a sealed input from the DH shared point.
// The coordinates live in the BLS12-377 base field and are reduced into the BN254 scalar field.
func maskFromShared(p *bls12377.G1Affine) fr.Element {
	var x, y fr.Element
	x.SetBigInt(p.X.BigInt(new(big.Int)))
	y.SetBigInt(p.Y.BigInt(new(big.Int)))
	return mimcElements(x, y)
}

// mimcElements hashes field elements with MiMC, matching the in-circuit hasher.
func mimcElements(elems ...fr.Element) fr.Element {
	h := mimcNative.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		h.Write(b[:])
	}
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// principalElement maps a principal into the BN254 scalar field.
func principalElement(p Principal) fr.Element {
	sum := sha256.Sum256([]byte(p))
	var e fr.Element
	e.SetBytes(sum[:])
	return e
}

// derivedHandle names a computed value: Keccak-256 over the operation label, its inputs and a
// runtime sequence number, so equal operands still yield distinct handles.
func derivedHandle(label string, seq uint64, parts ...[]byte) Handle {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	h.Write(n[:])

	var out Handle
	copy(out[:], h.Sum(nil))
	return out
}

// seededUint64 draws the counter-th 64-bit value from a SHA-256 stream keyed by seed.
func seededUint64(seed []byte, counter uint64) uint64 {
	data := make([]byte, 0, len(seed)+8)
	data = append(data, seed...)
	data = binary.BigEndian.AppendUint64(data, counter)
	sum := sha256.Sum256(data)
	return binary.BigEndian.Uint64(sum[:8])
}
