package fhe

import (
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"
)

// InputCircuit proves that an external input is well formed:
// the sealed value fits in 64 bits, the ciphertext is value+mask, the mask matches the public
// commitment and the handle binds the ciphertext to one (user, contract) pair.
type InputCircuit struct {
	// Public inputs
	Ciphertext     frontend.Variable `gnark:",public"`
	MaskCommitment frontend.Variable `gnark:",public"`
	Handle         frontend.Variable `gnark:",public"`
	User           frontend.Variable `gnark:",public"`
	Contract       frontend.Variable `gnark:",public"`

	// Private inputs
	Value frontend.Variable
	Mask  frontend.Variable
}

func (c *InputCircuit) Define(api frontend.API) error {
	// Range: value < 2^64
	api.ToBinary(c.Value, 64)

	// Sealing: ciphertext = value + mask
	api.AssertIsEqual(c.Ciphertext, api.Add(c.Value, c.Mask))

	// Mask commitment
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(c.Mask)
	api.AssertIsEqual(c.MaskCommitment, hasher.Sum())

	// Handle binding
	hasher.Reset()
	hasher.Write(c.Ciphertext, c.MaskCommitment, c.User, c.Contract)
	api.AssertIsEqual(c.Handle, hasher.Sum())

	return nil
}

// CompileInputCircuit compiles InputCircuit to R1CS over BN254.
func CompileInputCircuit() (constraint.ConstraintSystem, error) {
	var circuit InputCircuit
	return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
}
