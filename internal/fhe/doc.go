// Package fhe is the confidential-computation runtime consumed by the engine.
//
// Overview:
//   - Confidential values are addressed by opaque 32-byte handles; their cleartext never leaves
//     the runtime except through Coprocessor.Reveal, which checks the requester's capability.
//   - A freshly produced value is a Pending. It must be granted through Runtime.Allow, which
//     yields a Ciphertext. Only Ciphertext values are accepted by Add, Sub, Mul and Xor, so a
//     missing grant is a compile error rather than a silently wrong answer.
//   - External inputs are sealed client side with an ephemeral BLS12-377 Diffie-Hellman key and
//     a MiMC mask, and carry a Groth16 proof (BN254) that binds the ciphertext to exactly one
//     (contract, user) pair and proves the value fits in 64 bits.
//
// Security Model:
//   - The Coprocessor keeps cleartexts in memory. It stands in for a real FHE coprocessor and
//     implements the same capability rules, not the encryption scheme.
//   - Arithmetic is on uint64 and wraps modulo 2^64.
package fhe
