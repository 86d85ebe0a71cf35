package fhe

import (
	"fmt"
	"io"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
)

func writeKey(path string, key io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := key.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write key %s: %w", path, err)
	}
	return f.Close()
}

func readKey(path string, key io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := key.ReadFrom(f); err != nil {
		return fmt.Errorf("read key %s: %w", path, err)
	}
	return nil
}

// loadKeys reads a BN254 key pair written by SetupOrLoadKeys.
func loadKeys(pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk := groth16.NewProvingKey(ecc.BN254)
	if err := readKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := readKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}

// SetupOrLoadKeys loads the Groth16 keys for ccs from disk, running a fresh setup and saving the
// result when either file is missing. Empty paths keep the keys in memory only.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	persist := pkPath != "" && vkPath != ""
	if persist {
		if pk, vk, err := loadKeys(pkPath, vkPath); err == nil {
			return pk, vk, nil
		}
	}

	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, fmt.Errorf("groth16 setup: %w", err)
	}
	if !persist {
		return pk, vk, nil
	}
	if err := writeKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := writeKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}

// LoadOrCreateNetworkKey reads the network secret scalar from path, generating and saving a
// fresh keypair when the file is missing. An empty path keeps a fresh key in memory only.
func LoadOrCreateNetworkKey(path string) (*KeyPair, error) {
	if path == "" {
		return GenerateKeyPair()
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != bls12377_fr.Bytes {
			return nil, fmt.Errorf("network key %s: want %d bytes, got %d", path, bls12377_fr.Bytes, len(raw))
		}
		var sk bls12377_fr.Element
		if err := sk.SetBytesCanonical(raw); err != nil {
			return nil, fmt.Errorf("network key %s: %w", path, err)
		}
		if sk.IsZero() {
			return nil, fmt.Errorf("network key %s: zero scalar", path)
		}
		return keyPairFromScalar(&sk), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	b := kp.Sk.Bytes()
	if err := os.WriteFile(path, b[:], 0o600); err != nil {
		return nil, fmt.Errorf("write network key %s: %w", path, err)
	}
	return kp, nil
}
