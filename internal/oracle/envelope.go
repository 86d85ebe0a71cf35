package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Envelope is the signed wrapper around every oracle response.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"senderId"`
	Signature []byte          `json:"signature"`
}

func (e *Envelope) digest() [32]byte {
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.SenderID))
	h.Write([]byte{0})
	h.Write(e.Payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Signer seals envelopes with a secp256k1 key.
type Signer struct {
	id  string
	key *btcec.PrivateKey
}

// NewSigner generates a fresh signing key for sender id.
func NewSigner(id string) (*Signer, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{id: id, key: key}, nil
}

// SignerFromHex restores a signer from a hex encoded private key.
func SignerFromHex(id, keyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("signing key must be %d bytes", btcec.PrivKeyBytesLen)
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return &Signer{id: id, key: key}, nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() *btcec.PublicKey { return s.key.PubKey() }

// PublicKeyHex returns the compressed verification key as hex.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.key.PubKey().SerializeCompressed())
}

// Seal marshals payload and signs it.
func (s *Signer) Seal(typ string, payload interface{}) (*Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	env := &Envelope{Type: typ, Payload: b, SenderID: s.id}
	d := env.digest()
	env.Signature = ecdsa.Sign(s.key, d[:]).Serialize()
	return env, nil
}

// ParsePublicKey parses a hex encoded secp256k1 public key.
func ParsePublicKey(keyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return btcec.ParsePubKey(raw)
}

// Open verifies env against pub and sender, then decodes its payload into out.
func Open(env *Envelope, pub *btcec.PublicKey, sender string, out interface{}) error {
	if env.SenderID != sender {
		return fmt.Errorf("%w: sender %q, want %q", ErrBadSignature, env.SenderID, sender)
	}
	sig, err := ecdsa.ParseDERSignature(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	d := env.digest()
	if !sig.Verify(d[:], pub) {
		return ErrBadSignature
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}
