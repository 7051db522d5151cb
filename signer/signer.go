// Package signer holds the service signing key and the signature helpers
// shared by offer issuance and acceptance verification.
package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces the service attestation over canonical offer digests.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// KeySigner implements Signer with an in-process secp256k1 key.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

// NewFromHex constructs a signer from a hex-encoded private key.
func NewFromHex(material string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(material), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signer: empty key material")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid key material: %w", err)
	}
	return &KeySigner{key: key}, nil
}

// NewFromEnv sources hex key material from the named environment variable.
func NewFromEnv(varName string) (*KeySigner, error) {
	material := strings.TrimSpace(os.Getenv(varName))
	if material == "" {
		return nil, fmt.Errorf("signer: environment variable %s not set", varName)
	}
	return NewFromHex(material)
}

// Address returns the 0x address of the signing key.
func (s *KeySigner) Address() common.Address {
	if s == nil || s.key == nil {
		return common.Address{}
	}
	return ethcrypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign produces a 65-byte secp256k1 signature over the supplied digest.
func (s *KeySigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, fmt.Errorf("signer: not configured")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("signer: digest must be 32 bytes, got %d", len(digest))
	}
	return ethcrypto.Sign(digest, s.key)
}

// RecoverAddress recovers the signing address from a 65-byte signature over
// the digest. Recovery ids of 27/28 (wallet convention) are normalized.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signer: signature must be 65 bytes, got %d", len(sig))
	}
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("signer: digest must be 32 bytes, got %d", len(digest))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("signer: recover pubkey: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature parses a 0x-hex signature string.
func DecodeSignature(sigHex string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(sigHex), "0x")
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signer: decode signature: %w", err)
	}
	return sig, nil
}

// EncodeSignature renders a signature as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
