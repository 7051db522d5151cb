package loan

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ZeroMetadataHash is substituted when an offer carries no metadata.
const ZeroMetadataHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// MaxInterestBps bounds the interest rate sanity range (100% in basis points).
const MaxInterestBps = 10_000

// Action identifies the downstream settlement semantics of an offer.
type Action uint8

const (
	// ActionGasAdvance is the default gas loan settlement path.
	ActionGasAdvance Action = 0
	// ActionGasTopUp tops up an existing position instead of opening one.
	ActionGasTopUp Action = 1
)

// OfferPayload is the canonical payload signed by the service and
// countersigned by the borrower. Field order and encoding are stable: the
// borrower's client and the executor re-derive the exact same bytes.
type OfferPayload struct {
	Borrower     string `json:"borrower"`
	Principal    string `json:"principal"`
	InterestBps  uint32 `json:"interestBps"`
	DueAt        int64  `json:"dueAt"`
	Nonce        uint64 `json:"nonce"`
	IssuedAt     int64  `json:"issuedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
	Action       uint8  `json:"action"`
	MetadataHash string `json:"metadataHash"`
}

// CanonicalJSON returns the canonical JSON encoding used for signing offers.
// All fields are normalized first so that any two derivations from the same
// logical values produce byte-identical output.
func (p OfferPayload) CanonicalJSON() ([]byte, error) {
	borrower, err := NormalizeAddress(p.Borrower)
	if err != nil {
		return nil, err
	}
	principal, err := p.PrincipalBig()
	if err != nil {
		return nil, err
	}
	metadata, err := NormalizeMetadataHash(p.MetadataHash)
	if err != nil {
		return nil, err
	}
	if p.InterestBps > MaxInterestBps {
		return nil, fmt.Errorf("%w: interestBps %d exceeds %d", ErrValidation, p.InterestBps, MaxInterestBps)
	}
	if p.IssuedAt <= 0 {
		return nil, fmt.Errorf("%w: issuedAt required", ErrValidation)
	}
	if p.DueAt <= p.IssuedAt {
		return nil, fmt.Errorf("%w: dueAt must follow issuedAt", ErrValidation)
	}
	if p.ExpiresAt <= p.IssuedAt {
		return nil, fmt.Errorf("%w: expiresAt must follow issuedAt", ErrValidation)
	}
	canonical := OfferPayload{
		Borrower:     borrower,
		Principal:    principal.String(),
		InterestBps:  p.InterestBps,
		DueAt:        p.DueAt,
		Nonce:        p.Nonce,
		IssuedAt:     p.IssuedAt,
		ExpiresAt:    p.ExpiresAt,
		Action:       p.Action,
		MetadataHash: metadata,
	}
	return json.Marshal(canonical)
}

// Digest computes the keccak256 hash over the canonical JSON representation.
func (p OfferPayload) Digest() ([]byte, error) {
	canonical, err := p.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(canonical), nil
}

// PrincipalBig parses the principal as a positive decimal integer.
func (p OfferPayload) PrincipalBig() (*big.Int, error) {
	trimmed := strings.TrimSpace(p.Principal)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: principal required", ErrValidation)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid principal %q", ErrValidation, p.Principal)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: principal must be positive", ErrValidation)
	}
	return value, nil
}

// NormalizeAddress validates a 0x hex address and lowercases it. Lowercase
// hex is the storage key form; checksum casing is display-only.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: invalid borrower address %q", ErrValidation, addr)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

// NormalizeMetadataHash validates an optional 32-byte hex hash, defaulting
// empty input to the zero hash.
func NormalizeMetadataHash(h string) (string, error) {
	trimmed := strings.TrimSpace(h)
	if trimmed == "" {
		return ZeroMetadataHash, nil
	}
	raw := strings.TrimPrefix(strings.ToLower(trimmed), "0x")
	if len(raw) != 64 {
		return "", fmt.Errorf("%w: metadata hash must be 32 bytes", ErrValidation)
	}
	if _, err := hexutil.Decode("0x" + raw); err != nil {
		return "", fmt.Errorf("%w: invalid metadata hash: %v", ErrValidation, err)
	}
	return "0x" + raw, nil
}
