package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// CanonicalClaim is the ordered field subset both the relay and the merchant
// serialize before signing. The order is a wire-format contract: any change
// breaks every deployed relay.
type CanonicalClaim struct {
	Type      string
	PaymentID string
	Merchant  string
	Amount    string
	Timestamp int64
	ChainID   uint64
}

// Message renders the deterministic signing payload for a claim.
func (c CanonicalClaim) Message() string {
	return fmt.Sprintf("relaygate-webhook|type=%s|payment=%s|merchant=%s|amount=%s|ts=%d|chain=%d",
		strings.TrimSpace(c.Type),
		strings.TrimSpace(c.PaymentID),
		strings.ToLower(strings.TrimSpace(c.Merchant)),
		strings.TrimSpace(c.Amount),
		c.Timestamp,
		c.ChainID,
	)
}

// RecoverSigner recovers the address that produced signature over the
// EIP-191 personal digest of message. The signature is 65 bytes hex, with or
// without a 0x prefix; a trailing V of 27/28 is normalized.
func RecoverSigner(message string, signature string) (common.Address, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	digest := accounts.TextHash([]byte(message))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether signature over the canonical message was
// produced by claimed. Malformed input is a verification failure, never an
// error escape.
func VerifySignature(message, signature, claimed string) bool {
	if strings.TrimSpace(signature) == "" || !common.IsHexAddress(strings.TrimSpace(claimed)) {
		return false
	}
	recovered, err := RecoverSigner(message, signature)
	if err != nil {
		return false
	}
	return recovered == common.HexToAddress(strings.TrimSpace(claimed))
}

// SignMessage signs the EIP-191 personal digest of message with the provided
// hex-encoded private key. Used by tests and by relays built from this module.
func SignMessage(message string, privKeyHex string) (string, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x"))
	if err != nil {
		return "", fmt.Errorf("load private key: %w", err)
	}
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func decodeSignature(signature string) ([]byte, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	out := append([]byte(nil), sig...)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out, nil
}
