package proof

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Method selects the proof issuance format.
type Method string

const (
	// MethodSimple signs a keccak hash of (paymentId, listener).
	MethodSimple Method = "simple"
	// MethodTyped signs an EIP-712 structured record bound to a specific
	// chain and verifying contract, preventing cross-chain replay.
	MethodTyped Method = "eip712"
)

// maxFutureSkew is how far ahead of the merchant clock a claim timestamp may
// sit before the proof is refused.
const maxFutureSkew = 60 * time.Second

var (
	// ErrInvalidParameter reports a malformed listener address.
	ErrInvalidParameter = errors.New("proof: invalid parameter")
	// ErrStaleTimestamp reports a claim timestamp outside the expiry window.
	ErrStaleTimestamp = errors.New("proof: stale timestamp")
	// ErrFutureTimestamp reports a claim timestamp ahead of the merchant clock.
	ErrFutureTimestamp = errors.New("proof: future timestamp")
)

// Domain pins typed proofs to one chain and contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// Params carries the claim fields a proof attests to.
type Params struct {
	PaymentID string
	Listener  string
	Timestamp time.Time
	OrderID   string
	Amount    string
}

// MerchantProof is the issued attestation. It is evidence, not state; the
// core never looks it up again.
type MerchantProof struct {
	Method    Method              `json:"method"`
	Message   string              `json:"message,omitempty"`
	TypedData *apitypes.TypedData `json:"typedData,omitempty"`
	Signature string              `json:"signature"`
	Signer    string              `json:"signer"`
	Timestamp int64               `json:"timestamp"`
}

// Signer issues merchant attestations with a fixed key and domain.
type Signer struct {
	key      *ecdsa.PrivateKey
	merchant common.Address
	domain   Domain
	expiry   time.Duration
	nowFn    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

func withSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.nowFn = now
	}
}

// NewSigner loads the merchant key and prepares the issuance domain. expiry
// bounds how old a claim timestamp may be and still earn a proof.
func NewSigner(privKeyHex string, domain Domain, expiry time.Duration, opts ...SignerOption) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("load merchant key: %w", err)
	}
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	if strings.TrimSpace(domain.Name) == "" {
		domain.Name = "RelayGate"
	}
	if strings.TrimSpace(domain.Version) == "" {
		domain.Version = "1"
	}
	s := &Signer{
		key:      key,
		merchant: ethcrypto.PubkeyToAddress(key.PublicKey),
		domain:   domain,
		expiry:   expiry,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address returns the merchant signing address proofs verify against.
func (s *Signer) Address() common.Address {
	return s.merchant
}

// Generate issues a proof that the listener correctly delivered the payment
// notification. The caller selects the format.
func (s *Signer) Generate(params Params, method Method) (*MerchantProof, error) {
	if !common.IsHexAddress(strings.TrimSpace(params.Listener)) {
		return nil, fmt.Errorf("%w: listener address %q", ErrInvalidParameter, params.Listener)
	}
	if strings.TrimSpace(params.PaymentID) == "" {
		return nil, fmt.Errorf("%w: payment id required", ErrInvalidParameter)
	}
	now := s.nowFn().UTC()
	ts := params.Timestamp.UTC()
	if now.Sub(ts) > s.expiry {
		return nil, fmt.Errorf("%w: claim is %s old, window is %s", ErrStaleTimestamp, now.Sub(ts), s.expiry)
	}
	if ts.Sub(now) > maxFutureSkew {
		return nil, fmt.Errorf("%w: claim is %s ahead", ErrFutureTimestamp, ts.Sub(now))
	}
	switch method {
	case MethodTyped:
		return s.generateTyped(params, now)
	case MethodSimple, "":
		return s.generateSimple(params, now)
	default:
		return nil, fmt.Errorf("%w: unknown proof method %q", ErrInvalidParameter, method)
	}
}

func (s *Signer) generateSimple(params Params, now time.Time) (*MerchantProof, error) {
	listener := common.HexToAddress(strings.TrimSpace(params.Listener))
	hash := ethcrypto.Keccak256([]byte(strings.TrimSpace(params.PaymentID)), listener.Bytes())
	sig, err := ethcrypto.Sign(accounts.TextHash(hash), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}
	return &MerchantProof{
		Method:    MethodSimple,
		Message:   hexutil.Encode(hash),
		Signature: "0x" + hex.EncodeToString(sig),
		Signer:    s.merchant.Hex(),
		Timestamp: now.Unix(),
	}, nil
}

// VerifyMessage checks a simple proof: message is the hex keccak hash that
// was signed (EIP-191 wrapped), signature the 65-byte hex signature.
func VerifyMessage(message, signature string, expectedSigner common.Address) bool {
	hash, err := hexutil.Decode(strings.TrimSpace(message))
	if err != nil {
		return false
	}
	sig, err := decodeSig(signature)
	if err != nil {
		return false
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(hash), sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == expectedSigner
}

func decodeSig(signature string) ([]byte, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, err
	}
	if len(sig) != ethcrypto.SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes", ethcrypto.SignatureLength)
	}
	out := append([]byte(nil), sig...)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out, nil
}
