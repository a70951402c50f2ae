package proof

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// deliveryProofType is the EIP-712 primary type for typed attestations.
const deliveryProofType = "WebhookDeliveryProof"

func (s *Signer) typedData(params Params, now time.Time) apitypes.TypedData {
	listener := common.HexToAddress(strings.TrimSpace(params.Listener))
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			deliveryProofType: []apitypes.Type{
				{Name: "paymentId", Type: "string"},
				{Name: "listener", Type: "address"},
				{Name: "merchant", Type: "address"},
				{Name: "amount", Type: "string"},
				{Name: "orderId", Type: "string"},
				{Name: "timestamp", Type: "uint256"},
				{Name: "received", Type: "bool"},
			},
		},
		PrimaryType: deliveryProofType,
		Domain: apitypes.TypedDataDomain{
			Name:              s.domain.Name,
			Version:           s.domain.Version,
			ChainId:           math.NewHexOrDecimal256(int64(s.domain.ChainID)),
			VerifyingContract: s.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"paymentId": strings.TrimSpace(params.PaymentID),
			"listener":  listener.Hex(),
			"merchant":  s.merchant.Hex(),
			"amount":    strings.TrimSpace(params.Amount),
			"orderId":   strings.TrimSpace(params.OrderID),
			"timestamp": fmt.Sprintf("%d", params.Timestamp.UTC().Unix()),
			"received":  true,
		},
	}
}

func (s *Signer) generateTyped(params Params, now time.Time) (*MerchantProof, error) {
	td := s.typedData(params, now)
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed proof: %w", err)
	}
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed proof: %w", err)
	}
	return &MerchantProof{
		Method:    MethodTyped,
		TypedData: &td,
		Signature: "0x" + hex.EncodeToString(sig),
		Signer:    s.merchant.Hex(),
		Timestamp: now.Unix(),
	}, nil
}

// VerifyTypedData checks an EIP-712 proof against the expected signer.
func VerifyTypedData(td apitypes.TypedData, signature string, expectedSigner common.Address) bool {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return false
	}
	sig, err := decodeSig(signature)
	if err != nil {
		return false
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == expectedSigner
}
