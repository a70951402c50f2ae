package gateway

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"relaygate/proof"
)

// Claim types a relay may report. Pending and completed payments start
// confirmation monitoring; anything else is recorded but not tracked.
const (
	ClaimTypePending   = "payment.pending"
	ClaimTypeCompleted = "payment.completed"
	ClaimTypeFailed    = "payment.failed"
)

// Response statuses.
const (
	StatusSuccess          = "success"
	StatusAlreadyProcessed = "already_processed"
)

// WebhookClaim is the untrusted relay payload. It is judged, never mutated.
type WebhookClaim struct {
	Type            string         `json:"type"`
	PaymentID       string         `json:"paymentId"`
	Merchant        string         `json:"merchant"`
	Customer        string         `json:"customer"`
	Amount          string         `json:"amount"`
	AmountWei       string         `json:"amountWei,omitempty"`
	Timestamp       int64          `json:"timestamp"`
	BlockNumber     uint64         `json:"blockNumber"`
	TransactionHash string         `json:"transactionHash"`
	ChainID         uint64         `json:"chainId"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate performs the structural checks that gate the pipeline. Anything
// beyond shape (signatures, registry state, on-chain records) is judged by
// later stages.
func (c *WebhookClaim) Validate() error {
	if c == nil {
		return fmt.Errorf("empty payload")
	}
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("type required")
	}
	if strings.TrimSpace(c.PaymentID) == "" {
		return fmt.Errorf("paymentId required")
	}
	if strings.TrimSpace(c.Merchant) == "" {
		return fmt.Errorf("merchant required")
	}
	if !common.IsHexAddress(c.Merchant) {
		return fmt.Errorf("merchant is not a valid address")
	}
	if c.Customer != "" && !common.IsHexAddress(c.Customer) {
		return fmt.Errorf("customer is not a valid address")
	}
	if c.Timestamp <= 0 {
		return fmt.Errorf("timestamp required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chainId required")
	}
	if c.AmountWei != "" {
		if _, ok := new(big.Int).SetString(c.AmountWei, 10); !ok {
			return fmt.Errorf("amountWei is not a decimal integer")
		}
	}
	if c.TransactionHash != "" && len(common.FromHex(c.TransactionHash)) != common.HashLength {
		return fmt.Errorf("transactionHash is not a 32-byte hash")
	}
	return nil
}

// weiAmount returns the asserted wei amount, or nil when the claim did not
// carry one.
func (c *WebhookClaim) weiAmount() *big.Int {
	if c.AmountWei == "" {
		return nil
	}
	amount, ok := new(big.Int).SetString(c.AmountWei, 10)
	if !ok {
		return nil
	}
	return amount
}

// OriginalDelivery points a replayed claim back at its canonical processor.
type OriginalDelivery struct {
	Listener    string    `json:"listener"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

// Response is the verdict returned to the relay. Proof is deliberately not
// omitempty: a replayed or unsigned claim answers with an explicit null.
type Response struct {
	Status     string               `json:"status"`
	PaymentID  string               `json:"paymentId"`
	OrderKey   string               `json:"orderKey,omitempty"`
	Degraded   bool                 `json:"degraded,omitempty"`
	Monitoring bool                 `json:"monitoring,omitempty"`
	Proof      *proof.MerchantProof `json:"proof"`
	Original   *OriginalDelivery    `json:"original,omitempty"`
}
