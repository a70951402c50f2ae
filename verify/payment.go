package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"relaygate/ledger"
)

// PaymentQuery carries the claim fields checked against the on-chain record.
// A nil AmountWei skips the amount comparison (the relay did not assert a wei
// amount).
type PaymentQuery struct {
	PaymentID string
	Merchant  common.Address
	Customer  common.Address
	AmountWei *big.Int
}

// PaymentVerifier decides whether a claimed payment is genuine and whether
// its transaction is sufficiently confirmed.
type PaymentVerifier struct {
	ledger           ledger.Client
	minConfirmations uint64
	disabled         bool
	log              *slog.Logger
}

// NewPaymentVerifier constructs the verifier. disabled trivially accepts
// payment checks for non-production networks; it is loud in logs and must
// never be the default.
func NewPaymentVerifier(client ledger.Client, minConfirmations uint64, disabled bool, log *slog.Logger) *PaymentVerifier {
	if client == nil {
		panic("ledger client required")
	}
	if log == nil {
		log = slog.Default()
	}
	if disabled {
		log.Warn("payment verification is DISABLED; every claim will be accepted unchecked")
	}
	return &PaymentVerifier{
		ledger:           client,
		minConfirmations: minConfirmations,
		disabled:         disabled,
		log:              log,
	}
}

// VerifyPayment checks the claimed payment against the router contract's
// record: existence, completion, merchant/customer identity, and (when the
// claim asserted one) the wei amount.
func (v *PaymentVerifier) VerifyPayment(ctx context.Context, q PaymentQuery) Result {
	if v.disabled {
		v.log.Warn("skipping payment verification (verification disabled)", "payment_id", q.PaymentID)
		return Result{Valid: true, Degraded: true}
	}
	if strings.TrimSpace(q.PaymentID) == "" {
		return Fail("payment id required")
	}
	record, err := v.ledger.Payment(ctx, q.PaymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Fail(fmt.Sprintf("payment %s not found on chain", q.PaymentID))
		}
		return Fail(fmt.Sprintf("payment lookup failed: %v", err))
	}
	if !record.Completed {
		return Fail(fmt.Sprintf("payment %s is not completed on chain", q.PaymentID))
	}
	if q.Merchant != (common.Address{}) && record.Merchant != q.Merchant {
		return Fail(fmt.Sprintf("payment %s merchant mismatch: chain has %s, claim has %s",
			q.PaymentID, record.Merchant.Hex(), q.Merchant.Hex()))
	}
	if q.Customer != (common.Address{}) && record.Customer != q.Customer {
		return Fail(fmt.Sprintf("payment %s customer mismatch: chain has %s, claim has %s",
			q.PaymentID, record.Customer.Hex(), q.Customer.Hex()))
	}
	if q.AmountWei != nil && record.AmountWei.Cmp(q.AmountWei) != 0 {
		return Fail(fmt.Sprintf("payment %s amount mismatch: chain has %s wei, claim has %s wei",
			q.PaymentID, record.AmountWei, q.AmountWei))
	}
	return PassWith(map[string]any{
		"amountWei": record.AmountWei.String(),
		"completed": record.Completed,
	})
}

// VerifyReceipt fetches the transaction receipt and checks execution status
// and confirmation depth. Advisory at ingestion time; authoritative for the
// confirmation monitor.
func (v *PaymentVerifier) VerifyReceipt(ctx context.Context, txHash common.Hash) Result {
	if txHash == (common.Hash{}) {
		return Fail("transaction hash required")
	}
	receipt, err := v.ledger.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Fail(fmt.Sprintf("transaction %s not found", txHash.Hex()))
		}
		return Fail(fmt.Sprintf("receipt lookup failed: %v", err))
	}
	if !receipt.Succeeded {
		return Fail(fmt.Sprintf("transaction %s failed on chain", txHash.Hex()))
	}
	head, err := v.ledger.BlockNumber(ctx)
	if err != nil {
		return Fail(fmt.Sprintf("block height lookup failed: %v", err))
	}
	if head < receipt.BlockNumber {
		return Fail(fmt.Sprintf("transaction %s block %d is ahead of head %d", txHash.Hex(), receipt.BlockNumber, head))
	}
	confirmations := head - receipt.BlockNumber
	data := map[string]any{
		"confirmations": confirmations,
		"blockNumber":   receipt.BlockNumber,
	}
	if confirmations < v.minConfirmations {
		return FailWith(fmt.Sprintf("transaction %s has %d confirmations, need %d",
			txHash.Hex(), confirmations, v.minConfirmations), data)
	}
	return PassWith(data)
}

// Confirmations returns the raw confirmation count for a transaction, used by
// the confirmation monitor's polling loop.
func (v *PaymentVerifier) Confirmations(ctx context.Context, txHash common.Hash) (uint64, error) {
	receipt, err := v.ledger.TransactionReceipt(ctx, txHash)
	if err != nil {
		return 0, err
	}
	if !receipt.Succeeded {
		return 0, fmt.Errorf("transaction %s failed on chain", txHash.Hex())
	}
	head, err := v.ledger.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head < receipt.BlockNumber {
		return 0, nil
	}
	return head - receipt.BlockNumber, nil
}
