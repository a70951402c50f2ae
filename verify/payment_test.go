package verify

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"relaygate/ledger"
)

var (
	merchant = common.HexToAddress("0x3333333333333333333333333333333333333333")
	customer = common.HexToAddress("0x4444444444444444444444444444444444444444")
	txHash   = common.HexToHash("0x" + strings.Repeat("ef", 32))
)

func completedPayment() *ledger.PaymentRecord {
	return &ledger.PaymentRecord{
		PaymentID: "pay_1",
		Merchant:  merchant,
		Customer:  customer,
		AmountWei: big.NewInt(1_000_000),
		Completed: true,
	}
}

func TestVerifyPaymentAccepts(t *testing.T) {
	v := NewPaymentVerifier(&stubLedger{payment: completedPayment()}, 0, false, nil)
	res := v.VerifyPayment(context.Background(), PaymentQuery{
		PaymentID: "pay_1",
		Merchant:  merchant,
		Customer:  customer,
		AmountWei: big.NewInt(1_000_000),
	})
	if !res.Valid {
		t.Fatalf("expected acceptance, got %q", res.Reason)
	}
}

func TestVerifyPaymentRejections(t *testing.T) {
	cases := []struct {
		name   string
		stub   *stubLedger
		query  PaymentQuery
		reason string
	}{
		{
			"not found",
			&stubLedger{paymentErr: fmt.Errorf("payment: %w", ledger.ErrNotFound)},
			PaymentQuery{PaymentID: "pay_x"},
			"not found",
		},
		{
			"incomplete",
			&stubLedger{payment: &ledger.PaymentRecord{Merchant: merchant, AmountWei: big.NewInt(1), Completed: false}},
			PaymentQuery{PaymentID: "pay_1"},
			"not completed",
		},
		{
			"merchant mismatch",
			&stubLedger{payment: completedPayment()},
			PaymentQuery{PaymentID: "pay_1", Merchant: customer},
			"merchant mismatch",
		},
		{
			"amount mismatch",
			&stubLedger{payment: completedPayment()},
			PaymentQuery{PaymentID: "pay_1", AmountWei: big.NewInt(999)},
			"amount mismatch",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewPaymentVerifier(tc.stub, 0, false, nil)
			res := v.VerifyPayment(context.Background(), tc.query)
			if res.Valid {
				t.Fatalf("expected rejection")
			}
			if !strings.Contains(res.Reason, tc.reason) {
				t.Fatalf("reason %q does not mention %q", res.Reason, tc.reason)
			}
		})
	}
}

func TestVerifyPaymentNilAmountSkipsComparison(t *testing.T) {
	v := NewPaymentVerifier(&stubLedger{payment: completedPayment()}, 0, false, nil)
	res := v.VerifyPayment(context.Background(), PaymentQuery{PaymentID: "pay_1"})
	if !res.Valid {
		t.Fatalf("nil amount must skip the amount check, got %q", res.Reason)
	}
}

func TestVerifyPaymentDisabledMode(t *testing.T) {
	v := NewPaymentVerifier(&stubLedger{paymentErr: fmt.Errorf("boom")}, 0, true, nil)
	res := v.VerifyPayment(context.Background(), PaymentQuery{PaymentID: "pay_1"})
	if !res.Valid || !res.Degraded {
		t.Fatalf("disabled mode must accept and flag degraded, got %+v", res)
	}
}

func TestVerifyReceipt(t *testing.T) {
	stub := &stubLedger{
		head:    112,
		receipt: &ledger.ReceiptInfo{TxHash: txHash, BlockNumber: 100, Succeeded: true},
	}
	v := NewPaymentVerifier(stub, 12, false, nil)
	res := v.VerifyReceipt(context.Background(), txHash)
	if !res.Valid {
		t.Fatalf("expected acceptance at exactly the threshold, got %q", res.Reason)
	}
	if res.Data["confirmations"] != uint64(12) {
		t.Fatalf("confirmations = %v", res.Data["confirmations"])
	}

	stub.head = 105
	res = v.VerifyReceipt(context.Background(), txHash)
	if res.Valid {
		t.Fatalf("expected rejection below the threshold")
	}
	if !strings.Contains(res.Reason, "confirmations") {
		t.Fatalf("unexpected reason %q", res.Reason)
	}

	stub.receipt.Succeeded = false
	res = v.VerifyReceipt(context.Background(), txHash)
	if res.Valid || !strings.Contains(res.Reason, "failed") {
		t.Fatalf("failed transaction must be rejected, got %+v", res)
	}

	stub.receipt = nil
	stub.receiptErr = fmt.Errorf("tx: %w", ledger.ErrNotFound)
	res = v.VerifyReceipt(context.Background(), txHash)
	if res.Valid || !strings.Contains(res.Reason, "not found") {
		t.Fatalf("missing receipt must be rejected, got %+v", res)
	}
}

func TestConfirmations(t *testing.T) {
	stub := &stubLedger{
		head:    110,
		receipt: &ledger.ReceiptInfo{TxHash: txHash, BlockNumber: 100, Succeeded: true},
	}
	v := NewPaymentVerifier(stub, 12, false, nil)
	got, err := v.Confirmations(context.Background(), txHash)
	if err != nil {
		t.Fatalf("confirmations: %v", err)
	}
	if got != 10 {
		t.Fatalf("confirmations = %d, want 10", got)
	}
}
