package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

type stubBackend struct {
	head    uint64
	receipt *gethtypes.Receipt
	// call output keyed by 4-byte selector hex
	outputs map[string][]byte
	callErr error
}

func (s *stubBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return s.head, nil
}

func (s *stubBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if s.receipt == nil {
		return nil, ethereum.NotFound
	}
	return s.receipt, nil
}

func (s *stubBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if s.callErr != nil {
		return nil, s.callErr
	}
	return s.outputs[common.Bytes2Hex(msg.Data[:4])], nil
}

func packOutputs(t *testing.T, abiJSON, method string, values ...interface{}) (string, []byte) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	m := parsed.Methods[method]
	out, err := m.Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	return common.Bytes2Hex(m.ID), out
}

func TestListenerDecodesTuple(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	sel, out := packOutputs(t, listenerRegistryABI, "getListener",
		big.NewInt(5_000_000), big.NewInt(80), true, false,
		big.NewInt(120), big.NewInt(118), big.NewInt(2), big.NewInt(1700000000))
	client, err := NewEVMClient(&stubBackend{outputs: map[string][]byte{sel: out}}, common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	info, err := client.Listener(context.Background(), addr)
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	if info.Stake.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("stake = %s", info.Stake)
	}
	if info.Reputation != 80 || !info.Active || info.Slashed {
		t.Fatalf("unexpected flags: %+v", info)
	}
	if info.SuccessfulDeliveries != 118 || info.FailedDeliveries != 2 {
		t.Fatalf("unexpected delivery counters: %+v", info)
	}
	if info.LastActivity.Unix() != 1700000000 {
		t.Fatalf("unexpected last activity: %v", info.LastActivity)
	}
}

func TestListenerUnregisteredIsNotFound(t *testing.T) {
	sel, out := packOutputs(t, listenerRegistryABI, "getListener",
		big.NewInt(0), big.NewInt(0), false, false,
		big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0))
	client, err := NewEVMClient(&stubBackend{outputs: map[string][]byte{sel: out}}, common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Listener(context.Background(), common.HexToAddress("0x2222222222222222222222222222222222222222"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPaymentDecodesTuple(t *testing.T) {
	merchant := common.HexToAddress("0x3333333333333333333333333333333333333333")
	customer := common.HexToAddress("0x4444444444444444444444444444444444444444")
	sel, out := packOutputs(t, paymentRouterABI, "getPayment",
		merchant, customer, big.NewInt(1_000_000_000), big.NewInt(1700000001), true)
	client, err := NewEVMClient(&stubBackend{outputs: map[string][]byte{sel: out}}, common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	record, err := client.Payment(context.Background(), "pay_123")
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if record.Merchant != merchant || record.Customer != customer {
		t.Fatalf("unexpected parties: %+v", record)
	}
	if record.AmountWei.Cmp(big.NewInt(1_000_000_000)) != 0 || !record.Completed {
		t.Fatalf("unexpected amount/completion: %+v", record)
	}
}

func TestPaymentZeroMerchantIsNotFound(t *testing.T) {
	sel, out := packOutputs(t, paymentRouterABI, "getPayment",
		common.Address{}, common.Address{}, big.NewInt(0), big.NewInt(0), false)
	client, err := NewEVMClient(&stubBackend{outputs: map[string][]byte{sel: out}}, common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Payment(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReceiptNotFound(t *testing.T) {
	client, err := NewEVMClient(&stubBackend{}, common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.TransactionReceipt(context.Background(), common.HexToHash("0xabc"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPaymentKey(t *testing.T) {
	hexID := "0x" + strings.Repeat("ab", 32)
	if got := PaymentKey(hexID); common.Hash(got) != common.HexToHash(hexID) {
		t.Fatalf("hex ids must be used verbatim")
	}
	a := PaymentKey("order-1")
	b := PaymentKey("order-1")
	c := PaymentKey("order-2")
	if a != b {
		t.Fatalf("keying must be deterministic")
	}
	if a == c {
		t.Fatalf("distinct ids must map to distinct keys")
	}
}
