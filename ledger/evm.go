package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// listenerRegistryABI covers the single registry read the gateway performs.
const listenerRegistryABI = `[{
	"name": "getListener",
	"type": "function",
	"stateMutability": "view",
	"inputs": [{"name": "node", "type": "address"}],
	"outputs": [
		{"name": "stake", "type": "uint256"},
		{"name": "reputation", "type": "uint256"},
		{"name": "active", "type": "bool"},
		{"name": "slashed", "type": "bool"},
		{"name": "totalDelivered", "type": "uint256"},
		{"name": "successfulDeliveries", "type": "uint256"},
		{"name": "failedDeliveries", "type": "uint256"},
		{"name": "lastActivity", "type": "uint256"}
	]
}]`

// paymentRouterABI covers the payment lookup on the routing contract.
const paymentRouterABI = `[{
	"name": "getPayment",
	"type": "function",
	"stateMutability": "view",
	"inputs": [{"name": "paymentId", "type": "bytes32"}],
	"outputs": [
		{"name": "merchant", "type": "address"},
		{"name": "customer", "type": "address"},
		{"name": "amount", "type": "uint256"},
		{"name": "timestamp", "type": "uint256"},
		{"name": "completed", "type": "bool"}
	]
}]`

// rpcBackend is the subset of ethclient the EVM ledger uses. Narrowed for
// tests.
type rpcBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVMClient reads the listener registry and payment router contracts over a
// JSON-RPC endpoint.
type EVMClient struct {
	backend  rpcBackend
	registry common.Address
	router   common.Address

	registryABI abi.ABI
	routerABI   abi.ABI
}

// Dial connects to the RPC endpoint and prepares the contract bindings.
func Dial(rpcURL string, registry, router common.Address) (*EVMClient, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger rpc url required")
	}
	eth, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return NewEVMClient(eth, registry, router)
}

// NewEVMClient wraps an existing backend, used by Dial and by tests.
func NewEVMClient(backend rpcBackend, registry, router common.Address) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger backend required")
	}
	regABI, err := abi.JSON(strings.NewReader(listenerRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	routerParsed, err := abi.JSON(strings.NewReader(paymentRouterABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	return &EVMClient{
		backend:     backend,
		registry:    registry,
		router:      router,
		registryABI: regABI,
		routerABI:   routerParsed,
	}, nil
}

// BlockNumber returns the current chain head height.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// TransactionReceipt fetches and narrows a receipt. A missing transaction
// maps to ErrNotFound.
func (c *EVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ReceiptInfo, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("transaction %s: %w", txHash.Hex(), ErrNotFound)
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("transaction %s: %w", txHash.Hex(), ErrNotFound)
	}
	info := &ReceiptInfo{
		TxHash:    txHash,
		Succeeded: receipt.Status == gethtypes.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		info.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return info, nil
}

// Listener decodes the registry tuple for a relay address. An address the
// registry has never seen comes back with zero stake and inactive; that is
// reported as ErrNotFound so callers can distinguish "unregistered" from
// "registered but rejected".
func (c *EVMClient) Listener(ctx context.Context, addr common.Address) (*ListenerInfo, error) {
	data, err := c.registryABI.Pack("getListener", addr)
	if err != nil {
		return nil, fmt.Errorf("pack getListener: %w", err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.registry, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getListener: %w", err)
	}
	out, err := c.registryABI.Unpack("getListener", raw)
	if err != nil {
		return nil, fmt.Errorf("decode getListener: %w", err)
	}
	if len(out) != 8 {
		return nil, fmt.Errorf("getListener returned %d values, want 8", len(out))
	}
	info := &ListenerInfo{
		Address:              addr,
		Stake:                asBigInt(out[0]),
		Reputation:           asUint64(out[1]),
		Active:               asBool(out[2]),
		Slashed:              asBool(out[3]),
		TotalDelivered:       asUint64(out[4]),
		SuccessfulDeliveries: asUint64(out[5]),
		FailedDeliveries:     asUint64(out[6]),
	}
	if last := asUint64(out[7]); last > 0 {
		info.LastActivity = time.Unix(int64(last), 0).UTC()
	}
	if info.Stake.Sign() == 0 && !info.Active && info.TotalDelivered == 0 {
		return nil, fmt.Errorf("listener %s: %w", addr.Hex(), ErrNotFound)
	}
	return info, nil
}

// Payment decodes the router tuple for a payment identifier. Identifiers that
// are not 32-byte hex are keyed by their keccak hash, matching the contract's
// indexing of off-chain order ids.
func (c *EVMClient) Payment(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	key := PaymentKey(paymentID)
	data, err := c.routerABI.Pack("getPayment", key)
	if err != nil {
		return nil, fmt.Errorf("pack getPayment: %w", err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getPayment: %w", err)
	}
	out, err := c.routerABI.Unpack("getPayment", raw)
	if err != nil {
		return nil, fmt.Errorf("decode getPayment: %w", err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("getPayment returned %d values, want 5", len(out))
	}
	record := &PaymentRecord{
		PaymentID: paymentID,
		Merchant:  asAddress(out[0]),
		Customer:  asAddress(out[1]),
		AmountWei: asBigInt(out[2]),
		Completed: asBool(out[4]),
	}
	if ts := asUint64(out[3]); ts > 0 {
		record.Timestamp = time.Unix(int64(ts), 0).UTC()
	}
	if record.Merchant == (common.Address{}) {
		return nil, fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	return record, nil
}

// PaymentKey maps a payment identifier onto the router's bytes32 key space.
func PaymentKey(paymentID string) [32]byte {
	trimmed := strings.TrimSpace(paymentID)
	if cleaned := strings.TrimPrefix(trimmed, "0x"); len(cleaned) == 64 {
		if h := common.HexToHash(trimmed); h != (common.Hash{}) || cleaned == strings.Repeat("0", 64) {
			return h
		}
	}
	return ethcrypto.Keccak256Hash([]byte(trimmed))
}

func asBigInt(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b
	}
	return new(big.Int)
}

func asUint64(v interface{}) uint64 {
	if b, ok := v.(*big.Int); ok && b != nil && b.IsUint64() {
		return b.Uint64()
	}
	return 0
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asAddress(v interface{}) common.Address {
	a, _ := v.(common.Address)
	return a
}
