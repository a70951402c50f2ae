package ledger

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned when the ledger has no record for the queried key
// (missing receipt, unregistered listener, unknown payment).
var ErrNotFound = errors.New("ledger: not found")

// ListenerInfo is the registry snapshot for a relay node. It is fetched fresh
// on every request; a cached snapshot would let a freshly slashed relay slip
// through.
type ListenerInfo struct {
	Address              common.Address
	Stake                *big.Int
	Reputation           uint64
	Active               bool
	Slashed              bool
	TotalDelivered       uint64
	SuccessfulDeliveries uint64
	FailedDeliveries     uint64
	LastActivity         time.Time
}

// PaymentRecord is the on-chain record for a routed payment.
type PaymentRecord struct {
	PaymentID string
	Merchant  common.Address
	Customer  common.Address
	AmountWei *big.Int
	Timestamp time.Time
	Completed bool
}

// ReceiptInfo carries the transaction receipt fields the verifier needs.
type ReceiptInfo struct {
	TxHash      common.Hash
	BlockNumber uint64
	Succeeded   bool
}

// Client is the read-only ledger surface used by the verification pipeline.
// Implementations decode positional contract data at this boundary; nothing
// above it sees raw tuples.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ReceiptInfo, error)
	Listener(ctx context.Context, addr common.Address) (*ListenerInfo, error)
	Payment(ctx context.Context, paymentID string) (*PaymentRecord, error)
}

// IsTransient classifies failures that are worth retrying: timeouts and
// network-level unreachability. Everything else (reverts, decode failures,
// missing records) propagates immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	// JSON-RPC transports frequently wrap dial errors into plain strings.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "timeout", "temporarily unavailable", "no such host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
