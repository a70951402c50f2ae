package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"relaygate/ledger"
)

// Mode controls how verification reacts to an unreachable authorization
// source. The mode is resolved once at construction, never branched ad hoc.
type Mode int

const (
	// Strict fails closed when the ledger cannot be reached.
	Strict Mode = iota
	// DegradedOnFailure fails open with Degraded=true. Operator opt-in only;
	// it trades authorization strength for availability.
	DegradedOnFailure
)

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "strict":
		return Strict, nil
	case "degraded_on_failure":
		return DegradedOnFailure, nil
	default:
		return Strict, fmt.Errorf("unknown verification mode %q", s)
	}
}

// ListenerChecker decides whether a relay is authorized to submit webhooks.
type ListenerChecker struct {
	ledger        ledger.Client
	minStake      *big.Int
	minReputation uint64
	mode          Mode
	log           *slog.Logger
}

// NewListenerChecker constructs the registry check. The ledger client is
// required; thresholds of zero disable the respective floor.
func NewListenerChecker(client ledger.Client, minStake *big.Int, minReputation uint64, mode Mode, log *slog.Logger) *ListenerChecker {
	if client == nil {
		panic("ledger client required")
	}
	if minStake == nil {
		minStake = new(big.Int)
	}
	if log == nil {
		log = slog.Default()
	}
	return &ListenerChecker{
		ledger:        client,
		minStake:      minStake,
		minReputation: minReputation,
		mode:          mode,
		log:           log,
	}
}

// CheckListener fetches a fresh registry snapshot and applies the rejection
// rules in priority order: not registered, not active, slashed, under-staked,
// under-reputed.
func (c *ListenerChecker) CheckListener(ctx context.Context, addr common.Address) Result {
	info, err := c.ledger.Listener(ctx, addr)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Fail(fmt.Sprintf("listener %s is not registered", addr.Hex()))
		}
		if c.mode == DegradedOnFailure {
			c.log.Warn("listener registry unreachable, accepting in degraded mode",
				"listener", addr.Hex(), "error", err)
			return Result{Valid: true, Degraded: true}
		}
		return Fail(fmt.Sprintf("listener registry unreachable: %v", err))
	}
	if !info.Active {
		return Fail(fmt.Sprintf("listener %s is not active", addr.Hex()))
	}
	if info.Slashed {
		return Fail(fmt.Sprintf("listener %s has been slashed", addr.Hex()))
	}
	if c.minStake.Sign() > 0 && info.Stake.Cmp(c.minStake) < 0 {
		return Fail(fmt.Sprintf("listener %s stake %s below minimum %s", addr.Hex(), info.Stake, c.minStake))
	}
	if c.minReputation > 0 && info.Reputation < c.minReputation {
		return Fail(fmt.Sprintf("listener %s reputation %d below minimum %d", addr.Hex(), info.Reputation, c.minReputation))
	}
	return PassWith(map[string]any{
		"stake":      info.Stake.String(),
		"reputation": info.Reputation,
		"delivered":  info.TotalDelivered,
	})
}
