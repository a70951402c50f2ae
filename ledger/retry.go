package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 5 * time.Second
)

// Retrier bounds retries of remote-ledger reads. Only classified-transient
// failures are retried; the delay before attempt k is min(base·2^(k-1), max).
// Exhausting the budget surfaces the last error.
type Retrier struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	classify  func(error) bool
	onRetry   func(attempt int, err error)
	exhausted func(err error)
	sleep     func(ctx context.Context, d time.Duration) error
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithAttempts overrides the total attempt budget (including the first call).
func WithAttempts(n int) RetrierOption {
	return func(r *Retrier) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithBackoff overrides the base and maximum delay between attempts.
func WithBackoff(base, max time.Duration) RetrierOption {
	return func(r *Retrier) {
		if base > 0 {
			r.baseDelay = base
		}
		if max > 0 {
			r.maxDelay = max
		}
	}
}

// WithClassifier replaces the transient-failure classifier.
func WithClassifier(fn func(error) bool) RetrierOption {
	return func(r *Retrier) {
		if fn != nil {
			r.classify = fn
		}
	}
}

// WithRetryHook observes every retried failure, e.g. for metrics.
func WithRetryHook(fn func(attempt int, err error)) RetrierOption {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// WithExhaustedHook observes calls that ran out of attempts.
func WithExhaustedHook(fn func(err error)) RetrierOption {
	return func(r *Retrier) {
		r.exhausted = fn
	}
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) {
		r.sleep = fn
	}
}

// NewRetrier constructs a retrier with the gateway's default budget.
func NewRetrier(opts ...RetrierOption) *Retrier {
	r := &Retrier{
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		classify:  IsTransient,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Delay reports the backoff applied before attempt k (1-based view of the
// retry, so Delay(1) precedes the second call).
func (r *Retrier) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := r.baseDelay << uint(attempt-1)
	if d > r.maxDelay || d <= 0 {
		return r.maxDelay
	}
	return d
}

// Do runs op under the retrier's policy and returns the typed result.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !r.classify(err) {
			return zero, err
		}
		if attempt == r.attempts {
			break
		}
		if r.onRetry != nil {
			r.onRetry(attempt, err)
		}
		if err := r.sleep(ctx, r.Delay(attempt)); err != nil {
			return zero, err
		}
	}
	if r.exhausted != nil {
		r.exhausted(lastErr)
	}
	return zero, lastErr
}

// sleepContext blocks only the calling goroutine and aborts on cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryingClient wraps a Client with the retry policy. It is the Client
// handed to every consumer above the ledger boundary.
type RetryingClient struct {
	inner   Client
	retrier *Retrier
}

// NewRetryingClient wraps inner. A nil retrier gets the default policy.
func NewRetryingClient(inner Client, retrier *Retrier) *RetryingClient {
	if retrier == nil {
		retrier = NewRetrier()
	}
	return &RetryingClient{inner: inner, retrier: retrier}
}

func (c *RetryingClient) BlockNumber(ctx context.Context) (uint64, error) {
	return Do(ctx, c.retrier, c.inner.BlockNumber)
}

func (c *RetryingClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ReceiptInfo, error) {
	return Do(ctx, c.retrier, func(ctx context.Context) (*ReceiptInfo, error) {
		return c.inner.TransactionReceipt(ctx, txHash)
	})
}

func (c *RetryingClient) Listener(ctx context.Context, addr common.Address) (*ListenerInfo, error) {
	return Do(ctx, c.retrier, func(ctx context.Context) (*ListenerInfo, error) {
		return c.inner.Listener(ctx, addr)
	})
}

func (c *RetryingClient) Payment(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	return Do(ctx, c.retrier, func(ctx context.Context) (*PaymentRecord, error) {
		return c.inner.Payment(ctx, paymentID)
	})
}
