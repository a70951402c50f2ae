package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultPollInterval is how often a job re-checks confirmations.
const DefaultPollInterval = 30 * time.Second

// ConfirmationSource reports the current confirmation depth for a
// transaction.
type ConfirmationSource interface {
	Confirmations(ctx context.Context, txHash common.Hash) (uint64, error)
}

// OrderUpdater persists monitoring progress. Both methods are best-effort
// from the job's perspective; failures are logged and polling continues.
type OrderUpdater interface {
	UpdateConfirmations(ctx context.Context, orderKey string, confirmations uint64) error
	MarkConfirmed(ctx context.Context, orderKey string, at time.Time) error
}

// Notifier publishes realtime progress events. Fire-and-forget.
type Notifier interface {
	Publish(room, event string, payload map[string]any)
}

// Registry tracks at most one confirmation job per order key. Jobs poll on
// their own tickers, independent of request handling, and deregister
// themselves once the threshold is reached.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*job

	source        ConfirmationSource
	orders        OrderUpdater
	notify        Notifier
	confirmNotice func(ctx context.Context, orderKey string) error

	required uint64
	interval time.Duration
	log      *slog.Logger
	nowFn    func() time.Time
	onCount  func(int)
}

type job struct {
	key     string
	txHash  common.Hash
	chainID uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPollInterval overrides the per-job polling period.
func WithPollInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithConfirmNotice installs the best-effort notification attempted once per
// job when the threshold is first reached (e.g. a confirmation email).
func WithConfirmNotice(fn func(ctx context.Context, orderKey string) error) RegistryOption {
	return func(r *Registry) {
		r.confirmNotice = fn
	}
}

// WithCountHook reports the active-job population on every change.
func WithCountHook(fn func(int)) RegistryOption {
	return func(r *Registry) {
		r.onCount = fn
	}
}

func withRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowFn = now
	}
}

// NewRegistry constructs the monitor. source is required; orders and notify
// may be nil when the collaborator is unavailable (the job still polls and
// terminates, it just has nowhere to report).
func NewRegistry(source ConfirmationSource, orders OrderUpdater, notify Notifier, required uint64, log *slog.Logger, opts ...RegistryOption) *Registry {
	if source == nil {
		panic("confirmation source required")
	}
	if log == nil {
		log = slog.Default()
	}
	if required == 0 {
		required = 1
	}
	r := &Registry{
		jobs:     make(map[string]*job),
		source:   source,
		orders:   orders,
		notify:   notify,
		required: required,
		interval: DefaultPollInterval,
		log:      log,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins monitoring a transaction for an order key. Starting a key
// that already has a job is a no-op and returns false.
func (r *Registry) Start(orderKey string, txHash common.Hash, chainID uint64) bool {
	r.mu.Lock()
	if _, exists := r.jobs[orderKey]; exists {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		key:     orderKey,
		txHash:  txHash,
		chainID: chainID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.jobs[orderKey] = j
	count := len(r.jobs)
	r.mu.Unlock()

	r.reportCount(count)
	r.log.Info("confirmation monitoring started",
		"order_key", orderKey, "tx_hash", txHash.Hex(), "required", r.required)
	go r.run(ctx, j)
	return true
}

// Stop cancels the job for an order key and releases its ticker. Stopping an
// unknown or already-finished key is a no-op.
func (r *Registry) Stop(orderKey string) {
	r.mu.Lock()
	j, ok := r.jobs[orderKey]
	if ok {
		delete(r.jobs, orderKey)
	}
	count := len(r.jobs)
	r.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	<-j.done
	r.reportCount(count)
	r.log.Info("confirmation monitoring stopped", "order_key", orderKey)
}

// StopAll cancels every active job, used during shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	jobs := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.jobs = make(map[string]*job)
	r.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
		<-j.done
	}
	r.reportCount(0)
}

// IsActive reports whether a job currently exists for the order key.
func (r *Registry) IsActive(orderKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[orderKey]
	return ok
}

// ActiveCount reports the number of polling jobs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) run(ctx context.Context, j *job) {
	defer close(j.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.poll(ctx, j) {
				return
			}
		}
	}
}

// poll performs one confirmation check. It returns true when the job reached
// its terminal state and has deregistered itself.
func (r *Registry) poll(ctx context.Context, j *job) bool {
	confirmations, err := r.source.Confirmations(ctx, j.txHash)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		// Ledger hiccups do not cancel the job; the next tick retries.
		r.log.Warn("confirmation poll failed", "order_key", j.key, "error", err)
		return false
	}
	if r.orders != nil {
		if err := r.orders.UpdateConfirmations(ctx, j.key, confirmations); err != nil {
			r.log.Warn("persist confirmations failed", "order_key", j.key, "error", err)
		}
	}
	r.publish(j, "payment:monitoring", map[string]any{
		"orderKey":      j.key,
		"txHash":        j.txHash.Hex(),
		"chainId":       j.chainID,
		"confirmations": confirmations,
		"required":      r.required,
	})
	if confirmations < r.required {
		return false
	}

	now := r.nowFn().UTC()
	if r.orders != nil {
		if err := r.orders.MarkConfirmed(ctx, j.key, now); err != nil {
			r.log.Warn("mark order confirmed failed", "order_key", j.key, "error", err)
		}
	}
	if r.confirmNotice != nil {
		if err := r.confirmNotice(ctx, j.key); err != nil {
			r.log.Warn("confirmation notice failed", "order_key", j.key, "error", err)
		}
	}
	r.publish(j, "payment:confirmed", map[string]any{
		"orderKey":      j.key,
		"txHash":        j.txHash.Hex(),
		"chainId":       j.chainID,
		"confirmations": confirmations,
		"confirmedAt":   now.Format(time.RFC3339),
	})
	r.remove(j.key)
	r.log.Info("confirmation threshold reached",
		"order_key", j.key, "confirmations", confirmations)
	return true
}

func (r *Registry) publish(j *job, event string, payload map[string]any) {
	if r.notify == nil {
		return
	}
	r.notify.Publish("order:"+j.key, event, payload)
}

func (r *Registry) remove(orderKey string) {
	r.mu.Lock()
	delete(r.jobs, orderKey)
	count := len(r.jobs)
	r.mu.Unlock()
	r.reportCount(count)
}

func (r *Registry) reportCount(n int) {
	if r.onCount != nil {
		r.onCount(n)
	}
}
