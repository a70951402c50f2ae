package dedup

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultRetention is how long a processed payment id stays on record.
	DefaultRetention = 24 * time.Hour
	// DefaultSweepInterval is how often expired entries are evicted.
	DefaultSweepInterval = time.Hour
)

// Entry records the canonical processor of a payment id. At most one entry
// per payment id ever becomes canonical; replays are answered with it.
type Entry struct {
	PaymentID string    `json:"paymentId"`
	Listener  string    `json:"listenerAddress"`
	Signature string    `json:"signature"`
	FirstSeen time.Time `json:"firstSeenAt"`
}

// Store is the capability contract behind the duplicate tracker. A
// single-process map and a shared persistent store are interchangeable
// implementations.
type Store interface {
	// Get returns the entry for a payment id, or nil when none exists.
	Get(ctx context.Context, paymentID string) (*Entry, error)
	// Put inserts the entry unless one already exists. It reports whether the
	// caller won the insert.
	Put(ctx context.Context, entry Entry) (bool, error)
	// Sweep removes entries whose FirstSeen is strictly before cutoff and
	// reports how many were evicted.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	// Len reports the current entry count.
	Len(ctx context.Context) (int, error)
	// Close releases any underlying resources.
	Close() error
}

// Tracker is the idempotency guard keyed by payment identifier.
type Tracker struct {
	store         Store
	retention     time.Duration
	sweepInterval time.Duration
	nowFn         func() time.Time
	log           *slog.Logger
	onSize        func(int)
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRetention overrides how long entries are kept.
func WithRetention(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithSweepInterval overrides the eviction period.
func WithSweepInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.sweepInterval = d
		}
	}
}

// WithSizeHook reports the tracker population after every sweep, e.g. to a
// metrics gauge.
func WithSizeHook(fn func(int)) TrackerOption {
	return func(t *Tracker) {
		t.onSize = fn
	}
}

func withClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.nowFn = now
	}
}

// NewTracker wraps a store with the dedup bookkeeping rules.
func NewTracker(store Store, log *slog.Logger, opts ...TrackerOption) *Tracker {
	if store == nil {
		panic("dedup store required")
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		store:         store,
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		nowFn:         time.Now,
		log:           log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsProcessed reports whether the payment id already has a canonical
// processor.
func (t *Tracker) IsProcessed(ctx context.Context, paymentID string) (bool, error) {
	entry, err := t.store.Get(ctx, normalizeID(paymentID))
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// MarkProcessed records the canonical processor for a payment id. The first
// caller wins; a later call for the same id is a no-op.
func (t *Tracker) MarkProcessed(ctx context.Context, paymentID, listener, signature string) error {
	_, err := t.store.Put(ctx, Entry{
		PaymentID: normalizeID(paymentID),
		Listener:  listener,
		Signature: signature,
		FirstSeen: t.nowFn().UTC(),
	})
	return err
}

// GetOriginal returns the canonical entry for a payment id, or nil.
func (t *Tracker) GetOriginal(ctx context.Context, paymentID string) (*Entry, error) {
	return t.store.Get(ctx, normalizeID(paymentID))
}

// Sweep evicts entries older than the retention window as of now.
func (t *Tracker) Sweep(ctx context.Context) {
	cutoff := t.nowFn().UTC().Add(-t.retention)
	evicted, err := t.store.Sweep(ctx, cutoff)
	if err != nil {
		t.log.Warn("dedup sweep failed", "error", err)
		return
	}
	if evicted > 0 {
		t.log.Info("dedup sweep evicted entries", "evicted", evicted)
	}
	if t.onSize != nil {
		if n, err := t.store.Len(ctx); err == nil {
			t.onSize(n)
		}
	}
}

// Run sweeps on the configured period until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

func normalizeID(paymentID string) string {
	return strings.TrimSpace(paymentID)
}
