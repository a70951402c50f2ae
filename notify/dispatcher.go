package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueDepth  = 64
	defaultTaskTimeout = 15 * time.Second
)

// Task is a unit of deferred side-effect work, such as sending a
// confirmation mail after the webhook response has already been written.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher runs queued tasks on background workers so the webhook request
// path never blocks on slow outbound calls. Tasks are best effort: failures
// are logged, not retried.
type Dispatcher struct {
	queue       chan Task
	taskTimeout time.Duration
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// DispatcherOption mutates dispatcher configuration.
type DispatcherOption func(*Dispatcher)

// WithQueueDepth overrides the pending-task buffer size.
func WithQueueDepth(depth int) DispatcherOption {
	return func(d *Dispatcher) {
		if depth > 0 {
			d.queue = make(chan Task, depth)
		}
	}
}

// WithTaskTimeout overrides the per-task deadline.
func WithTaskTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.taskTimeout = timeout
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutines.
func NewDispatcher(workers int, log *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:       make(chan Task, defaultQueueDepth),
		taskTimeout: defaultTaskTimeout,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue submits a task without blocking. When the queue is full the task
// is dropped and logged so the request path stays responsive.
func (d *Dispatcher) Enqueue(task Task) bool {
	if task.Run == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- task:
		return true
	default:
		d.log.Warn("dispatch queue full, dropping task", slog.String("task", task.Name))
		return false
	}
}

// Close stops accepting tasks, drains the queue, and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.queue {
		ctx, cancel := context.WithTimeout(d.ctx, d.taskTimeout)
		if err := task.Run(ctx); err != nil {
			d.log.Error("dispatch task failed",
				slog.String("task", task.Name),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
