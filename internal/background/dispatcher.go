// Package background runs follow-up work for completed turns on a worker
// pool, away from the response path.
//
// Each batch is guarded by an idempotence marker keyed by user and content
// fingerprint: the marker moves from "processing" to "completed", and a
// batch whose marker already exists is skipped.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chatcore/internal/cache"
	"chatcore/internal/logging"
)

var (
	// ErrDuplicate is returned when the batch's marker already exists.
	ErrDuplicate = errors.New("background batch already processed")

	// ErrQueueFull is returned when the work queue cannot take the batch.
	ErrQueueFull = errors.New("background queue is full")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("background dispatcher is stopped")
)

// Marker states.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
)

// Task is one independent follow-up action.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Batch is the follow-up work for one turn.
type Batch struct {
	UserID      string
	Fingerprint string
	Tasks       []Task
}

// Config configures a Dispatcher.
type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	MarkerTTL   time.Duration
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted    int64 `json:"submitted"`
	Duplicates   int64 `json:"duplicates"`
	Dropped      int64 `json:"dropped"`
	Completed    int64 `json:"completed"`
	TaskFailures int64 `json:"task_failures"`
	Pending      int   `json:"pending"`
}

type job struct {
	ctx    context.Context
	batch  Batch
	marker string
}

// Dispatcher consumes batches from a bounded queue.
type Dispatcher struct {
	mu      sync.RWMutex
	running bool
	stopped bool
	queue   chan job
	wg      sync.WaitGroup

	store cache.Store
	cfg   Config

	submitted    atomic.Int64
	duplicates   atomic.Int64
	dropped      atomic.Int64
	completed    atomic.Int64
	taskFailures atomic.Int64
}

// NewDispatcher creates a dispatcher. Zero config values get defaults.
func NewDispatcher(store cache.Store, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = cache.DefaultTTLs().BackgroundMarker
	}
	return &Dispatcher{
		store: store,
		cfg:   cfg,
		queue: make(chan job, cfg.QueueSize),
	}
}

// MarkerKey is the cache key of a batch's idempotence marker.
func MarkerKey(userID, fingerprint string) string {
	return cache.Key("background", userID, fingerprint)
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.stopped {
		return
	}
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logging.Background("dispatcher started: workers=%d queue=%d", d.cfg.Workers, d.cfg.QueueSize)
}

// Stop closes the queue and waits for queued batches to finish, or for ctx
// to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.running = false
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Background("dispatcher stopped: completed=%d", d.completed.Load())
		return nil
	case <-ctx.Done():
		logging.BackgroundWarn("dispatcher drain interrupted with %d batches queued", len(d.queue))
		return ctx.Err()
	}
}

// Submit queues a batch. The request context only contributes values; the
// batch keeps running after the request ends.
func (d *Dispatcher) Submit(ctx context.Context, b Batch) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	ctx = context.WithoutCancel(ctx)
	marker := MarkerKey(b.UserID, b.Fingerprint)
	fresh, err := d.store.Add(ctx, marker, []byte(StateProcessing), d.cfg.MarkerTTL)
	if err != nil {
		// Without a marker the batch still runs; duplicates are tolerated
		// while the cache is down.
		logging.BackgroundWarn("marker check failed, running unguarded: %v", err)
		fresh = true
	}
	if !fresh {
		d.duplicates.Add(1)
		logging.BackgroundDebug("skipping duplicate batch user=%s", b.UserID)
		return ErrDuplicate
	}

	select {
	case d.queue <- job{ctx: ctx, batch: b, marker: marker}:
		d.submitted.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if err := d.store.Delete(ctx, marker); err != nil {
			logging.BackgroundWarn("failed to clear marker of dropped batch: %v", err)
		}
		logging.BackgroundWarn("queue full, dropped batch user=%s tasks=%d", b.UserID, len(b.Tasks))
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	logging.BackgroundDebug("worker %d started", id)
	for j := range d.queue {
		d.run(j)
	}
	logging.BackgroundDebug("worker %d stopping", id)
}

// run executes every task of the batch concurrently. Task failures are
// counted and logged, never returned.
func (d *Dispatcher) run(j job) {
	timer := logging.StartTimer(logging.CategoryBackground, "batch")
	defer timer.StopWithThreshold(d.cfg.TaskTimeout)

	var g errgroup.Group
	for _, t := range j.batch.Tasks {
		g.Go(func() error {
			if err := d.runTask(j.ctx, t); err != nil {
				d.taskFailures.Add(1)
				logging.BackgroundWarn("task %s failed for user=%s: %v", t.Name, j.batch.UserID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := d.store.Set(j.ctx, j.marker, []byte(StateCompleted), d.cfg.MarkerTTL); err != nil {
		logging.BackgroundWarn("failed to mark batch completed: %v", err)
	}
	d.completed.Add(1)
}

func (d *Dispatcher) runTask(parent context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if t.Run == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(parent, d.cfg.TaskTimeout)
	defer cancel()
	return t.Run(ctx)
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:    d.submitted.Load(),
		Duplicates:   d.duplicates.Load(),
		Dropped:      d.dropped.Load(),
		Completed:    d.completed.Load(),
		TaskFailures: d.taskFailures.Load(),
		Pending:      len(d.queue),
	}
}
