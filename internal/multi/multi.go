// Package multi drives many engines concurrently and reports each engine's
// result back to the owner that added it.
//
// Engines are added with Add and started by Perform, which Run calls in a
// loop. Every engine accepted by Add gets exactly one Owner.Finished call,
// whether it completes, fails, is removed or the coordinator is closed.
package multi

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/fault"
	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/telemetry"
)

// Owner receives the result of an engine the coordinator drove.
type Owner interface {
	// Finished is called once, from a coordinator goroutine, with nil on
	// success or the error that ended the transfer.
	Finished(result error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrent bounds the number of engines stepped at the same time.
// Zero or less means no bound.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the logger used for coordinator events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTelemetry records pending and engine metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Coordinator) {
		c.telemetry = tel
	}
}

type entry struct {
	easy   engine.Easy
	owner  Owner
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	// closing is set by Close before it cancels the entry.
	closing atomic.Bool
}

// Coordinator runs the shared loop that advances every added engine.
type Coordinator struct {
	logger    *slog.Logger
	telemetry *telemetry.Telemetry
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[engine.Easy]*entry
	pending []*entry
	closed  bool
}

// New returns a coordinator. Nothing runs until Perform or Run is called.
func New(opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		entries: make(map[engine.Easy]*entry),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var (
	sharedOnce sync.Once
	shared     *Coordinator
)

// Shared returns the process-wide coordinator, starting its loop on first use.
func Shared() *Coordinator {
	sharedOnce.Do(func() {
		shared = New()

		go func() {
			_ = shared.Run(context.Background())
		}()
	})

	return shared
}

// Add registers easy for execution on behalf of owner. The engine is stepped
// with a context derived from ctx. Add never blocks on the engine.
func (c *Coordinator) Add(ctx context.Context, easy engine.Easy, owner Owner) error {
	if easy == nil || owner == nil {
		return fault.Multi(fault.MultiBadEasyHandle)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fault.Multi(fault.MultiBadHandle)
	}

	if _, ok := c.entries[easy]; ok {
		return fault.Multi(fault.MultiAddedAlready)
	}

	ectx, cancel := context.WithCancel(ctx)
	e := &entry{
		easy:   easy,
		owner:  owner,
		ctx:    ectx,
		cancel: cancel,
		stop:   context.AfterFunc(c.ctx, cancel),
	}

	c.entries[easy] = e
	c.pending = append(c.pending, e)
	c.telemetry.IncrementPendingTransfers()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return nil
}

// Remove aborts easy. The owner is still notified, with an abort error,
// once the engine has stopped. Removing an engine that already finished is
// an error.
func (c *Coordinator) Remove(easy engine.Easy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fault.Multi(fault.MultiBadHandle)
	}

	e, ok := c.entries[easy]
	if !ok {
		return fault.Multi(fault.MultiBadEasyHandle)
	}

	e.cancel()

	return nil
}

// Perform starts every engine added since the last call and returns the
// number of engines that have not finished yet. It does not block.
func (c *Coordinator) Perform() int {
	c.mu.Lock()
	pending := c.takePending()
	running := len(c.entries)
	c.mu.Unlock()

	c.start(pending)

	return running
}

// takePending must be called with mu held.
func (c *Coordinator) takePending() []*entry {
	pending := c.pending
	c.pending = nil
	c.wg.Add(len(pending))

	return pending
}

func (c *Coordinator) start(pending []*entry) {
	for _, e := range pending {
		go c.drive(e)
	}
}

// Run calls Perform whenever engines are added, until ctx is done or the
// coordinator is closed.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Perform()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		case <-c.wake:
			c.Perform()
		}
	}
}

// Running returns the number of engines added and not yet finished.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Close aborts every engine, waits for their owners to be notified and
// rejects further use of the coordinator.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fault.Multi(fault.MultiBadHandle)
	}

	c.closed = true

	for _, e := range c.entries {
		if e.ctx.Err() == nil {
			e.closing.Store(true)
		}

		e.cancel()
	}

	pending := c.takePending()
	c.mu.Unlock()

	c.cancel()
	c.start(pending)
	c.wg.Wait()

	c.logger.Debug("coordinator closed")

	return nil
}

func (c *Coordinator) drive(e *entry) {
	defer c.wg.Done()

	logger := logctx.LoggerFromContext(e.ctx)

	var result error

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(e.ctx, "engine panic",
				"operation", "drive",
				"panic", r,
				"stack", string(debug.Stack()))

			c.telemetry.RecordSystemError("multi", "panic")

			result = fault.Multi(fault.MultiInternalError).WithCause(fmt.Errorf("engine panic: %v", r))
		}

		c.finish(e, result)
	}()

	result = c.aborted(e, c.step(e))
}

// aborted reports engines stopped by Close as coordination failures.
func (c *Coordinator) aborted(e *entry, err error) error {
	if err == nil || !e.closing.Load() || e.ctx.Err() == nil {
		return err
	}

	return fault.Multi(fault.MultiBadHandle).WithCause(err)
}

func (c *Coordinator) step(e *entry) error {
	if c.sem != nil {
		err := c.sem.Acquire(e.ctx, 1)
		c.telemetry.DecrementPendingTransfers()

		if err != nil {
			return engine.Classify(e.ctx.Err(), fault.CodeAbortedByCallback)
		}

		defer c.sem.Release(1)
	} else {
		c.telemetry.DecrementPendingTransfers()
	}

	if err := e.ctx.Err(); err != nil {
		return engine.Classify(err, fault.CodeAbortedByCallback)
	}

	for {
		done, err := e.easy.Step(e.ctx)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		if err := e.ctx.Err(); err != nil {
			return engine.Classify(err, fault.CodeAbortedByCallback)
		}
	}
}

func (c *Coordinator) finish(e *entry, result error) {
	e.stop()
	e.cancel()

	c.mu.Lock()
	delete(c.entries, e.easy)
	c.mu.Unlock()

	e.owner.Finished(result)
}
