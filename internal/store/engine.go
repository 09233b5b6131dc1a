package store

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"botfleet/internal/logger"
	"botfleet/internal/metrics"

	"gorm.io/gorm"
)

var (
	// ErrEngineClosed is returned for submissions after Close.
	ErrEngineClosed = errors.New("write engine closed")
	// ErrEngineFailed wraps the fatal error that stopped the writer.
	ErrEngineFailed = errors.New("write engine failed")
)

var log = logger.With("store")

// TaskFunc is a unit of work applied by the single writer. Unless submitted
// with SubmitRaw it runs inside one transaction: it either commits fully or
// its error is returned to the caller.
type TaskFunc func(tx *gorm.DB) (any, error)

// Future is the one-shot result of a submitted task.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(val any, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Done is closed once the task has been applied or rejected.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the writer has processed the task or ctx ends. A ctx
// cancellation does not cancel the task itself.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err waits and discards the value.
func (f *Future) Err(ctx context.Context) error {
	_, err := f.Wait(ctx)
	return err
}

type request struct {
	name     string
	fn       TaskFunc
	raw      bool
	fut      *Future
	enqueued time.Time
}

// Engine owns the only connection allowed to mutate the store. Tasks are
// applied strictly in queue-arrival order by one goroutine.
type Engine struct {
	opts  Options
	queue chan *request

	mu     sync.RWMutex
	closed bool

	failOnce sync.Once
	failed   chan struct{}
	fatal    error

	ready    chan struct{}
	readyErr error
	done     chan struct{}

	db *gorm.DB
}

// NewEngine starts the writer loop. The connection is opened by the loop;
// use Ready to wait for it.
func NewEngine(o Options) *Engine {
	o = o.withDefaults()
	e := &Engine{
		opts:   o,
		queue:  make(chan *request, o.QueueSize),
		failed: make(chan struct{}),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Ready waits until the writer connection is open (or failed to open).
func (e *Engine) Ready(ctx context.Context) error {
	select {
	case <-e.ready:
		return e.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the fatal error, if the engine has failed.
func (e *Engine) Err() error {
	select {
	case <-e.failed:
		return e.fatal
	default:
		return nil
	}
}

// Submit enqueues a transactional task. Submission blocks only while the
// queue is full.
func (e *Engine) Submit(ctx context.Context, name string, fn TaskFunc) *Future {
	return e.submit(ctx, name, fn, false)
}

// SubmitRaw enqueues a task that runs on the writer connection without a
// surrounding transaction (PRAGMAs, checkpoints).
func (e *Engine) SubmitRaw(ctx context.Context, name string, fn TaskFunc) *Future {
	return e.submit(ctx, name, fn, true)
}

func (e *Engine) submit(ctx context.Context, name string, fn TaskFunc, raw bool) *Future {
	fut := newFuture()
	if fn == nil {
		fut.resolve(nil, fmt.Errorf("store: task %q has no body", name))
		return fut
	}
	if err := e.Err(); err != nil {
		metrics.WriteTasks.WithLabelValues("rejected").Inc()
		fut.resolve(nil, err)
		return fut
	}
	req := &request{name: name, fn: fn, raw: raw, fut: fut, enqueued: time.Now()}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metrics.WriteTasks.WithLabelValues("rejected").Inc()
		fut.resolve(nil, ErrEngineClosed)
		return fut
	}
	select {
	case e.queue <- req:
		metrics.WriteQueueDepth.Inc()
	case <-e.failed:
		metrics.WriteTasks.WithLabelValues("rejected").Inc()
		fut.resolve(nil, e.fatal)
	case <-ctx.Done():
		fut.resolve(nil, ctx.Err())
	}
	return fut
}

// Do submits fn and waits for its typed result.
func Do[T any](ctx context.Context, e *Engine, name string, fn func(tx *gorm.DB) (T, error)) (T, error) {
	var zero T
	val, err := e.Submit(ctx, name, func(tx *gorm.DB) (any, error) {
		return fn(tx)
	}).Wait(ctx)
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	out, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("store: task %q returned %T", name, val)
	}
	return out, nil
}

// Exec submits fn and waits for it to commit.
func (e *Engine) Exec(ctx context.Context, name string, fn func(tx *gorm.DB) error) error {
	return e.Submit(ctx, name, func(tx *gorm.DB) (any, error) {
		return nil, fn(tx)
	}).Err(ctx)
}

// Close stops accepting tasks, drains everything already queued, then
// closes the writer connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
	return nil
}

func (e *Engine) run() {
	defer close(e.done)

	db, err := e.opts.Dial(e.opts)
	if err != nil {
		e.readyErr = fmt.Errorf("%w: open writer: %v", ErrEngineFailed, err)
		close(e.ready)
		e.fail(err)
		e.rejectAll()
		return
	}
	e.db = db
	close(e.ready)
	log.Infof("write engine started (path=%s, sync=%s, autocheckpoint=%d)",
		e.opts.Path, e.opts.Synchronous, e.opts.WALAutoCheckpoint)

	for req := range e.queue {
		metrics.WriteQueueDepth.Dec()
		if err := e.Err(); err != nil {
			metrics.WriteTasks.WithLabelValues("rejected").Inc()
			req.fut.resolve(nil, err)
			continue
		}
		if err := e.ensureConn(); err != nil {
			e.fail(err)
			metrics.WriteTasks.WithLabelValues("rejected").Inc()
			req.fut.resolve(nil, e.fatal)
			continue
		}
		e.apply(req)
	}

	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				log.Warnf("write engine close failed: %v", err)
			}
		}
	}
	log.Infof("write engine stopped")
}

func (e *Engine) rejectAll() {
	for req := range e.queue {
		metrics.WriteQueueDepth.Dec()
		metrics.WriteTasks.WithLabelValues("rejected").Inc()
		req.fut.resolve(nil, e.fatal)
	}
}

func (e *Engine) fail(cause error) {
	e.failOnce.Do(func() {
		e.fatal = fmt.Errorf("%w: %v", ErrEngineFailed, cause)
		close(e.failed)
		log.Errorf("write engine entered failed state: %v", cause)
	})
}

// ensureConn pings the writer connection and reopens it once if it is gone.
func (e *Engine) ensureConn() error {
	sqlDB, err := e.db.DB()
	if err == nil {
		if err = sqlDB.Ping(); err == nil {
			return nil
		}
	}
	log.Warnf("writer connection lost (%v), reopening", err)
	db, derr := e.opts.Dial(e.opts)
	if derr != nil {
		return fmt.Errorf("reopen writer: %w", derr)
	}
	e.db = db
	return nil
}

func (e *Engine) apply(req *request) {
	var (
		val any
		err error
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("write task %s panic: %v\n%s", req.name, r, debug.Stack())
			err = fmt.Errorf("store: task %s panic: %v", req.name, r)
			val = nil
		}
		dur := time.Since(start)
		metrics.WriteTaskSeconds.Observe(dur.Seconds())
		if err != nil {
			metrics.WriteTasks.WithLabelValues("error").Inc()
		} else {
			metrics.WriteTasks.WithLabelValues("ok").Inc()
		}
		if dur > 100*time.Millisecond {
			log.Warnf("slow write task %s took %v (queued %v)", req.name, dur, start.Sub(req.enqueued))
		}
		req.fut.resolve(val, err)
	}()

	if req.raw {
		val, err = req.fn(e.db)
		return
	}
	err = e.db.Transaction(func(tx *gorm.DB) error {
		v, ferr := req.fn(tx)
		if ferr != nil {
			return ferr
		}
		val = v
		return nil
	})
}
