package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrBackpressure is returned by Submit when the queue is full. Callers
	// apply their own retry or backoff; Submit never blocks on a full queue.
	ErrBackpressure = errors.New("write queue is full")
	// ErrWriterClosed is returned by Submit once shutdown has begun.
	ErrWriterClosed = errors.New("writer is closed")
)

const DefaultQueueSize = 256

// WriteOp is a self-contained unit of work executed inside its own
// transaction on the exclusive write handle.
type WriteOp func(tx *sql.Tx) error

type writeReq struct {
	op   WriteOp
	done chan error
}

// Writer serializes every mutation against the storage engine. Exactly one
// goroutine (Run) holds the write handle; callers enqueue operations on a
// bounded FIFO queue and transactions commit in queue-arrival order.
type Writer struct {
	log   *zap.SugaredLogger
	db    *sql.DB
	queue chan *writeReq

	mu      sync.RWMutex
	closing bool

	stop chan struct{}
	done chan struct{}
}

func NewWriter(logger *zap.SugaredLogger, db *sql.DB, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		log:   logger,
		db:    db,
		queue: make(chan *writeReq, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Submit enqueues op and waits for its result. A full queue fails fast with
// ErrBackpressure. If ctx expires while waiting, Submit returns the context
// error but the operation, once dequeued, still runs to completion: writes
// are never cancelled mid-transaction.
func (w *Writer) Submit(ctx context.Context, op WriteOp) error {
	req := &writeReq{op: op, done: make(chan error, 1)}

	w.mu.RLock()
	if w.closing {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case w.queue <- req:
		w.mu.RUnlock()
	default:
		w.mu.RUnlock()
		return ErrBackpressure
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dequeues and executes operations one at a time until Close is called,
// then drains whatever is already queued. It never exits on an operation
// failure; a failing op rolls back only its own transaction.
func (w *Writer) Run() {
	for {
		select {
		case req := <-w.queue:
			req.done <- w.execute(req.op)
		case <-w.stop:
			w.drain()
			close(w.done)
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case req := <-w.queue:
			req.done <- w.execute(req.op)
		default:
			return
		}
	}
}

func (w *Writer) execute(op WriteOp) error {
	tx, err := w.db.Begin()
	if err != nil {
		w.log.Errorw("begin write transaction", "error", err)
		return fmt.Errorf("begin write transaction: %w", err)
	}

	if err := op(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			w.log.Errorw("rollback write transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		w.log.Errorw("commit write transaction", "error", err)
		return fmt.Errorf("commit write transaction: %w", err)
	}

	return nil
}

// Depth reports how many operations are currently queued.
func (w *Writer) Depth() int {
	return len(w.queue)
}

// Close stops accepting submissions, waits for the queue to drain, and
// returns once the writer goroutine has exited or ctx expires.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	alreadyClosing := w.closing
	w.closing = true
	w.mu.Unlock()

	if !alreadyClosing {
		close(w.stop)
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
