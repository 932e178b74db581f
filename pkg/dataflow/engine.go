// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package dataflow runs work items through an optional pre stage, a main
// stage and an optional post stage on a bounded number of goroutines.
package dataflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ClosedError is returned by Enqueue after Close.
type ClosedError struct{}

// Error implements the error interface for ClosedError.
func (ClosedError) Error() string {
	return "dataflow engine closed, unable to enqueue"
}

// PanicError wraps a value recovered from a panicking stage.
type PanicError struct{}

// Error implements the error interface for PanicError.
func (PanicError) Error() string {
	return "stage panicked"
}

// SkipError may be returned by the main stage to signal that it produced no
// result. The post stage is not run and the item is not counted as failed.
type SkipError struct{}

// Error implements the error interface for SkipError.
func (SkipError) Error() string {
	return "no result"
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Succeeded uint64
	Failed    uint64
}

// Engine executes items with at most Parallelism concurrent chains.
//   - pre:  optional, its result replaces the item.
//   - main: mandatory.
//   - post: optional, runs on main's result.
//
// A failure or panic in any stage is logged and reported through the error
// handler; it never stops the engine.
type Engine[In, Out any] struct {
	pre         func(context.Context, In) (In, error)
	main        func(context.Context, In) (Out, error)
	post        func(context.Context, Out) error
	parallelism int
	ordered     bool
	logger      *zap.Logger
	onError     func(In, error)

	jobs chan job[In]
	// closing is closed first by Close to release a blocked Enqueue.
	closing   chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	// seq serialises enqueues so the ordered chain matches channel order.
	seq  sync.Mutex
	tail chan struct{}

	succeeded atomic.Uint64
	failed    atomic.Uint64
}

type job[In any] struct {
	ctx  context.Context
	item In
	// prev is closed when the preceding item finished its chain.
	prev <-chan struct{}
	done chan struct{}
}

// Option configures an Engine.
type Option[In, Out any] func(*Engine[In, Out])

// WithPreStage sets a stage that runs before main and may replace the item.
func WithPreStage[In, Out any](fn func(context.Context, In) (In, error)) Option[In, Out] {
	return func(e *Engine[In, Out]) { e.pre = fn }
}

// WithPostStage sets a stage that consumes main's result.
func WithPostStage[In, Out any](fn func(context.Context, Out) error) Option[In, Out] {
	return func(e *Engine[In, Out]) { e.post = fn }
}

// WithParallelism bounds the number of concurrent chains. Values below one
// are treated as one.
func WithParallelism[In, Out any](n int) Option[In, Out] {
	return func(e *Engine[In, Out]) { e.parallelism = n }
}

// WithOrdered makes chains complete in enqueue order: post stages run one at
// a time in input order while pre and main stages still overlap.
func WithOrdered[In, Out any](ordered bool) Option[In, Out] {
	return func(e *Engine[In, Out]) { e.ordered = ordered }
}

// WithLogger sets the logger used for stage failures.
func WithLogger[In, Out any](logger *zap.Logger) Option[In, Out] {
	return func(e *Engine[In, Out]) { e.logger = logger }
}

// WithErrorHandler registers fn to receive every failed item with its error.
func WithErrorHandler[In, Out any](fn func(In, error)) Option[In, Out] {
	return func(e *Engine[In, Out]) { e.onError = fn }
}

// New starts an engine around the main stage.
func New[In, Out any](main func(context.Context, In) (Out, error), opts ...Option[In, Out]) *Engine[In, Out] {
	e := &Engine[In, Out]{
		main:        main,
		parallelism: 1,
		logger:      zap.NewNop(),
		closing:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.parallelism < 1 {
		e.parallelism = 1
	}

	e.logger = e.logger.Named("dataflow")
	e.jobs = make(chan job[In], e.parallelism)

	for range e.parallelism {
		e.wg.Add(1)

		go e.runner()
	}

	return e
}

// Enqueue hands item to the engine. It blocks while every worker is busy and
// the queue is full, until ctx ends or the engine is closed.
func (e *Engine[In, Out]) Enqueue(ctx context.Context, item In) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ClosedError{}
	}

	e.seq.Lock()
	defer e.seq.Unlock()

	j := job[In]{ctx: ctx, item: item}
	if e.ordered {
		j.prev = e.tail
		j.done = make(chan struct{})
	}

	select {
	case e.jobs <- j:
		if e.ordered {
			e.tail = j.done
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closing:
		return ClosedError{}
	}
}

// Close stops accepting items. Items already enqueued still run; use Wait to
// block until they finish.
func (e *Engine[In, Out]) Close() {
	e.closeOnce.Do(func() {
		close(e.closing)

		e.mu.Lock()
		e.closed = true
		close(e.jobs)
		e.mu.Unlock()
	})
}

// Wait blocks until every runner has exited. It only returns after Close.
func (e *Engine[In, Out]) Wait() {
	e.wg.Wait()
}

// Stats returns the current counters.
func (e *Engine[In, Out]) Stats() Stats {
	return Stats{
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
	}
}

func (e *Engine[In, Out]) runner() {
	defer e.wg.Done()

	for j := range e.jobs {
		e.process(j)
	}
}

func (e *Engine[In, Out]) process(j job[In]) {
	item, out, err := e.work(j.ctx, j.item)

	if j.prev != nil {
		<-j.prev
	}

	switch {
	case err == nil && e.post != nil:
		if perr := guard(func() error { return e.post(j.ctx, out) }); perr != nil {
			err = fmt.Errorf("post stage: %w", perr)
		}
	case errors.Is(err, SkipError{}):
		err = nil
	}

	e.finish(item, err)

	if j.done != nil {
		close(j.done)
	}
}

func (e *Engine[In, Out]) work(ctx context.Context, item In) (In, Out, error) {
	var out Out

	if e.pre != nil {
		var next In
		err := guard(func() error {
			var err error
			next, err = e.pre(ctx, item)

			return err
		})
		if err != nil {
			return item, out, fmt.Errorf("pre stage: %w", err)
		}

		item = next
	}

	err := guard(func() error {
		var err error
		out, err = e.main(ctx, item)

		return err
	})

	return item, out, err
}

func (e *Engine[In, Out]) finish(item In, err error) {
	if err == nil {
		e.succeeded.Add(1)

		return
	}

	e.failed.Add(1)
	e.logger.Error("work item failed", zap.Error(err))

	if e.onError != nil {
		e.onError(item, err)
	}
}

// guard runs fn and converts a panic into a PanicError.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", PanicError{}, r, debug.Stack())
		}
	}()

	return fn()
}
