// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbitflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/GwynCerbin/rabbitflow/pkg/adapter"

	"go.uber.org/zap"
)

// Consumer is the part of adapter.Consumer a listener drives.
type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, immediate bool) error
	RunDispatch(ctx context.Context, work func(context.Context, *adapter.Message) error, maxParallelism int, ensureOrdered bool) error
}

// Listener encapsulates common parameters of a message‑queue subscriber.
//   - consumer: an object that implements the Consumer interface.
//   - gos: desired number of concurrent goroutines used by an Instance.
//   - ordered: whether handler results are settled in delivery order.
//
// Listener itself does not process messages; it acts as a factory that
// creates an Instance where the real work happens.
type Listener struct {
	consumer Consumer
	gos      int
	ordered  bool
	logger   *zap.Logger
}

// NewListener constructs a Listener with a default parallelism level of 1.
func NewListener(consumer Consumer) *Listener {
	return &Listener{
		gos:      1,
		consumer: consumer,
		logger:   zap.NewNop(),
	}
}

// SetConcurrency sets the number of goroutines that will be spawned later
// inside an Instance. It validates the input (n >= 1) and clamps the value
// by runtime.GOMAXPROCS(0).
func (l *Listener) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid goroutines count: %d", n)
	}

	l.gos = min(n, runtime.GOMAXPROCS(0))

	return nil
}

// SetOrdered makes message handling complete in delivery order even when
// several goroutines run handlers.
func (l *Listener) SetOrdered(ordered bool) {
	l.ordered = ordered
}

// SetLogger overrides the default no-op logger. Pass nil to restore it.
func (l *Listener) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	l.logger = logger
}

// Instance is a running listener created from Listener.
//   - router:   map routingKey → handler function.
//   - consumer: same consumer object shared with the parent Listener.
//   - done:     closed when ListenAndServe returns.
type Instance struct {
	gos      int
	ordered  bool
	router   Router
	consumer Consumer
	logger   *zap.Logger

	serving  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// Init takes a Router snapshot and returns a ready‑to‑run Instance.
// To start with another router, create a new Instance instead of mutating
// the old one.
func (l *Listener) Init(router Router) *Instance {
	return &Instance{
		gos:      l.gos,
		ordered:  l.ordered,
		router:   maps.Clone(router),
		consumer: l.consumer,
		logger:   l.logger.Named("listener"),
		done:     make(chan struct{}),
	}
}

// ListenAndServe starts the consumer and dispatches its messages to the
// router until Shutdown is called, which returns nil, or ctx ends, which
// returns the context error.
func (l *Instance) ListenAndServe(ctx context.Context) error {
	if len(l.router) == 0 {
		return EmptyRoutError{}
	}

	if !l.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already serving")
	}
	defer l.doneOnce.Do(func() { close(l.done) })

	if err := l.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	return l.consumer.RunDispatch(ctx, l.handle, l.gos, l.ordered)
}

// handle routes msg by its routing key. A message the handler leaves
// unsettled is acked on success and rejected without requeue on error.
func (l *Instance) handle(ctx context.Context, msg *adapter.Message) error {
	h, ok := l.router[msg.RoutingKey()]
	if !ok {
		l.logger.Error("unrouted message", zap.Error(UnroutedMessage{}), zap.String("routing_key", msg.RoutingKey()))

		if err := msg.Reject(false); err != nil {
			l.logger.Error("reject unrouted message", zap.Error(err))
		}

		return nil
	}

	if err := h(ctx, msg); err != nil {
		if rerr := msg.Reject(false); rerr != nil {
			l.logger.Error("reject failed message", zap.Error(rerr))
		}

		return fmt.Errorf("handle %s: %w", msg.RoutingKey(), err)
	}

	return msg.Ack()
}

// Shutdown initiates a graceful shutdown. It stops the consumer, which lets
// the dispatch loop drain the buffer, and waits either for ListenAndServe to
// return or for the context to be canceled/expired.
func (l *Instance) Shutdown(ctx context.Context) error {
	var stopErr error
	if err := l.consumer.Stop(ctx, false); err != nil {
		stopErr = fmt.Errorf("%w: %w", ConsumerCloseError{}, err)
	}

	if !l.serving.Load() {
		return stopErr
	}

	select {
	case <-l.done:
		return stopErr
	case <-ctx.Done():
		return errors.Join(stopErr, ctx.Err())
	}
}
