// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GwynCerbin/rabbitflow/pkg/broker"
	"github.com/GwynCerbin/rabbitflow/pkg/buffer"
	"github.com/GwynCerbin/rabbitflow/pkg/dataflow"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const defaultParallelism = 4

// State is the lifecycle stage of a Consumer.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Consumer subscribes to one queue and feeds its deliveries into a bounded
// local buffer, from which they are pulled, streamed or dispatched.
type Consumer struct {
	pool   broker.ChannelPool
	opts   ConsumerOptions
	tag    string
	logger *zap.Logger
	hooks  Hooks
	meter  metric.Meter
	inst   *instruments
	stats  counters

	// lock serialises Start, Stop and recovery. It is a one-slot semaphore so
	// a waiter can give up when its context ends.
	lock  chan struct{}
	state atomic.Int32
	// run holds the resources of the current or last run. runMu orders
	// storing a run against Stop requests counted in stops.
	run   atomic.Pointer[run]
	runMu sync.Mutex
	stops uint64

	// dispatchMu allows a single RunDispatch at a time.
	dispatchMu sync.Mutex
}

// run is everything acquired by one Start and released by the matching Stop.
type run struct {
	// ctx is cancelled by Stop, abandoning subscribe retries.
	ctx    context.Context
	cancel context.CancelFunc
	host   broker.ChannelHost
	buf    *buffer.Buffer[*Message]
	// inflight counts ackable messages handed to the buffer and not yet settled.
	inflight *sync.WaitGroup
	pumps    sync.WaitGroup
	shutdown atomic.Bool
	// flagged marks the host as having failed during this run.
	flagged atomic.Bool

	mu  sync.Mutex
	sub *subscription
}

// subscription is the handle of one basic.consume.
type subscription struct {
	ch         broker.Channel
	tag        string
	deliveries <-chan amqp091.Delivery
	closes     chan *amqp091.Error
	cancelled  atomic.Bool
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLogger sets the logger. Logging is disabled by default.
func WithLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithHooks registers event callbacks.
func WithHooks(hooks Hooks) ConsumerOption {
	return func(c *Consumer) { c.hooks = hooks }
}

// WithMeter sets the OpenTelemetry meter. The global meter is used by default.
func WithMeter(meter metric.Meter) ConsumerOption {
	return func(c *Consumer) { c.meter = meter }
}

// NewConsumer validates opts and returns a stopped consumer that takes its
// channels from pool.
func NewConsumer(pool broker.ChannelPool, opts ConsumerOptions, options ...ConsumerOption) (*Consumer, error) {
	if pool == nil {
		return nil, fmt.Errorf("create consumer: nil channel pool")
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Consumer{
		pool:   pool,
		opts:   opts,
		tag:    opts.ConsumerTag,
		logger: zap.NewNop(),
		lock:   make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(c)
	}

	name := opts.ConsumerName
	if name == "" {
		name = opts.QueueName
	}

	if c.tag == "" {
		c.tag = name + "." + uuid.NewString()
	}

	if c.meter == nil {
		c.meter = defaultMeter()
	}

	inst, err := newInstruments(c.meter, opts.QueueName)
	if err != nil {
		return nil, fmt.Errorf("create consumer metrics: %w", err)
	}

	c.inst = inst
	c.logger = c.logger.Named("consumer").With(zap.String("consumer", name), zap.String("queue", opts.QueueName))

	return c, nil
}

// Tag returns the consumer tag used for every subscription.
func (c *Consumer) Tag() string {
	return c.tag
}

func (c *Consumer) Options() ConsumerOptions {
	return c.opts
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Started reports whether the consumer is running.
func (c *Consumer) Started() bool {
	return c.State() == StateRunning
}

func (c *Consumer) Stats() Stats {
	return c.stats.snapshot()
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Consumer) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) release() {
	<-c.lock
}

// Start acquires a channel and subscribes, retrying with a fixed delay until
// it succeeds, ctx ends or Stop is called. It is a no-op on a running or
// disabled consumer.
func (c *Consumer) Start(ctx context.Context) error {
	c.runMu.Lock()
	stops := c.stops
	c.runMu.Unlock()

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if c.opts.Disabled || c.State() != StateStopped {
		return nil
	}

	c.setState(StateStarting)

	r := &run{
		buf:      buffer.New(c.opts.BatchSize, c.opts.Overflow, buffer.WithDropHandler(c.discard)),
		inflight: new(sync.WaitGroup),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	c.runMu.Lock()
	c.run.Store(r)
	if c.stops != stops {
		// Stop was called after this Start began.
		r.shutdown.Store(true)
		r.cancel()
	}
	c.runMu.Unlock()

	if err := c.start(ctx, r); err != nil {
		r.shutdown.Store(true)
		r.cancel()
		r.buf.Close()

		if r.host != nil {
			if rerr := c.pool.ReturnChannel(r.host, true); rerr != nil {
				c.logger.Warn("return channel", zap.Error(rerr))
			}
		}

		c.setState(StateStopped)

		return fmt.Errorf("start consumer: %w", err)
	}

	c.setState(StateRunning)
	c.logger.Info("consumer started", zap.String("tag", c.tag), zap.Uint64("channel", r.host.ID()))

	return nil
}

func (c *Consumer) start(ctx context.Context, r *run) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(r.ctx, cancel)()

	for attempt := 1; ; attempt++ {
		if r.ctx.Err() != nil {
			return ConsumerClosedError{}
		}

		host, err := c.getHost(ctx)
		if err == nil {
			r.host = host

			break
		}

		if r.ctx.Err() != nil {
			return ConsumerClosedError{}
		}

		c.subscribeFailed(fmt.Errorf("acquire channel: %w", err), attempt)

		if err := c.wait(ctx, r); err != nil {
			return err
		}
	}

	_, err := c.subscribe(ctx, r, false)

	return err
}

func (c *Consumer) getHost(ctx context.Context) (broker.ChannelHost, error) {
	switch {
	case !c.opts.PooledChannels:
		return c.pool.GetTransientChannel(ctx, !c.opts.AutoAck)
	case c.opts.AutoAck:
		return c.pool.GetChannel(ctx)
	default:
		return c.pool.GetAckChannel(ctx)
	}
}

// subscribe retries until a subscription is registered. With remake set the
// channel is re-opened before the first attempt.
func (c *Consumer) subscribe(ctx context.Context, r *run, remake bool) (int, error) {
	for attempt := 1; ; attempt++ {
		var err error
		if remake {
			if err = r.host.MakeChannel(ctx); err != nil {
				err = fmt.Errorf("re-open channel: %w", err)
			}
		}

		if err == nil {
			if err = c.trySubscribe(r); err == nil {
				return attempt, nil
			}
		}

		c.subscribeFailed(err, attempt)
		r.flagged.Store(true)

		if err := c.wait(ctx, r); err != nil {
			return attempt, err
		}

		remake = true
	}
}

func (c *Consumer) trySubscribe(r *run) error {
	ch := r.host.Channel()
	if ch == nil || ch.IsClosed() {
		return fmt.Errorf("channel %d not open", r.host.ID())
	}

	if err := ch.Qos(c.opts.prefetch(), 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	closes := ch.NotifyClose(make(chan *amqp091.Error, 1))

	deliveries, err := ch.Consume(c.opts.QueueName, c.tag, c.opts.AutoAck, c.opts.Exclusive, c.opts.NoLocal, false, c.opts.Args)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.opts.QueueName, err)
	}

	sub := &subscription{ch: ch, tag: c.tag, deliveries: deliveries, closes: closes}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.pumps.Add(1)

	go c.pump(r, sub)

	return nil
}

// unsubscribe cancels the active subscription, if any. With notify unset the
// subscription is only marked, for channels about to be closed anyway.
func (c *Consumer) unsubscribe(r *run, notify bool) error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub == nil || sub.cancelled.Swap(true) || !notify || sub.ch.IsClosed() {
		return nil
	}

	if err := sub.ch.Cancel(sub.tag, false); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", sub.tag, err)
	}

	return nil
}

func (c *Consumer) wait(ctx context.Context, r *run) error {
	t := time.NewTimer(c.opts.retryDelay())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ConsumerClosedError{}
	case <-t.C:
		return nil
	}
}

func (c *Consumer) subscribeFailed(err error, attempt int) {
	c.stats.subscribeErrors.Add(1)
	c.inst.add(c.inst.subscribeErrors)
	c.logger.Warn("subscribe failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", c.opts.retryDelay()), zap.Error(err))

	if c.hooks.OnSubscribeError != nil {
		c.hooks.OnSubscribeError(err)
	}
}

// pump moves deliveries of one subscription into the buffer. When the stream
// ends without a cancel or a stop, the channel was lost and pump resubscribes.
func (c *Consumer) pump(r *run, sub *subscription) {
	defer r.pumps.Done()

	for d := range sub.deliveries {
		c.deliver(r, sub.ch, d)
	}

	if sub.cancelled.Load() || r.shutdown.Load() {
		return
	}

	var reason error = ConnClosedError{}
	select {
	case e, ok := <-sub.closes:
		if ok && e != nil {
			reason = e
		}
	default:
	}

	c.recover(r, reason)
}

func (c *Consumer) deliver(r *run, ch broker.Channel, d amqp091.Delivery) {
	ackable := !c.opts.AutoAck
	opts := []MessageOption{WithMessageLogger(c.logger)}

	if ackable {
		r.inflight.Add(1)
		opts = append(opts, withTracker(r.inflight))
	}

	msg := NewMessage(ch, d, ackable, opts...)

	c.stats.received.Add(1)
	c.inst.add(c.inst.received)
	c.logger.Debug("delivery received", zap.Uint64("delivery_tag", d.DeliveryTag), zap.String("routing_key", d.RoutingKey))

	if c.hooks.OnReceive != nil {
		c.hooks.OnReceive(msg)
	}

	if err := r.buf.Write(msg); err != nil {
		c.discard(msg)
	}
}

// discard handles a message the buffer evicted or refused. Ackable messages
// are requeued so the broker can redeliver them.
func (c *Consumer) discard(msg *Message) {
	c.stats.dropped.Add(1)
	c.inst.add(c.inst.dropped)

	if c.hooks.OnDrop != nil {
		c.hooks.OnDrop(msg)
	}

	if err := msg.Nack(true); err != nil {
		c.logger.Debug("requeue dropped delivery", zap.Uint64("delivery_tag", msg.DeliveryTag()), zap.Error(err))
	}
}

// recover replaces a subscription lost to an unexpected channel close. It
// gives up once Stop is requested.
func (c *Consumer) recover(r *run, reason error) {
	c.logger.Warn("channel closed unexpectedly, resubscribing", zap.Error(reason))
	r.flagged.Store(true)

	if c.hooks.OnShutdown != nil {
		c.hooks.OnShutdown(reason)
	}

	if err := c.acquire(r.ctx); err != nil {
		return
	}
	defer c.release()

	if r.shutdown.Load() {
		return
	}

	if err := c.unsubscribe(r, false); err != nil {
		c.logger.Debug("drop lost subscription", zap.Error(err))
	}

	attempts, err := c.subscribe(r.ctx, r, true)
	if err != nil {
		c.logger.Info("recovery abandoned", zap.Int("attempts", attempts), zap.Error(err))

		return
	}

	c.stats.recoveries.Add(1)
	c.inst.add(c.inst.recoveries)
	c.logger.Info("subscription recovered", zap.Int("attempts", attempts), zap.Uint64("channel", r.host.ID()))

	if c.hooks.OnRecover != nil {
		c.hooks.OnRecover(attempts)
	}
}

// Stop ends the subscription and closes the buffer for writes. With immediate
// set the channel is closed at once and unsettled messages are abandoned.
// Stop then waits, bounded by ctx, for readers to drain the buffer before
// releasing the channel. With WaitForSettlement it also waits for handed out
// messages to be settled.
func (c *Consumer) Stop(ctx context.Context, immediate bool) error {
	// abort a Start or recovery stuck in its retry loop.
	c.runMu.Lock()
	c.stops++
	if r := c.run.Load(); r != nil {
		r.shutdown.Store(true)
		r.cancel()
	}
	c.runMu.Unlock()

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	r := c.run.Load()
	if c.State() != StateRunning || r == nil {
		return nil
	}

	c.setState(StateStopping)
	r.shutdown.Store(true)
	r.cancel()
	r.buf.Close()

	if err := c.unsubscribe(r, !immediate); err != nil {
		c.logger.Warn("unsubscribe", zap.Error(err))
		r.flagged.Store(true)
		immediate = true
	}

	if immediate {
		if err := r.host.Close(); err != nil {
			c.logger.Debug("close channel", zap.Error(err))
		}
	}

	err := waitGroup(ctx, &r.pumps)
	if err == nil {
		err = r.buf.Wait(ctx)
	}

	if err == nil && !immediate && c.opts.WaitForSettlement {
		err = waitGroup(ctx, r.inflight)
	}

	if rerr := c.pool.ReturnChannel(r.host, immediate || r.flagged.Load()); rerr != nil {
		c.logger.Warn("return channel", zap.Error(rerr))
	}

	c.setState(StateStopped)

	if err != nil {
		c.logger.Warn("consumer stopped before drain", zap.Error(err))

		return fmt.Errorf("stop consumer: %w", err)
	}

	c.logger.Info("consumer stopped", zap.Bool("immediate", immediate))

	return nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetBuffer exposes the buffer of the current run. It is nil before the first Start.
func (c *Consumer) GetBuffer() buffer.Reader[*Message] {
	r := c.run.Load()
	if r == nil {
		return nil
	}

	return r.buf
}

func (c *Consumer) buffer() (*buffer.Buffer[*Message], error) {
	r := c.run.Load()
	if r == nil {
		return nil, ConsumerNotStartedError{}
	}

	return r.buf, nil
}

// Read waits for the next message. It returns buffer.ClosedError once the
// consumer is stopped and the buffer drained.
func (c *Consumer) Read(ctx context.Context) (*Message, error) {
	buf, err := c.buffer()
	if err != nil {
		return nil, err
	}

	return buf.Read(ctx)
}

// ReadUntilEmpty waits for one message and returns it together with every
// message queued behind it, without waiting any further.
func (c *Consumer) ReadUntilEmpty(ctx context.Context) ([]*Message, error) {
	buf, err := c.buffer()
	if err != nil {
		return nil, err
	}

	first, err := buf.Read(ctx)
	if err != nil {
		return nil, err
	}

	out := []*Message{first}
	for {
		msg, ok := buf.TryRead()
		if !ok {
			return out, nil
		}

		out = append(out, msg)
	}
}

// StreamUntilEmpty is the lazy form of ReadUntilEmpty. The sequence can be
// ranged over once.
func (c *Consumer) StreamUntilEmpty(ctx context.Context) iter.Seq2[*Message, error] {
	var used atomic.Bool

	return func(yield func(*Message, error) bool) {
		if used.Swap(true) {
			yield(nil, StreamConsumedError{})

			return
		}

		buf, err := c.buffer()
		if err != nil {
			yield(nil, err)

			return
		}

		msg, err := buf.Read(ctx)
		if err != nil {
			yield(nil, err)

			return
		}

		for ok := true; ok; msg, ok = buf.TryRead() {
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// StreamUntilClosed yields messages across refills and ends once the buffer
// is closed and drained. A context error is yielded before ending. The
// sequence can be ranged over once.
func (c *Consumer) StreamUntilClosed(ctx context.Context) iter.Seq2[*Message, error] {
	var used atomic.Bool

	return func(yield func(*Message, error) bool) {
		if used.Swap(true) {
			yield(nil, StreamConsumedError{})

			return
		}

		buf, err := c.buffer()
		if err != nil {
			yield(nil, err)

			return
		}

		for {
			msg, err := buf.Read(ctx)
			if errors.Is(err, buffer.ClosedError{}) {
				return
			}

			if err != nil {
				yield(nil, err)

				return
			}

			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Get fetches a single message with basic.get on the consumer channel. The
// boolean is false when the queue was empty.
func (c *Consumer) Get(ctx context.Context) (*Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r := c.run.Load()
	if r == nil || !c.Started() {
		return nil, false, ConsumerNotStartedError{}
	}

	ch := r.host.Channel()
	if ch == nil {
		return nil, false, fmt.Errorf("get %s: channel %d not open", c.opts.QueueName, r.host.ID())
	}

	d, ok, err := ch.Get(c.opts.QueueName, c.opts.AutoAck)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", c.opts.QueueName, err)
	}

	if !ok {
		return nil, false, nil
	}

	return NewMessage(ch, d, !c.opts.AutoAck, WithMessageLogger(c.logger)), true, nil
}

// RunDispatch feeds buffered messages into a bounded worker pool running work
// until the buffer is closed, which returns nil, or ctx ends, which returns
// its error. A failing or panicking work call is logged and counted, and the
// message is left unsettled. Items already handed to work are waited for
// before returning; they are not interrupted by ctx.
func (c *Consumer) RunDispatch(ctx context.Context, work func(context.Context, *Message) error, maxParallelism int, ensureOrdered bool) error {
	if !c.dispatchMu.TryLock() {
		return DispatchActiveError{}
	}
	defer c.dispatchMu.Unlock()

	buf, err := c.buffer()
	if err != nil {
		return err
	}

	if maxParallelism < 1 {
		maxParallelism = defaultParallelism
	}

	engine := dataflow.New(func(ctx context.Context, msg *Message) (struct{}, error) {
		return struct{}{}, work(ctx, msg)
	},
		dataflow.WithParallelism[*Message, struct{}](maxParallelism),
		dataflow.WithOrdered[*Message, struct{}](ensureOrdered),
		dataflow.WithLogger[*Message, struct{}](c.logger),
		dataflow.WithErrorHandler[*Message, struct{}](c.workFailed),
	)

	defer func() {
		engine.Close()
		engine.Wait()
	}()

	stageCtx := context.WithoutCancel(ctx)

	for {
		msg, err := buf.Read(ctx)
		if errors.Is(err, buffer.ClosedError{}) {
			return nil
		}

		if err != nil {
			return err
		}

		for ok := true; ok; msg, ok = buf.TryRead() {
			if err := engine.Enqueue(stageCtx, msg); err != nil {
				return fmt.Errorf("enqueue work item: %w", err)
			}
		}
	}
}

func (c *Consumer) workFailed(msg *Message, err error) {
	c.stats.workFailures.Add(1)
	c.inst.add(c.inst.workFailures)

	if c.hooks.OnWorkError != nil {
		c.hooks.OnWorkError(msg, err)
	}
}
