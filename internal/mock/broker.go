// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package mock provides in-memory test doubles for the broker interfaces.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GwynCerbin/rabbitflow/pkg/broker"
	"github.com/rabbitmq/amqp091-go"
)

// Settlement records one Ack, Nack or Reject call.
type Settlement struct {
	Verb    string
	Tag     uint64
	Requeue bool
}

// Channel is a test double for broker.Channel.
type Channel struct {
	mu          sync.Mutex
	streams     map[string]chan amqp091.Delivery
	closes      []chan *amqp091.Error
	settlements []Settlement
	pending     []amqp091.Delivery
	consumes    int
	cancels     int
	prefetch    int
	closed      bool

	// ConsumeErr, when set, is returned by Consume.
	ConsumeErr error
	// SettleErr, when set, is returned by Ack, Nack and Reject.
	SettleErr error
}

// NewChannel returns an open channel.
func NewChannel() *Channel {
	return &Channel{streams: make(map[string]chan amqp091.Delivery)}
}

func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.ErrClosed
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(_, consumer string, _, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp091.ErrClosed
	}
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	if _, ok := c.streams[consumer]; ok {
		return nil, fmt.Errorf("consumer tag %q already registered", consumer)
	}
	c.consumes++
	ch := make(chan amqp091.Delivery)
	c.streams[consumer] = ch
	return ch, nil
}

func (c *Channel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.ErrClosed
	}
	if ch, ok := c.streams[consumer]; ok {
		close(ch)
		delete(c.streams, consumer)
		c.cancels++
	}
	return nil
}

func (c *Channel) Get(_ string, autoAck bool) (amqp091.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.Delivery{}, false, amqp091.ErrClosed
	}
	if len(c.pending) == 0 {
		return amqp091.Delivery{}, false, nil
	}
	d := c.pending[0]
	c.pending = c.pending[1:]
	return d, true, nil
}

func (c *Channel) NotifyClose(ch chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.closes = append(c.closes, ch)
	return ch
}

func (c *Channel) Ack(tag uint64, _ bool) error {
	return c.settle(Settlement{Verb: "ack", Tag: tag})
}

func (c *Channel) Nack(tag uint64, _, requeue bool) error {
	return c.settle(Settlement{Verb: "nack", Tag: tag, Requeue: requeue})
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.settle(Settlement{Verb: "reject", Tag: tag, Requeue: requeue})
}

func (c *Channel) settle(s Settlement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.ErrClosed
	}
	if c.SettleErr != nil {
		return c.SettleErr
	}
	c.settlements = append(c.settlements, s)
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close behaves like a client initiated close: listeners are closed without an error.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// Shutdown simulates the broker closing the channel with reason.
func (c *Channel) Shutdown(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.shutdown(&amqp091.Error{Code: amqp091.ChannelError, Reason: reason, Server: true})
}

func (c *Channel) shutdown(err *amqp091.Error) {
	c.closed = true
	for _, l := range c.closes {
		if err != nil {
			l <- err
		}
		close(l)
	}
	c.closes = nil
	for tag, ch := range c.streams {
		close(ch)
		delete(c.streams, tag)
	}
}

// Deliver pushes a delivery to the first registered subscription. It blocks
// until the consumer takes it and returns false if no subscription exists.
func (c *Channel) Deliver(d amqp091.Delivery) bool {
	c.mu.Lock()
	var (
		stream chan amqp091.Delivery
		tag    string
	)
	for t, ch := range c.streams {
		stream, tag = ch, t
		break
	}
	c.mu.Unlock()

	if stream == nil {
		return false
	}

	d.ConsumerTag = tag
	defer func() {
		// the stream may be closed by Cancel or Shutdown while we wait.
		_ = recover()
	}()
	stream <- d
	return true
}

// Enqueue adds a delivery for Get.
func (c *Channel) Enqueue(d amqp091.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, d)
}

// Subscribers returns the number of active subscriptions.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Consumes returns how many subscriptions were registered.
func (c *Channel) Consumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumes
}

// Cancels returns how many subscriptions were cancelled.
func (c *Channel) Cancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

// Prefetch returns the last Qos prefetch count.
func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

// Settlements returns a copy of every recorded settlement.
func (c *Channel) Settlements() []Settlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Settlement, len(c.settlements))
	copy(out, c.settlements)
	return out
}

// Host is a test double for broker.ChannelHost.
type Host struct {
	id        uint64
	ackable   bool
	transient bool

	mu      sync.Mutex
	current *Channel
	history []*Channel
	closed  bool

	// MakeErr, when set, is returned by the next MakeErrCount calls to MakeChannel.
	MakeErr      error
	MakeErrCount int
	// Configure is applied to every channel opened by MakeChannel.
	Configure func(*Channel)
}

// NewHost returns a host with an open channel.
func NewHost(id uint64, ackable, transient bool) *Host {
	ch := NewChannel()
	return &Host{id: id, ackable: ackable, transient: transient, current: ch, history: []*Channel{ch}}
}

func (h *Host) ID() uint64 { return h.id }

func (h *Host) Channel() broker.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Current returns the concrete current channel.
func (h *Host) Current() *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Channels returns every channel the host has opened.
func (h *Host) Channels() []*Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Channel, len(h.history))
	copy(out, h.history)
	return out
}

func (h *Host) MakeChannel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MakeErrCount > 0 {
		h.MakeErrCount--
		return h.MakeErr
	}
	if !h.current.IsClosed() {
		_ = h.current.Close()
	}
	ch := NewChannel()
	if h.Configure != nil {
		h.Configure(ch)
	}
	h.current = ch
	h.history = append(h.history, ch)
	h.closed = false
	return nil
}

func (h *Host) Ackable() bool   { return h.ackable }
func (h *Host) Transient() bool { return h.transient }

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.current.IsClosed() {
		return nil
	}
	return h.current.Close()
}

// Pool is a test double for broker.ChannelPool.
type Pool struct {
	ids atomic.Uint64

	mu       sync.Mutex
	hosts    []*Host
	calls    []string
	returned []uint64
	flagged  []uint64

	// GetErr, when set, is returned by the next GetErrCount acquire calls.
	GetErr      error
	GetErrCount int
	// Configure is applied to every host handed out.
	Configure func(*Host)
}

// ErrExhausted is a convenience acquire error.
var ErrExhausted = errors.New("mock: pool exhausted")

func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) GetTransientChannel(ctx context.Context, ackable bool) (broker.ChannelHost, error) {
	return p.get(ctx, fmt.Sprintf("transient(ack=%t)", ackable), ackable, true)
}

func (p *Pool) GetChannel(ctx context.Context) (broker.ChannelHost, error) {
	return p.get(ctx, "pooled", false, false)
}

func (p *Pool) GetAckChannel(ctx context.Context) (broker.ChannelHost, error) {
	return p.get(ctx, "pooled-ack", true, false)
}

func (p *Pool) get(ctx context.Context, call string, ackable, transient bool) (broker.ChannelHost, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if p.GetErrCount > 0 {
		p.GetErrCount--
		return nil, p.GetErr
	}
	h := NewHost(p.ids.Add(1), ackable, transient)
	if p.Configure != nil {
		p.Configure(h)
	}
	p.hosts = append(p.hosts, h)
	return h, nil
}

func (p *Pool) ReturnChannel(host broker.ChannelHost, flagged bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returned = append(p.returned, host.ID())
	if flagged {
		p.flagged = append(p.flagged, host.ID())
	}
	if host.Transient() {
		return host.Close()
	}
	return nil
}

// Hosts returns every host handed out.
func (p *Pool) Hosts() []*Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Host, len(p.hosts))
	copy(out, p.hosts)
	return out
}

// Calls returns the acquire calls in order.
func (p *Pool) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// Returned returns the IDs of returned hosts and of those returned flagged.
func (p *Pool) Returned() (all, flagged []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.returned...), append([]uint64(nil), p.flagged...)
}
