// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GwynCerbin/rabbitflow/pkg/broker"

	"go.uber.org/zap"
)

// Opener opens a fresh channel on the current connection.
type Opener func() (broker.Channel, error)

// Pool is a fixed size set of reusable channel hosts, split into auto-ack and
// ack-capable hosts. Channels are opened lazily on first use.
type Pool struct {
	open        Opener
	channels    chan *channelHost
	ackChannels chan *channelHost
	ids         atomic.Uint64
	closed      atomic.Bool
	closeOnce   sync.Once
	logger      *zap.Logger
}

// NewPool creates a pool with the given number of auto-ack and ack-capable hosts.
func NewPool(open Opener, channels, ackChannels int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		open:        open,
		channels:    make(chan *channelHost, max(channels, 1)),
		ackChannels: make(chan *channelHost, max(ackChannels, 1)),
		logger:      logger.Named("pool"),
	}

	for range cap(p.channels) {
		p.channels <- p.newHost(false, false)
	}

	for range cap(p.ackChannels) {
		p.ackChannels <- p.newHost(true, false)
	}

	return p
}

func (p *Pool) newHost(ackable, transient bool) *channelHost {
	return &channelHost{
		id:        p.ids.Add(1),
		ackable:   ackable,
		transient: transient,
		open:      p.open,
	}
}

// GetTransientChannel opens a host that is closed, not pooled, when returned.
func (p *Pool) GetTransientChannel(ctx context.Context, ackable bool) (broker.ChannelHost, error) {
	if p.closed.Load() {
		return nil, PoolClosedError{}
	}

	h := p.newHost(ackable, true)
	if err := h.MakeChannel(ctx); err != nil {
		return nil, fmt.Errorf("open transient channel: %w", err)
	}

	return h, nil
}

// GetChannel waits for a free auto-ack host.
func (p *Pool) GetChannel(ctx context.Context) (broker.ChannelHost, error) {
	return p.take(ctx, p.channels)
}

// GetAckChannel waits for a free ack-capable host.
func (p *Pool) GetAckChannel(ctx context.Context) (broker.ChannelHost, error) {
	return p.take(ctx, p.ackChannels)
}

func (p *Pool) take(ctx context.Context, slots chan *channelHost) (broker.ChannelHost, error) {
	if p.closed.Load() {
		return nil, PoolClosedError{}
	}

	select {
	case h := <-slots:
		if h.healthy() {
			return h, nil
		}

		if err := h.MakeChannel(ctx); err != nil {
			slots <- h

			return nil, fmt.Errorf("open pooled channel %d: %w", h.id, err)
		}

		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReturnChannel gives a host back. Transient hosts are closed; flagged hosts
// are re-opened before going back into the pool.
func (p *Pool) ReturnChannel(host broker.ChannelHost, flagged bool) error {
	h, ok := host.(*channelHost)
	if !ok {
		return fmt.Errorf("return channel: foreign host %T", host)
	}

	if h.transient || p.closed.Load() {
		return h.Close()
	}

	if flagged {
		if err := h.MakeChannel(context.Background()); err != nil {
			// the next take re-opens it.
			p.logger.Warn("re-open flagged channel", zap.Uint64("channel", h.id), zap.Error(err))
		}
	}

	slots := p.channels
	if h.ackable {
		slots = p.ackChannels
	}

	select {
	case slots <- h:
		return nil
	default:
		return fmt.Errorf("return channel %d: pool already full", h.id)
	}
}

// Close closes every idle host. Hosts still handed out are closed when returned.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		for _, slots := range []chan *channelHost{p.channels, p.ackChannels} {
			for drained := false; !drained; {
				select {
				case h := <-slots:
					if err := h.Close(); err != nil {
						p.logger.Debug("close pooled channel", zap.Uint64("channel", h.id), zap.Error(err))
					}
				default:
					drained = true
				}
			}
		}
	})
}

// channelHost owns one channel and re-opens it on request.
type channelHost struct {
	id        uint64
	ackable   bool
	transient bool
	open      Opener

	mu sync.RWMutex
	ch broker.Channel
}

func (h *channelHost) ID() uint64      { return h.id }
func (h *channelHost) Ackable() bool   { return h.ackable }
func (h *channelHost) Transient() bool { return h.transient }

func (h *channelHost) Channel() broker.Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.ch
}

func (h *channelHost) healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.ch != nil && !h.ch.IsClosed()
}

// MakeChannel closes the current channel, if any, and opens a new one.
func (h *channelHost) MakeChannel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ch != nil && !h.ch.IsClosed() {
		_ = h.ch.Close()
	}

	h.ch = nil

	ch, err := h.open()
	if err != nil {
		return err
	}

	h.ch = ch

	return nil
}

func (h *channelHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ch == nil || h.ch.IsClosed() {
		return nil
	}

	if err := h.ch.Close(); err != nil {
		return fmt.Errorf("close channel %d: %w", h.id, err)
	}

	return nil
}
