// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
)

// Channel is the part of an AMQP channel a consumer relies on.
// *amqp091.Channel satisfies it.
type Channel interface {
	// Qos limits the number of unacknowledged deliveries in flight.
	Qos(prefetchCount, prefetchSize int, global bool) error

	// Consume registers a subscription and returns its delivery stream.
	// The stream is closed when the subscription is cancelled or the channel closes.
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)

	// Cancel stops the subscription registered under the consumer tag.
	Cancel(consumer string, noWait bool) error

	// Get fetches a single message without a subscription.
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)

	// NotifyClose registers a listener for channel shutdown.
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error

	// Ack, Nack and Reject settle a delivery by its tag.
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error

	IsClosed() bool
	Close() error
}

// ChannelHost owns one channel and can replace it after a failure.
type ChannelHost interface {
	// ID is stable for the lifetime of the host, across re-opens.
	ID() uint64

	// Channel returns the current channel.
	Channel() Channel

	// MakeChannel closes the current channel, if still open, and opens a new one.
	MakeChannel(ctx context.Context) error

	// Ackable reports whether the host was handed out for manual acknowledgments.
	Ackable() bool

	// Transient reports whether the host lives outside the pool.
	Transient() bool

	Close() error
}

// ChannelPool hands out channel hosts. Errors are retryable.
type ChannelPool interface {
	// GetTransientChannel opens a host outside the pool.
	GetTransientChannel(ctx context.Context, ackable bool) (ChannelHost, error)

	// GetChannel takes an auto-ack host from the pool.
	GetChannel(ctx context.Context) (ChannelHost, error)

	// GetAckChannel takes an ack-capable host from the pool.
	GetAckChannel(ctx context.Context) (ChannelHost, error)

	// ReturnChannel gives a host back. Flagged hosts had errors and are re-opened;
	// transient hosts are closed.
	ReturnChannel(host ChannelHost, flagged bool) error
}
