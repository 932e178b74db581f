// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"fmt"
	"time"

	"github.com/GwynCerbin/rabbitflow/pkg/buffer"

	"github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultBatchSize  = 100
	defaultRetryDelay = time.Second
	defaultChannels   = 4
)

type Client struct {
	Username         string        `env:"USERNAME" yaml:"-"`
	Password         string        `env:"PASSWORD" yaml:"-"`
	Host             string        `env:"HOST" yaml:"host"`
	VHost            string        `env:"VHOST" yaml:"vhost"`
	TcpHeartBeat     time.Duration `env:"HEARTBEAT" yaml:"tcp_heartbeat"`
	Properties       amqp091.Table `env:"PROPERTIES" yaml:"properties"`
	MaxReconnectTime time.Duration `env:"RECONNECT" yaml:"reconnect"`
	// Channels and AckChannels size the auto-ack and ack-capable pools.
	Channels    int `env:"CHANNELS" yaml:"channels"`
	AckChannels int `env:"ACK_CHANNELS" yaml:"ack_channels"`
}

// ConsumerOptions describes one subscription and its local buffer.
type ConsumerOptions struct {
	QueueName string `env:"QUEUE" yaml:"queue"`
	// ConsumerName prefixes the generated consumer tag and names log lines.
	ConsumerName string `env:"NAME" yaml:"consumer_name"`
	// ConsumerTag is used verbatim when set.
	ConsumerTag string `env:"TAG" yaml:"consumer_tag"`
	AutoAck     bool   `env:"AUTO_ACK" yaml:"auto_ack"`
	Exclusive   bool   `env:"EXCLUSIVE" yaml:"exclusive"`
	NoLocal     bool   `env:"NO_LOCAL" yaml:"no_local"`
	// BatchSize is the capacity of the local buffer.
	BatchSize int           `env:"BATCH_SIZE" yaml:"batch_size"`
	Overflow  buffer.Policy `env:"OVERFLOW" yaml:"overflow"`
	// Prefetch is the broker side QoS count. Zero means BatchSize.
	Prefetch int `env:"PREFETCH" yaml:"prefetch"`
	// PooledChannels takes the channel from the pool instead of opening a transient one.
	PooledChannels bool `env:"POOLED" yaml:"pooled_channels"`
	// Disabled turns Start into a no-op.
	Disabled bool `env:"DISABLED" yaml:"disabled"`
	// RetryDelay is the fixed pause between subscribe attempts.
	RetryDelay time.Duration `env:"RETRY_DELAY" yaml:"retry_delay"`
	// WaitForSettlement makes a graceful Stop also wait for every ackable
	// message handed to a reader to be settled.
	WaitForSettlement bool          `env:"WAIT_FOR_SETTLEMENT" yaml:"wait_for_settlement"`
	Args              amqp091.Table `env:"ARGS" yaml:"args"`
}

// DefaultConsumerOptions returns the options used for fields left unset in YAML.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		BatchSize:  defaultBatchSize,
		Overflow:   buffer.Block,
		RetryDelay: defaultRetryDelay,
	}
}

// ParseConsumerOptions decodes YAML over DefaultConsumerOptions and validates the result.
func ParseConsumerOptions(data []byte) (*ConsumerOptions, error) {
	opts := DefaultConsumerOptions()

	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("decode consumer options: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &opts, nil
}

// Validate reports the first invalid field.
func (o *ConsumerOptions) Validate() error {
	switch {
	case o == nil:
		return ConsumerConfEmptyError{}
	case o.QueueName == "":
		return fmt.Errorf("invalid consumer options: empty queue name")
	case o.BatchSize < 1:
		return fmt.Errorf("invalid consumer options: batch size %d", o.BatchSize)
	case o.Prefetch < 0:
		return fmt.Errorf("invalid consumer options: prefetch %d", o.Prefetch)
	case o.RetryDelay < 0:
		return fmt.Errorf("invalid consumer options: retry delay %s", o.RetryDelay)
	case o.Overflow < buffer.Block || o.Overflow > buffer.DropOldest:
		return fmt.Errorf("invalid consumer options: overflow %s", o.Overflow)
	}

	return nil
}

func (o *ConsumerOptions) prefetch() int {
	if o.Prefetch > 0 {
		return o.Prefetch
	}

	return o.BatchSize
}

func (o *ConsumerOptions) retryDelay() time.Duration {
	if o.RetryDelay > 0 {
		return o.RetryDelay
	}

	return defaultRetryDelay
}
