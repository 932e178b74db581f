// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/GwynCerbin/rabbitflow/pkg/broker"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Con encapsulates a RabbitMQ connection with automatic reconnection logic.
// It owns the channel pool consumers are created from.
type Con struct {
	// mu guards connection while the reconnection loop swaps it.
	mu sync.RWMutex
	// connection holds the active AMQP connection.
	connection *amqp091.Connection
	// url is the target URI for dialing the broker.
	url *url.URL
	// stop signals the reconnection loop to exit.
	stop      chan struct{}
	closeOnce sync.Once
	// watcher is done once the reconnection goroutine has exited.
	watcher sync.WaitGroup
	// cfg stores the AMQP client configuration.
	cfg amqp091.Config
	// maxReconnectTime caps the exponential backoff delay in seconds.
	maxReconnectTime int64
	// base is the logger handed to the pool and consumers.
	base   *zap.Logger
	logger *zap.Logger
	pool   *Pool
}

// DialOption configures Dial.
type DialOption func(*Con)

// WithDialLogger sets the logger used by the connection and its pool.
func WithDialLogger(logger *zap.Logger) DialOption {
	return func(c *Con) { c.base = logger }
}

// Dial establishes an AMQP connection using the provided client configuration
// and starts watching it for unexpected closes.
func Dial(cfg *Client, opts ...DialOption) (*Con, error) {
	const stdMaxTime = 32 * time.Second

	if cfg == nil {
		return nil, fmt.Errorf("dial amqp091: empty client config")
	}

	var (
		clientCfg = amqp091.Config{
			SASL: []amqp091.Authentication{
				&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password},
			},
			Vhost:      cfg.VHost,
			Properties: cfg.Properties,
			Heartbeat:  cfg.TcpHeartBeat,
		}
		maxTime = int64(cfg.MaxReconnectTime.Seconds())
		uri     = &url.URL{
			Scheme: "amqp",
			Host:   cfg.Host,
		}
	)

	if maxTime == 0 {
		maxTime = int64(stdMaxTime.Seconds())
	}

	c := &Con{
		url:              uri,
		cfg:              clientCfg,
		stop:             make(chan struct{}),
		maxReconnectTime: maxTime,
		base:             zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.base.Named("con").With(zap.String("host", cfg.Host))

	con, err := amqp091.DialConfig(uri.String(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqp091: %w", err)
	}

	c.connection = con
	c.pool = NewPool(c.channel, poolSize(cfg.Channels), poolSize(cfg.AckChannels), c.base)

	c.watcher.Add(1)

	go c.watch(con)

	return c, nil
}

func poolSize(n int) int {
	if n < 1 {
		return defaultChannels
	}

	return n
}

// watch re-dials every time the current connection is closed by the broker
// or the network, until Close is called.
func (c *Con) watch(con *amqp091.Connection) {
	defer c.watcher.Done()

	for {
		notify := con.NotifyClose(make(chan *amqp091.Error, 1))

		select {
		case <-c.stop:
			return
		case err, ok := <-notify:
			if !ok {
				// closed by the client without an error.
				return
			}

			c.logger.Warn("rabbit connection lost", zap.Error(err))

			if con = c.reconnectLoop(); con == nil {
				return
			}
		}
	}
}

// reconnectLoop attempts to re-establish the AMQP connection using exponential backoff.
// It doubles the wait time after each failed attempt, capped by maxReconnectTime.
// The loop exits when stop is closed or a new connection is successfully made.
func (c *Con) reconnectLoop() *amqp091.Connection {
	for waitTime, attempt, maxTime := int64(1), 1, c.maxReconnectTime; true; waitTime, attempt = waitTime<<1, attempt+1 {
		if waitTime > maxTime {
			waitTime = maxTime
		}
		select {
		case <-c.stop:
			return nil
		case <-time.After(time.Duration(waitTime) * time.Second):
			c.logger.Info("rabbit reconnect attempt", zap.Int("attempt", attempt))

			con, err := amqp091.DialConfig(c.url.String(), c.cfg)
			if err != nil {
				c.logger.Warn("rabbit reconnect failed", zap.Int("attempt", attempt), zap.Error(err))

				continue
			}

			c.mu.Lock()
			c.connection = con
			c.mu.Unlock()

			c.logger.Info("rabbit reconnect success", zap.Int("attempt", attempt))

			return con
		}
	}

	return nil
}

// channel opens a channel on the current connection. It fails while the
// connection is down, which the callers treat as retryable.
func (c *Con) channel() (broker.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.connection == nil || c.connection.IsClosed() {
		return nil, ConnClosedError{}
	}

	ch, err := c.connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	return ch, nil
}

// Pool returns the channel pool backed by this connection.
func (c *Con) Pool() *Pool {
	return c.pool
}

// CreateConsumer returns a new Consumer on the connection pool or an error
// ConsumerConfEmptyError if the configuration is nil.
func (c *Con) CreateConsumer(cfg *ConsumerOptions, opts ...ConsumerOption) (*Consumer, error) {
	if cfg == nil {
		return nil, ConsumerConfEmptyError{}
	}

	return NewConsumer(c.pool, *cfg, append([]ConsumerOption{WithLogger(c.base)}, opts...)...)
}

// Close stops the reconnection loop, releases pooled channels and closes the connection.
func (c *Con) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.stop)
		c.watcher.Wait()

		c.pool.Close()

		c.mu.Lock()
		defer c.mu.Unlock()

		if cerr := c.connection.Close(); cerr != nil {
			err = fmt.Errorf("close connection error: %w", cerr)
		}
	})

	return err
}
