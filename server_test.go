// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbitflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/GwynCerbin/rabbitflow/internal/mock"
	"github.com/GwynCerbin/rabbitflow/pkg/adapter"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newConsumer(t *testing.T) (*adapter.Consumer, *mock.Pool) {
	t.Helper()

	opts := adapter.DefaultConsumerOptions()
	opts.QueueName = "events"
	opts.RetryDelay = 5 * time.Millisecond

	pool := mock.NewPool()
	c, err := adapter.NewConsumer(pool, opts, adapter.WithMeter(noop.NewMeterProvider().Meter("test")))
	require.NoError(t, err)

	return c, pool
}

func TestListenAndServeEmptyRouter(t *testing.T) {
	c, _ := newConsumer(t)

	err := NewListener(c).Init(NewRouter()).ListenAndServe(context.Background())
	assert.ErrorIs(t, err, EmptyRoutError{})
}

func TestSetConcurrency(t *testing.T) {
	c, _ := newConsumer(t)
	l := NewListener(c)

	assert.Error(t, l.SetConcurrency(0))
	require.NoError(t, l.SetConcurrency(1))
	assert.Equal(t, 1, l.gos)
}

func TestListenerRoutes(t *testing.T) {
	c, pool := newConsumer(t)
	core, logs := observer.New(zapcore.ErrorLevel)

	var (
		mu      sync.Mutex
		created []uint64
	)

	router := NewRouter()
	router.Add("user.created", func(_ context.Context, msg *adapter.Message) error {
		mu.Lock()
		created = append(created, msg.DeliveryTag())
		mu.Unlock()
		return nil
	})
	router.Add("user.deleted", func(context.Context, *adapter.Message) error {
		return errors.New("not supported")
	})
	router.Add("user.updated", func(_ context.Context, msg *adapter.Message) error {
		return msg.Nack(true)
	})

	l := NewListener(c)
	l.SetLogger(zap.New(core))
	l.SetOrdered(true)
	require.NoError(t, l.SetConcurrency(2))

	inst := l.Init(router)

	served := make(chan error, 1)
	go func() { served <- inst.ListenAndServe(context.Background()) }()

	require.Eventually(t, func() bool {
		hosts := pool.Hosts()
		return len(hosts) == 1 && hosts[0].Current().Subscribers() == 1
	}, time.Second, time.Millisecond)
	ch := pool.Hosts()[0].Current()

	keys := []string{"user.created", "user.deleted", "user.updated", "user.unknown", "user.created"}
	for i, key := range keys {
		require.True(t, ch.Deliver(amqp091.Delivery{DeliveryTag: uint64(i + 1), RoutingKey: key}))
	}

	require.Eventually(t, func() bool { return len(ch.Settlements()) == len(keys) }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, inst.Shutdown(ctx))
	require.NoError(t, <-served)

	settled := ch.Settlements()
	sort.Slice(settled, func(i, j int) bool { return settled[i].Tag < settled[j].Tag })
	assert.Equal(t, []mock.Settlement{
		{Verb: "ack", Tag: 1},
		{Verb: "reject", Tag: 2},
		{Verb: "nack", Tag: 3, Requeue: true},
		{Verb: "reject", Tag: 4},
		{Verb: "ack", Tag: 5},
	}, settled)

	mu.Lock()
	sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })
	assert.Equal(t, []uint64{1, 5}, created)
	mu.Unlock()

	assert.Equal(t, 1, logs.FilterMessage("unrouted message").Len())
	assert.Equal(t, uint64(1), c.Stats().WorkFailures)
}

func TestShutdownWithoutServe(t *testing.T) {
	c, _ := newConsumer(t)
	inst := NewListener(c).Init(Router{"k": func(context.Context, *adapter.Message) error { return nil }})

	assert.NoError(t, inst.Shutdown(context.Background()))
}
