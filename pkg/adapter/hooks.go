// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/GwynCerbin/rabbitflow/pkg/adapter"

// Hooks receive consumer events as they happen. Every field is optional and
// is called on the goroutine that raised the event, so it must not block.
type Hooks struct {
	OnReceive        func(msg *Message)
	OnDrop           func(msg *Message)
	OnWorkError      func(msg *Message, err error)
	OnSubscribeError func(err error)
	// OnShutdown is called when the broker closes the channel under a running consumer.
	OnShutdown func(reason error)
	OnRecover  func(attempts int)
}

// Stats is a snapshot of the consumer counters.
type Stats struct {
	Received        uint64
	Dropped         uint64
	WorkFailures    uint64
	Recoveries      uint64
	SubscribeErrors uint64
}

type counters struct {
	received        atomic.Uint64
	dropped         atomic.Uint64
	workFailures    atomic.Uint64
	recoveries      atomic.Uint64
	subscribeErrors atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:        c.received.Load(),
		Dropped:         c.dropped.Load(),
		WorkFailures:    c.workFailures.Load(),
		Recoveries:      c.recoveries.Load(),
		SubscribeErrors: c.subscribeErrors.Load(),
	}
}

// instruments mirrors counters into OpenTelemetry.
type instruments struct {
	received        metric.Int64Counter
	dropped         metric.Int64Counter
	workFailures    metric.Int64Counter
	recoveries      metric.Int64Counter
	subscribeErrors metric.Int64Counter
	attrs           metric.MeasurementOption
}

func defaultMeter() metric.Meter {
	return otel.Meter(meterName)
}

func newInstruments(meter metric.Meter, queue string) (*instruments, error) {
	var (
		in  = &instruments{attrs: metric.WithAttributes(attribute.String("queue", queue))}
		err error
	)

	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&in.received, "rabbitflow.consumer.received", "Deliveries written to the local buffer"},
		{&in.dropped, "rabbitflow.consumer.dropped", "Deliveries discarded by the overflow policy or after close"},
		{&in.workFailures, "rabbitflow.consumer.work_failures", "Dispatch work items that failed or panicked"},
		{&in.recoveries, "rabbitflow.consumer.recoveries", "Subscriptions restored after an unexpected channel close"},
		{&in.subscribeErrors, "rabbitflow.consumer.subscribe_errors", "Failed subscribe attempts"},
	} {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{message}")); err != nil {
			return nil, err
		}
	}

	return in, nil
}

func (in *instruments) add(c metric.Int64Counter) {
	c.Add(context.Background(), 1, in.attrs)
}
