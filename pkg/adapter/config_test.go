// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"testing"
	"time"

	"github.com/GwynCerbin/rabbitflow/pkg/buffer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConsumerOptions(t *testing.T) {
	opts, err := ParseConsumerOptions([]byte(`
queue: orders
consumer_name: billing
batch_size: 10
overflow: drop_oldest
retry_delay: 250ms
pooled_channels: true
wait_for_settlement: true
args:
  x-priority: 5
`))
	require.NoError(t, err)

	assert.Equal(t, "orders", opts.QueueName)
	assert.Equal(t, "billing", opts.ConsumerName)
	assert.Equal(t, 10, opts.BatchSize)
	assert.Equal(t, buffer.DropOldest, opts.Overflow)
	assert.Equal(t, 250*time.Millisecond, opts.RetryDelay)
	assert.True(t, opts.PooledChannels)
	assert.True(t, opts.WaitForSettlement)
	assert.False(t, opts.Disabled)
	assert.Equal(t, 5, opts.Args["x-priority"])
	assert.Equal(t, 10, opts.prefetch(), "prefetch defaults to the batch size")
}

func TestParseConsumerOptionsDefaults(t *testing.T) {
	opts, err := ParseConsumerOptions([]byte("queue: orders\n"))
	require.NoError(t, err)

	want := DefaultConsumerOptions()
	want.QueueName = "orders"
	assert.Equal(t, want, *opts)
}

func TestParseConsumerOptionsInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"no queue":       "batch_size: 10\n",
		"zero batch":     "queue: q\nbatch_size: 0\n",
		"negative fetch": "queue: q\nprefetch: -1\n",
		"bad policy":     "queue: q\noverflow: sideways\n",
		"bad yaml":       "queue: [q\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConsumerOptions([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidateNil(t *testing.T) {
	var opts *ConsumerOptions
	assert.ErrorIs(t, opts.Validate(), ConsumerConfEmptyError{})
}
