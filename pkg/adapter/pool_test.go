// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GwynCerbin/rabbitflow/internal/mock"
	"github.com/GwynCerbin/rabbitflow/pkg/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockOpener(opened *atomic.Int32) Opener {
	return func() (broker.Channel, error) {
		opened.Add(1)

		return mock.NewChannel(), nil
	}
}

func TestPoolReusesHosts(t *testing.T) {
	var opened atomic.Int32
	p := NewPool(mockOpener(&opened), 1, 1, nil)

	h, err := p.GetChannel(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Ackable())
	assert.False(t, h.Transient())
	require.NotNil(t, h.Channel())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.GetChannel(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "single host already taken")

	require.NoError(t, p.ReturnChannel(h, false))

	again, err := p.GetChannel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.ID(), again.ID())
	assert.Same(t, h.Channel(), again.Channel())
	assert.Equal(t, int32(1), opened.Load())

	ack, err := p.GetAckChannel(context.Background())
	require.NoError(t, err)
	assert.True(t, ack.Ackable())
	assert.NotEqual(t, h.ID(), ack.ID())
}

func TestPoolFlaggedHostIsReopened(t *testing.T) {
	var opened atomic.Int32
	p := NewPool(mockOpener(&opened), 1, 1, nil)

	h, err := p.GetAckChannel(context.Background())
	require.NoError(t, err)
	old := h.Channel()

	require.NoError(t, p.ReturnChannel(h, true))
	assert.True(t, old.IsClosed())

	again, err := p.GetAckChannel(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, old, again.Channel())
	assert.False(t, again.Channel().IsClosed())
	assert.Equal(t, int32(2), opened.Load())
}

func TestPoolTransientHost(t *testing.T) {
	var opened atomic.Int32
	p := NewPool(mockOpener(&opened), 1, 1, nil)

	h, err := p.GetTransientChannel(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, h.Transient())
	assert.True(t, h.Ackable())

	ch := h.Channel()
	require.NoError(t, p.ReturnChannel(h, false))
	assert.True(t, ch.IsClosed())
}

func TestPoolOpenFailureKeepsHost(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(func() (broker.Channel, error) {
		if calls.Add(1) == 1 {
			return nil, ConnClosedError{}
		}

		return mock.NewChannel(), nil
	}, 1, 1, nil)

	_, err := p.GetChannel(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ConnClosedError{})

	h, err := p.GetChannel(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h.Channel())
}

func TestPoolClose(t *testing.T) {
	var opened atomic.Int32
	p := NewPool(mockOpener(&opened), 2, 1, nil)

	h, err := p.GetChannel(context.Background())
	require.NoError(t, err)

	p.Close()

	_, err = p.GetChannel(context.Background())
	assert.ErrorIs(t, err, PoolClosedError{})
	_, err = p.GetTransientChannel(context.Background(), false)
	assert.ErrorIs(t, err, PoolClosedError{})

	require.NoError(t, p.ReturnChannel(h, false))
	assert.True(t, h.Channel().IsClosed())
}

func TestPoolRejectsForeignHost(t *testing.T) {
	p := NewPool(func() (broker.Channel, error) { return nil, errors.New("unused") }, 1, 1, nil)
	assert.Error(t, p.ReturnChannel(mock.NewHost(9, false, false), false))
}
