// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package buffer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(b *Buffer[int]) []int {
	var out []int
	for {
		v, ok := b.TryRead()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestBufferFIFO(t *testing.T) {
	b := New[int](8, Block)

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Write(i))
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, drain(b))
}

func TestBufferDropOldest(t *testing.T) {
	var evicted []int
	b := New(10, DropOldest, WithDropHandler(func(v int) { evicted = append(evicted, v) }))

	for i := 1; i <= 20; i++ {
		require.NoError(t, b.Write(i))
	}

	assert.Equal(t, []int{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, drain(b))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, evicted)
	assert.Equal(t, uint64(10), b.Dropped())
}

func TestBufferDropNewest(t *testing.T) {
	b := New[int](3, DropNewest)

	for i := 1; i <= 6; i++ {
		require.NoError(t, b.Write(i))
	}

	assert.Equal(t, []int{1, 2, 3}, drain(b))
	assert.Equal(t, uint64(3), b.Dropped())
}

func TestBufferBlockBackpressure(t *testing.T) {
	const capacity, total = 100, 1000

	b := New[int](capacity, Block)

	var written atomic.Int64
	go func() {
		for i := 1; i <= total; i++ {
			if err := b.Write(i); err != nil {
				return
			}
			written.Add(1)
		}
		b.Close()
	}()

	require.Eventually(t, func() bool { return written.Load() == capacity }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(capacity), written.Load(), "101st write must wait for a free slot")

	_, err := b.Read(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return written.Load() == capacity+1 }, time.Second, time.Millisecond)

	count, last := 1, 1
	for {
		v, err := b.Read(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, ClosedError{})
			break
		}
		assert.Greater(t, v, last)
		last = v
		count++
	}

	assert.Equal(t, total, count)
}

func TestBufferCloseReleasesBlockedWriter(t *testing.T) {
	b := New[int](1, Block)
	require.NoError(t, b.Write(1))

	errCh := make(chan error, 1)
	go func() { errCh <- b.Write(2) }()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ClosedError{})
	case <-time.After(time.Second):
		t.Fatal("writer was not released by Close")
	}

	v, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = b.Read(context.Background())
	assert.ErrorIs(t, err, ClosedError{})
	assert.ErrorIs(t, b.Write(3), ClosedError{})
}

func TestBufferDrained(t *testing.T) {
	t.Run("empty on close", func(t *testing.T) {
		b := New[int](2, Block)
		b.Close()
		require.NoError(t, b.Wait(context.Background()))
	})

	t.Run("after last read", func(t *testing.T) {
		b := New[int](2, Block)
		require.NoError(t, b.Write(1))
		b.Close()

		select {
		case <-b.Drained():
			t.Fatal("drained with an item still queued")
		default:
		}

		_, ok := b.TryRead()
		require.True(t, ok)
		require.NoError(t, b.Wait(context.Background()))
	})

	t.Run("wait honours context", func(t *testing.T) {
		b := New[int](2, Block)
		require.NoError(t, b.Write(1))
		b.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
	})
}

func TestBufferReadContext(t *testing.T) {
	b := New[int](1, Block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicyUnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "block", want: Block},
		{in: "Wait", want: Block},
		{in: "drop_newest", want: DropNewest},
		{in: "DropWrite", want: DropNewest},
		{in: "drop_oldest", want: DropOldest},
		{in: "sideways", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var p Policy
			err := p.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}
