// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package dataflow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEngineIsolatesFailures(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	var (
		mu        sync.Mutex
		processed = make(map[int]bool)
		failedIDs []int
	)

	e := New(func(_ context.Context, n int) (struct{}, error) {
		if n == 500 {
			return struct{}{}, errors.New("boom")
		}
		mu.Lock()
		processed[n] = true
		mu.Unlock()
		return struct{}{}, nil
	},
		WithParallelism[int, struct{}](4),
		WithLogger[int, struct{}](zap.New(core)),
		WithErrorHandler[int, struct{}](func(n int, _ error) {
			mu.Lock()
			failedIDs = append(failedIDs, n)
			mu.Unlock()
		}),
	)

	for i := 1; i <= 1000; i++ {
		require.NoError(t, e.Enqueue(context.Background(), i))
	}
	e.Close()
	e.Wait()

	assert.Len(t, processed, 999)
	assert.False(t, processed[500])
	assert.Equal(t, []int{500}, failedIDs)
	assert.Equal(t, Stats{Succeeded: 999, Failed: 1}, e.Stats())
	assert.Equal(t, 1, logs.FilterMessage("work item failed").Len())
}

func TestEngineRecoversPanics(t *testing.T) {
	var got error
	e := New(func(_ context.Context, n int) (int, error) {
		if n == 2 {
			panic("bad item")
		}
		return n, nil
	}, WithErrorHandler[int, int](func(_ int, err error) { got = err }))

	for i := 1; i <= 3; i++ {
		require.NoError(t, e.Enqueue(context.Background(), i))
	}
	e.Close()
	e.Wait()

	assert.ErrorIs(t, got, PanicError{})
	assert.Equal(t, Stats{Succeeded: 2, Failed: 1}, e.Stats())
}

func TestEngineOrderedPostStage(t *testing.T) {
	const total = 1000

	var (
		order   []int
		active  atomic.Int32
		overlap atomic.Bool
	)

	e := New(func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		return n, nil
	},
		WithParallelism[int, int](8),
		WithOrdered[int, int](true),
		WithPostStage[int, int](func(_ context.Context, n int) error {
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			order = append(order, n)
			active.Add(-1)
			return nil
		}),
	)

	for i := 0; i < total; i++ {
		require.NoError(t, e.Enqueue(context.Background(), i))
	}
	e.Close()
	e.Wait()

	require.Len(t, order, total)
	for i, n := range order {
		assert.Equal(t, i, n)
	}
	assert.False(t, overlap.Load(), "post stages overlapped")
}

func TestEngineStages(t *testing.T) {
	var results []string

	e := New(func(_ context.Context, s string) (string, error) {
		return s + "!", nil
	},
		WithPreStage[string, string](func(_ context.Context, s string) (string, error) {
			return s + "-pre", nil
		}),
		WithPostStage[string, string](func(_ context.Context, s string) error {
			results = append(results, s)
			return nil
		}),
		WithOrdered[string, string](true),
	)

	require.NoError(t, e.Enqueue(context.Background(), "a"))
	require.NoError(t, e.Enqueue(context.Background(), "b"))
	e.Close()
	e.Wait()

	assert.Equal(t, []string{"a-pre!", "b-pre!"}, results)
	assert.Equal(t, Stats{Succeeded: 2}, e.Stats())
}

func TestEngineSkipResult(t *testing.T) {
	var posted atomic.Int32

	e := New(func(_ context.Context, n int) (int, error) {
		if n%2 == 0 {
			return 0, SkipError{}
		}
		return n, nil
	}, WithPostStage[int, int](func(context.Context, int) error {
		posted.Add(1)
		return nil
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Enqueue(context.Background(), i))
	}
	e.Close()
	e.Wait()

	assert.Equal(t, int32(5), posted.Load())
	assert.Equal(t, Stats{Succeeded: 10}, e.Stats())
}

func TestEngineBoundedParallelism(t *testing.T) {
	var (
		active atomic.Int32
		peak   atomic.Int32
	)

	e := New(func(_ context.Context, n int) (int, error) {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return n, nil
	}, WithParallelism[int, int](3))

	for i := 0; i < 60; i++ {
		require.NoError(t, e.Enqueue(context.Background(), i))
	}
	e.Close()
	e.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestEngineEnqueueBackpressure(t *testing.T) {
	release := make(chan struct{})
	e := New(func(_ context.Context, n int) (int, error) {
		<-release
		return n, nil
	})

	// one item running, one queued.
	require.NoError(t, e.Enqueue(context.Background(), 1))
	require.NoError(t, e.Enqueue(context.Background(), 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Enqueue(ctx, 3), context.DeadlineExceeded)

	close(release)
	e.Close()
	e.Wait()

	assert.ErrorIs(t, e.Enqueue(context.Background(), 4), ClosedError{})
	assert.Equal(t, Stats{Succeeded: 2}, e.Stats())
}

func TestEngineStageErrors(t *testing.T) {
	errBoom := errors.New("boom")

	var (
		mu   sync.Mutex
		errs = make(map[int]error)
	)

	e := New(func(_ context.Context, n int) (int, error) {
		if n == 3 {
			return 0, errBoom
		}
		return n, nil
	},
		WithPreStage[int, int](func(_ context.Context, n int) (int, error) {
			if n == 1 {
				return 0, errBoom
			}
			return n, nil
		}),
		WithPostStage[int, int](func(_ context.Context, n int) error {
			if n == 2 {
				return errBoom
			}
			return nil
		}),
		WithErrorHandler[int, int](func(n int, err error) {
			mu.Lock()
			errs[n] = err
			mu.Unlock()
		}),
	)

	for i := 1; i <= 4; i++ {
		require.NoError(t, e.Enqueue(context.Background(), i))
	}
	e.Close()
	e.Wait()

	require.Len(t, errs, 3)
	assert.EqualError(t, errs[1], "pre stage: boom")
	assert.EqualError(t, errs[2], "post stage: boom")
	assert.EqualError(t, errs[3], "boom")
	for _, err := range errs {
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, Stats{Succeeded: 1, Failed: 3}, e.Stats())
}
