package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settler/internal/cache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsTasksIndependently(t *testing.T) {
	s := New(testLogger(), nil, nil, time.Second)
	var fast, slow atomic.Int32
	block := make(chan struct{})

	s.Add(Task{Name: "slow", Interval: time.Millisecond, Run: func(ctx context.Context) error {
		slow.Add(1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}})
	s.Add(Task{Name: "fast", Interval: time.Millisecond, Run: func(context.Context) error {
		fast.Add(1)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return fast.Load() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), slow.Load(), "a stuck task does not stall the others")

	close(block)
	cancel()
	s.Wait()
}

func TestRunOnceRecoversPanic(t *testing.T) {
	s := New(testLogger(), nil, nil, 0)
	err := s.RunOnce(context.Background(), Task{Name: "boom", Run: func(context.Context) error {
		panic("kaboom")
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRunOnceAppliesTimeout(t *testing.T) {
	s := New(testLogger(), nil, nil, 10*time.Millisecond)
	err := s.RunOnce(context.Background(), Task{Name: "stuck", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunOnceReturnsTaskError(t *testing.T) {
	s := New(testLogger(), nil, nil, 0)
	want := errors.New("indexer down")
	assert.ErrorIs(t, s.RunOnce(context.Background(), Task{Name: "scan", Run: func(context.Context) error { return want }}), want)
}

func TestRunOnceSkipsWhenLockedElsewhere(t *testing.T) {
	locks := cache.NewMemoryCache()
	s := New(testLogger(), locks, nil, time.Minute)
	ctx := context.Background()

	_, ok, err := locks.TryLock(ctx, "task:scanner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	require.NoError(t, s.RunOnce(ctx, Task{Name: "scan", LockKey: "scanner", Run: func(context.Context) error {
		ran = true
		return nil
	}}))
	assert.False(t, ran)
}

func TestRunOnceReleasesLock(t *testing.T) {
	locks := cache.NewMemoryCache()
	s := New(testLogger(), locks, nil, time.Minute)
	ctx := context.Background()
	runs := 0
	task := Task{Name: "reconcile", LockKey: "reconcile", Run: func(context.Context) error {
		runs++
		return errors.New("exchange down")
	}}

	assert.Error(t, s.RunOnce(ctx, task))
	assert.Error(t, s.RunOnce(ctx, task))
	assert.Equal(t, 2, runs)
}

func TestRunOnceCancelledContext(t *testing.T) {
	s := New(testLogger(), nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.RunOnce(ctx, Task{Name: "x", Run: func(context.Context) error { called = true; return nil }})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
