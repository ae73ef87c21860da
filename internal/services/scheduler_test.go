package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdshock/mangafixer/internal/config"
	"github.com/hdshock/mangafixer/internal/testutil"
)

// =============================================================================
// RunOnce tests
// =============================================================================

func TestRunOnce(t *testing.T) {
	calls := 0
	boom := errors.New("boom")

	err := RunOnce{}.Run(context.Background(), func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

// =============================================================================
// RunForever tests
// =============================================================================

func TestRunForever_RepeatsAfterInterval(t *testing.T) {
	clk := testutil.NewMockClock()
	var passes atomic.Int32
	var waits []time.Time
	var waitsMu sync.Mutex

	policy := RunForever{
		Interval: 5 * time.Minute,
		Clock:    clk,
		OnWait: func(next time.Time) {
			waitsMu.Lock()
			waits = append(waits, next)
			waitsMu.Unlock()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := clk.Now()
	go func() {
		done <- policy.Run(ctx, func(context.Context) error {
			passes.Add(1)
			return nil
		})
	}()

	require.True(t, clk.WaitForWaiters(1, time.Second))
	assert.Equal(t, int32(1), passes.Load())

	// not yet due
	clk.Advance(4 * time.Minute)
	assert.Equal(t, int32(1), passes.Load())

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return passes.Load() == 2 }, time.Second, time.Millisecond)
	require.True(t, clk.WaitForWaiters(1, time.Second))

	cancel()
	require.NoError(t, <-done)

	waitsMu.Lock()
	defer waitsMu.Unlock()
	require.Len(t, waits, 2)
	assert.Equal(t, start.Add(5*time.Minute), waits[0])
}

func TestRunForever_SurvivesFailedPass(t *testing.T) {
	clk := testutil.NewMockClock()
	var passes atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- RunForever{Interval: time.Minute, Clock: clk}.Run(ctx, func(context.Context) error {
			passes.Add(1)
			return errors.New("ledger unavailable")
		})
	}()

	for i := int32(1); i <= 3; i++ {
		require.True(t, clk.WaitForWaiters(1, time.Second))
		assert.Equal(t, i, passes.Load())
		clk.Advance(time.Minute)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRunForever_IntervalStartsAfterPassEnds(t *testing.T) {
	clk := testutil.NewMockClock()
	var passes atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- RunForever{Interval: 5 * time.Minute, Clock: clk}.Run(ctx, func(context.Context) error {
			passes.Add(1)
			clk.Advance(12 * time.Minute) // overrunning pass
			return nil
		})
	}()

	require.True(t, clk.WaitForWaiters(1, time.Second))
	clk.Advance(4 * time.Minute)
	assert.Equal(t, int32(1), passes.Load())
	assert.Equal(t, 1, clk.WaiterCount())

	cancel()
	require.NoError(t, <-done)
}

func TestRunForever_StopsWhenCancelledDuringPass(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RunForever{Interval: time.Hour, Clock: testutil.NewMockClock()}.Run(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return ctx.Err()
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// =============================================================================
// CronPolicy tests
// =============================================================================

func TestCronPolicy_InvalidExpression(t *testing.T) {
	err := CronPolicy{Expr: "every tuesday"}.Run(context.Background(), func(context.Context) error { return nil })
	assert.ErrorContains(t, err, "invalid cron expression")
}

func TestCronPolicy_RunsOnStartAndOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for real cron fires")
	}

	var passes, running, maxRunning, waits atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	policy := CronPolicy{Expr: "@every 1s", RunOnStart: true, OnWait: func(next time.Time) {
		if next.After(time.Now()) {
			waits.Add(1)
		}
	}}
	go func() {
		done <- policy.Run(ctx, func(context.Context) error {
			n := running.Add(1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			passes.Add(1)
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return passes.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), maxRunning.Load())
	assert.GreaterOrEqual(t, waits.Load(), int32(1))
}

func TestCronPolicy_AnnouncesNextFireFromClock(t *testing.T) {
	clk := testutil.NewMockClockAt(time.Date(2024, 1, 1, 2, 0, 0, 0, time.Local))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var announced []time.Time
	policy := CronPolicy{Expr: "0 3 * * *", RunOnStart: true, Clock: clk, OnWait: func(next time.Time) {
		announced = append(announced, next)
		cancel()
	}}

	passes := 0
	err := policy.Run(ctx, func(context.Context) error {
		passes++
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, passes)
	require.Len(t, announced, 1)
	assert.True(t, announced[0].Equal(time.Date(2024, 1, 1, 3, 0, 0, 0, time.Local)), announced[0])
}

// =============================================================================
// NewPolicy tests
// =============================================================================

func TestNewPolicy(t *testing.T) {
	cfg := config.NewTestConfig(t.TempDir())
	clk := testutil.NewMockClock()

	p, err := NewPolicy(cfg, clk, nil)
	require.NoError(t, err)
	assert.IsType(t, RunOnce{}, p)

	cfg.Mode = config.ModePoll
	cfg.PollInterval = 2 * time.Minute
	p, err = NewPolicy(cfg, clk, nil)
	require.NoError(t, err)
	require.IsType(t, RunForever{}, p)
	assert.Equal(t, 2*time.Minute, p.(RunForever).Interval)

	var announced time.Time
	p, err = NewPolicy(cfg, clk, func(next time.Time) { announced = next })
	require.NoError(t, err)
	p.(RunForever).OnWait(clk.Now())
	assert.Equal(t, clk.Now(), announced)

	cfg.Mode = config.ModeCron
	cfg.CronSchedule = "0 3 * * *"
	p, err = NewPolicy(cfg, clk, nil)
	require.NoError(t, err)
	assert.Equal(t, CronPolicy{Expr: "0 3 * * *", RunOnStart: true, Clock: clk}, p)

	cfg.CronSchedule = "not cron"
	_, err = NewPolicy(cfg, clk, nil)
	assert.Error(t, err)

	cfg.Mode = "sometimes"
	_, err = NewPolicy(cfg, clk, nil)
	assert.Error(t, err)
}
