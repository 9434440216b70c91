package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// blockingOp returns an operation that signals started and then waits for
// release before returning value.
func blockingOp(started chan<- string, release <-chan struct{}, name string, value any) Operation {
	return func(ctx context.Context) (any, error) {
		if started != nil {
			started <- name
		}
		<-release
		return value, nil
	}
}

func TestCoordinator_Add_DeduplicatesOutstandingKey(t *testing.T) {
	c := New()
	release := make(chan struct{})
	var calls atomic.Int32

	op := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "tent-42", nil
	}
	second := func(ctx context.Context) (any, error) {
		t.Error("second operation must not be invoked")
		return nil, nil
	}

	f1 := c.Add("get-tents-42", op, 0)
	f2 := c.Add("get-tents-42", second, 0)
	assert.Same(t, f1, f2)

	close(release)

	ctx := waitCtx(t)
	v1, err := f1.Wait(ctx)
	require.NoError(t, err)
	v2, err := f2.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "tent-42", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoordinator_Add_PropagatesFailureToAllCallers(t *testing.T) {
	c := New()
	release := make(chan struct{})
	boom := errors.New("booking service unavailable")

	f1 := c.Add("delete-booking-7", func(ctx context.Context) (any, error) {
		<-release
		return nil, boom
	}, 0)
	f2 := c.Add("delete-booking-7", func(ctx context.Context) (any, error) {
		return "never", nil
	}, 0)
	close(release)

	ctx := waitCtx(t)
	_, err1 := f1.Wait(ctx)
	_, err2 := f2.Wait(ctx)
	assert.ErrorIs(t, err1, boom)
	assert.ErrorIs(t, err2, boom)
}

func TestCoordinator_Add_RunsAgainAfterSettlement(t *testing.T) {
	c := New()
	var calls atomic.Int32
	op := func(ctx context.Context) (any, error) {
		return calls.Add(1), nil
	}

	ctx := waitCtx(t)
	v, err := c.Add("list-tents", op, 0).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	require.Eventually(t, func() bool {
		return len(c.Status().Keys) == 0
	}, waitTimeout, time.Millisecond)

	v, err = c.Add("list-tents", op, 0).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}

func TestCoordinator_Scheduling(t *testing.T) {
	type queued struct {
		key      string
		priority int
	}

	tests := []struct {
		name     string
		entries  []queued
		expected []string
	}{
		{
			name: "higher priority starts first",
			entries: []queued{
				{"A", 1},
				{"B", 5},
			},
			expected: []string{"B", "A"},
		},
		{
			name: "equal priority keeps arrival order",
			entries: []queued{
				{"A", 1},
				{"C", 1},
			},
			expected: []string{"A", "C"},
		},
		{
			name: "mixed priorities",
			entries: []queued{
				{"low-1", 0},
				{"high-1", 10},
				{"low-2", 0},
				{"high-2", 10},
				{"mid", 5},
			},
			expected: []string{"high-1", "high-2", "mid", "low-1", "low-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(WithConcurrency(1))
			started := make(chan string, len(tt.entries)+1)
			release := make(chan struct{})
			close(release)

			// Occupy the only slot so every entry below queues up.
			blockerRelease := make(chan struct{})
			blocker := c.Add("blocker", blockingOp(started, blockerRelease, "blocker", nil), 100)
			assert.Equal(t, "blocker", <-started)

			futures := make([]*Future, 0, len(tt.entries))
			for _, e := range tt.entries {
				futures = append(futures, c.Add(e.key, blockingOp(started, release, e.key, nil), e.priority))
			}

			status := c.Status()
			assert.Equal(t, len(tt.entries), status.Pending)
			assert.Equal(t, 1, status.Running)

			close(blockerRelease)

			var order []string
			for range tt.entries {
				select {
				case name := <-started:
					order = append(order, name)
				case <-time.After(waitTimeout):
					t.Fatal("timed out waiting for entries to start")
				}
			}
			assert.Equal(t, tt.expected, order)

			ctx := waitCtx(t)
			_, err := blocker.Wait(ctx)
			require.NoError(t, err)
			for _, f := range futures {
				_, err := f.Wait(ctx)
				require.NoError(t, err)
			}
		})
	}
}

func TestCoordinator_ConcurrencyLimit(t *testing.T) {
	c := New(WithConcurrency(2))
	release := make(chan struct{})
	var current, peak atomic.Int32

	op := func(ctx context.Context) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return nil, nil
	}

	var futures []*Future
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		futures = append(futures, c.Add(key, op, 0))
	}

	require.Eventually(t, func() bool {
		return c.Status().Running == 2
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, 3, c.Status().Pending)

	close(release)
	ctx := waitCtx(t)
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCoordinator_Clear(t *testing.T) {
	c := New(WithConcurrency(1))
	started := make(chan string, 2)
	releaseB := make(chan struct{})

	b := c.Add("B", blockingOp(started, releaseB, "B", "b-result"), 0)
	assert.Equal(t, "B", <-started)

	var aCalled atomic.Bool
	a := c.Add("A", func(ctx context.Context) (any, error) {
		aCalled.Store(true)
		return nil, nil
	}, 0)

	assert.Equal(t, 1, c.Clear())

	ctx := waitCtx(t)
	_, err := a.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelledByClear)

	status := c.Status()
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, []string{"B"}, status.Keys)

	close(releaseB)
	v, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b-result", v)
	assert.False(t, aCalled.Load())

	require.Eventually(t, func() bool {
		s := c.Status()
		return s.Running == 0 && len(s.Keys) == 0
	}, waitTimeout, time.Millisecond)
}

func TestCoordinator_Clear_AllowsKeyToBeAddedAgain(t *testing.T) {
	c := New(WithConcurrency(1))
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)

	c.Add("blocker", blockingOp(started, release, "blocker", nil), 0)
	<-started

	first := c.Add("update-tent-3", func(ctx context.Context) (any, error) { return 1, nil }, 0)
	c.Clear()
	second := c.Add("update-tent-3", func(ctx context.Context) (any, error) { return 2, nil }, 0)

	assert.NotSame(t, first, second)
	require.True(t, first.Settled())
	_, err := first.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelledByClear)

	assert.False(t, second.Settled())
}

func TestCoordinator_Status(t *testing.T) {
	c := New(WithConcurrency(1))
	started := make(chan string, 3)
	releases := map[string]chan struct{}{
		"x": make(chan struct{}),
		"y": make(chan struct{}),
		"z": make(chan struct{}),
	}

	assert.Equal(t, Status{Keys: []string{}}, c.Status())

	fx := c.Add("x", blockingOp(started, releases["x"], "x", nil), 0)
	<-started
	fy := c.Add("y", blockingOp(started, releases["y"], "y", nil), 0)
	fz := c.Add("z", blockingOp(started, releases["z"], "z", nil), 0)

	assert.Equal(t, Status{Pending: 2, Running: 1, Keys: []string{"x", "y", "z"}}, c.Status())

	ctx := waitCtx(t)
	close(releases["x"])
	_, err := fx.Wait(ctx)
	require.NoError(t, err)
	<-started

	require.Eventually(t, func() bool {
		s := c.Status()
		return s.Pending == 1 && s.Running == 1 && len(s.Keys) == 2
	}, waitTimeout, time.Millisecond)

	close(releases["y"])
	close(releases["z"])
	_, err = fy.Wait(ctx)
	require.NoError(t, err)
	_, err = fz.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Status().Running == 0
	}, waitTimeout, time.Millisecond)
}

func TestCoordinator_Status_ConcurrentAccess(t *testing.T) {
	c := New(WithConcurrency(4))
	var wg sync.WaitGroup
	ctx := waitCtx(t)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []string{"list-bookings", "list-tents", "list-admins", "list-refunds"}[i%4]
			f := c.Add(key, func(ctx context.Context) (any, error) {
				time.Sleep(time.Millisecond)
				return key, nil
			}, i%3)
			v, err := f.Wait(ctx)
			assert.NoError(t, err)
			assert.Equal(t, key, v)
		}(i)

		s := c.Status()
		assert.LessOrEqual(t, s.Running, 4)
		assert.Equal(t, s.Pending+s.Running, len(s.Keys))
	}
	wg.Wait()
}

func TestCoordinator_Add_InvalidInput(t *testing.T) {
	c := New()
	ctx := waitCtx(t)

	_, err := c.Add("", func(ctx context.Context) (any, error) { return nil, nil }, 0).Wait(ctx)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = c.Add("key", nil, 0).Wait(ctx)
	assert.ErrorIs(t, err, ErrNilOperation)

	assert.Empty(t, c.Status().Keys)
}

func TestCoordinator_RecoversPanics(t *testing.T) {
	c := New()
	ctx := waitCtx(t)

	_, err := c.Add("explode", func(ctx context.Context) (any, error) {
		panic("kaboom")
	}, 0).Wait(ctx)

	var panicErr *OperationPanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "explode", panicErr.Key)
	assert.Equal(t, "kaboom", panicErr.Value)

	v, err := c.Add("after", func(ctx context.Context) (any, error) { return "ok", nil }, 0).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestFuture_WaitHonoursCallerContext(t *testing.T) {
	c := New()
	release := make(chan struct{})
	defer close(release)

	f := c.Add("slow", blockingOp(nil, release, "slow", nil), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The operation keeps running for other callers.
	assert.Equal(t, 1, c.Status().Running)
}

func TestDo(t *testing.T) {
	c := New()
	ctx := waitCtx(t)

	got, err := Do(ctx, c, "count-tents", 0, func(ctx context.Context) (int, error) {
		return 12, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 12, got)

	release := make(chan struct{})
	f := c.Add("mismatch", blockingOp(nil, release, "mismatch", "not-an-int"), 0)
	resultCh := make(chan error, 1)
	go func() {
		_, err := Do(ctx, c, "mismatch", 0, func(ctx context.Context) (int, error) {
			return 0, nil
		})
		resultCh <- err
	}()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.deduplicated) == 1
	}, waitTimeout, time.Millisecond)
	close(release)
	_, err = f.Wait(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, <-resultCh, ErrUnexpectedResult)
}

func TestCoordinator_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(WithConcurrency(1))
	require.NoError(t, c.RegisterMetrics(reg))
	assert.Error(t, c.RegisterMetrics(reg))

	started := make(chan string, 1)
	release := make(chan struct{})
	ctx := waitCtx(t)

	running := c.Add("running", blockingOp(started, release, "running", nil), 0)
	<-started
	c.Add("running", blockingOp(nil, release, "dup", nil), 0)
	c.Add("pending", blockingOp(nil, release, "pending", nil), 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.running))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.pending))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.deduplicated))

	c.Clear()
	close(release)
	_, err := running.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.running) == 0
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.metrics.pending))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.settled.WithLabelValues(resultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.settled.WithLabelValues(resultCancelled)))
}

func TestCoordinator_RegisterMetrics_RollsBackOnConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	taken := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campadmin",
		Subsystem: "coordinator",
		Name:      "deduplicated_total",
		Help:      "Requests that attached to an outstanding request with the same key.",
	})
	require.NoError(t, reg.Register(taken))

	c := New()
	require.Error(t, c.RegisterMetrics(reg))
	assert.False(t, reg.Unregister(c.metrics.pending))
	assert.False(t, reg.Unregister(c.metrics.running))

	require.True(t, reg.Unregister(taken))
	require.NoError(t, c.RegisterMetrics(reg))
}
