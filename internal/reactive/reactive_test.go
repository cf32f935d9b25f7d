package reactive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalGetSet(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 1)
	assert.Equal(t, 1, s.Get())

	s.Set(2)
	assert.Equal(t, 2, s.Get())
}

func TestDerivedMemoizes(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 2)

	runs := 0
	d := NewDerived(ctx, func() (int, error) {
		runs++
		return s.Get() * 10, nil
	})

	v, err := d.Get()
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	v, err = d.Get()
	require.NoError(t, err)
	assert.Equal(t, 20, v)
	assert.Equal(t, 1, runs, "clean derivation must not recompute")

	s.Set(3)
	v, err = d.Get()
	require.NoError(t, err)
	assert.Equal(t, 30, v)
	assert.Equal(t, 2, runs)
}

func TestNoOpWriteDoesNotRecompute(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 5)

	runs := 0
	NewEffect(ctx, func() error {
		runs++
		s.Get()
		return nil
	})
	require.Equal(t, 1, runs)

	s.Set(5)
	assert.Equal(t, 1, runs, "writing the same value must not re-run the effect")

	s.Set(6)
	assert.Equal(t, 2, runs)
}

func TestDependencySetShrinks(t *testing.T) {
	ctx := NewContext()
	useA := NewSignal(ctx, true)
	a := NewSignal(ctx, "a")
	b := NewSignal(ctx, "b")

	runs := 0
	NewEffect(ctx, func() error {
		runs++
		if useA.Get() {
			a.Get()
		} else {
			b.Get()
		}
		return nil
	})
	require.Equal(t, 1, runs)
	assert.Equal(t, 1, a.SubscriberCount())
	assert.Equal(t, 0, b.SubscriberCount())

	useA.Set(false)
	require.Equal(t, 2, runs)
	assert.Equal(t, 0, a.SubscriberCount(), "stale branch must be unsubscribed")
	assert.Equal(t, 1, b.SubscriberCount())

	// A write to the no-longer-read source must be invisible.
	a.Set("a2")
	assert.Equal(t, 2, runs)

	b.Set("b2")
	assert.Equal(t, 3, runs)
}

func TestDiamondEqualityCutoff(t *testing.T) {
	ctx := NewContext()
	n := NewSignal(ctx, 1)

	parity := NewDerivedEq(ctx, func() (int, error) {
		return n.Get() % 2, nil
	}, func(a, b int) bool { return a == b })

	runs := 0
	NewEffect(ctx, func() error {
		runs++
		_, err := parity.Get()
		return err
	})
	require.Equal(t, 1, runs)

	// 1 -> 3: parity recomputes but its value is unchanged, so the effect,
	// which was only marked "check", must not re-run.
	n.Set(3)
	assert.Equal(t, 1, runs)

	n.Set(4)
	assert.Equal(t, 2, runs)
}

func TestChainPropagation(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 1)
	d1 := NewDerived(ctx, func() (int, error) { return s.Get() + 1, nil })
	d2 := NewDerived(ctx, func() (int, error) {
		v, err := d1.Get()
		return v + 1, err
	})

	v, err := d2.Get()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.False(t, d2.Dirty())

	s.Set(10)
	assert.True(t, d1.Dirty())
	assert.True(t, d2.Dirty(), "invalidation must reach transitive dependents")

	v, err = d2.Get()
	require.NoError(t, err)
	assert.Equal(t, 12, v)
	assert.False(t, d2.Dirty())
}

func TestCycleDetection(t *testing.T) {
	ctx := NewContext()

	var d *Derived[int]
	d = NewDerived(ctx, func() (int, error) {
		return d.Get()
	})

	_, err := d.Get()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestDerivedErrorKeepsOldValue(t *testing.T) {
	ctx := NewContext()
	fail := NewSignal(ctx, false)
	boom := errors.New("boom")

	d := NewDerived(ctx, func() (int, error) {
		if fail.Get() {
			return 0, boom
		}
		return 42, nil
	})

	v, err := d.Get()
	require.NoError(t, err)
	require.Equal(t, 42, v)

	fail.Set(true)
	v, err = d.Get()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 42, v, "failed recompute keeps the previous value")
	assert.True(t, d.Dirty(), "failed derivation stays dirty and retries")

	fail.Set(false)
	v, err = d.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.False(t, d.Dirty())
}

func TestEffectErrorHandler(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 0)
	boom := errors.New("boom")

	var got []error
	NewEffectErr(ctx, func() error {
		if s.Get() > 0 {
			return boom
		}
		return nil
	}, func(err error) { got = append(got, err) })

	s.Set(1)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], boom)

	// A failed effect stays subscribed and runs again on the next change.
	s.Set(2)
	assert.Len(t, got, 2)
}

func TestOnDisposeFiresOnRerunAndDispose(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 0)

	var fired []int
	e := NewEffect(ctx, func() error {
		v := s.Get()
		ctx.OnDispose(func() { fired = append(fired, v) })
		return nil
	})
	assert.Empty(t, fired)

	s.Set(1)
	assert.Equal(t, []int{0}, fired, "re-run fires the previous run's disposer")

	e.Dispose()
	assert.Equal(t, []int{0, 1}, fired)

	s.Set(2)
	assert.Equal(t, []int{0, 1}, fired, "disposed effect never runs again")
}

func TestKeyedDisposerCoalesces(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 0)

	var fired []string
	NewEffect(ctx, func() error {
		s.Get()
		ctx.OnDisposeKeyed("unit", func() { fired = append(fired, "first") })
		ctx.OnDisposeKeyed("unit", func() { fired = append(fired, "second") })
		ctx.OnDisposeKeyed("other", func() { fired = append(fired, "other") })
		return nil
	})

	s.Set(1)
	assert.Equal(t, []string{"second", "other"}, fired,
		"same key within one run: last registration wins, order preserved")
}

func TestBatchRunsEffectOnce(t *testing.T) {
	ctx := NewContext()
	a := NewSignal(ctx, 1)
	b := NewSignal(ctx, 1)

	runs := 0
	NewEffect(ctx, func() error {
		runs++
		a.Get()
		b.Get()
		return nil
	})
	require.Equal(t, 1, runs)

	ctx.Batch(func() {
		a.Set(2)
		b.Set(2)
		assert.Equal(t, 1, runs, "effects are deferred inside a batch")
	})
	assert.Equal(t, 2, runs)
}

func TestUntrack(t *testing.T) {
	ctx := NewContext()
	tracked := NewSignal(ctx, 0)
	ignored := NewSignal(ctx, 0)

	runs := 0
	NewEffect(ctx, func() error {
		runs++
		tracked.Get()
		ctx.Untrack(func() { ignored.Get() })
		return nil
	})
	require.Equal(t, 1, runs)

	ignored.Set(1)
	assert.Equal(t, 1, runs, "untracked read must not subscribe")

	tracked.Set(1)
	assert.Equal(t, 2, runs)
}

func TestPokeInvalidatesWithoutValueChange(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 7)

	runs := 0
	NewEffect(ctx, func() error {
		runs++
		s.Get()
		return nil
	})
	require.Equal(t, 1, runs)

	s.Poke()
	assert.Equal(t, 2, runs)
	assert.Equal(t, 7, s.Peek())
}

func TestInvalidateForcesRecompute(t *testing.T) {
	ctx := NewContext()

	runs := 0
	d := NewDerived(ctx, func() (int, error) {
		runs++
		return runs, nil
	})

	v, err := d.Get()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	d.Invalidate()
	assert.True(t, d.Dirty())

	v, err = d.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestCrossGoroutineWrite(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 0)

	var mu sync.Mutex
	seen := make(map[int]bool)
	NewEffect(ctx, func() error {
		v := s.Get()
		mu.Lock()
		seen[v] = true
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			s.Set(v)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen[0])
	assert.GreaterOrEqual(t, len(seen), 2, "at least one concurrent write observed")
}

func TestAsyncEffectCoalesces(t *testing.T) {
	ctx := NewContext()
	s := NewSignal(ctx, 0)

	started := make(chan struct{}, 16)
	release := make(chan struct{})
	done := make(chan int, 16)

	e := NewAsyncEffect(ctx, func(_ context.Context) error {
		v := s.Get()
		started <- struct{}{}
		<-release
		done <- v
		return nil
	}, nil)
	defer e.Dispose()

	e.Trigger()
	<-started

	// Three writes while the first run is blocked coalesce into one follow-up.
	s.Set(1)
	s.Set(2)
	s.Set(3)

	release <- struct{}{}
	assert.Equal(t, 0, <-done)

	<-started
	release <- struct{}{}
	assert.Equal(t, 3, <-done)

	select {
	case <-started:
		t.Fatal("coalesced notifications must produce a single follow-up run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAsyncEffectDisposeCancelsRun(t *testing.T) {
	ctx := NewContext()

	entered := make(chan struct{})
	e := NewAsyncEffect(ctx, func(runCtx context.Context) error {
		close(entered)
		<-runCtx.Done()
		return runCtx.Err()
	}, func(err error) {
		t.Errorf("cancellation must not reach the error handler: %v", err)
	})

	e.Trigger()
	<-entered
	e.Dispose()
}

func TestAsyncDerivedCancellation(t *testing.T) {
	rctx := NewContext()
	release := make(chan struct{})
	d := NewAsyncDerived(rctx, func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "loaded", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, d.Dirty(), "aborted computation must stay dirty")

	close(release)
	v, err := d.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
}

func TestAsyncDerivedTracksDependencies(t *testing.T) {
	rctx := NewContext()
	s := NewSignal(rctx, 1)

	runs := 0
	d := NewAsyncDerived(rctx, func(ctx context.Context) (int, error) {
		runs++
		return s.Get() * 10, nil
	})

	v, err := d.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	s.Set(2)
	assert.True(t, d.Dirty())

	v, err = d.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, v)
	assert.Equal(t, 2, runs)
}
