package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetOrCreateConcurrent tests that concurrent callers share one dispatcher
func TestGetOrCreateConcurrent(t *testing.T) {
	r := newTestRegistry(t, nil)

	const callers = 50
	got := make([]*Dispatcher, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.GetOrCreate(context.Background(), 42)
			assert.NoError(t, err)
			got[i] = d
		}(i)
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, d := range got {
		assert.Same(t, got[0], d)
	}
	ids, err := r.IDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, ids)
}

// TestRegistryGet tests lookup without creation
func TestRegistryGet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	_, ok, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	created, err := r.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	d, ok, err := r.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, created, d)
	assert.Equal(t, KindGroup, d.Kind())
	assert.Equal(t, int64(1), d.ID())
}

// TestRegistryRemove tests that only idle dispatchers are removed
func TestRegistryRemove(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	busy, err := r.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	m := &fakeMember{}
	join(t, busy, 10, m)

	idle, err := r.GetOrCreate(ctx, 2)
	require.NoError(t, err)

	removed, err := r.Remove(ctx, 1)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = r.Remove(ctx, 2)
	require.NoError(t, err)
	assert.True(t, removed)
	<-idle.Done()

	// A stale reference reports ErrStopped; asking again yields a fresh one.
	_, err = idle.Members(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	fresh, err := r.GetOrCreate(ctx, 2)
	require.NoError(t, err)
	assert.NotSame(t, idle, fresh)

	removed, err = r.Remove(ctx, 99)
	require.NoError(t, err)
	assert.True(t, removed, "unknown ids count as removed")

	ids, err := r.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

// TestRegistryClose tests that closing poisons every member
func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(KindBatch, Config{RequestTimeout: time.Second})

	d, err := r.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	m := &fakeMember{}
	join(t, d, 10, m)

	r.Close()
	assert.True(t, m.isPoisoned())

	_, err = r.GetOrCreate(ctx, 1)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, d.Join(ctx, JoinRequest{RunID: 11, Member: &fakeMember{}}), ErrStopped)

	r.Close()
}

// TestRequestTimeout tests the bounded wait on a busy actor
func TestRequestTimeout(t *testing.T) {
	a := newActor(1, 50*time.Millisecond)
	go a.run(nil, nil)
	defer a.stop()

	release := make(chan struct{})
	defer close(release)
	go func() {
		_ = a.call(context.Background(), func() { <-release })
	}()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	err := a.call(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

// TestCallCanceled tests that caller cancellation is not reported as timeout
func TestCallCanceled(t *testing.T) {
	a := newActor(1, time.Second)
	go a.run(nil, nil)
	defer a.stop()

	release := make(chan struct{})
	defer close(release)
	go func() {
		_ = a.call(context.Background(), func() { <-release })
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.call(ctx, func() {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

// TestSweeper tests removal of finished idle dispatchers
func TestSweeper(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	for _, id := range []int64{1, 2, 3} {
		_, err := r.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}
	busy, _, err := r.Get(ctx, 3)
	require.NoError(t, err)
	join(t, busy, 30, &fakeMember{})

	finished := func(_ context.Context, id int64) (bool, error) {
		return id != 2, nil
	}
	s := NewSweeper(r, finished, time.Hour, nil)

	assert.Equal(t, 1, s.Sweep(ctx))
	ids, err := r.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids)
}

// TestSweeperStartStop tests the periodic loop
func TestSweeperStartStop(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	_, err := r.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	s := NewSweeper(r, func(context.Context, int64) (bool, error) { return true, nil }, 10*time.Millisecond, nil)
	go s.Start(ctx)

	require.Eventually(t, func() bool {
		ids, err := r.IDs(ctx)
		return err == nil && len(ids) == 0
	}, time.Second, 10*time.Millisecond)
	s.Stop()
}
