package application_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/port"
)

type fakeCleaner struct {
	calls   atomic.Int32
	block   chan struct{}
	entered chan struct{}
	panicOn bool
	err     error
}

func (c *fakeCleaner) CleanupExpired(ctx context.Context) (int, error) {
	c.calls.Add(1)
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	if c.panicOn {
		panic("boom")
	}
	return 2, c.err
}

type fakeLease struct {
	mu       sync.Mutex
	held     bool
	err      error
	renewErr error
	acquired int
	renewed  int
	released int
}

func (l *fakeLease) TryAcquire(_ context.Context, _ time.Duration) (port.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.acquired++
	return l, true, nil
}

func (l *fakeLease) Renew(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewErr != nil {
		return l.renewErr
	}
	l.renewed++
	return nil
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *fakeLease) counts() (renewed, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewed, l.released
}

func (l *fakeLease) setRenewErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewErr = err
}

// ctxCleaner 一直运行直到 ctx 结束或 stop 被关闭
type ctxCleaner struct {
	entered chan struct{}
	stop    chan struct{}
}

func (c *ctxCleaner) CleanupExpired(ctx context.Context) (int, error) {
	close(c.entered)
	select {
	case <-ctx.Done():
		return 1, ctx.Err()
	case <-c.stop:
		return 5, nil
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	cleaner := &fakeCleaner{}
	s := application.NewReservationExpiryScheduler(cleaner, time.Minute, nil)

	n, started, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, 2, n)

	cleaner.err = errFlaky
	_, started, err = s.RunOnce(context.Background())
	assert.True(t, started)
	assert.ErrorIs(t, err, errFlaky)

	// 失败后仍然可以再次执行
	cleaner.err = nil
	_, started, err = s.RunOnce(context.Background())
	assert.True(t, started)
	assert.NoError(t, err)
	assert.Equal(t, int32(3), cleaner.calls.Load())
}

func TestSchedulerNeverOverlaps(t *testing.T) {
	cleaner := &fakeCleaner{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := application.NewReservationExpiryScheduler(cleaner, time.Minute, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, started, err := s.RunOnce(context.Background())
		assert.True(t, started)
		assert.NoError(t, err)
	}()
	<-cleaner.entered

	_, started, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, started, "second run must be skipped while the first is in flight")

	close(cleaner.block)
	<-done
	assert.Equal(t, int32(1), cleaner.calls.Load())
}

func TestSchedulerRecoversFromPanic(t *testing.T) {
	cleaner := &fakeCleaner{panicOn: true}
	s := application.NewReservationExpiryScheduler(cleaner, time.Minute, nil)

	_, started, err := s.RunOnce(context.Background())
	assert.True(t, started)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	cleaner.panicOn = false
	_, started, err = s.RunOnce(context.Background())
	assert.True(t, started)
	assert.NoError(t, err)
}

func TestSchedulerLease(t *testing.T) {
	t.Run("acquired and released", func(t *testing.T) {
		cleaner, lease := &fakeCleaner{}, &fakeLease{}
		s := application.NewReservationExpiryScheduler(cleaner, time.Minute, lease)
		n, _, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 1, lease.acquired)
		assert.Equal(t, 1, lease.released)
	})

	t.Run("held elsewhere", func(t *testing.T) {
		cleaner, lease := &fakeCleaner{}, &fakeLease{held: true}
		s := application.NewReservationExpiryScheduler(cleaner, time.Minute, lease)
		n, started, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.True(t, started)
		assert.Zero(t, n)
		assert.Zero(t, cleaner.calls.Load())
	})

	t.Run("lease error", func(t *testing.T) {
		cleaner, lease := &fakeCleaner{}, &fakeLease{err: errFlaky}
		s := application.NewReservationExpiryScheduler(cleaner, time.Minute, lease)
		_, _, err := s.RunOnce(context.Background())
		assert.ErrorIs(t, err, errFlaky)
		assert.Zero(t, cleaner.calls.Load())
	})
}

func TestSchedulerRenewsLeaseDuringLongRun(t *testing.T) {
	cleaner := &ctxCleaner{entered: make(chan struct{}), stop: make(chan struct{})}
	lease := &fakeLease{}
	// 续期间隔为 ttl/3 = 10ms
	s := application.NewReservationExpiryScheduler(cleaner, 30*time.Millisecond, lease)

	type result struct {
		n   int
		err error
	}
	out := make(chan result, 1)
	go func() {
		n, _, err := s.RunOnce(context.Background())
		out <- result{n, err}
	}()
	<-cleaner.entered

	assert.Eventually(t, func() bool {
		renewed, _ := lease.counts()
		return renewed >= 3
	}, time.Second, 5*time.Millisecond, "run longer than the ttl keeps renewing")

	close(cleaner.stop)
	r := <-out
	require.NoError(t, r.err)
	assert.Equal(t, 5, r.n)
	_, released := lease.counts()
	assert.Equal(t, 1, released)
}

func TestSchedulerStopsRunWhenLeaseLost(t *testing.T) {
	cleaner := &ctxCleaner{entered: make(chan struct{}), stop: make(chan struct{})}
	lease := &fakeLease{}
	s := application.NewReservationExpiryScheduler(cleaner, 30*time.Millisecond, lease)

	out := make(chan error, 1)
	go func() {
		_, _, err := s.RunOnce(context.Background())
		out <- err
	}()
	<-cleaner.entered
	lease.setRenewErr(port.ErrLeaseLost)

	select {
	case err := <-out:
		assert.ErrorIs(t, err, port.ErrLeaseLost)
	case <-time.After(time.Second):
		t.Fatal("cleanup kept running after the lease was lost")
	}
	_, released := lease.counts()
	assert.Zero(t, released, "a lost lease is not released")
}

func TestSchedulerStartRunsImmediatelyAndOnTicks(t *testing.T) {
	cleaner := &fakeCleaner{}
	s := application.NewReservationExpiryScheduler(cleaner, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()

	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestSchedulerStartWaitsForInFlightRun(t *testing.T) {
	cleaner := &fakeCleaner{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := application.NewReservationExpiryScheduler(cleaner, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()
	<-cleaner.entered
	cancel()

	select {
	case <-done:
		t.Fatal("Start returned while a cleanup was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(cleaner.block)
	<-done
}
