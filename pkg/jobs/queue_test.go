package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsHigherPriorityFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	block := make(chan struct{})

	q := NewQueue("test", func(_ context.Context, j Job) error {
		if j.ID == "gate" {
			<-block
			return nil
		}
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, QueueConfig{Workers: 1})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "gate"}))
	waitFor(t, func() bool { return q.Pending() == 0 })
	require.NoError(t, q.Enqueue(Job{ID: "low", Priority: 1}))
	require.NoError(t, q.Enqueue(Job{ID: "high", Priority: 5}))
	require.NoError(t, q.Enqueue(Job{ID: "low2", Priority: 1}))
	close(block)

	for i := 0; i < 3; i++ {
		<-done
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low", "low2"}, order)
}

func TestQueueSerializesSameKey(t *testing.T) {
	var active, maxActive int32
	var wg sync.WaitGroup
	wg.Add(4)

	q := NewQueue("test", func(_ context.Context, j Job) error {
		defer wg.Done()
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}, QueueConfig{Workers: 4})
	q.Start(context.Background())
	defer q.Stop()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(Job{ID: id, Key: "student:1"}))
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestQueueRetriesRetryableErrorsWithBackoff(t *testing.T) {
	var attempts int32
	failed := make(chan error, 1)
	succeeded := make(chan Job, 1)
	var retries []time.Duration
	var mu sync.Mutex

	q := NewQueue("test", func(_ context.Context, j Job) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, QueueConfig{
		Workers:    1,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Hooks: Hooks{
			OnRetry: func(_ Job, _ error, d time.Duration) {
				mu.Lock()
				retries = append(retries, d)
				mu.Unlock()
			},
			OnSuccess: func(j Job) { succeeded <- j },
			OnFailure: func(_ Job, err error) { failed <- err },
		},
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "r"}))
	select {
	case j := <-succeeded:
		assert.Equal(t, 3, j.Attempt)
	case err := <-failed:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, retries)
}

func TestQueueDoesNotRetryDeterministicErrors(t *testing.T) {
	permanent := errors.New("already deleted")
	failed := make(chan Job, 1)

	q := NewQueue("test", func(context.Context, Job) error { return permanent }, QueueConfig{
		Workers:    1,
		MaxRetries: 5,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
		Hooks:      Hooks{OnFailure: func(j Job, _ error) { failed <- j }},
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "x"}))
	select {
	case j := <-failed:
		assert.Equal(t, 1, j.Attempt)
	case <-time.After(time.Second):
		t.Fatal("expected immediate failure")
	}
}

func TestQueueCancelBeforeStart(t *testing.T) {
	block := make(chan struct{})
	var ran int32
	cancelled := make(chan Job, 1)

	q := NewQueue("test", func(_ context.Context, j Job) error {
		if j.ID == "gate" {
			<-block
			return nil
		}
		atomic.AddInt32(&ran, 1)
		return nil
	}, QueueConfig{Workers: 1, Hooks: Hooks{OnCancel: func(j Job) { cancelled <- j }}})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{ID: "gate"}))
	waitFor(t, func() bool { return q.Pending() == 0 })
	require.NoError(t, q.Enqueue(Job{ID: "victim"}))

	assert.True(t, q.Cancel("victim"))
	assert.False(t, q.Cancel("gate"), "running jobs cannot be cancelled")
	assert.Equal(t, "victim", (<-cancelled).ID)

	close(block)
	q.Stop()
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestQueueRejectsDuplicateIDs(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue("test", func(context.Context, Job) error { <-block; return nil }, QueueConfig{Workers: 1})
	q.Start(context.Background())
	defer func() {
		close(block)
		q.Stop()
	}()

	require.NoError(t, q.Enqueue(Job{ID: "dup"}))
	assert.ErrorIs(t, q.Enqueue(Job{ID: "dup"}), ErrDuplicateJob)
}

func TestQueueBreakerPausesDequeue(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	breaker := NewBreaker(1, time.Hour).WithClock(clock.now)
	var runs int32
	failed := make(chan struct{}, 1)

	q := NewQueue("test", func(context.Context, Job) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("store down")
	}, QueueConfig{
		Workers:    1,
		MaxRetries: 0,
		Breaker:    breaker,
		Hooks:      Hooks{OnFailure: func(Job, error) { failed <- struct{}{} }},
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "first"}))
	<-failed
	assert.Equal(t, BreakerOpen, breaker.State())

	require.NoError(t, q.Enqueue(Job{ID: "second"}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, 1, q.Pending())
}

func TestQueueEnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue("test", func(context.Context, Job) error { return nil }, QueueConfig{})
	assert.Error(t, q.Enqueue(Job{ID: "x"}))
}

func TestBackoffCaps(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(100*time.Millisecond, time.Second, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(100*time.Millisecond, time.Second, 3))
	assert.Equal(t, time.Second, Backoff(100*time.Millisecond, time.Second, 10))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met")
}
