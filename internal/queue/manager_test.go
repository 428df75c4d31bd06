package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/config"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueueConfig() config.Queue {
	return config.Queue{
		WorkerConcurrency: 1,
		MaxRetries:        2,
		JobTimeout:        time.Second,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestManagerRunsHandlerAndMarksJobCompleted(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Enqueue(context.Background(), &Job{ID: "j1", Category: "agent", CreatedAt: time.Now()}))

	m := NewManager(store, testQueueConfig(), nil, nil)
	var ran int32
	m.Register("agent", func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	m.Start(context.Background())
	defer m.Stop()

	waitUntil(t, time.Second, func() bool {
		job, err := store.Get(context.Background(), "j1")
		return err == nil && job.State == StateCompleted
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestManagerRetriesFailedJobThenMarksFailedAfterMaxRetries(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Enqueue(context.Background(), &Job{ID: "j1", Category: "agent", MaxRetries: 1, CreatedAt: time.Now()}))

	cfg := testQueueConfig()
	m := NewManager(store, cfg, nil, nil)
	var attempts int32
	m.Register("agent", func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("transient failure")
	})

	m.Start(context.Background())
	defer m.Stop()

	waitUntil(t, 5*time.Second, func() bool {
		job, err := store.Get(context.Background(), "j1")
		return err == nil && job.State == StateFailed
	})

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestManagerCancelledJobSkipsRetryAndMarksCancelledDirectly(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Enqueue(context.Background(), &Job{ID: "j1", Category: "agent", CreatedAt: time.Now()}))

	m := NewManager(store, testQueueConfig(), nil, nil)
	m.Register("agent", func(ctx context.Context, job *Job) error {
		return toolerrors.NewJobCancelled(job.ID)
	})

	m.Start(context.Background())
	defer m.Stop()

	waitUntil(t, time.Second, func() bool {
		job, err := store.Get(context.Background(), "j1")
		return err == nil && job.State == StateCancelled
	})
}

func TestManagerRespectsPerCategoryConcurrency(t *testing.T) {
	store := NewMemStore()
	now := time.Now()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		require.NoError(t, store.Enqueue(context.Background(), &Job{ID: id, Category: "facts", CreatedAt: now}))
	}

	cfg := testQueueConfig()
	cfg.CategoryConcurrency = map[string]int{"facts": 1}
	m := NewManager(store, cfg, nil, nil)

	var concurrent, maxConcurrent int32
	release := make(chan struct{})
	m.Register("facts", func(ctx context.Context, job *Job) error {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
		return nil
	})

	m.Start(context.Background())
	defer func() {
		close(release)
		m.Stop()
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "facts category runs exactly one worker at a time")
}
