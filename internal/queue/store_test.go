package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreDequeuePrefersHigherPriorityThenFIFO(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Enqueue(ctx, &Job{ID: "a", Category: "agent", Priority: 0, CreatedAt: now}))
	require.NoError(t, s.Enqueue(ctx, &Job{ID: "b", Category: "agent", Priority: 5, CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.Enqueue(ctx, &Job{ID: "c", Category: "agent", Priority: 0, CreatedAt: now.Add(-time.Second)}))

	job, err := s.Dequeue(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, "b", job.ID, "higher priority job dequeues first")
	assert.Equal(t, StateActive, job.State)

	job, err = s.Dequeue(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, "c", job.ID, "earlier-created job wins FIFO tie-break")
}

func TestMemStoreDequeueSkipsDelayedJobsNotYetDue(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, &Job{ID: "future", Category: "agent", State: StateDelayed, NextRunAt: time.Now().Add(time.Hour)}))

	job, err := s.Dequeue(ctx, "agent")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMemStoreDequeueReturnsNilWhenCategoryEmpty(t *testing.T) {
	s := NewMemStore()
	job, err := s.Dequeue(context.Background(), "rag")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMemStoreGetReturnsNotFoundError(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestMemStoreCancelTransitionsWaitingToCancelledDirectly(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, &Job{ID: "w", Category: "agent", State: StateWaiting}))

	state, err := s.Cancel(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, state)
}

func TestMemStoreCancelTransitionsActiveToCancellingNotCancelled(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, &Job{ID: "a", Category: "agent", State: StateActive}))

	state, err := s.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateCancelling, state, "active jobs need cooperative shutdown before cancelled")
}

func TestMemStorePruneRemovesOldFailedJobsAfter24Hours(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &Job{ID: "old-failed", State: StateFailed, UpdatedAt: now.Add(-25 * time.Hour)}))
	require.NoError(t, s.Enqueue(ctx, &Job{ID: "recent-failed", State: StateFailed, UpdatedAt: now.Add(-1 * time.Hour)}))

	require.NoError(t, s.Prune(ctx, now, 30*24*time.Hour, 0, 24*time.Hour))

	_, err := s.Get(ctx, "old-failed")
	assert.Error(t, err)
	_, err = s.Get(ctx, "recent-failed")
	assert.NoError(t, err)
}

func TestMemStorePruneCapsCompletedJobsByCountKeepingNewest(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, s.Enqueue(ctx, &Job{ID: id, State: StateCompleted, UpdatedAt: now.Add(time.Duration(i) * time.Minute)}))
	}

	require.NoError(t, s.Prune(ctx, now.Add(time.Hour), 30*24*time.Hour, 2, 24*time.Hour))

	_, err := s.Get(ctx, "e")
	assert.NoError(t, err, "newest completed job retained")
	_, err = s.Get(ctx, "a")
	assert.Error(t, err, "oldest completed job pruned once over count cap")
}
