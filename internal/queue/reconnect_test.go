package queue

import (
	"context"
	"testing"

	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectToCompletedJobReplaysSyntheticStartedAndDone(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Enqueue(context.Background(), &Job{ID: "j1", State: StateCompleted}))
	m := NewSSEMultiplexer(0)
	sink := &fakeSink{}

	err := m.Reconnect(context.Background(), store, "j1", sink)

	require.NoError(t, err)
	assert.Equal(t, []stream.EventType{stream.EventStarted, stream.EventDone}, sink.types())
}

func TestReconnectToFailedJobReplaysErrorThenDone(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Enqueue(context.Background(), &Job{ID: "j1", State: StateFailed, Error: "boom"}))
	m := NewSSEMultiplexer(0)
	sink := &fakeSink{}

	err := m.Reconnect(context.Background(), store, "j1", sink)

	require.NoError(t, err)
	assert.Equal(t, []stream.EventType{stream.EventStarted, stream.EventError, stream.EventDone}, sink.types())
}

func TestReconnectToActiveJobAttachesLiveCallbackAndEmitsProgress(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Enqueue(context.Background(), &Job{ID: "j1", State: StateActive}))
	m := NewSSEMultiplexer(0)
	m.markActive("j1")
	sink := &fakeSink{}

	err := m.Reconnect(context.Background(), store, "j1", sink)

	require.NoError(t, err)
	assert.Contains(t, sink.types(), stream.EventProgress)

	m.markDone("j1", nil)
	assert.Contains(t, sink.types(), stream.EventDone, "reconnected sink stays attached as the live callback")
}

func TestReconnectToWaitingJobWithNoProgressYetEmitsQueued(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Enqueue(context.Background(), &Job{ID: "j1", State: StateWaiting}))
	m := NewSSEMultiplexer(0)
	sink := &fakeSink{}

	err := m.Reconnect(context.Background(), store, "j1", sink)

	require.NoError(t, err)
	assert.Equal(t, []stream.EventType{stream.EventQueued}, sink.types())
}

func TestReconnectToUnknownJobReturnsNotFound(t *testing.T) {
	store := NewMemStore()
	m := NewSSEMultiplexer(0)
	sink := &fakeSink{}

	err := m.Reconnect(context.Background(), store, "missing", sink)

	require.Error(t, err)
}
