package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []stream.Event
	closed bool
}

func (f *fakeSink) Send(ctx context.Context, ev stream.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) types() []stream.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stream.EventType
	for _, e := range f.events {
		out = append(out, e.Type())
	}
	return out
}

func TestMultiplexerMarkActiveEmitsStartedToAttachedSink(t *testing.T) {
	m := NewSSEMultiplexer(0)
	sink := &fakeSink{}
	m.RegisterStreamCallback(context.Background(), "job-1", sink)

	m.markActive("job-1")

	assert.Contains(t, sink.types(), stream.EventStarted)
}

func TestMultiplexerReplacesCallbackOnReconnectWithoutClosingOldSink(t *testing.T) {
	m := NewSSEMultiplexer(0)
	first := &fakeSink{}
	second := &fakeSink{}
	m.RegisterStreamCallback(context.Background(), "job-1", first)
	m.RegisterStreamCallback(context.Background(), "job-1", second)

	m.markActive("job-1")

	assert.Empty(t, first.types(), "replaced sink receives nothing further")
	assert.Contains(t, second.types(), stream.EventStarted)
	assert.False(t, first.closed, "multiplexer does not own/close the replaced sink")
}

func TestMultiplexerMarkDoneEndsStreamAndSuppressesFurtherEmits(t *testing.T) {
	m := NewSSEMultiplexer(0)
	sink := &fakeSink{}
	m.RegisterStreamCallback(context.Background(), "job-1", sink)

	m.markDone("job-1", nil)
	m.markActive("job-1") // should be a no-op: stream already ended

	types := sink.types()
	assert.Contains(t, types, stream.EventDone)
	assert.NotContains(t, types, stream.EventStarted)
}

func TestMultiplexerMarkDoneWithCauseEmitsErrorBeforeDone(t *testing.T) {
	m := NewSSEMultiplexer(0)
	sink := &fakeSink{}
	m.RegisterStreamCallback(context.Background(), "job-1", sink)

	m.markDone("job-1", assertError("boom"))

	types := sink.types()
	require.Len(t, types, 2)
	assert.Equal(t, stream.EventError, types[0])
	assert.Equal(t, stream.EventDone, types[1])
}

func TestMultiplexerRequestCancelRecordsAndEmitsAcknowledgement(t *testing.T) {
	m := NewSSEMultiplexer(0)
	sink := &fakeSink{}
	m.RegisterStreamCallback(context.Background(), "job-1", sink)

	m.RequestCancel("job-1")

	assert.True(t, m.CancelRequested("job-1"))
	assert.Contains(t, sink.types(), stream.EventCancelRequested)
}

func TestMultiplexerHeartbeatFiresOnIntervalUntilStreamEnds(t *testing.T) {
	m := NewSSEMultiplexer(10 * time.Millisecond)
	sink := &fakeSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.RegisterStreamCallback(ctx, "job-1", sink)

	time.Sleep(35 * time.Millisecond)
	m.markDone("job-1", nil)
	countAtDone := len(sink.types())
	time.Sleep(35 * time.Millisecond)

	assert.GreaterOrEqual(t, countAtDone, 2, "at least a couple heartbeats fired before done")
	assert.Len(t, sink.types(), countAtDone, "no further heartbeats after stream ended")
}

func TestMultiplexerProgressReportsUnknownForUntrackedJob(t *testing.T) {
	m := NewSSEMultiplexer(0)
	_, _, _, ok := m.Progress("missing")
	assert.False(t, ok)
}

type assertError string

func (e assertError) Error() string { return string(e) }
