package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
)

// progress is the last known per-job status the multiplexer can hand to a
// freshly (re)connecting client before any new event arrives (spec §4.7
// "progress table keyed by job id").
type progress struct {
	state     State
	attempts  int
	lastError string
	updatedAt time.Time
}

// SSEMultiplexer fans job lifecycle/progress events out to whichever SSE
// client is currently attached to a job, and tolerates reconnects: a new
// RegisterStreamCallback call for a job id simply replaces the previous
// sink, mirroring spec §4.7 "SSE-callback map keyed by job id with
// replace-on-reconnect semantics". Grounded on the pub/sub shape of
// goadesign-goa-ai's runtime/mcp/broadcast.go Broadcaster/Subscription,
// narrowed from a multi-subscriber broadcaster to a single-current-sink
// map since each job has at most one live SSE client at a time.
type SSEMultiplexer struct {
	mu         sync.Mutex
	progressOf map[string]*progress
	sinkOf     map[string]stream.Sink
	cancelReq  map[string]struct{}
	ended      map[string]struct{}

	heartbeat time.Duration
}

// NewSSEMultiplexer constructs a multiplexer. heartbeat is the comment-line
// keepalive interval (spec §4.7 "15s heartbeat"); zero disables heartbeats.
func NewSSEMultiplexer(heartbeat time.Duration) *SSEMultiplexer {
	return &SSEMultiplexer{
		progressOf: map[string]*progress{},
		sinkOf:     map[string]stream.Sink{},
		cancelReq:  map[string]struct{}{},
		ended:      map[string]struct{}{},
		heartbeat:  heartbeat,
	}
}

// RegisterStreamCallback attaches sink as the current SSE destination for
// jobID, replacing any previous sink without closing it (the caller owns
// the old sink's lifecycle; a disconnected client's sink simply stops being
// written to). It starts a heartbeat goroutine scoped to ctx that, until
// ctx is done, the job ends, or the sink is replaced, periodically writes a
// ": heartbeat" comment line when the sink has a Heartbeat method and
// otherwise sends a payload-less stream.EventProgress event.
func (m *SSEMultiplexer) RegisterStreamCallback(ctx context.Context, jobID string, sink stream.Sink) {
	m.mu.Lock()
	m.sinkOf[jobID] = sink
	_, done := m.ended[jobID]
	m.mu.Unlock()

	if done || m.heartbeat <= 0 {
		return
	}
	go m.heartbeatLoop(ctx, jobID, sink)
}

func (m *SSEMultiplexer) heartbeatLoop(ctx context.Context, jobID string, sink stream.Sink) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.sinkOf[jobID]
			_, done := m.ended[jobID]
			m.mu.Unlock()
			if done || current != sink {
				return
			}
			if hb, ok := sink.(interface{ Heartbeat() error }); ok {
				_ = hb.Heartbeat()
				continue
			}
			_ = sink.Send(ctx, stream.NewBase(stream.EventProgress, jobID, nil))
		}
	}
}

// jobSink forwards Send/Close to whatever sink is currently attached to a
// job, looked up fresh on every call so a mid-run reconnect (which replaces
// the sink) is transparent to a handler that captured a jobSink once at job
// start.
type jobSink struct {
	m     *SSEMultiplexer
	jobID string
}

func (s jobSink) Send(ctx context.Context, event stream.Event) error {
	s.m.emit(ctx, s.jobID, event)
	return nil
}

func (s jobSink) Close(ctx context.Context) error { return nil }

// JobSink returns a stream.Sink that always delivers to the currently
// attached client for jobID, surviving reconnects without the caller having
// to re-fetch it.
func (m *SSEMultiplexer) JobSink(jobID string) stream.Sink {
	return jobSink{m: m, jobID: jobID}
}

func (m *SSEMultiplexer) currentSink(jobID string) (stream.Sink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.ended[jobID]; done {
		return nil, false
	}
	sink, ok := m.sinkOf[jobID]
	return sink, ok
}

// emit delivers ev to whatever sink is currently attached to the job,
// silently doing nothing when no sink is attached or the job stream has
// already ended (spec §4.7 "'stream already ended' guards").
func (m *SSEMultiplexer) emit(ctx context.Context, jobID string, ev stream.Event) {
	sink, ok := m.currentSink(jobID)
	if !ok {
		return
	}
	_ = sink.Send(ctx, ev)
}

func (m *SSEMultiplexer) markActive(jobID string) {
	m.mu.Lock()
	m.progressOf[jobID] = &progress{state: StateActive, updatedAt: time.Now()}
	m.mu.Unlock()
	m.emit(context.Background(), jobID, stream.NewBase(stream.EventStarted, jobID, nil))
}

func (m *SSEMultiplexer) markRetrying(jobID string, attempts int, lastError string) {
	m.mu.Lock()
	m.progressOf[jobID] = &progress{state: StateDelayed, attempts: attempts, lastError: lastError, updatedAt: time.Now()}
	m.mu.Unlock()
	m.emit(context.Background(), jobID, stream.NewBase(stream.EventProgress, jobID, map[string]any{
		"attempts": attempts, "error": lastError,
	}))
}

// markDone records the job's terminal state and emits the done/error event,
// then flags the stream ended so any further sink registration or emit is a
// no-op (spec §4.7 "'stream already ended' guards").
func (m *SSEMultiplexer) markDone(jobID string, cause error) {
	m.mu.Lock()
	state := StateCompleted
	if cause != nil {
		state = StateFailed
	}
	m.progressOf[jobID] = &progress{state: state, updatedAt: time.Now()}
	m.ended[jobID] = struct{}{}
	sink := m.sinkOf[jobID]
	m.mu.Unlock()

	if sink == nil {
		return
	}
	ctx := context.Background()
	if cause != nil {
		_ = sink.Send(ctx, stream.NewBase(stream.EventError, jobID, map[string]any{"error": cause.Error()}))
	}
	_ = sink.Send(ctx, stream.NewBase(stream.EventDone, jobID, nil))
}

// RequestCancel records a cancellation request for jobID (spec §4.7
// "cancellation-request set") and emits EventCancelRequested so an attached
// client sees the acknowledgment immediately, independent of whether the
// running job has noticed the request yet.
func (m *SSEMultiplexer) RequestCancel(jobID string) {
	m.mu.Lock()
	m.cancelReq[jobID] = struct{}{}
	m.mu.Unlock()
	m.emit(context.Background(), jobID, stream.NewBase(stream.EventCancelRequested, jobID, nil))
}

// CancelRequested reports whether jobID has a pending cancellation request.
// Handlers poll this (alongside ExecContext.Cancelled) at labeled
// checkpoints.
func (m *SSEMultiplexer) CancelRequested(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancelReq[jobID]
	return ok
}

// ConfirmCancelled emits EventCancelled and marks the stream ended, once a
// cancelling job has actually stopped.
func (m *SSEMultiplexer) ConfirmCancelled(jobID string) {
	m.mu.Lock()
	m.progressOf[jobID] = &progress{state: StateCancelled, updatedAt: time.Now()}
	m.ended[jobID] = struct{}{}
	sink := m.sinkOf[jobID]
	m.mu.Unlock()
	if sink == nil {
		return
	}
	_ = sink.Send(context.Background(), stream.NewBase(stream.EventCancelled, jobID, nil))
}

// Progress returns the last known state for jobID and whether it is known
// at all (used by the reconnection endpoint to decide what to replay).
func (m *SSEMultiplexer) Progress(jobID string) (state State, attempts int, lastError string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.progressOf[jobID]
	if !found {
		return "", 0, "", false
	}
	return p.state, p.attempts, p.lastError, true
}
