package queue

import (
	"context"

	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
)

// Reconnect implements the stream-reconnection endpoint's per-state
// semantics (spec §4.7 "reconnection endpoint semantics varying by job
// state"):
//   - completed: replay a synthetic started+done pair immediately so a
//     client that connects after the job already finished still sees a
//     complete stream, then returns without attaching (nothing further
//     will ever be emitted for this job).
//   - failed: replay a synthetic started+error+done sequence.
//   - active or waiting/delayed: attach sink as the job's live callback
//     (replacing any previous one) and emit the last known progress so the
//     client is immediately caught up, then heartbeats continue on the
//     usual interval.
func (m *SSEMultiplexer) Reconnect(ctx context.Context, store Store, jobID string, sink stream.Sink) error {
	job, err := store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case StateCompleted:
		_ = sink.Send(ctx, stream.NewBase(stream.EventStarted, jobID, nil))
		_ = sink.Send(ctx, stream.NewBase(stream.EventDone, jobID, nil))
		return nil
	case StateFailed:
		_ = sink.Send(ctx, stream.NewBase(stream.EventStarted, jobID, nil))
		_ = sink.Send(ctx, stream.NewBase(stream.EventError, jobID, map[string]any{"error": job.Error}))
		_ = sink.Send(ctx, stream.NewBase(stream.EventDone, jobID, nil))
		return nil
	case StateCancelled:
		_ = sink.Send(ctx, stream.NewBase(stream.EventCancelled, jobID, nil))
		return nil
	default: // active, cancelling, waiting, delayed
		m.RegisterStreamCallback(ctx, jobID, sink)
		if state, attempts, lastError, ok := m.Progress(jobID); ok {
			_ = sink.Send(ctx, stream.NewBase(stream.EventProgress, jobID, map[string]any{
				"state": state, "attempts": attempts, "error": lastError,
			}))
		} else {
			_ = sink.Send(ctx, stream.NewBase(stream.EventQueued, jobID, nil))
		}
		return nil
	}
}
