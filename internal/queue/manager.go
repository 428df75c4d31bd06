package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/config"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
)

// Handler runs one job's payload to completion. A job is retried (up to
// MaxRetries) when Handler returns a non-cancellation error; returning a
// JobCancelledError (spec §4.7 "cooperative cancellation") moves the job
// straight to cancelled without consuming a retry.
type Handler func(ctx context.Context, job *Job) error

// Manager runs one configurable-concurrency worker pool per job category
// (spec §4.7 "worker concurrency per category", §5 "default 3 agent, 3 RAG,
// 1 summary, 1 facts"), pulling ready jobs from a Store, applying per-job
// timeouts and exponential retry backoff, and driving the job state
// machine. Grounded on the lane/concurrency-gated dispatch loop in
// haasonsaas-nexus's internal/infra/queue.go CommandQueue, adapted from its
// mutex+condvar lane model to a Store-polling pull loop since job durability
// here lives in Store, not in an in-memory slice.
type Manager struct {
	store    Store
	cfg      config.Queue
	log      telemetry.Logger
	handlers map[string]Handler

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	multiplexer *SSEMultiplexer
}

// NewManager constructs a Manager. mux may be nil if no SSE multiplexer is
// wired (e.g. unit tests exercising only job outcomes).
func NewManager(store Store, cfg config.Queue, log telemetry.Logger, mux *SSEMultiplexer) *Manager {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Manager{store: store, cfg: cfg, log: log, handlers: map[string]Handler{}, multiplexer: mux}
}

// Register binds a Handler to a job category. Must be called before Start.
func (m *Manager) Register(category string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[category] = h
}

// Start launches ConcurrencyFor(category) worker goroutines per registered
// category. Stop cancels them and waits for in-flight jobs to return.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	handlers := make(map[string]Handler, len(m.handlers))
	for k, v := range m.handlers {
		handlers[k] = v
	}
	m.mu.Unlock()

	for category, handler := range handlers {
		n := m.cfg.ConcurrencyFor(category)
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			m.wg.Add(1)
			go m.worker(runCtx, category, handler)
		}
	}
}

// Stop cancels all worker loops and blocks until they exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context, category string, handler Handler) {
	defer m.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := m.store.Dequeue(ctx, category)
			if err != nil {
				m.log.Error(ctx, "dequeue failed", "category", category, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			m.run(ctx, job, handler)
		}
	}
}

func (m *Manager) run(ctx context.Context, job *Job, handler Handler) {
	timeout := m.cfg.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if m.multiplexer != nil {
		m.multiplexer.markActive(job.ID)
	}

	err := handler(jobCtx, job)

	job.UpdatedAt = time.Now()
	switch {
	case err == nil:
		job.State = StateCompleted
		if serr := m.store.Save(ctx, job); serr != nil {
			m.log.Error(ctx, "save completed job failed", "job_id", job.ID, "error", serr)
		}
		if m.multiplexer != nil {
			m.multiplexer.markDone(job.ID, nil)
		}
	case toolerrors.IsJobCancelled(err):
		job.State = StateCancelled
		if serr := m.store.Save(ctx, job); serr != nil {
			m.log.Error(ctx, "save cancelled job failed", "job_id", job.ID, "error", serr)
		}
		if m.multiplexer != nil {
			m.multiplexer.markDone(job.ID, nil)
		}
	default:
		m.fail(ctx, job, err)
	}
}

func (m *Manager) fail(ctx context.Context, job *Job, cause error) {
	job.Attempts++
	job.Error = cause.Error()

	maxRetries := m.cfg.MaxRetries
	if job.MaxRetries > 0 {
		maxRetries = job.MaxRetries
	}
	if job.Attempts <= maxRetries {
		job.State = StateDelayed
		job.NextRunAt = time.Now().Add(backoffFor(job.Attempts))
		if err := m.store.Save(ctx, job); err != nil {
			m.log.Error(ctx, "save retry-delayed job failed", "job_id", job.ID, "error", err)
		}
		if m.multiplexer != nil {
			m.multiplexer.markRetrying(job.ID, job.Attempts, job.Error)
		}
		return
	}

	job.State = StateFailed
	if err := m.store.Save(ctx, job); err != nil {
		m.log.Error(ctx, "save failed job failed", "job_id", job.ID, "error", err)
	}
	if m.multiplexer != nil {
		m.multiplexer.markDone(job.ID, cause)
	}
}
