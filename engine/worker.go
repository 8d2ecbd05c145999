package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultQueueSize = 64
	defaultDrainers  = 2
	// jobTimeout bounds one background job; summarization is the slowest.
	jobTimeout = 5 * time.Minute
)

// Job is one unit of post-turn background work.
type Job func(ctx context.Context)

// WorkersOption configures a Workers pool.
type WorkersOption func(*Workers)

// WithQueueSize sets the submit buffer length.
func WithQueueSize(n int) WorkersOption {
	return func(w *Workers) {
		if n > 0 {
			w.queue = make(chan Job, n)
		}
	}
}

// WithDrainers sets the number of drainer goroutines.
func WithDrainers(n int) WorkersOption {
	return func(w *Workers) {
		if n > 0 {
			w.drainers = n
		}
	}
}

// WithWorkersLogger sets a structured logger for the pool.
func WithWorkersLogger(l *slog.Logger) WorkersOption {
	return func(w *Workers) { w.logger = l }
}

// Workers runs post-turn jobs (compaction probes, fact extraction) off the
// request path. Jobs never surface errors to callers; a full queue drops
// the job rather than blocking a turn.
type Workers struct {
	queue    chan Job
	drainers int
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWorkers starts the drainer goroutines.
func NewWorkers(opts ...WorkersOption) *Workers {
	w := &Workers{
		queue:    make(chan Job, defaultQueueSize),
		drainers: defaultDrainers,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(w)
	}
	for i := 0; i < w.drainers; i++ {
		w.wg.Add(1)
		go w.drain()
	}
	return w
}

// Submit enqueues a job. Returns false when the queue is full or closed.
func (w *Workers) Submit(job Job) bool {
	defer func() {
		// Submitting after Close panics on the closed channel; treat it
		// as a drop during shutdown.
		_ = recover()
	}()
	select {
	case w.queue <- job:
		return true
	default:
		w.logger.Warn("background queue full, job dropped")
		return false
	}
}

// Close stops accepting jobs and waits for in-flight ones, up to the
// context deadline.
func (w *Workers) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.queue) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Workers) drain() {
	defer w.wg.Done()
	for job := range w.queue {
		w.run(job)
	}
}

func (w *Workers) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("background job panicked",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	job(ctx)
}
