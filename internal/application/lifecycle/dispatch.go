package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// reportDispatcher runs propagation and bookkeeping jobs on a fixed pool
// so worker-facing report endpoints return without waiting on graph
// traversal. The channel is bounded; a full channel blocks the producer,
// which is the intended backpressure on report bursts.
type reportDispatcher struct {
	jobs    chan func(context.Context)
	workers int
	logger  *zap.Logger

	wg       sync.WaitGroup
	mu       sync.RWMutex
	draining bool
}

func newReportDispatcher(queueSize, workers int, logger *zap.Logger) *reportDispatcher {
	return &reportDispatcher{
		jobs:    make(chan func(context.Context), queueSize),
		workers: workers,
		logger:  logger,
	}
}

func (d *reportDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(i)
	}
	d.logger.Info("report dispatcher started",
		zap.Int("workers", d.workers),
		zap.Int("queue_size", cap(d.jobs)))
}

func (d *reportDispatcher) run(id int) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.execute(id, job)
	}
}

func (d *reportDispatcher) execute(id int, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("report job panicked",
				zap.Int("worker", id),
				zap.Any("panic", r))
		}
	}()
	job(context.Background())
}

// enqueue submits a job, blocking while the channel is full. Jobs
// enqueued after shutdown began are dropped. The read lock is held across
// the send so shutdown cannot close the channel under a blocked sender;
// the workers keep consuming until the channel closes, so a blocked send
// always completes.
func (d *reportDispatcher) enqueue(job func(context.Context)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.draining {
		d.logger.Warn("report job dropped, dispatcher shutting down")
		return
	}
	d.jobs <- job
}

// shutdown stops accepting jobs and waits for queued ones to drain, or
// for ctx to expire.
func (d *reportDispatcher) shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil
	}
	d.draining = true
	d.mu.Unlock()

	close(d.jobs)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("report dispatcher drained")
		return nil
	case <-ctx.Done():
		d.logger.Warn("report dispatcher shutdown timed out")
		return ctx.Err()
	}
}
