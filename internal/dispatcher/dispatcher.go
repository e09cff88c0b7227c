// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
	"github.com/JakeFAU/pagespeed-audit/internal/worker"
)

// Queue is a job queue the dispatcher can close once all work is submitted.
type Queue interface {
	audit.Queue
	Close()
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned, either
// because the context finished or the queue was closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job audit.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Close stops accepting jobs; workers exit after draining the queue.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

// RunBatch submits jobs, closes the queue and waits for the workers to drain
// it. The dispatcher cannot be reused afterwards.
func (d *Dispatcher) RunBatch(ctx context.Context, jobs []audit.Job) error {
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	var submitErr error
	for _, job := range jobs {
		if err := d.Enqueue(ctx, job); err != nil {
			submitErr = err
			break
		}
	}
	d.Close()
	<-done

	if submitErr != nil {
		return submitErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch interrupted: %w", err)
	}
	return nil
}
