// Package worker implements the batch execution loop: one queued URL at a
// time through the analyzer, outcomes handed to result sinks.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
	"github.com/JakeFAU/pagespeed-audit/internal/metrics"
)

// Analyzer is the entry point a worker drives for each job.
type Analyzer interface {
	Analyze(ctx context.Context, rawURL string, opts audit.Options) (audit.Result, error)
}

// Worker consumes queue items and records their outcomes.
type Worker struct {
	id       int
	queue    audit.Queue
	analyzer Analyzer
	sinks    []audit.ResultSink
	clock    audit.Clock
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	queue audit.Queue,
	analyzer Analyzer,
	sinks []audit.ResultSink,
	clock audit.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		id:       id,
		queue:    queue,
		analyzer: analyzer,
		sinks:    sinks,
		clock:    clock,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, audit.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.String("url", job.URL))
		outcome := w.process(ctx, job)
		w.record(ctx, outcome)
	}
}

func (w *Worker) process(ctx context.Context, job audit.Job) audit.Outcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	res, err := w.analyzer.Analyze(ctx, job.URL, job.Options)
	outcome := audit.Outcome{
		Job:      job,
		Result:   res,
		Err:      err,
		Duration: w.clock.Now().Sub(start),
	}

	if err != nil {
		w.logger.Warn("analysis failed",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.String("kind", audit.FailureKind(err)),
			zap.Error(err),
		)
		return outcome
	}
	w.logger.Info("analysis finished",
		zap.String("job_id", job.ID),
		zap.String("url", res.URL),
		zap.String("provenance", string(res.Provenance)),
		zap.Duration("duration", outcome.Duration),
	)
	return outcome
}

// record hands the outcome to every sink. Sinks still run after the batch
// context is canceled so an interrupted job leaves a trace.
func (w *Worker) record(ctx context.Context, outcome audit.Outcome) {
	sinkCtx := context.WithoutCancel(ctx)
	for _, sink := range w.sinks {
		if err := sink.Record(sinkCtx, outcome); err != nil {
			w.logger.Error("record outcome failed",
				zap.String("job_id", outcome.Job.ID),
				zap.String("url", outcome.Job.URL),
				zap.Error(err),
			)
		}
	}
}
