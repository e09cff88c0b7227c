package audit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueClosed is returned by Dequeue once the queue is closed and drained.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNotFound is returned by result lookups with no stored match.
	ErrNotFound = errors.New("result not found")
)

// Job is one URL scheduled by the batch runner. Row locates the source row
// in the input sheet; it is zero for jobs that did not come from a sheet.
type Job struct {
	ID      string
	Row     int
	URL     string
	Options Options
}

// Outcome is the terminal state of a Job. Exactly one of Result and Err is
// meaningful.
type Outcome struct {
	Job      Job
	Result   Result
	Err      error
	Duration time.Duration
}

// Succeeded reports whether the job produced scores.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Queue is the work queue between the batch producer and workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}

// ResultSink persists job outcomes.
type ResultSink interface {
	Record(ctx context.Context, outcome Outcome) error
}
