package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

func TestWorker_ProcessesJobsUntilQueueCloses(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{
		items: []audit.Job{
			{ID: "job-1", Row: 2, URL: "https://example.com"},
			{ID: "job-2", Row: 3, URL: "https://broken.example"},
		},
		closeWhenEmpty: true,
	}
	analyzer := &fakeAnalyzer{
		results: map[string]audit.Result{
			"https://example.com": {
				URL:          "https://example.com/",
				MobileScore:  audit.Score(91),
				DesktopScore: audit.Score(99),
				Provenance:   audit.ProvenanceLive,
			},
		},
		errs: map[string]error{
			"https://broken.example": audit.Retryable(audit.ReasonTimeout, errors.New("slow")),
		},
	}
	sink := &fakeSink{}
	w := New(1, queue, analyzer, []audit.ResultSink{sink}, &fakeClock{now: time.Unix(100, 0)}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after queue closed")
	}

	outcomes := sink.all()
	require.Len(t, outcomes, 2)
	require.True(t, outcomes[0].Succeeded())
	require.Equal(t, 2, outcomes[0].Job.Row)
	require.Equal(t, 91, *outcomes[0].Result.MobileScore)
	require.False(t, outcomes[1].Succeeded())
	require.ErrorIs(t, outcomes[1].Err, audit.ErrRetryable)
}

func TestWorker_PassesJobOptions(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{
		items: []audit.Job{{
			ID:      "job-opts",
			URL:     "https://example.com",
			Options: audit.Options{SkipCache: true, MaxRetries: 1},
		}},
		closeWhenEmpty: true,
	}
	analyzer := &fakeAnalyzer{}
	w := New(1, queue, analyzer, nil, &fakeClock{now: time.Unix(0, 0)}, zap.NewNop())
	w.Run(context.Background())

	require.Equal(t, []audit.Options{{SkipCache: true, MaxRetries: 1}}, analyzer.seenOptions())
}

func TestWorker_SinkErrorsDoNotStopProcessing(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{
		items:          []audit.Job{{ID: "a", URL: "https://a.example"}, {ID: "b", URL: "https://b.example"}},
		closeWhenEmpty: true,
	}
	failing := &fakeSink{err: errors.New("disk full")}
	healthy := &fakeSink{}
	w := New(1, queue, &fakeAnalyzer{}, []audit.ResultSink{failing, healthy},
		&fakeClock{now: time.Unix(0, 0)}, zap.NewNop())
	w.Run(context.Background())

	require.Len(t, failing.all(), 2)
	require.Len(t, healthy.all(), 2)
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := New(1, &fakeQueue{}, &fakeAnalyzer{}, nil, &fakeClock{now: time.Unix(0, 0)}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_RecordsAfterCancelWithLiveContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	queue := &fakeQueue{items: []audit.Job{{ID: "a", URL: "https://a.example"}}, closeWhenEmpty: true}
	analyzer := &fakeAnalyzer{onAnalyze: cancel}
	sink := &fakeSink{}
	w := New(1, queue, analyzer, []audit.ResultSink{sink}, &fakeClock{now: time.Unix(0, 0)}, zap.NewNop())
	w.Run(ctx)

	require.Len(t, sink.all(), 1)
	require.NoError(t, sink.ctxErrs[0])
}

type fakeQueue struct {
	mu             sync.Mutex
	items          []audit.Job
	closeWhenEmpty bool
}

func (q *fakeQueue) Enqueue(_ context.Context, job audit.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (audit.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closeWhenEmpty
		q.mu.Unlock()
		if closed {
			return audit.Job{}, audit.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return audit.Job{}, fmt.Errorf("queue dequeue context done: %w", ctx.Err())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	results   map[string]audit.Result
	errs      map[string]error
	options   []audit.Options
	onAnalyze func()
}

func (a *fakeAnalyzer) Analyze(_ context.Context, rawURL string, opts audit.Options) (audit.Result, error) {
	a.mu.Lock()
	a.options = append(a.options, opts)
	hook := a.onAnalyze
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err, ok := a.errs[rawURL]; ok {
		return audit.Result{}, err
	}
	if res, ok := a.results[rawURL]; ok {
		return res, nil
	}
	return audit.Result{URL: rawURL, Provenance: audit.ProvenanceLive}, nil
}

func (a *fakeAnalyzer) seenOptions() []audit.Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Options(nil), a.options...)
}

type fakeSink struct {
	mu       sync.Mutex
	outcomes []audit.Outcome
	ctxErrs  []error
	err      error
}

func (s *fakeSink) Record(ctx context.Context, outcome audit.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	return s.err
}

func (s *fakeSink) all() []audit.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Outcome(nil), s.outcomes...)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
