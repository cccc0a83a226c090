package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/aimaturity/internal/services"
)

func fastOptions() Options {
	return Options{Workers: 1, Attempts: 3, BaseBackoff: time.Millisecond, Timeout: time.Second}
}

func startRunner(t *testing.T, q Queue, setup func(r *Runner)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(q, fastOptions())
	setup(r)
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Wait()
	})
}

func waitStats(t *testing.T, q Queue, want Stats) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := q.Stats(context.Background())
		return err == nil && s == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(8)
	var calls atomic.Int32
	var failed atomic.Bool
	startRunner(t, q, func(r *Runner) {
		r.Handle(KindPDF, func(ctx context.Context, id string) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		}, func(ctx context.Context, id string, err error) { failed.Store(true) })
	})

	require.NoError(t, NewDispatcher(q).DispatchPDF(context.Background(), "a1"))
	waitStats(t, q, Stats{Completed: 1})
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, failed.Load())
}

func TestRunnerCallsFailureHookAfterLastAttempt(t *testing.T) {
	q := NewMemoryQueue(8)
	var calls atomic.Int32
	var mu sync.Mutex
	var hooked []string
	startRunner(t, q, func(r *Runner) {
		r.Handle(KindEmail, func(ctx context.Context, id string) error {
			calls.Add(1)
			return errors.New("smtp down")
		}, func(ctx context.Context, id string, err error) {
			mu.Lock()
			defer mu.Unlock()
			hooked = append(hooked, id)
		})
	})

	require.NoError(t, NewDispatcher(q).DispatchEmail(context.Background(), "a1"))
	waitStats(t, q, Stats{Failed: 1})
	assert.Equal(t, int32(3), calls.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a1"}, hooked)
}

func TestRunnerStopsOnPermanentError(t *testing.T) {
	q := NewMemoryQueue(8)
	var calls atomic.Int32
	startRunner(t, q, func(r *Runner) {
		r.Handle(KindPDF, func(ctx context.Context, id string) error {
			calls.Add(1)
			return Permanent(errors.New("bad input"))
		}, nil)
	})

	require.NoError(t, NewDispatcher(q).DispatchPDF(context.Background(), "a1"))
	waitStats(t, q, Stats{Failed: 1})
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunnerDropsUnknownKind(t *testing.T) {
	q := NewMemoryQueue(8)
	startRunner(t, q, func(r *Runner) {})
	require.NoError(t, q.Enqueue(context.Background(), NewJob(Kind("fax"), "a1", jobTime)))
	waitStats(t, q, Stats{Failed: 1})
}

func TestDispatcherIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(8)
	d := NewDispatcher(q)
	require.NoError(t, d.DispatchPDF(ctx, "a1"))
	require.NoError(t, d.DispatchPDF(ctx, "a1"))
	require.NoError(t, d.DispatchEmail(ctx, "a1"))
	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(2), stats.Waiting)
}

type fakeSteps struct {
	mu        sync.Mutex
	pdfCalls  int
	pdfFailed []string
	emails    int
	pdfErr    error
}

func (f *fakeSteps) GeneratePDF(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pdfCalls++
	return f.pdfErr
}

func (f *fakeSteps) SendEmail(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails++
	return nil
}

func (f *fakeSteps) MarkPDFFailed(ctx context.Context, id string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pdfFailed = append(f.pdfFailed, id)
}

func (f *fakeSteps) MarkEmailFailed(ctx context.Context, id string, cause error) {}

func TestReportHandlersSkipRetryForMissingAssessment(t *testing.T) {
	q := NewMemoryQueue(8)
	steps := &fakeSteps{pdfErr: services.NewNotFoundError("assessment not found")}
	startRunner(t, q, func(r *Runner) { RegisterReportHandlers(r, steps) })

	d := NewDispatcher(q)
	require.NoError(t, d.DispatchPDF(context.Background(), "gone"))
	require.NoError(t, d.DispatchEmail(context.Background(), "ok"))
	waitStats(t, q, Stats{Completed: 1, Failed: 1})

	steps.mu.Lock()
	defer steps.mu.Unlock()
	assert.Equal(t, 1, steps.pdfCalls)
	assert.Equal(t, 1, steps.emails)
	assert.Equal(t, []string{"gone"}, steps.pdfFailed)
}
