package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Handler performs one attempt of a job.
type Handler func(ctx context.Context, assessmentID string) error

// FailureHook runs once a job has used up its attempts.
type FailureHook func(ctx context.Context, assessmentID string, err error)

type Options struct {
	Workers     int
	Attempts    int
	BaseBackoff time.Duration
	Timeout     time.Duration
}

// DefaultOptions mirrors the delivery policy: three attempts with
// exponential backoff starting at five seconds.
func DefaultOptions() Options {
	return Options{Workers: 2, Attempts: 3, BaseBackoff: 5 * time.Second, Timeout: 60 * time.Second}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = d.BaseBackoff
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

type registration struct {
	handler   Handler
	onFailure FailureHook
}

type Runner struct {
	queue    Queue
	opts     Options
	mu       sync.RWMutex
	handlers map[Kind]registration
	wg       sync.WaitGroup
}

func NewRunner(queue Queue, opts Options) *Runner {
	return &Runner{queue: queue, opts: opts.withDefaults(), handlers: map[Kind]registration{}}
}

// Handle registers the handler for kind. onFailure may be nil.
func (r *Runner) Handle(kind Kind, h Handler, onFailure FailureHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = registration{handler: h, onFailure: onFailure}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Start launches the workers. They stop when ctx is done or the queue closes.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.work(ctx, id)
		}(i)
	}
	log.Printf("jobs: started %d workers (attempts=%d backoff=%s)", r.opts.Workers, r.opts.Attempts, r.opts.BaseBackoff)
}

// Wait blocks until every worker has returned.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) work(ctx context.Context, id int) {
	for {
		job, err := r.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			log.Printf("jobs: worker %d: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.process(ctx, job)
	}
}

func (r *Runner) process(ctx context.Context, job Job) {
	r.mu.RLock()
	reg, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	// acknowledgements must land even while shutting down
	ackCtx := context.WithoutCancel(ctx)
	if !ok {
		log.Printf("jobs: no handler for %s, dropping %s", job.Kind, job.ID)
		r.ack(ackCtx, job, false)
		return
	}
	err := r.run(ctx, job, reg.handler)
	if err == nil {
		r.ack(ackCtx, job, true)
		return
	}
	if ctx.Err() != nil {
		// interrupted by shutdown: leave the outcome to the next start
		log.Printf("jobs: %s interrupted: %v", job.ID, err)
		return
	}
	log.Printf("jobs: %s failed permanently: %v", job.ID, err)
	if reg.onFailure != nil {
		reg.onFailure(ackCtx, job.AssessmentID, err)
	}
	r.ack(ackCtx, job, false)
}

func (r *Runner) run(ctx context.Context, job Job, h Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.Attempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
		err := h(actx, job.AssessmentID)
		if err != nil {
			log.Printf("jobs: %s attempt %d/%d: %v", job.ID, attempt, r.opts.Attempts, err)
		}
		return err
	}, policy)
}

func (r *Runner) ack(ctx context.Context, job Job, success bool) {
	if err := r.queue.Ack(ctx, job, success); err != nil {
		log.Printf("jobs: %v", err)
	}
}
