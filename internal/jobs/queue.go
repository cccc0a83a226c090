// Package jobs runs the post-submission report steps in the background.
package jobs

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindPDF   Kind = "pdf"
	KindEmail Kind = "email"
)

var (
	// ErrDuplicate is returned by Enqueue when a job with the same id is
	// still waiting or running.
	ErrDuplicate = errors.New("jobs: job already pending")
	ErrClosed    = errors.New("jobs: queue closed")
	ErrFull      = errors.New("jobs: queue full")
)

// Job is one unit of work for a single assessment. Ids are derived from the
// kind and assessment so the same step is never queued twice.
type Job struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	AssessmentID string    `json:"assessmentId"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`

	// raw is the encoded payload a Redis queue needs to acknowledge the job.
	raw string
}

func NewJob(kind Kind, assessmentID string, at time.Time) Job {
	return Job{ID: string(kind) + "-" + assessmentID, Kind: kind, AssessmentID: assessmentID, EnqueuedAt: at}
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Next blocks until a job is available, ctx is done or the queue closes.
	Next(ctx context.Context) (Job, error)
	// Ack removes a job handed out by Next and records its outcome.
	Ack(ctx context.Context, job Job, success bool) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
