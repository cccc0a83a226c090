package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/soaringjerry/aimaturity/internal/services"
)

// Dispatcher turns report requests into queued jobs.
type Dispatcher struct {
	queue Queue
	now   func() time.Time
}

var _ services.ReportDispatcher = (*Dispatcher)(nil)

func NewDispatcher(queue Queue) *Dispatcher {
	return &Dispatcher{queue: queue, now: func() time.Time { return time.Now().UTC() }}
}

func (d *Dispatcher) DispatchPDF(ctx context.Context, assessmentID string) error {
	return d.enqueue(ctx, NewJob(KindPDF, assessmentID, d.now()))
}

func (d *Dispatcher) DispatchEmail(ctx context.Context, assessmentID string) error {
	return d.enqueue(ctx, NewJob(KindEmail, assessmentID, d.now()))
}

func (d *Dispatcher) enqueue(ctx context.Context, job Job) error {
	err := d.queue.Enqueue(ctx, job)
	if errors.Is(err, ErrDuplicate) {
		log.Printf("jobs: %s already pending", job.ID)
		return nil
	}
	return err
}

// ReportSteps is the part of the report service the workers drive.
type ReportSteps interface {
	GeneratePDF(ctx context.Context, assessmentID string) error
	SendEmail(ctx context.Context, assessmentID string) error
	MarkPDFFailed(ctx context.Context, assessmentID string, cause error)
	MarkEmailFailed(ctx context.Context, assessmentID string, cause error)
}

// RegisterReportHandlers wires the pdf and email kinds to steps. Missing
// assessments are not retried.
func RegisterReportHandlers(r *Runner, steps ReportSteps) {
	r.Handle(KindPDF, permanentOnNotFound(steps.GeneratePDF), steps.MarkPDFFailed)
	r.Handle(KindEmail, permanentOnNotFound(steps.SendEmail), steps.MarkEmailFailed)
}

func permanentOnNotFound(h Handler) Handler {
	return func(ctx context.Context, id string) error {
		err := h(ctx, id)
		if services.IsCode(err, services.ErrorNotFound) {
			return Permanent(err)
		}
		return err
	}
}
