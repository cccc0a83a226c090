package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/soaringjerry/aimaturity/internal/scoring"
)

// ReportInput is everything a renderer or mailer needs about one assessment.
type ReportInput struct {
	AssessmentID  string
	Email         string
	Name          string
	Locale        string
	VersionNumber int
	SubmittedAt   time.Time
	Scores        *scoring.TotalScore
}

type Renderer interface {
	Render(ctx context.Context, in ReportInput) ([]byte, error)
}

type Mailer interface {
	// SendReport delivers the PDF to in.Email and returns the message id.
	SendReport(ctx context.Context, in ReportInput, pdf []byte) (string, error)
}

type ReportStore interface {
	GetAssessment(ctx context.Context, id string) (*Assessment, error)
	GetVersion(ctx context.Context, id string) (*QuestionnaireVersion, error)
	// TransitionReportStatus applies t only while the current status is in
	// t.From and reports whether a row changed.
	TransitionReportStatus(ctx context.Context, id string, t ReportTransition) (bool, error)
	ListAssessments(ctx context.Context, filter AssessmentFilter) ([]*Assessment, error)
}

// ReportService runs the PDF and email steps that follow a submission. Both
// steps are idempotent so queued deliveries can repeat safely.
type ReportService struct {
	store      ReportStore
	renderer   Renderer
	mailer     Mailer
	dispatcher ReportDispatcher
	now        func() time.Time
}

func NewReportService(store ReportStore, renderer Renderer, mailer Mailer, dispatcher ReportDispatcher) *ReportService {
	return &ReportService{
		store:      store,
		renderer:   renderer,
		mailer:     mailer,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher wires the queue after construction; the queue handlers and the
// service reference each other.
func (s *ReportService) SetDispatcher(d ReportDispatcher) { s.dispatcher = d }

func (s *ReportService) input(ctx context.Context, a *Assessment) (ReportInput, error) {
	in := ReportInput{
		AssessmentID: a.ID,
		Email:        a.Email,
		Name:         a.Name,
		Locale:       a.Locale,
		Scores:       a.Scores,
	}
	if a.SubmittedAt != nil {
		in.SubmittedAt = *a.SubmittedAt
	}
	v, err := s.store.GetVersion(ctx, a.VersionID)
	if err != nil {
		return in, err
	}
	if v != nil {
		in.VersionNumber = v.VersionNumber
	}
	return in, nil
}

func (s *ReportService) load(ctx context.Context, id string) (*Assessment, error) {
	a, err := s.store.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError(msgAssessmentNotFound)
	}
	return a, nil
}

// GeneratePDF renders the report for a submitted assessment and queues the
// email. A PDF produced by an earlier download only queues the email; later
// statuses are skipped.
func (s *ReportService) GeneratePDF(ctx context.Context, id string) error {
	a, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == AssessmentPDFGenerated && a.EmailSentAt == nil {
		// A download already produced the PDF; the email still has to go out.
		s.queueEmail(ctx, id)
		return nil
	}
	if a.Status != AssessmentSubmitted && a.Status != AssessmentFailed {
		log.Printf("report service: pdf for %s skipped, status %s", id, a.Status)
		return nil
	}
	in, err := s.input(ctx, a)
	if err != nil {
		return err
	}
	pdf, err := s.renderer.Render(ctx, in)
	if err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	now := s.now()
	ok, err := s.store.TransitionReportStatus(ctx, id, ReportTransition{
		From:           []AssessmentStatus{AssessmentSubmitted, AssessmentFailed},
		To:             AssessmentPDFGenerated,
		PDFGeneratedAt: &now,
		At:             now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	log.Printf("report service: pdf generated for %s (%d bytes)", id, len(pdf))
	s.queueEmail(ctx, id)
	return nil
}

func (s *ReportService) queueEmail(ctx context.Context, id string) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.DispatchEmail(ctx, id); err != nil {
		log.Printf("report service: dispatch email for %s: %v", id, err)
	}
}

// SendEmail delivers the report. The PDF is rendered again since generated
// artifacts are not stored.
func (s *ReportService) SendEmail(ctx context.Context, id string) error {
	a, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != AssessmentPDFGenerated && a.Status != AssessmentEmailFailed {
		log.Printf("report service: email for %s skipped, status %s", id, a.Status)
		return nil
	}
	in, err := s.input(ctx, a)
	if err != nil {
		return err
	}
	pdf, err := s.renderer.Render(ctx, in)
	if err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	msgID, err := s.mailer.SendReport(ctx, in, pdf)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	now := s.now()
	if _, err := s.store.TransitionReportStatus(ctx, id, ReportTransition{
		From:        []AssessmentStatus{AssessmentPDFGenerated, AssessmentEmailFailed},
		To:          AssessmentEmailSent,
		EmailSentAt: &now,
		At:          now,
	}); err != nil {
		return err
	}
	log.Printf("report service: email sent for %s message=%s", id, msgID)
	return nil
}

// MarkPDFFailed records a terminal PDF failure.
func (s *ReportService) MarkPDFFailed(ctx context.Context, id string, cause error) {
	log.Printf("report service: pdf for %s failed: %v", id, cause)
	if _, err := s.store.TransitionReportStatus(ctx, id, ReportTransition{
		From: []AssessmentStatus{AssessmentSubmitted},
		To:   AssessmentFailed,
		At:   s.now(),
	}); err != nil {
		log.Printf("report service: mark %s failed: %v", id, err)
	}
}

// MarkEmailFailed records a terminal email failure.
func (s *ReportService) MarkEmailFailed(ctx context.Context, id string, cause error) {
	log.Printf("report service: email for %s failed: %v", id, cause)
	if _, err := s.store.TransitionReportStatus(ctx, id, ReportTransition{
		From: []AssessmentStatus{AssessmentPDFGenerated},
		To:   AssessmentEmailFailed,
		At:   s.now(),
	}); err != nil {
		log.Printf("report service: mark %s email failed: %v", id, err)
	}
}

// RenderOnDemand renders the PDF for a download request. A render failure is
// reported as a bad gateway since it belongs to the collaborator.
func (s *ReportService) RenderOnDemand(ctx context.Context, id string) ([]byte, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.IsSubmitted() || a.Scores == nil {
		return nil, NewConflictError(msgNotYetSubmitted)
	}
	in, err := s.input(ctx, a)
	if err != nil {
		return nil, err
	}
	pdf, err := s.renderer.Render(ctx, in)
	if err != nil {
		log.Printf("report service: on-demand pdf for %s: %v", id, err)
		return nil, NewBadGatewayError(msgReportUnavailable)
	}
	if a.Status == AssessmentSubmitted {
		now := s.now()
		ok, err := s.store.TransitionReportStatus(ctx, id, ReportTransition{
			From:           []AssessmentStatus{AssessmentSubmitted},
			To:             AssessmentPDFGenerated,
			PDFGeneratedAt: &now,
			At:             now,
		})
		if err != nil {
			log.Printf("report service: mark %s pdf generated: %v", id, err)
		} else if ok {
			s.queueEmail(ctx, id)
		}
	}
	return pdf, nil
}

// RetryPending re-dispatches reports stuck before delivery: PDFs for
// submitted or failed assessments, emails for those without emailSentAt.
func (s *ReportService) RetryPending(ctx context.Context) (pdfs, emails int, err error) {
	if s.dispatcher == nil {
		return 0, 0, fmt.Errorf("report dispatcher not configured")
	}
	pending, err := s.store.ListAssessments(ctx, AssessmentFilter{Statuses: []AssessmentStatus{
		AssessmentSubmitted, AssessmentFailed, AssessmentPDFGenerated, AssessmentEmailFailed,
	}})
	if err != nil {
		return 0, 0, err
	}
	for _, a := range pending {
		switch a.Status {
		case AssessmentSubmitted, AssessmentFailed:
			if err := s.dispatcher.DispatchPDF(ctx, a.ID); err != nil {
				return pdfs, emails, err
			}
			pdfs++
		default:
			if a.EmailSentAt != nil {
				continue
			}
			if err := s.dispatcher.DispatchEmail(ctx, a.ID); err != nil {
				return pdfs, emails, err
			}
			emails++
		}
	}
	return pdfs, emails, nil
}
