package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/aimaturity/internal/scoring"
)

// DefaultRetention is how long respondent data is kept after creation.
const DefaultRetention = 2 * 365 * 24 * time.Hour

const createAttempts = 3

// AssessmentStore persists respondent assessments. Getters return (nil, nil)
// when the record does not exist.
type AssessmentStore interface {
	GetVersion(ctx context.Context, id string) (*QuestionnaireVersion, error)
	GetLatestPublished(ctx context.Context) (*QuestionnaireVersion, error)
	InsertAssessment(ctx context.Context, a *Assessment) error
	// InsertDraft inserts a new DRAFT only while its version is PUBLISHED,
	// checked in the same write, and returns ErrVersionNotPublished otherwise.
	InsertDraft(ctx context.Context, a *Assessment) error
	GetAssessment(ctx context.Context, id string) (*Assessment, error)
	// MergeAnswers merges answers into the stored map while the assessment is
	// a draft and returns the resulting answer count. ErrAssessmentNotDraft
	// signals a lost race with submit.
	MergeAnswers(ctx context.Context, id string, answers map[string]int, at time.Time) (int, error)
	// SaveSubmission stores the snapshot and flips DRAFT to SUBMITTED. It
	// returns ErrAssessmentNotDraft when the assessment was already submitted.
	SaveSubmission(ctx context.Context, id string, scores *scoring.TotalScore, at time.Time) error
	ListAssessments(ctx context.Context, filter AssessmentFilter) ([]*Assessment, error)
	DeleteExpiredAssessments(ctx context.Context, before time.Time) (int, error)
}

// ReportDispatcher hands report work to an out-of-band runner. Deliveries may
// repeat; consumers are keyed by assessment id.
type ReportDispatcher interface {
	DispatchPDF(ctx context.Context, assessmentID string) error
	DispatchEmail(ctx context.Context, assessmentID string) error
}

type CreateAssessmentRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Name         string `json:"name" validate:"omitempty,max=120"`
	ConsentGiven bool   `json:"consent" validate:"required"`
	Locale       string `json:"locale" validate:"omitempty,oneof=it en"`
}

type CreateAssessmentResult struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"accessToken"`
	VersionID   string    `json:"questionnaireVersionId"`
	CreatedAt   time.Time `json:"createdAt"`
}

type PatchAnswersResult struct {
	Success      bool `json:"success"`
	AnswersCount int  `json:"answersCount"`
}

// AssessmentResults is the public view of a submitted assessment.
type AssessmentResults struct {
	ID          string              `json:"id"`
	Status      AssessmentStatus    `json:"status"`
	SubmittedAt *time.Time          `json:"submittedAt,omitempty"`
	Scores      *scoring.TotalScore `json:"scores"`
}

type AssessmentService struct {
	store       AssessmentStore
	dispatcher  ReportDispatcher
	now         func() time.Time
	idGenerator func() string
	tokenGen    func() (string, error)
	retention   time.Duration
}

func NewAssessmentService(store AssessmentStore, dispatcher ReportDispatcher) *AssessmentService {
	return &AssessmentService{
		store:       store,
		dispatcher:  dispatcher,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
		tokenGen:    newAccessToken,
		retention:   DefaultRetention,
	}
}

// SetRetention overrides the data-retention window for new assessments.
func (s *AssessmentService) SetRetention(d time.Duration) {
	if d > 0 {
		s.retention = d
	}
}

func newAccessToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *AssessmentService) Create(ctx context.Context, req CreateAssessmentRequest) (*CreateAssessmentResult, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if !req.ConsentGiven {
		return nil, NewFieldError(msgConsentRequired, map[string]string{"consent": "must be true"})
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	token, err := s.tokenGen()
	if err != nil {
		return nil, err
	}
	locale := req.Locale
	if locale == "" {
		locale = "it"
	}
	now := s.now()
	a := &Assessment{
		ID:             s.idGenerator(),
		Email:          req.Email,
		Name:           req.Name,
		ConsentGiven:   true,
		AccessToken:    token,
		Status:         AssessmentDraft,
		Answers:        map[string]int{},
		Locale:         locale,
		CreatedAt:      now,
		UpdatedAt:      now,
		RetentionUntil: now.Add(s.retention),
	}
	// A publish or archive can retire the version between the read and the
	// insert; bind to whatever is published next.
	for attempt := 0; ; attempt++ {
		v, err := s.store.GetLatestPublished(ctx)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, NewNotFoundError(msgNoPublishedVersion)
		}
		a.VersionID = v.ID
		err = s.store.InsertDraft(ctx, a)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrVersionNotPublished) {
			return nil, err
		}
		if attempt == createAttempts-1 {
			return nil, NewConflictError(msgNoPublishedVersion)
		}
	}
	return &CreateAssessmentResult{ID: a.ID, AccessToken: token, VersionID: a.VersionID, CreatedAt: now}, nil
}

// PatchAnswers merges answers into a draft. Each value must fall inside the
// configured scale of its question; codes unknown to the bound version are
// held to the default 0..5 scale.
func (s *AssessmentService) PatchAnswers(ctx context.Context, id string, answers map[string]int) (*PatchAnswersResult, error) {
	if len(answers) == 0 {
		return nil, NewFieldError("validation failed", map[string]string{"answers": "is required"})
	}
	a, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != AssessmentDraft {
		return nil, NewConflictError(msgCannotUpdateAnswers)
	}
	v, err := s.store.GetVersion(ctx, a.VersionID)
	if err != nil {
		return nil, err
	}
	if fields := checkAnswerRanges(v, answers); len(fields) > 0 {
		return nil, NewFieldError("answer out of range", fields)
	}
	count, err := s.store.MergeAnswers(ctx, id, answers, s.now())
	if err != nil {
		switch {
		case errors.Is(err, ErrAssessmentNotDraft):
			return nil, NewConflictError(msgCannotUpdateAnswers)
		case errors.Is(err, ErrNotFound):
			return nil, NewNotFoundError(msgAssessmentNotFound)
		}
		return nil, err
	}
	return &PatchAnswersResult{Success: true, AnswersCount: count}, nil
}

func checkAnswerRanges(v *QuestionnaireVersion, answers map[string]int) map[string]string {
	fields := map[string]string{}
	for code, val := range answers {
		if strings.TrimSpace(code) == "" || len(code) > 64 {
			fields["answers"] = "question codes must be 1-64 characters"
			continue
		}
		lo, hi := 0, scoring.DefaultScaleMax
		if v != nil {
			if q := v.QuestionByCode(code); q != nil && q.ScaleMin < q.ScaleMax {
				lo, hi = q.ScaleMin, q.ScaleMax
			}
		}
		if val < lo || val > hi {
			fields["answers."+code] = fmt.Sprintf("must be between %d and %d", lo, hi)
		}
	}
	return fields
}

// Submit scores the draft against its bound version and freezes the result.
// Report generation is dispatched afterwards and never fails the call.
func (s *AssessmentService) Submit(ctx context.Context, id string) (*scoring.TotalScore, error) {
	a, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != AssessmentDraft {
		return nil, NewConflictError(msgAlreadySubmitted)
	}
	v, err := s.store.GetVersion(ctx, a.VersionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError(msgVersionNotFound)
	}
	scores, err := scoring.CalculateFullAssessment(a.Answers, ScoringConfig(v))
	if err != nil {
		if errors.Is(err, scoring.ErrNoValidAreas) {
			return nil, NewComputationError(msgNoValidAreas)
		}
		return nil, err
	}
	if err := s.store.SaveSubmission(ctx, id, scores, s.now()); err != nil {
		switch {
		case errors.Is(err, ErrAssessmentNotDraft):
			return nil, NewConflictError(msgAlreadySubmitted)
		case errors.Is(err, ErrNotFound):
			return nil, NewNotFoundError(msgAssessmentNotFound)
		}
		return nil, err
	}
	log.Printf("assessment service: submitted %s total=%.2f level=%s", id, scores.TotalScore, scores.MaturityLevel)
	if s.dispatcher != nil {
		if err := s.dispatcher.DispatchPDF(ctx, id); err != nil {
			log.Printf("assessment service: dispatch pdf for %s: %v", id, err)
		}
	}
	return scores, nil
}

func (s *AssessmentService) GetResults(ctx context.Context, id string) (*AssessmentResults, error) {
	a, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.IsSubmitted() || a.Scores == nil {
		return nil, NewConflictError(msgNotYetSubmitted)
	}
	return &AssessmentResults{ID: a.ID, Status: a.Status, SubmittedAt: a.SubmittedAt, Scores: a.Scores}, nil
}

// Get returns the full assessment record for admin views.
func (s *AssessmentService) Get(ctx context.Context, id string) (*Assessment, error) {
	return s.mustGet(ctx, id)
}

func (s *AssessmentService) List(ctx context.Context, filter AssessmentFilter) ([]*Assessment, error) {
	for _, st := range filter.Statuses {
		if !st.IsValid() {
			return nil, NewFieldError("validation failed", map[string]string{"status": "unknown status " + string(st)})
		}
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.ListAssessments(ctx, filter)
}

// PurgeExpired removes assessments whose retention window has passed.
func (s *AssessmentService) PurgeExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpiredAssessments(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("assessment service: purged %d expired assessments", n)
	}
	return n, nil
}

func (s *AssessmentService) mustGet(ctx context.Context, id string) (*Assessment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewNotFoundError(msgAssessmentNotFound)
	}
	a, err := s.store.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError(msgAssessmentNotFound)
	}
	return a, nil
}
