package services

import (
	"time"

	"github.com/soaringjerry/aimaturity/internal/scoring"
)

type VersionStatus string

const (
	VersionDraft     VersionStatus = "DRAFT"
	VersionPublished VersionStatus = "PUBLISHED"
	VersionArchived  VersionStatus = "ARCHIVED"
)

func (s VersionStatus) IsValid() bool {
	switch s {
	case VersionDraft, VersionPublished, VersionArchived:
		return true
	}
	return false
}

type AssessmentStatus string

const (
	AssessmentDraft        AssessmentStatus = "DRAFT"
	AssessmentSubmitted    AssessmentStatus = "SUBMITTED"
	AssessmentPDFGenerated AssessmentStatus = "PDF_GENERATED"
	AssessmentEmailSent    AssessmentStatus = "EMAIL_SENT"
	AssessmentFailed       AssessmentStatus = "FAILED"
	AssessmentEmailFailed  AssessmentStatus = "EMAIL_FAILED"
)

func (s AssessmentStatus) IsValid() bool {
	switch s {
	case AssessmentDraft, AssessmentSubmitted, AssessmentPDFGenerated,
		AssessmentEmailSent, AssessmentFailed, AssessmentEmailFailed:
		return true
	}
	return false
}

// IsSubmitted is true for every status reached after a successful submit.
func (s AssessmentStatus) IsSubmitted() bool {
	return s != AssessmentDraft && s.IsValid()
}

// SubmittedStatuses lists every status that carries a score snapshot.
var SubmittedStatuses = []AssessmentStatus{
	AssessmentSubmitted, AssessmentPDFGenerated, AssessmentEmailSent,
	AssessmentFailed, AssessmentEmailFailed,
}

type QuestionnaireVersion struct {
	ID            string        `json:"id"`
	VersionNumber int           `json:"versionNumber"`
	Status        VersionStatus `json:"status"`
	PublishedAt   *time.Time    `json:"publishedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	Areas         []*Area       `json:"areas"`
}

// VersionSummary is a version header annotated with counts for listings.
type VersionSummary struct {
	ID              string        `json:"id"`
	VersionNumber   int           `json:"versionNumber"`
	Status          VersionStatus `json:"status"`
	PublishedAt     *time.Time    `json:"publishedAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	AreaCount       int           `json:"areaCount"`
	AssessmentCount int           `json:"assessmentCount"`
}

type Area struct {
	ID          string     `json:"id"`
	VersionID   string     `json:"versionId"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Weight      float64    `json:"weight"`
	Order       int        `json:"order"`
	Elements    []*Element `json:"elements"`
}

type Element struct {
	ID          string      `json:"id"`
	AreaID      string      `json:"areaId"`
	Code        string      `json:"code"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Weight      float64     `json:"weight"`
	Order       int         `json:"order"`
	Questions   []*Question `json:"questions"`
}

type Question struct {
	ID                string `json:"id"`
	ElementID         string `json:"elementId"`
	Code              string `json:"code"`
	Text              string `json:"questionText"`
	LevelsDescription string `json:"levelsDescription"`
	ScaleMin          int    `json:"scaleMin"`
	ScaleMax          int    `json:"scaleMax"`
	Order             int    `json:"order"`
}

// QuestionCount walks the tree and counts every question.
func (v *QuestionnaireVersion) QuestionCount() int {
	n := 0
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			n += len(e.Questions)
		}
	}
	return n
}

// QuestionByCode finds a question anywhere in the tree.
func (v *QuestionnaireVersion) QuestionByCode(code string) *Question {
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			for _, q := range e.Questions {
				if q.Code == code {
					return q
				}
			}
		}
	}
	return nil
}

type Assessment struct {
	ID             string              `json:"id"`
	VersionID      string              `json:"questionnaireVersionId"`
	Email          string              `json:"userEmail"`
	Name           string              `json:"userName,omitempty"`
	ConsentGiven   bool                `json:"consentGiven"`
	AccessToken    string              `json:"accessToken,omitempty"`
	Status         AssessmentStatus    `json:"status"`
	Answers        map[string]int      `json:"answers"`
	Scores         *scoring.TotalScore `json:"calculatedScores,omitempty"`
	Locale         string              `json:"locale,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	SubmittedAt    *time.Time          `json:"submittedAt,omitempty"`
	PDFGeneratedAt *time.Time          `json:"pdfGeneratedAt,omitempty"`
	EmailSentAt    *time.Time          `json:"emailSentAt,omitempty"`
	RetentionUntil time.Time           `json:"dataRetentionUntil"`
}

// AssessmentFilter narrows ListAssessments. Zero values mean "any".
type AssessmentFilter struct {
	VersionID string
	Statuses  []AssessmentStatus
	Limit     int
	Offset    int
}

// ReportTransition moves an assessment between report statuses. The write
// only applies while the current status is one of From.
type ReportTransition struct {
	From           []AssessmentStatus
	To             AssessmentStatus
	PDFGeneratedAt *time.Time
	EmailSentAt    *time.Time
	At             time.Time
}

type AreaPatch struct {
	Name        *string  `json:"name" validate:"omitempty,min=1,max=200"`
	Description *string  `json:"description" validate:"omitempty,max=2000"`
	Weight      *float64 `json:"weight" validate:"omitempty,gte=0,lte=1"`
	Order       *int     `json:"order" validate:"omitempty,gte=0"`
}

type ElementPatch struct {
	Name        *string  `json:"name" validate:"omitempty,min=1,max=200"`
	Description *string  `json:"description" validate:"omitempty,max=2000"`
	Weight      *float64 `json:"weight" validate:"omitempty,gte=0,lte=1"`
	Order       *int     `json:"order" validate:"omitempty,gte=0"`
}

type QuestionPatch struct {
	Text              *string `json:"questionText" validate:"omitempty,min=1,max=2000"`
	LevelsDescription *string `json:"levelsDescription" validate:"omitempty,max=4000"`
	ScaleMin          *int    `json:"scaleMin" validate:"omitempty,gte=0"`
	ScaleMax          *int    `json:"scaleMax" validate:"omitempty,gte=1"`
	Order             *int    `json:"order" validate:"omitempty,gte=0"`
}
