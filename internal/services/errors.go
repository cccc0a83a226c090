package services

import (
	"errors"
	"sort"
	"strings"
)

type ErrorCode string

const (
	ErrorInvalid         ErrorCode = "invalid"
	ErrorNotFound        ErrorCode = "not_found"
	ErrorConflict        ErrorCode = "conflict"
	ErrorComputation     ErrorCode = "computation"
	ErrorUnauthorized    ErrorCode = "unauthorized"
	ErrorBadGateway      ErrorCode = "bad_gateway"
	ErrorTooManyRequests ErrorCode = "too_many_requests"
)

// ServiceError is a domain failure the transport layer can report verbatim.
// Fields carries per-field validation detail and is nil for other codes.
type ServiceError struct {
	Code    ErrorCode
	Message string
	Fields  map[string]string
}

func (e *ServiceError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

func NewInvalidError(msg string) error { return &ServiceError{Code: ErrorInvalid, Message: msg} }

func NewFieldError(msg string, fields map[string]string) error {
	return &ServiceError{Code: ErrorInvalid, Message: msg, Fields: fields}
}

func NewNotFoundError(msg string) error    { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error    { return &ServiceError{Code: ErrorConflict, Message: msg} }
func NewComputationError(msg string) error { return &ServiceError{Code: ErrorComputation, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func NewBadGatewayError(msg string) error { return &ServiceError{Code: ErrorBadGateway, Message: msg} }

func NewTooManyRequestsError(msg string) error {
	return &ServiceError{Code: ErrorTooManyRequests, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether err is a ServiceError carrying code.
func IsCode(err error, code ErrorCode) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == code
}

// Store-level outcomes of compare-and-swap writes. Services translate them
// into conflicts with a specific reason.
var (
	ErrVersionNotDraft     = errors.New("questionnaire version is not a draft")
	ErrVersionStateChanged = errors.New("questionnaire version status changed")
	ErrAssessmentNotDraft  = errors.New("assessment is not a draft")
	ErrNotFound            = errors.New("record not found")
	// ErrActiveDrafts blocks archiving while draft assessments remain bound.
	ErrActiveDrafts = errors.New("version has draft assessments")
	// ErrVersionNotPublished rejects a new draft bound to a version that is
	// no longer published.
	ErrVersionNotPublished = errors.New("questionnaire version is not published")
)

// Messages shared between services and tests.
const (
	msgNoPublishedVersion   = "no published version"
	msgVersionNotFound      = "questionnaire version not found"
	msgAssessmentNotFound   = "assessment not found"
	msgCannotModifyVersion  = "cannot modify a published or archived version"
	msgAlreadyPublished     = "version is already published"
	msgPublishArchived      = "cannot publish an archived version"
	msgActiveDrafts         = "active draft assessments exist"
	msgAlreadyArchived      = "version is already archived"
	msgArchiveDraft         = "only published versions can be archived"
	msgDeleteNotDraft       = "only draft versions can be deleted"
	msgDeleteReferenced     = "cannot delete version with assessments"
	msgCannotUpdateAnswers  = "cannot update answers of a submitted assessment"
	msgAlreadySubmitted     = "assessment already submitted"
	msgNotYetSubmitted      = "assessment not yet submitted"
	msgNoValidAreas         = "no valid areas could be scored from the given answers"
	msgConsentRequired      = "consent is required"
	msgInvalidCredentials   = "invalid credentials"
	msgReportUnavailable    = "report generation failed"
)
