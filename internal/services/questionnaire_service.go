package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/aimaturity/internal/scoring"
)

// ErrVersionNumberTaken is returned by InsertVersion when another writer
// claimed the same version number first.
var ErrVersionNumberTaken = errors.New("version number already taken")

// QuestionnaireStore persists versions and their area/element/question tree.
// Getters return (nil, nil) when the record does not exist.
type QuestionnaireStore interface {
	ListVersions(ctx context.Context) ([]*VersionSummary, error)
	GetVersion(ctx context.Context, id string) (*QuestionnaireVersion, error)
	GetLatestPublished(ctx context.Context) (*QuestionnaireVersion, error)
	MaxVersionNumber(ctx context.Context) (int, error)
	InsertVersion(ctx context.Context, v *QuestionnaireVersion) error
	// PublishVersion archives every PUBLISHED version and publishes id in one
	// transaction. It returns ErrVersionNotDraft when id is no longer a draft.
	PublishVersion(ctx context.Context, id string, at time.Time) error
	// ArchiveVersion moves a PUBLISHED version to ARCHIVED unless a DRAFT
	// assessment is bound to it, checked in the same write. It returns
	// ErrVersionStateChanged when id is not published and ErrActiveDrafts
	// when drafts remain.
	ArchiveVersion(ctx context.Context, id string, at time.Time) error
	DeleteVersion(ctx context.Context, id string) error
	CountAssessments(ctx context.Context, versionID string, statuses ...AssessmentStatus) (int, error)
	// Update* write only while the owning version is a draft and return
	// ErrVersionNotDraft otherwise, or ErrNotFound for a foreign id.
	UpdateArea(ctx context.Context, versionID string, a *Area) error
	UpdateElement(ctx context.Context, versionID string, e *Element) error
	UpdateQuestion(ctx context.Context, versionID string, q *Question) error
}

type QuestionnaireService struct {
	store       QuestionnaireStore
	now         func() time.Time
	idGenerator func() string
}

func NewQuestionnaireService(store QuestionnaireStore) *QuestionnaireService {
	return &QuestionnaireService{
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

func (s *QuestionnaireService) ListVersions(ctx context.Context) ([]*VersionSummary, error) {
	list, err := s.store.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].VersionNumber > list[j].VersionNumber })
	return list, nil
}

// GetVersion returns nil without error when the version does not exist.
func (s *QuestionnaireService) GetVersion(ctx context.Context, id string) (*QuestionnaireVersion, error) {
	v, err := s.store.GetVersion(ctx, id)
	if err != nil || v == nil {
		return nil, err
	}
	sortTree(v)
	return v, nil
}

func (s *QuestionnaireService) mustGetVersion(ctx context.Context, id string) (*QuestionnaireVersion, error) {
	v, err := s.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError(msgVersionNotFound)
	}
	return v, nil
}

func (s *QuestionnaireService) GetLatestPublished(ctx context.Context) (*QuestionnaireVersion, error) {
	v, err := s.store.GetLatestPublished(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError(msgNoPublishedVersion)
	}
	sortTree(v)
	return v, nil
}

// Clone deep-copies the tree of sourceID into a new draft numbered after the
// highest existing version.
func (s *QuestionnaireService) Clone(ctx context.Context, sourceID string) (*QuestionnaireVersion, error) {
	src, err := s.mustGetVersion(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return s.insertDraft(ctx, src.Areas)
}

// insertDraft stores a copy of areas as a new draft. Version numbers are
// claimed optimistically and retried when a concurrent writer wins.
func (s *QuestionnaireService) insertDraft(ctx context.Context, areas []*Area) (*QuestionnaireVersion, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		maxNum, err := s.store.MaxVersionNumber(ctx)
		if err != nil {
			return nil, err
		}
		now := s.now()
		v := &QuestionnaireVersion{
			ID:            s.idGenerator(),
			VersionNumber: maxNum + 1,
			Status:        VersionDraft,
			CreatedAt:     now,
			UpdatedAt:     now,
			Areas:         s.copyAreas(areas),
		}
		for _, a := range v.Areas {
			a.VersionID = v.ID
		}
		err = s.store.InsertVersion(ctx, v)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrVersionNumberTaken) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("insert draft version: %w", lastErr)
}

func (s *QuestionnaireService) copyAreas(src []*Area) []*Area {
	out := make([]*Area, 0, len(src))
	for _, a := range src {
		na := &Area{
			ID:          s.idGenerator(),
			Code:        a.Code,
			Name:        a.Name,
			Description: a.Description,
			Weight:      a.Weight,
			Order:       a.Order,
		}
		for _, e := range a.Elements {
			ne := &Element{
				ID:          s.idGenerator(),
				AreaID:      na.ID,
				Code:        e.Code,
				Name:        e.Name,
				Description: e.Description,
				Weight:      e.Weight,
				Order:       e.Order,
			}
			for _, q := range e.Questions {
				ne.Questions = append(ne.Questions, &Question{
					ID:                s.idGenerator(),
					ElementID:         ne.ID,
					Code:              q.Code,
					Text:              q.Text,
					LevelsDescription: q.LevelsDescription,
					ScaleMin:          q.ScaleMin,
					ScaleMax:          q.ScaleMax,
					Order:             q.Order,
				})
			}
			na.Elements = append(na.Elements, ne)
		}
		out = append(out, na)
	}
	return out
}

func (s *QuestionnaireService) Publish(ctx context.Context, id string) (*QuestionnaireVersion, error) {
	v, err := s.mustGetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case VersionPublished:
		return nil, NewConflictError(msgAlreadyPublished)
	case VersionArchived:
		return nil, NewConflictError(msgPublishArchived)
	}
	check := weightsOf(v)
	if !check.Valid {
		return nil, NewFieldError("area weights must sum to 1.0", map[string]string{"areas": check.Error})
	}
	if err := s.store.PublishVersion(ctx, id, s.now()); err != nil {
		if errors.Is(err, ErrVersionNotDraft) {
			return nil, NewConflictError(msgAlreadyPublished)
		}
		return nil, err
	}
	log.Printf("questionnaire service: published version %d (%s)", v.VersionNumber, v.ID)
	return s.mustGetVersion(ctx, id)
}

// Archive retires a published version. Drafts are deleted rather than archived.
func (s *QuestionnaireService) Archive(ctx context.Context, id string) (*QuestionnaireVersion, error) {
	v, err := s.mustGetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case VersionArchived:
		return nil, NewConflictError(msgAlreadyArchived)
	case VersionDraft:
		return nil, NewConflictError(msgArchiveDraft)
	}
	if err := s.store.ArchiveVersion(ctx, id, s.now()); err != nil {
		switch {
		case errors.Is(err, ErrActiveDrafts):
			return nil, NewConflictError(msgActiveDrafts)
		case errors.Is(err, ErrVersionStateChanged):
			return nil, NewConflictError(msgAlreadyArchived)
		}
		return nil, err
	}
	return s.mustGetVersion(ctx, id)
}

func (s *QuestionnaireService) Delete(ctx context.Context, id string) error {
	v, err := s.mustGetVersion(ctx, id)
	if err != nil {
		return err
	}
	if v.Status != VersionDraft {
		return NewConflictError(msgDeleteNotDraft)
	}
	n, err := s.store.CountAssessments(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return NewConflictError(msgDeleteReferenced)
	}
	if err := s.store.DeleteVersion(ctx, id); err != nil {
		if errors.Is(err, ErrVersionNotDraft) {
			return NewConflictError(msgDeleteNotDraft)
		}
		return err
	}
	return nil
}

func (s *QuestionnaireService) UpdateArea(ctx context.Context, versionID, areaID string, patch AreaPatch) (*Area, error) {
	if err := validateStruct(patch); err != nil {
		return nil, err
	}
	v, err := s.draftVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	var area *Area
	for _, a := range v.Areas {
		if a.ID == areaID {
			area = a
			break
		}
	}
	if area == nil {
		return nil, NewNotFoundError("area not found")
	}
	if patch.Name != nil {
		area.Name = *patch.Name
	}
	if patch.Description != nil {
		area.Description = *patch.Description
	}
	if patch.Weight != nil {
		area.Weight = *patch.Weight
	}
	if patch.Order != nil {
		area.Order = *patch.Order
	}
	if err := s.store.UpdateArea(ctx, versionID, area); err != nil {
		return nil, translateTreeWriteError(err, "area not found")
	}
	return area, nil
}

func (s *QuestionnaireService) UpdateElement(ctx context.Context, versionID, elementID string, patch ElementPatch) (*Element, error) {
	if err := validateStruct(patch); err != nil {
		return nil, err
	}
	v, err := s.draftVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	var el *Element
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			if e.ID == elementID {
				el = e
			}
		}
	}
	if el == nil {
		return nil, NewNotFoundError("element not found")
	}
	if patch.Name != nil {
		el.Name = *patch.Name
	}
	if patch.Description != nil {
		el.Description = *patch.Description
	}
	if patch.Weight != nil {
		el.Weight = *patch.Weight
	}
	if patch.Order != nil {
		el.Order = *patch.Order
	}
	if err := s.store.UpdateElement(ctx, versionID, el); err != nil {
		return nil, translateTreeWriteError(err, "element not found")
	}
	return el, nil
}

func (s *QuestionnaireService) UpdateQuestion(ctx context.Context, versionID, questionID string, patch QuestionPatch) (*Question, error) {
	if err := validateStruct(patch); err != nil {
		return nil, err
	}
	if patch.ScaleMin != nil && patch.ScaleMax != nil && *patch.ScaleMin >= *patch.ScaleMax {
		return nil, NewFieldError("invalid scale", map[string]string{"scaleMin": "must be less than scaleMax"})
	}
	v, err := s.draftVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	q := findQuestion(v, questionID)
	if q == nil {
		return nil, NewNotFoundError("question not found")
	}
	if patch.Text != nil {
		q.Text = *patch.Text
	}
	if patch.LevelsDescription != nil {
		q.LevelsDescription = *patch.LevelsDescription
	}
	if patch.ScaleMin != nil {
		q.ScaleMin = *patch.ScaleMin
	}
	if patch.ScaleMax != nil {
		q.ScaleMax = *patch.ScaleMax
	}
	if patch.Order != nil {
		q.Order = *patch.Order
	}
	if q.ScaleMin >= q.ScaleMax {
		return nil, NewFieldError("invalid scale", map[string]string{"scaleMin": "must be less than scaleMax"})
	}
	if err := s.store.UpdateQuestion(ctx, versionID, q); err != nil {
		return nil, translateTreeWriteError(err, "question not found")
	}
	return q, nil
}

// ValidateWeights is the read-only diagnostic also used before publishing.
func (s *QuestionnaireService) ValidateWeights(ctx context.Context, id string) (*scoring.WeightCheck, error) {
	v, err := s.mustGetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	check := weightsOf(v)
	return &check, nil
}

func (s *QuestionnaireService) draftVersion(ctx context.Context, id string) (*QuestionnaireVersion, error) {
	v, err := s.mustGetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status != VersionDraft {
		return nil, NewConflictError(msgCannotModifyVersion)
	}
	return v, nil
}

func translateTreeWriteError(err error, notFound string) error {
	switch {
	case errors.Is(err, ErrVersionNotDraft):
		return NewConflictError(msgCannotModifyVersion)
	case errors.Is(err, ErrNotFound):
		return NewNotFoundError(notFound)
	}
	return err
}

func findQuestion(v *QuestionnaireVersion, id string) *Question {
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			for _, q := range e.Questions {
				if q.ID == id {
					return q
				}
			}
		}
	}
	return nil
}

func weightsOf(v *QuestionnaireVersion) scoring.WeightCheck {
	weights := make([]float64, 0, len(v.Areas))
	for _, a := range v.Areas {
		weights = append(weights, a.Weight)
	}
	return scoring.ValidateWeights(weights)
}

// sortTree orders areas, elements and questions by their order field.
func sortTree(v *QuestionnaireVersion) {
	sort.SliceStable(v.Areas, func(i, j int) bool { return v.Areas[i].Order < v.Areas[j].Order })
	for _, a := range v.Areas {
		sort.SliceStable(a.Elements, func(i, j int) bool { return a.Elements[i].Order < a.Elements[j].Order })
		for _, e := range a.Elements {
			sort.SliceStable(e.Questions, func(i, j int) bool { return e.Questions[i].Order < e.Questions[j].Order })
		}
	}
}

// ScoringConfig builds the typed tree the scoring engine consumes.
func ScoringConfig(v *QuestionnaireVersion) scoring.Config {
	sortTree(v)
	cfg := scoring.Config{Areas: make([]scoring.AreaConfig, 0, len(v.Areas))}
	for _, a := range v.Areas {
		ac := scoring.AreaConfig{Code: a.Code, Name: a.Name, Weight: a.Weight}
		for _, e := range a.Elements {
			ec := scoring.ElementConfig{Code: e.Code, Name: e.Name}
			for _, q := range e.Questions {
				ec.Questions = append(ec.Questions, scoring.QuestionConfig{Code: q.Code, ScaleMin: q.ScaleMin, ScaleMax: q.ScaleMax})
			}
			ac.Elements = append(ac.Elements, ec)
		}
		cfg.Areas = append(cfg.Areas, ac)
	}
	return cfg
}
