package services

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type ExportStore interface {
	GetVersion(ctx context.Context, id string) (*QuestionnaireVersion, error)
	ListAssessments(ctx context.Context, filter AssessmentFilter) ([]*Assessment, error)
}

type ExportParams struct {
	VersionID string
	Format    string
}

type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
}

type ExportService struct {
	store ExportStore
}

func NewExportService(store ExportStore) *ExportService {
	return &ExportService{store: store}
}

// ExportCSV exports the submitted assessments of one version in long, wide
// or score format.
func (s *ExportService) ExportCSV(ctx context.Context, params ExportParams) (*ExportResult, error) {
	if params.VersionID == "" {
		return nil, NewFieldError("validation failed", map[string]string{"version_id": "is required"})
	}
	format := params.Format
	if format == "" {
		format = "long"
	}
	v, err := s.store.GetVersion(ctx, params.VersionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError(msgVersionNotFound)
	}
	sortTree(v)
	list, err := s.store.ListAssessments(ctx, AssessmentFilter{VersionID: v.ID, Statuses: SubmittedStatuses})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	name := func(kind string) string { return fmt.Sprintf("v%d-%s.csv", v.VersionNumber, kind) }

	switch format {
	case "long":
		b, err := ExportLongCSV(buildLongRows(v, list))
		if err != nil {
			return nil, err
		}
		return &ExportResult{Filename: name("long"), ContentType: "text/csv; charset=utf-8", Data: b}, nil
	case "wide":
		mp := make(map[string]map[string]int, len(list))
		for _, a := range list {
			mp[a.ID] = a.Answers
		}
		codes := make([]string, 0)
		for _, q := range questionsInOrder(v) {
			codes = append(codes, q.Code)
		}
		b, err := ExportWideCSV(mp, codes)
		if err != nil {
			return nil, err
		}
		return &ExportResult{Filename: name("wide"), ContentType: "text/csv; charset=utf-8", Data: b}, nil
	case "score":
		areaCodes := make([]string, 0, len(v.Areas))
		for _, a := range v.Areas {
			areaCodes = append(areaCodes, a.Code)
		}
		b, err := ExportScoreCSV(buildScoreRows(list), areaCodes)
		if err != nil {
			return nil, err
		}
		return &ExportResult{Filename: name("score"), ContentType: "text/csv; charset=utf-8", Data: b}, nil
	default:
		return nil, NewFieldError("validation failed", map[string]string{"format": "must be one of long wide score"})
	}
}

func buildLongRows(v *QuestionnaireVersion, list []*Assessment) []LongRow {
	questions := questionsInOrder(v)
	rows := make([]LongRow, 0, len(list)*len(questions))
	for _, a := range list {
		submitted := formatTime(a.SubmittedAt)
		for _, q := range questions {
			val, ok := a.Answers[q.Code]
			if !ok {
				continue
			}
			rows = append(rows, LongRow{AssessmentID: a.ID, QuestionCode: q.Code, Value: val, SubmittedAt: submitted})
		}
	}
	return rows
}

func buildScoreRows(list []*Assessment) []ScoreRow {
	rows := make([]ScoreRow, 0, len(list))
	for _, a := range list {
		if a.Scores == nil {
			continue
		}
		areas := make(map[string]float64, len(a.Scores.Areas))
		for _, as := range a.Scores.Areas {
			areas[as.Code] = as.AreaPercentage
		}
		rows = append(rows, ScoreRow{
			AssessmentID:  a.ID,
			Email:         a.Email,
			TotalScore:    a.Scores.TotalScore,
			MaturityLevel: a.Scores.MaturityLevel,
			Areas:         areas,
			SubmittedAt:   formatTime(a.SubmittedAt),
		})
	}
	return rows
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
