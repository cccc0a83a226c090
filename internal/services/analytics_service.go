package services

import (
	"context"
	"sort"

	"github.com/soaringjerry/aimaturity/internal/scoring"
)

type AnalyticsStore interface {
	GetVersion(ctx context.Context, id string) (*QuestionnaireVersion, error)
	ListAssessments(ctx context.Context, filter AssessmentFilter) ([]*Assessment, error)
}

type AnalyticsService struct {
	store AnalyticsStore
}

type AnalyticsQuestion struct {
	Code      string `json:"code"`
	Histogram []int  `json:"histogram"`
	Total     int    `json:"total"`
}

type AnalyticsArea struct {
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	MeanPercentage float64 `json:"meanPercentage"`
	N              int     `json:"n"`
}

type AnalyticsTimeseries struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type AnalyticsSummary struct {
	VersionID     string                `json:"versionId"`
	VersionNumber int                   `json:"versionNumber"`
	Submitted     int                   `json:"submitted"`
	MeanTotal     float64               `json:"meanTotal"`
	Levels        map[string]int        `json:"levels"`
	Areas         []AnalyticsArea       `json:"areas"`
	Questions     []AnalyticsQuestion   `json:"questions"`
	Timeseries    []AnalyticsTimeseries `json:"timeseries"`
	Alpha         float64               `json:"alpha"`
	N             int                   `json:"n"`
}

func NewAnalyticsService(store AnalyticsStore) *AnalyticsService {
	return &AnalyticsService{store: store}
}

// Summary aggregates every submitted assessment bound to versionID.
func (s *AnalyticsService) Summary(ctx context.Context, versionID string) (*AnalyticsSummary, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError(msgVersionNotFound)
	}
	sortTree(v)
	submitted, err := s.store.ListAssessments(ctx, AssessmentFilter{VersionID: versionID, Statuses: SubmittedStatuses})
	if err != nil {
		return nil, err
	}
	questions := questionsInOrder(v)
	levels := map[string]int{}
	for _, l := range scoring.Levels {
		levels[l] = 0
	}
	var totalSum float64
	scored := 0
	for _, a := range submitted {
		if a.Scores == nil {
			continue
		}
		totalSum += a.Scores.TotalScore
		levels[a.Scores.MaturityLevel]++
		scored++
	}
	mean := 0.0
	if scored > 0 {
		mean = totalSum / float64(scored)
	}
	matrix, n := buildAlphaMatrix(questions, submitted)
	return &AnalyticsSummary{
		VersionID:     v.ID,
		VersionNumber: v.VersionNumber,
		Submitted:     len(submitted),
		MeanTotal:     mean,
		Levels:        levels,
		Areas:         buildAreaMeans(v, submitted),
		Questions:     buildQuestionHistograms(questions, submitted),
		Timeseries:    buildTimeseries(submitted),
		Alpha:         CronbachAlpha(matrix),
		N:             n,
	}, nil
}

func questionsInOrder(v *QuestionnaireVersion) []*Question {
	var out []*Question
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			out = append(out, e.Questions...)
		}
	}
	return out
}

func buildAreaMeans(v *QuestionnaireVersion, submitted []*Assessment) []AnalyticsArea {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, a := range submitted {
		if a.Scores == nil {
			continue
		}
		for _, as := range a.Scores.Areas {
			sums[as.Code] += as.AreaPercentage
			counts[as.Code]++
		}
	}
	out := make([]AnalyticsArea, 0, len(v.Areas))
	for _, area := range v.Areas {
		item := AnalyticsArea{Code: area.Code, Name: area.Name, N: counts[area.Code]}
		if item.N > 0 {
			item.MeanPercentage = sums[area.Code] / float64(item.N)
		}
		out = append(out, item)
	}
	return out
}

func buildQuestionHistograms(questions []*Question, submitted []*Assessment) []AnalyticsQuestion {
	out := make([]AnalyticsQuestion, 0, len(questions))
	for _, q := range questions {
		lo, hi := q.ScaleMin, q.ScaleMax
		if hi <= lo {
			lo, hi = 0, scoring.DefaultScaleMax
		}
		item := AnalyticsQuestion{Code: q.Code, Histogram: make([]int, hi-lo+1)}
		for _, a := range submitted {
			val, ok := a.Answers[q.Code]
			if !ok || val < lo || val > hi {
				continue
			}
			item.Histogram[val-lo]++
			item.Total++
		}
		out = append(out, item)
	}
	return out
}

// buildAlphaMatrix keeps only respondents who answered every question.
func buildAlphaMatrix(questions []*Question, submitted []*Assessment) ([][]float64, int) {
	matrix := make([][]float64, 0, len(submitted))
	for _, a := range submitted {
		row := make([]float64, 0, len(questions))
		complete := true
		for _, q := range questions {
			v, ok := a.Answers[q.Code]
			if !ok {
				complete = false
				break
			}
			row = append(row, float64(v))
		}
		if complete && len(row) > 0 {
			matrix = append(matrix, row)
		}
	}
	return matrix, len(matrix)
}

func buildTimeseries(submitted []*Assessment) []AnalyticsTimeseries {
	counts := map[string]int{}
	for _, a := range submitted {
		if a.SubmittedAt == nil {
			continue
		}
		counts[a.SubmittedAt.UTC().Format("2006-01-02")]++
	}
	days := make([]string, 0, len(counts))
	for d := range counts {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]AnalyticsTimeseries, 0, len(days))
	for _, d := range days {
		out = append(out, AnalyticsTimeseries{Date: d, Count: counts[d]})
	}
	return out
}
