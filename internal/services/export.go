package services

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strconv"
)

// LongRow is one answered question of one assessment.
type LongRow struct {
	AssessmentID string
	QuestionCode string
	Value        int
	SubmittedAt  string
}

// ScoreRow is the total and per-area percentages of one assessment.
type ScoreRow struct {
	AssessmentID  string
	Email         string
	TotalScore    float64
	MaturityLevel string
	Areas         map[string]float64
	SubmittedAt   string
}

// ExportLongCSV renders rows into a long-format CSV.
func ExportLongCSV(rows []LongRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"assessment_id", "question_code", "value", "submitted_at"})
	for _, r := range rows {
		rec := []string{r.AssessmentID, r.QuestionCode, strconv.Itoa(r.Value), r.SubmittedAt}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportWideCSV renders one row per assessment and one column per question.
// inputs is a map[assessmentID]map[questionCode]value.
func ExportWideCSV(inputs map[string]map[string]int, codes []string) ([]byte, error) {
	if codes == nil {
		set := map[string]struct{}{}
		for _, m := range inputs {
			for code := range m {
				set[code] = struct{}{}
			}
		}
		for code := range set {
			codes = append(codes, code)
		}
		sort.Strings(codes)
	}
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write(append([]string{"assessment_id"}, codes...))
	for _, id := range ids {
		row := make([]string, 0, 1+len(codes))
		row = append(row, id)
		for _, code := range codes {
			if v, ok := inputs[id][code]; ok {
				row = append(row, strconv.Itoa(v))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportScoreCSV renders totals with one percentage column per area code.
func ExportScoreCSV(rows []ScoreRow, areaCodes []string) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	header := []string{"assessment_id", "email", "total_score", "maturity_level", "submitted_at"}
	for _, code := range areaCodes {
		header = append(header, "area_"+code)
	}
	_ = w.Write(header)
	for _, r := range rows {
		rec := []string{r.AssessmentID, r.Email, formatScore(r.TotalScore), r.MaturityLevel, r.SubmittedAt}
		for _, code := range areaCodes {
			if v, ok := r.Areas[code]; ok {
				rec = append(rec, formatScore(v))
			} else {
				rec = append(rec, "")
			}
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
