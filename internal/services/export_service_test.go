package services

import (
	"context"
	"strings"
	"testing"
)

func exportFixture(t *testing.T) *ExportService {
	t.Helper()
	ctx := context.Background()
	store := newStubStore()
	store.seedVersion("v", 3, VersionPublished)
	store.seedAssessment("b", "v", AssessmentDraft)
	store.assessments["b"].Answers = map[string]int{"Q1": 5, "Q2": 5, "Q3": 5, "Q4": 5}
	store.seedAssessment("a", "v", AssessmentDraft)
	store.assessments["a"].Answers = map[string]int{"Q1": 3, "Q2": 4, "Q3": 2, "Q4": 3}
	store.seedAssessment("draft", "v", AssessmentDraft)
	store.assessments["draft"].Answers = map[string]int{"Q1": 1}

	assessments := newTestAssessmentService(store, nil)
	for _, id := range []string{"a", "b"} {
		if _, err := assessments.Submit(ctx, id); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	return NewExportService(store)
}

func TestExportServiceFormats(t *testing.T) {
	ctx := context.Background()
	svc := exportFixture(t)

	long, err := svc.ExportCSV(ctx, ExportParams{VersionID: "v"})
	if err != nil {
		t.Fatalf("long export: %v", err)
	}
	if long.Filename != "v3-long.csv" || !strings.HasPrefix(long.ContentType, "text/csv") {
		t.Fatalf("unexpected long result %s %s", long.Filename, long.ContentType)
	}
	recs, _ := readCSV(long.Data)
	if len(recs) != 1+8 {
		t.Fatalf("long rows = %d, want 9 (drafts excluded)", len(recs))
	}
	if recs[1][0] != "a" || recs[1][1] != "Q1" {
		t.Fatalf("long rows not ordered by assessment then question: %v", recs[1])
	}

	wide, err := svc.ExportCSV(ctx, ExportParams{VersionID: "v", Format: "wide"})
	if err != nil {
		t.Fatalf("wide export: %v", err)
	}
	recs, _ = readCSV(wide.Data)
	if got := strings.Join(recs[0], ","); got != "assessment_id,Q1,Q2,Q3,Q4" {
		t.Fatalf("wide header = %s", got)
	}
	if len(recs) != 3 {
		t.Fatalf("wide rows = %d, want 3", len(recs))
	}

	score, err := svc.ExportCSV(ctx, ExportParams{VersionID: "v", Format: "score"})
	if err != nil {
		t.Fatalf("score export: %v", err)
	}
	recs, _ = readCSV(score.Data)
	if got := strings.Join(recs[1], ","); !strings.HasPrefix(got, "a,a@example.com,60.00,In Sviluppo,") || !strings.HasSuffix(got, ",70.00,50.00") {
		t.Fatalf("score row = %s", got)
	}
}

func TestExportServiceErrors(t *testing.T) {
	ctx := context.Background()
	svc := exportFixture(t)

	_, err := svc.ExportCSV(ctx, ExportParams{})
	wantCode(t, err, ErrorInvalid)
	_, err = svc.ExportCSV(ctx, ExportParams{VersionID: "missing"})
	wantCode(t, err, ErrorNotFound)
	_, err = svc.ExportCSV(ctx, ExportParams{VersionID: "v", Format: "xml"})
	se := wantCode(t, err, ErrorInvalid)
	if se.Fields["format"] == "" {
		t.Fatalf("expected format detail, got %+v", se.Fields)
	}
}
