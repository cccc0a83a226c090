package seed

import (
	"math"
	"testing"

	"github.com/soaringjerry/aimaturity/internal/scoring"
)

func TestReferenceShape(t *testing.T) {
	def, err := Reference()
	if err != nil {
		t.Fatalf("Reference returned error: %v", err)
	}
	if len(def.Areas) != 5 {
		t.Fatalf("areas = %d, want 5", len(def.Areas))
	}
	weights := make([]float64, 0, len(def.Areas))
	questions := 0
	for _, a := range def.Areas {
		weights = append(weights, a.Weight)
		if len(a.Elements) != 3 {
			t.Fatalf("area %s has %d elements, want 3", a.Code, len(a.Elements))
		}
		for _, e := range a.Elements {
			if len(e.Questions) != 2 {
				t.Fatalf("element %s has %d questions, want 2", e.Code, len(e.Questions))
			}
			for _, q := range e.Questions {
				if q.ScaleMin != 0 || q.ScaleMax != 5 {
					t.Fatalf("question %s scale = %d..%d", q.Code, q.ScaleMin, q.ScaleMax)
				}
				questions++
			}
		}
	}
	if questions != 30 {
		t.Fatalf("questions = %d, want 30", questions)
	}
	if check := scoring.ValidateWeights(weights); !check.Valid || math.Abs(check.Total-1) > 1e-9 {
		t.Fatalf("reference weights invalid: %+v", check)
	}
}
