// Package scoring turns raw questionnaire answers into element, area and total
// maturity percentages. It never performs I/O; callers hand it a fully built
// Config for the questionnaire version the answers belong to.
package scoring

import (
	"errors"
	"fmt"
	"math"
)

// DefaultScaleMax is used when a question does not carry its own upper bound.
const DefaultScaleMax = 5

// WeightTolerance absorbs rounding when area weights are compared against 1.0.
const WeightTolerance = 1e-3

// ErrNoValidAreas is returned when every area was skipped for missing data.
var ErrNoValidAreas = errors.New("no valid areas could be scored")

// Maturity level labels, lowest band first.
const (
	LevelIniziale    = "Iniziale"
	LevelConsapevole = "Consapevole"
	LevelInSviluppo  = "In Sviluppo"
	LevelAvanzato    = "Avanzato"
	LevelLeader      = "Leader"
)

// Levels lists the maturity labels in ascending order.
var Levels = []string{LevelIniziale, LevelConsapevole, LevelInSviluppo, LevelAvanzato, LevelLeader}

type QuestionConfig struct {
	Code     string
	ScaleMin int
	ScaleMax int
}

type ElementConfig struct {
	Code      string
	Name      string
	Questions []QuestionConfig
}

type AreaConfig struct {
	Code     string
	Name     string
	Weight   float64
	Elements []ElementConfig
}

// Config is the typed questionnaire tree the engine scores against. Areas,
// elements and questions are expected in display order.
type Config struct {
	Areas []AreaConfig
}

type ElementScore struct {
	Code       string  `json:"code"`
	AnswerA    int     `json:"answerA"`
	AnswerB    int     `json:"answerB"`
	Average    float64 `json:"average"`
	Percentage float64 `json:"percentage"`
}

type AreaScore struct {
	Code           string         `json:"code"`
	Name           string         `json:"name"`
	Elements       []ElementScore `json:"elements"`
	AreaPercentage float64        `json:"areaPercentage"`
	Weight         float64        `json:"weight"`
	Contribution   float64        `json:"contribution"`
}

// TotalScore is the snapshot persisted on a submitted assessment.
type TotalScore struct {
	Areas         []AreaScore `json:"areas"`
	TotalScore    float64     `json:"totalScore"`
	MaturityLevel string      `json:"maturityLevel"`
}

// ElementPercentage averages the answer pair and expresses it as a percentage of
// scaleMax. A non-positive scaleMax falls back to DefaultScaleMax.
func ElementPercentage(answerA, answerB, scaleMax int) float64 {
	if scaleMax <= 0 {
		scaleMax = DefaultScaleMax
	}
	average := float64(answerA+answerB) / 2
	return average / float64(scaleMax) * 100
}

// AreaPercentage is the unweighted mean of the element percentages.
func AreaPercentage(elementPercentages []float64) float64 {
	if len(elementPercentages) == 0 {
		return 0
	}
	var sum float64
	for _, p := range elementPercentages {
		sum += p
	}
	return sum / float64(len(elementPercentages))
}

func SumContributions(contributions []float64) float64 {
	var sum float64
	for _, c := range contributions {
		sum += c
	}
	return sum
}

// ClassifyMaturityLevel maps a total score to its band. Upper bounds are
// inclusive: 20 is still Iniziale.
func ClassifyMaturityLevel(total float64) string {
	switch {
	case total <= 20:
		return LevelIniziale
	case total <= 40:
		return LevelConsapevole
	case total <= 60:
		return LevelInSviluppo
	case total <= 80:
		return LevelAvanzato
	default:
		return LevelLeader
	}
}

// CalculateFullAssessment scores every area of cfg. Elements without a question
// pair or without both answers are skipped, and so are areas left without any
// scored element. ErrNoValidAreas is returned when nothing could be scored.
func CalculateFullAssessment(answers map[string]int, cfg Config) (*TotalScore, error) {
	areas := make([]AreaScore, 0, len(cfg.Areas))
	contributions := make([]float64, 0, len(cfg.Areas))
	for _, area := range cfg.Areas {
		elements := make([]ElementScore, 0, len(area.Elements))
		percentages := make([]float64, 0, len(area.Elements))
		for _, el := range area.Elements {
			es, ok := scoreElement(answers, el)
			if !ok {
				continue
			}
			elements = append(elements, es)
			percentages = append(percentages, es.Percentage)
		}
		if len(elements) == 0 {
			continue
		}
		pct := AreaPercentage(percentages)
		contribution := pct * area.Weight
		areas = append(areas, AreaScore{
			Code:           area.Code,
			Name:           area.Name,
			Elements:       elements,
			AreaPercentage: pct,
			Weight:         area.Weight,
			Contribution:   contribution,
		})
		contributions = append(contributions, contribution)
	}
	if len(areas) == 0 {
		return nil, ErrNoValidAreas
	}
	total := SumContributions(contributions)
	return &TotalScore{Areas: areas, TotalScore: total, MaturityLevel: ClassifyMaturityLevel(total)}, nil
}

func scoreElement(answers map[string]int, el ElementConfig) (ElementScore, bool) {
	if len(el.Questions) < 2 {
		return ElementScore{}, false
	}
	qa, qb := el.Questions[0], el.Questions[1]
	a, okA := answers[qa.Code]
	b, okB := answers[qb.Code]
	if !okA || !okB {
		return ElementScore{}, false
	}
	scaleMax := qa.ScaleMax
	if qb.ScaleMax > scaleMax {
		scaleMax = qb.ScaleMax
	}
	return ElementScore{
		Code:       el.Code,
		AnswerA:    a,
		AnswerB:    b,
		Average:    float64(a+b) / 2,
		Percentage: ElementPercentage(a, b, scaleMax),
	}, true
}

// WeightCheck reports whether a set of area weights sums to 1.0.
type WeightCheck struct {
	Valid bool    `json:"valid"`
	Total float64 `json:"totalWeight"`
	Error string  `json:"error,omitempty"`
}

func ValidateWeights(weights []float64) WeightCheck {
	var total float64
	for _, w := range weights {
		total += w
	}
	if math.Abs(total-1.0) > WeightTolerance {
		return WeightCheck{Valid: false, Total: total, Error: fmt.Sprintf("area weights sum to %.4f, expected 1.0", total)}
	}
	return WeightCheck{Valid: true, Total: total}
}
