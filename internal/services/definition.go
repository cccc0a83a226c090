package services

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is the portable YAML form of a questionnaire tree.
type Definition struct {
	Areas []AreaDefinition `yaml:"areas" validate:"required,min=1,dive"`
}

type AreaDefinition struct {
	Code        string              `yaml:"code" validate:"required,max=32"`
	Name        string              `yaml:"name" validate:"required,max=200"`
	Description string              `yaml:"description,omitempty" validate:"max=2000"`
	Weight      float64             `yaml:"weight" validate:"gte=0,lte=1"`
	Order       int                 `yaml:"order" validate:"gte=0"`
	Elements    []ElementDefinition `yaml:"elements" validate:"required,min=1,dive"`
}

type ElementDefinition struct {
	Code        string               `yaml:"code" validate:"required,max=32"`
	Name        string               `yaml:"name" validate:"required,max=200"`
	Description string               `yaml:"description,omitempty" validate:"max=2000"`
	Weight      float64              `yaml:"weight" validate:"gte=0,lte=1"`
	Order       int                  `yaml:"order" validate:"gte=0"`
	Questions   []QuestionDefinition `yaml:"questions" validate:"required,min=1,dive"`
}

type QuestionDefinition struct {
	Code     string `yaml:"code" validate:"required,max=64"`
	Text     string `yaml:"text" validate:"required"`
	Levels   string `yaml:"levels,omitempty"`
	ScaleMin int    `yaml:"scale_min" validate:"gte=0"`
	ScaleMax int    `yaml:"scale_max" validate:"gte=0"`
	Order    int    `yaml:"order" validate:"gte=0"`
}

// ParseDefinition decodes and validates a YAML questionnaire. Questions that
// leave both scale bounds at zero get the default 0..5 scale.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, NewInvalidError(fmt.Sprintf("parse definition: %v", err))
	}
	for i := range def.Areas {
		for j := range def.Areas[i].Elements {
			qs := def.Areas[i].Elements[j].Questions
			for k := range qs {
				if qs[k].ScaleMin == 0 && qs[k].ScaleMax == 0 {
					qs[k].ScaleMax = 5
				}
			}
		}
	}
	if err := validateStruct(def); err != nil {
		return nil, err
	}
	if err := checkDefinitionCodes(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func checkDefinitionCodes(def *Definition) error {
	areaCodes := map[string]bool{}
	questionCodes := map[string]bool{}
	for _, a := range def.Areas {
		if areaCodes[a.Code] {
			return NewFieldError("duplicate code", map[string]string{"areas": "area code " + a.Code + " is used twice"})
		}
		areaCodes[a.Code] = true
		elementCodes := map[string]bool{}
		for _, e := range a.Elements {
			if elementCodes[e.Code] {
				return NewFieldError("duplicate code", map[string]string{"elements": "element code " + e.Code + " is used twice in area " + a.Code})
			}
			elementCodes[e.Code] = true
			for _, q := range e.Questions {
				if questionCodes[q.Code] {
					return NewFieldError("duplicate code", map[string]string{"questions": "question code " + q.Code + " is used twice"})
				}
				questionCodes[q.Code] = true
				if q.ScaleMin >= q.ScaleMax {
					return NewFieldError("invalid scale", map[string]string{"questions": "question " + q.Code + " needs scale_min < scale_max"})
				}
			}
		}
	}
	return nil
}

// ExportDefinition renders v as YAML, in display order.
func ExportDefinition(v *QuestionnaireVersion) ([]byte, error) {
	sortTree(v)
	def := Definition{Areas: make([]AreaDefinition, 0, len(v.Areas))}
	for _, a := range v.Areas {
		ad := AreaDefinition{Code: a.Code, Name: a.Name, Description: a.Description, Weight: a.Weight, Order: a.Order}
		for _, e := range a.Elements {
			ed := ElementDefinition{Code: e.Code, Name: e.Name, Description: e.Description, Weight: e.Weight, Order: e.Order}
			for _, q := range e.Questions {
				ed.Questions = append(ed.Questions, QuestionDefinition{
					Code: q.Code, Text: q.Text, Levels: q.LevelsDescription,
					ScaleMin: q.ScaleMin, ScaleMax: q.ScaleMax, Order: q.Order,
				})
			}
			ad.Elements = append(ad.Elements, ed)
		}
		def.Areas = append(def.Areas, ad)
	}
	return yaml.Marshal(def)
}

func (d *Definition) toAreas() []*Area {
	areas := make([]*Area, 0, len(d.Areas))
	for _, a := range d.Areas {
		area := &Area{Code: a.Code, Name: a.Name, Description: a.Description, Weight: a.Weight, Order: a.Order}
		for _, e := range a.Elements {
			el := &Element{Code: e.Code, Name: e.Name, Description: e.Description, Weight: e.Weight, Order: e.Order}
			for _, q := range e.Questions {
				el.Questions = append(el.Questions, &Question{
					Code: q.Code, Text: q.Text, LevelsDescription: q.Levels,
					ScaleMin: q.ScaleMin, ScaleMax: q.ScaleMax, Order: q.Order,
				})
			}
			area.Elements = append(area.Elements, el)
		}
		areas = append(areas, area)
	}
	return areas
}

// Import stores def as a new draft version.
func (s *QuestionnaireService) Import(ctx context.Context, def *Definition) (*QuestionnaireVersion, error) {
	if def == nil {
		return nil, NewInvalidError("definition required")
	}
	return s.insertDraft(ctx, def.toAreas())
}

// Seed imports def and publishes it when no version exists yet. It returns
// nil when the store already holds versions.
func (s *QuestionnaireService) Seed(ctx context.Context, def *Definition, publish bool) (*QuestionnaireVersion, error) {
	maxNum, err := s.store.MaxVersionNumber(ctx)
	if err != nil {
		return nil, err
	}
	if maxNum > 0 {
		return nil, nil
	}
	v, err := s.Import(ctx, def)
	if err != nil {
		return nil, err
	}
	if !publish {
		return v, nil
	}
	return s.Publish(ctx, v.ID)
}

// ExportVersion renders a stored version as YAML.
func (s *QuestionnaireService) ExportVersion(ctx context.Context, id string) ([]byte, error) {
	v, err := s.mustGetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	return ExportDefinition(v)
}
