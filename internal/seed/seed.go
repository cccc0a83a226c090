// Package seed ships the reference questionnaire loaded into empty stores.
package seed

import (
	"context"
	_ "embed"
	"log"

	"github.com/soaringjerry/aimaturity/internal/services"
)

//go:embed reference.yaml
var referenceYAML []byte

// ReferenceYAML returns the raw reference questionnaire definition.
func ReferenceYAML() []byte {
	out := make([]byte, len(referenceYAML))
	copy(out, referenceYAML)
	return out
}

// Reference parses the embedded questionnaire.
func Reference() (*services.Definition, error) {
	return services.ParseDefinition(referenceYAML)
}

// Apply publishes the reference questionnaire as version 1 when svc's store
// holds no versions. It is a no-op otherwise.
func Apply(ctx context.Context, svc *services.QuestionnaireService) error {
	def, err := Reference()
	if err != nil {
		return err
	}
	v, err := svc.Seed(ctx, def, true)
	if err != nil {
		return err
	}
	if v == nil {
		log.Printf("seed: questionnaire already present, skipping")
		return nil
	}
	log.Printf("seed: published reference questionnaire v%d with %d questions", v.VersionNumber, v.QuestionCount())
	return nil
}
