package api

import (
	"context"

	"github.com/soaringjerry/aimaturity/internal/services"
)

// Store is everything the HTTP layer and the report workers need from
// persistence. The memory, SQLite and gorm stores all satisfy it.
type Store interface {
	services.QuestionnaireStore
	services.AssessmentStore
	services.ReportStore

	Ping(ctx context.Context) error
	Close() error
}

var _ Store = (*memoryStore)(nil)
