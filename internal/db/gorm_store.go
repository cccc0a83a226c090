package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/soaringjerry/aimaturity/internal/api"
	"github.com/soaringjerry/aimaturity/internal/scoring"
	"github.com/soaringjerry/aimaturity/internal/services"
)

type versionModel struct {
	ID            string      `gorm:"primaryKey;size:36"`
	VersionNumber int         `gorm:"not null;uniqueIndex"`
	Status        string      `gorm:"size:16;not null;index"`
	PublishedAt   *time.Time
	CreatedAt     time.Time   `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime:false"`
	Areas         []areaModel `gorm:"foreignKey:VersionID;constraint:OnDelete:CASCADE"`
}

func (versionModel) TableName() string { return "questionnaire_versions" }

type areaModel struct {
	ID          string         `gorm:"primaryKey;size:36"`
	VersionID   string         `gorm:"size:36;not null;uniqueIndex:areas_version_code"`
	Code        string         `gorm:"size:32;not null;uniqueIndex:areas_version_code"`
	Name        string         `gorm:"not null"`
	Description string         `gorm:"not null;default:''"`
	Weight      float64        `gorm:"not null"`
	SortOrder   int            `gorm:"not null;default:0"`
	Elements    []elementModel `gorm:"foreignKey:AreaID;constraint:OnDelete:CASCADE"`
}

func (areaModel) TableName() string { return "areas" }

type elementModel struct {
	ID          string          `gorm:"primaryKey;size:36"`
	AreaID      string          `gorm:"size:36;not null;uniqueIndex:elements_area_code"`
	Code        string          `gorm:"size:32;not null;uniqueIndex:elements_area_code"`
	Name        string          `gorm:"not null"`
	Description string          `gorm:"not null;default:''"`
	Weight      float64         `gorm:"not null"`
	SortOrder   int             `gorm:"not null;default:0"`
	Questions   []questionModel `gorm:"foreignKey:ElementID;constraint:OnDelete:CASCADE"`
}

func (elementModel) TableName() string { return "elements" }

type questionModel struct {
	ID                string `gorm:"primaryKey;size:36"`
	ElementID         string `gorm:"size:36;not null;uniqueIndex:questions_element_code"`
	Code              string `gorm:"size:32;not null;uniqueIndex:questions_element_code"`
	QuestionText      string `gorm:"not null"`
	LevelsDescription string `gorm:"not null;default:''"`
	ScaleMin          int    `gorm:"not null"`
	ScaleMax          int    `gorm:"not null"`
	SortOrder         int    `gorm:"not null;default:0"`
}

func (questionModel) TableName() string { return "questions" }

type assessmentModel struct {
	ID                 string         `gorm:"primaryKey;size:36"`
	VersionID          string         `gorm:"size:36;not null;index"`
	UserEmail          string         `gorm:"not null"`
	UserName           string         `gorm:"not null;default:''"`
	ConsentGiven       bool           `gorm:"not null"`
	AccessToken        string         `gorm:"size:64;not null;uniqueIndex"`
	Status             string         `gorm:"size:16;not null;index"`
	Answers            datatypes.JSON `gorm:"not null"`
	CalculatedScores   datatypes.JSON
	Locale             string     `gorm:"size:8;not null;default:'it'"`
	CreatedAt          time.Time  `gorm:"autoCreateTime:false;index"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime:false"`
	SubmittedAt        *time.Time
	PDFGeneratedAt     *time.Time `gorm:"column:pdf_generated_at"`
	EmailSentAt        *time.Time
	DataRetentionUntil time.Time  `gorm:"not null;index"`
}

func (assessmentModel) TableName() string { return "assessments" }

// GormStore keeps questionnaires and assessments in any gorm dialect. The
// server uses it for Postgres.
type GormStore struct {
	db *gorm.DB
}

var _ api.Store = (*GormStore)(nil)

// OpenPostgres connects with the simple protocol so the store also works
// behind PgBouncer in transaction pooling mode.
func OpenPostgres(dsn string, logger gormLogger.Interface) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: logger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxIdleTime(60 * time.Second)
	sqlDB.SetConnMaxLifetime(10 * time.Minute)
	return db, nil
}

// OpenGormSQLite opens a SQLite file through gorm.
func OpenGormSQLite(path string, logger gormLogger.Interface) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"), &gorm.Config{Logger: logger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if err := db.AutoMigrate(&versionModel{}, &areaModel{}, &elementModel{}, &questionModel{}, &assessmentModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS questionnaire_versions_one_published
		ON questionnaire_versions (status) WHERE status = 'PUBLISHED'`).Error; err != nil {
		return nil, fmt.Errorf("create published index: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func versionFromModel(m *versionModel) *services.QuestionnaireVersion {
	v := &services.QuestionnaireVersion{
		ID:            m.ID,
		VersionNumber: m.VersionNumber,
		Status:        services.VersionStatus(m.Status),
		PublishedAt:   utcPtr(m.PublishedAt),
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
		Areas:         make([]*services.Area, 0, len(m.Areas)),
	}
	for _, am := range m.Areas {
		a := &services.Area{ID: am.ID, VersionID: am.VersionID, Code: am.Code, Name: am.Name,
			Description: am.Description, Weight: am.Weight, Order: am.SortOrder,
			Elements: make([]*services.Element, 0, len(am.Elements))}
		for _, em := range am.Elements {
			e := &services.Element{ID: em.ID, AreaID: em.AreaID, Code: em.Code, Name: em.Name,
				Description: em.Description, Weight: em.Weight, Order: em.SortOrder,
				Questions: make([]*services.Question, 0, len(em.Questions))}
			for _, qm := range em.Questions {
				e.Questions = append(e.Questions, &services.Question{ID: qm.ID, ElementID: qm.ElementID,
					Code: qm.Code, Text: qm.QuestionText, LevelsDescription: qm.LevelsDescription,
					ScaleMin: qm.ScaleMin, ScaleMax: qm.ScaleMax, Order: qm.SortOrder})
			}
			a.Elements = append(a.Elements, e)
		}
		v.Areas = append(v.Areas, a)
	}
	return v
}

func byOrder(db *gorm.DB) *gorm.DB { return db.Order("sort_order, code") }

func (s *GormStore) ListVersions(ctx context.Context) ([]*services.VersionSummary, error) {
	var models []versionModel
	if err := s.db.WithContext(ctx).Order("version_number DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	type count struct {
		VersionID string
		N         int
	}
	var areaCounts, assessmentCounts []count
	if err := s.db.WithContext(ctx).Model(&areaModel{}).Select("version_id, COUNT(*) AS n").Group("version_id").Scan(&areaCounts).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&assessmentModel{}).Select("version_id, COUNT(*) AS n").Group("version_id").Scan(&assessmentCounts).Error; err != nil {
		return nil, err
	}
	areas := map[string]int{}
	for _, c := range areaCounts {
		areas[c.VersionID] = c.N
	}
	assessments := map[string]int{}
	for _, c := range assessmentCounts {
		assessments[c.VersionID] = c.N
	}
	out := make([]*services.VersionSummary, 0, len(models))
	for _, m := range models {
		out = append(out, &services.VersionSummary{
			ID: m.ID, VersionNumber: m.VersionNumber, Status: services.VersionStatus(m.Status),
			PublishedAt: utcPtr(m.PublishedAt), CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC(),
			AreaCount: areas[m.ID], AssessmentCount: assessments[m.ID],
		})
	}
	return out, nil
}

func (s *GormStore) loadVersion(ctx context.Context, where string, args ...any) (*services.QuestionnaireVersion, error) {
	var m versionModel
	err := s.db.WithContext(ctx).
		Preload("Areas", byOrder).
		Preload("Areas.Elements", byOrder).
		Preload("Areas.Elements.Questions", byOrder).
		Where(where, args...).
		Order("version_number DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return versionFromModel(&m), nil
}

func (s *GormStore) GetVersion(ctx context.Context, id string) (*services.QuestionnaireVersion, error) {
	return s.loadVersion(ctx, "id = ?", id)
}

func (s *GormStore) GetLatestPublished(ctx context.Context) (*services.QuestionnaireVersion, error) {
	return s.loadVersion(ctx, "status = ?", string(services.VersionPublished))
}

func (s *GormStore) MaxVersionNumber(ctx context.Context) (int, error) {
	var n int
	err := s.db.WithContext(ctx).Model(&versionModel{}).Select("COALESCE(MAX(version_number), 0)").Scan(&n).Error
	return n, err
}

func (s *GormStore) InsertVersion(ctx context.Context, v *services.QuestionnaireVersion) error {
	vm := versionModel{ID: v.ID, VersionNumber: v.VersionNumber, Status: string(v.Status),
		PublishedAt: utcPtr(v.PublishedAt), CreatedAt: v.CreatedAt.UTC(), UpdatedAt: v.UpdatedAt.UTC()}
	var (
		areas     []areaModel
		elements  []elementModel
		questions []questionModel
	)
	for _, a := range v.Areas {
		areas = append(areas, areaModel{ID: a.ID, VersionID: v.ID, Code: a.Code, Name: a.Name,
			Description: a.Description, Weight: a.Weight, SortOrder: a.Order})
		for _, e := range a.Elements {
			elements = append(elements, elementModel{ID: e.ID, AreaID: a.ID, Code: e.Code, Name: e.Name,
				Description: e.Description, Weight: e.Weight, SortOrder: e.Order})
			for _, q := range e.Questions {
				questions = append(questions, questionModel{ID: q.ID, ElementID: e.ID, Code: q.Code,
					QuestionText: q.Text, LevelsDescription: q.LevelsDescription,
					ScaleMin: q.ScaleMin, ScaleMax: q.ScaleMax, SortOrder: q.Order})
			}
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&vm).Error; err != nil {
			return err
		}
		if len(areas) > 0 {
			if err := tx.Omit(clause.Associations).Create(&areas).Error; err != nil {
				return err
			}
		}
		if len(elements) > 0 {
			if err := tx.Omit(clause.Associations).Create(&elements).Error; err != nil {
				return err
			}
		}
		if len(questions) > 0 {
			if err := tx.CreateInBatches(&questions, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var n int64
		if cerr := s.db.WithContext(ctx).Model(&versionModel{}).Where("version_number = ?", v.VersionNumber).Count(&n).Error; cerr == nil && n > 0 {
			return services.ErrVersionNumberTaken
		}
	}
	return err
}

func (s *GormStore) PublishVersion(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vm versionModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Omit(clause.Associations).First(&vm, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return services.ErrVersionNotDraft
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&versionModel{}).
			Where("status = ?", string(services.VersionPublished)).
			Updates(map[string]any{"status": string(services.VersionArchived), "updated_at": at}).Error; err != nil {
			return err
		}
		res := tx.Model(&versionModel{}).
			Where("id = ? AND status = ?", id, string(services.VersionDraft)).
			Updates(map[string]any{"status": string(services.VersionPublished), "published_at": at, "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return services.ErrVersionNotDraft
		}
		return nil
	})
}

// ArchiveVersion holds the version row lock across the draft count.
// InsertDraft takes a shared lock on the same row, so the two serialize.
func (s *GormStore) ArchiveVersion(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vm versionModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Omit(clause.Associations).First(&vm, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return services.ErrVersionStateChanged
		}
		if err != nil {
			return err
		}
		if vm.Status != string(services.VersionPublished) {
			return services.ErrVersionStateChanged
		}
		var drafts int64
		if err := tx.Model(&assessmentModel{}).
			Where("version_id = ? AND status = ?", id, string(services.AssessmentDraft)).
			Count(&drafts).Error; err != nil {
			return err
		}
		if drafts > 0 {
			return services.ErrActiveDrafts
		}
		return tx.Model(&versionModel{}).Where("id = ?", id).
			Updates(map[string]any{"status": string(services.VersionArchived), "updated_at": at.UTC()}).Error
	})
}

// DeleteVersion removes the tree explicitly so it does not depend on the
// dialect enforcing ON DELETE CASCADE.
func (s *GormStore) DeleteVersion(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vm versionModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Omit(clause.Associations).First(&vm, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return services.ErrVersionNotDraft
		}
		if err != nil {
			return err
		}
		if vm.Status != string(services.VersionDraft) {
			return services.ErrVersionNotDraft
		}
		areaIDs := tx.Model(&areaModel{}).Select("id").Where("version_id = ?", id)
		elementIDs := tx.Model(&elementModel{}).Select("id").Where("area_id IN (?)", areaIDs)
		if err := tx.Where("element_id IN (?)", elementIDs).Delete(&questionModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("area_id IN (?)", areaIDs).Delete(&elementModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("version_id = ?", id).Delete(&areaModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&versionModel{}, "id = ?", id).Error
	})
}

func statusStrings(list []services.AssessmentStatus) []string {
	out := make([]string, 0, len(list))
	for _, st := range list {
		out = append(out, string(st))
	}
	return out
}

func (s *GormStore) CountAssessments(ctx context.Context, versionID string, statuses ...services.AssessmentStatus) (int, error) {
	q := s.db.WithContext(ctx).Model(&assessmentModel{}).Where("version_id = ?", versionID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var n int64
	err := q.Count(&n).Error
	return int(n), err
}

// updateTreeItem applies updates to one row of the version's tree while the
// version is locked as a draft.
func (s *GormStore) updateTreeItem(ctx context.Context, versionID string, model any, scope func(tx *gorm.DB) *gorm.DB, updates map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vm versionModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Omit(clause.Associations).First(&vm, "id = ?", versionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return services.ErrNotFound
		}
		if err != nil {
			return err
		}
		if vm.Status != string(services.VersionDraft) {
			return services.ErrVersionNotDraft
		}
		res := scope(tx.Model(model)).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return services.ErrNotFound
		}
		return tx.Model(&versionModel{}).Where("id = ?", versionID).Update("updated_at", time.Now().UTC()).Error
	})
}

func (s *GormStore) UpdateArea(ctx context.Context, versionID string, a *services.Area) error {
	return s.updateTreeItem(ctx, versionID, &areaModel{}, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id = ? AND version_id = ?", a.ID, versionID)
	}, map[string]any{"name": a.Name, "description": a.Description, "weight": a.Weight, "sort_order": a.Order})
}

func (s *GormStore) UpdateElement(ctx context.Context, versionID string, e *services.Element) error {
	return s.updateTreeItem(ctx, versionID, &elementModel{}, func(tx *gorm.DB) *gorm.DB {
		areaIDs := tx.Session(&gorm.Session{NewDB: true}).Model(&areaModel{}).Select("id").Where("version_id = ?", versionID)
		return tx.Where("id = ? AND area_id IN (?)", e.ID, areaIDs)
	}, map[string]any{"name": e.Name, "description": e.Description, "weight": e.Weight, "sort_order": e.Order})
}

func (s *GormStore) UpdateQuestion(ctx context.Context, versionID string, q *services.Question) error {
	return s.updateTreeItem(ctx, versionID, &questionModel{}, func(tx *gorm.DB) *gorm.DB {
		fresh := tx.Session(&gorm.Session{NewDB: true})
		areaIDs := fresh.Model(&areaModel{}).Select("id").Where("version_id = ?", versionID)
		elementIDs := fresh.Model(&elementModel{}).Select("id").Where("area_id IN (?)", areaIDs)
		return tx.Where("id = ? AND element_id IN (?)", q.ID, elementIDs)
	}, map[string]any{"question_text": q.Text, "levels_description": q.LevelsDescription,
		"scale_min": q.ScaleMin, "scale_max": q.ScaleMax, "sort_order": q.Order})
}

func assessmentToModel(a *services.Assessment) (*assessmentModel, error) {
	answers := a.Answers
	if answers == nil {
		answers = map[string]int{}
	}
	ab, err := json.Marshal(answers)
	if err != nil {
		return nil, err
	}
	m := &assessmentModel{
		ID: a.ID, VersionID: a.VersionID, UserEmail: a.Email, UserName: a.Name,
		ConsentGiven: a.ConsentGiven, AccessToken: a.AccessToken, Status: string(a.Status),
		Answers: datatypes.JSON(ab), Locale: a.Locale,
		CreatedAt: a.CreatedAt.UTC(), UpdatedAt: a.UpdatedAt.UTC(),
		SubmittedAt: utcPtr(a.SubmittedAt), PDFGeneratedAt: utcPtr(a.PDFGeneratedAt), EmailSentAt: utcPtr(a.EmailSentAt),
		DataRetentionUntil: a.RetentionUntil.UTC(),
	}
	if a.Scores != nil {
		sb, err := json.Marshal(a.Scores)
		if err != nil {
			return nil, err
		}
		m.CalculatedScores = datatypes.JSON(sb)
	}
	return m, nil
}

func assessmentFromModel(m *assessmentModel) (*services.Assessment, error) {
	a := &services.Assessment{
		ID: m.ID, VersionID: m.VersionID, Email: m.UserEmail, Name: m.UserName,
		ConsentGiven: m.ConsentGiven, AccessToken: m.AccessToken, Status: services.AssessmentStatus(m.Status),
		Answers: map[string]int{}, Locale: m.Locale,
		CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC(),
		SubmittedAt: utcPtr(m.SubmittedAt), PDFGeneratedAt: utcPtr(m.PDFGeneratedAt), EmailSentAt: utcPtr(m.EmailSentAt),
		RetentionUntil: m.DataRetentionUntil.UTC(),
	}
	if len(m.Answers) > 0 {
		if err := json.Unmarshal(m.Answers, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of %s: %w", m.ID, err)
		}
	}
	if len(m.CalculatedScores) > 0 && string(m.CalculatedScores) != "null" {
		var ts scoring.TotalScore
		if err := json.Unmarshal(m.CalculatedScores, &ts); err != nil {
			return nil, fmt.Errorf("decode scores of %s: %w", m.ID, err)
		}
		a.Scores = &ts
	}
	return a, nil
}

func (s *GormStore) InsertAssessment(ctx context.Context, a *services.Assessment) error {
	m, err := assessmentToModel(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *GormStore) InsertDraft(ctx context.Context, a *services.Assessment) error {
	m, err := assessmentToModel(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vm versionModel
		err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Omit(clause.Associations).First(&vm, "id = ?", a.VersionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return services.ErrVersionNotPublished
		}
		if err != nil {
			return err
		}
		if vm.Status != string(services.VersionPublished) {
			return services.ErrVersionNotPublished
		}
		return tx.Create(m).Error
	})
}

func (s *GormStore) GetAssessment(ctx context.Context, id string) (*services.Assessment, error) {
	var m assessmentModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return assessmentFromModel(&m)
}

// mergeExpr merges a JSON object into the answers column in the database.
func (s *GormStore) mergeExpr(patch []byte) clause.Expr {
	if s.db.Dialector.Name() == "postgres" {
		return gorm.Expr("answers || CAST(? AS jsonb)", string(patch))
	}
	return gorm.Expr("json_patch(answers, ?)", string(patch))
}

func (s *GormStore) MergeAnswers(ctx context.Context, id string, answers map[string]int, at time.Time) (int, error) {
	patch, err := json.Marshal(answers)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&assessmentModel{}).
			Where("id = ? AND status = ?", id, string(services.AssessmentDraft)).
			Updates(map[string]any{"answers": s.mergeExpr(patch), "updated_at": at.UTC()})
		if res.Error != nil {
			return res.Error
		}
		var m assessmentModel
		err := tx.Select("id", "status", "answers").First(&m, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return services.ErrNotFound
		}
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return services.ErrAssessmentNotDraft
		}
		merged := map[string]int{}
		if err := json.Unmarshal(m.Answers, &merged); err != nil {
			return err
		}
		count = len(merged)
		return nil
	})
	return count, err
}

func (s *GormStore) SaveSubmission(ctx context.Context, id string, scores *scoring.TotalScore, at time.Time) error {
	sb, err := json.Marshal(scores)
	if err != nil {
		return err
	}
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&assessmentModel{}).
		Where("id = ? AND status = ?", id, string(services.AssessmentDraft)).
		Updates(map[string]any{
			"status":            string(services.AssessmentSubmitted),
			"calculated_scores": datatypes.JSON(sb),
			"submitted_at":      at,
			"updated_at":        at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return services.ErrAssessmentNotDraft
	}
	return nil
}

func (s *GormStore) TransitionReportStatus(ctx context.Context, id string, t services.ReportTransition) (bool, error) {
	updates := map[string]any{"status": string(t.To), "updated_at": t.At.UTC()}
	if t.PDFGeneratedAt != nil {
		updates["pdf_generated_at"] = t.PDFGeneratedAt.UTC()
	}
	if t.EmailSentAt != nil {
		updates["email_sent_at"] = t.EmailSentAt.UTC()
	}
	q := s.db.WithContext(ctx).Model(&assessmentModel{}).Where("id = ?", id)
	if len(t.From) > 0 {
		q = q.Where("status IN ?", statusStrings(t.From))
	}
	res := q.Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) ListAssessments(ctx context.Context, f services.AssessmentFilter) ([]*services.Assessment, error) {
	q := s.db.WithContext(ctx).Model(&assessmentModel{})
	if f.VersionID != "" {
		q = q.Where("version_id = ?", f.VersionID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var models []assessmentModel
	if err := q.Order("created_at DESC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*services.Assessment, 0, len(models))
	for i := range models {
		a, err := assessmentFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *GormStore) DeleteExpiredAssessments(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("data_retention_until < ?", before.UTC()).Delete(&assessmentModel{})
	return int(res.RowsAffected), res.Error
}
