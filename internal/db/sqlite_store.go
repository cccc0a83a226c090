package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/aimaturity/internal/api"
	"github.com/soaringjerry/aimaturity/internal/scoring"
	"github.com/soaringjerry/aimaturity/internal/services"
)

// tsLayout is fixed-width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	db *sql.DB
}

var _ api.Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating when needed) the database file at path with
// foreign keys, WAL and immediate write transactions on every connection.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) logErr(prefix string, err error) {
	if err != nil {
		log.Printf("sqlite store: %s: %v", prefix, err)
	}
}

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTS(*t), Valid: true}
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			log.Printf("sqlite store: parse timestamp %q: %v", s, err)
		}
	}
	return t.UTC()
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(list []services.AssessmentStatus) []any {
	out := make([]any, 0, len(list))
	for _, st := range list {
		out = append(out, string(st))
	}
	return out
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			s.logErr("rollback", rerr)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ---- questionnaire versions ----

func (s *SQLiteStore) ListVersions(ctx context.Context) ([]*services.VersionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.version_number, v.status, v.published_at, v.created_at, v.updated_at,
		       (SELECT COUNT(*) FROM areas a WHERE a.version_id = v.id),
		       (SELECT COUNT(*) FROM assessments r WHERE r.version_id = v.id)
		FROM questionnaire_versions v
		ORDER BY v.version_number DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*services.VersionSummary{}
	for rows.Next() {
		var (
			vs               services.VersionSummary
			status           string
			published        sql.NullString
			created, updated string
		)
		if err := rows.Scan(&vs.ID, &vs.VersionNumber, &status, &published, &created, &updated, &vs.AreaCount, &vs.AssessmentCount); err != nil {
			return nil, err
		}
		vs.Status = services.VersionStatus(status)
		vs.PublishedAt = parseNullTS(published)
		vs.CreatedAt, vs.UpdatedAt = parseTS(created), parseTS(updated)
		out = append(out, &vs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) getVersionHeader(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*services.QuestionnaireVersion, error) {
	var (
		v                services.QuestionnaireVersion
		status           string
		published        sql.NullString
		created, updated string
	)
	err := q.QueryRowContext(ctx, `SELECT id, version_number, status, published_at, created_at, updated_at FROM questionnaire_versions WHERE id = ?`, id).
		Scan(&v.ID, &v.VersionNumber, &status, &published, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Status = services.VersionStatus(status)
	v.PublishedAt = parseNullTS(published)
	v.CreatedAt, v.UpdatedAt = parseTS(created), parseTS(updated)
	return &v, nil
}

// GetVersion loads the version with its whole tree ordered by sort_order.
func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*services.QuestionnaireVersion, error) {
	v, err := s.getVersionHeader(ctx, s.db, id)
	if err != nil || v == nil {
		return nil, err
	}
	v.Areas = []*services.Area{}
	areas := map[string]*services.Area{}
	elements := map[string]*services.Element{}

	rows, err := s.db.QueryContext(ctx, `SELECT id, code, name, description, weight, sort_order FROM areas WHERE version_id = ? ORDER BY sort_order, code`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		a := &services.Area{VersionID: id, Elements: []*services.Element{}}
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Description, &a.Weight, &a.Order); err != nil {
			rows.Close()
			return nil, err
		}
		areas[a.ID] = a
		v.Areas = append(v.Areas, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT e.id, e.area_id, e.code, e.name, e.description, e.weight, e.sort_order
		FROM elements e JOIN areas a ON a.id = e.area_id
		WHERE a.version_id = ? ORDER BY e.sort_order, e.code`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		e := &services.Element{Questions: []*services.Question{}}
		if err := rows.Scan(&e.ID, &e.AreaID, &e.Code, &e.Name, &e.Description, &e.Weight, &e.Order); err != nil {
			rows.Close()
			return nil, err
		}
		elements[e.ID] = e
		if a := areas[e.AreaID]; a != nil {
			a.Elements = append(a.Elements, e)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT q.id, q.element_id, q.code, q.question_text, q.levels_description, q.scale_min, q.scale_max, q.sort_order
		FROM questions q JOIN elements e ON e.id = q.element_id JOIN areas a ON a.id = e.area_id
		WHERE a.version_id = ? ORDER BY q.sort_order, q.code`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		q := &services.Question{}
		if err := rows.Scan(&q.ID, &q.ElementID, &q.Code, &q.Text, &q.LevelsDescription, &q.ScaleMin, &q.ScaleMax, &q.Order); err != nil {
			return nil, err
		}
		if e := elements[q.ElementID]; e != nil {
			e.Questions = append(e.Questions, q)
		}
	}
	return v, rows.Err()
}

func (s *SQLiteStore) GetLatestPublished(ctx context.Context) (*services.QuestionnaireVersion, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM questionnaire_versions WHERE status = 'PUBLISHED' ORDER BY version_number DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetVersion(ctx, id)
}

func (s *SQLiteStore) MaxVersionNumber(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number), 0) FROM questionnaire_versions`).Scan(&n)
	return n, err
}

// InsertVersion writes the version row and its tree in one transaction.
func (s *SQLiteStore) InsertVersion(ctx context.Context, v *services.QuestionnaireVersion) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO questionnaire_versions (id, version_number, status, published_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, v.VersionNumber, string(v.Status), nullTS(v.PublishedAt), formatTS(v.CreatedAt), formatTS(v.UpdatedAt)); err != nil {
			return err
		}
		for _, a := range v.Areas {
			if _, err := tx.ExecContext(ctx, `INSERT INTO areas (id, version_id, code, name, description, weight, sort_order) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ID, v.ID, a.Code, a.Name, a.Description, a.Weight, a.Order); err != nil {
				return fmt.Errorf("insert area %s: %w", a.Code, err)
			}
			for _, e := range a.Elements {
				if _, err := tx.ExecContext(ctx, `INSERT INTO elements (id, area_id, code, name, description, weight, sort_order) VALUES (?, ?, ?, ?, ?, ?, ?)`,
					e.ID, a.ID, e.Code, e.Name, e.Description, e.Weight, e.Order); err != nil {
					return fmt.Errorf("insert element %s: %w", e.Code, err)
				}
				for _, q := range e.Questions {
					if _, err := tx.ExecContext(ctx, `INSERT INTO questions (id, element_id, code, question_text, levels_description, scale_min, scale_max, sort_order) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
						q.ID, e.ID, q.Code, q.Text, q.LevelsDescription, q.ScaleMin, q.ScaleMax, q.Order); err != nil {
						return fmt.Errorf("insert question %s: %w", q.Code, err)
					}
				}
			}
		}
		return nil
	})
	if err != nil && isUniqueViolation(err) && strings.Contains(err.Error(), "version_number") {
		return services.ErrVersionNumberTaken
	}
	return err
}

// PublishVersion archives the live version and publishes id atomically.
func (s *SQLiteStore) PublishVersion(ctx context.Context, id string, at time.Time) error {
	ts := formatTS(at)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE questionnaire_versions SET status = 'ARCHIVED', updated_at = ? WHERE status = 'PUBLISHED'`, ts); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE questionnaire_versions SET status = 'PUBLISHED', published_at = ?, updated_at = ? WHERE id = ? AND status = 'DRAFT'`, ts, ts, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return services.ErrVersionNotDraft
		}
		return nil
	})
}

// ArchiveVersion checks the draft count in the UPDATE itself, so an
// assessment created after the check cannot end up on an archived version.
func (s *SQLiteStore) ArchiveVersion(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE questionnaire_versions SET status = 'ARCHIVED', updated_at = ?
			WHERE id = ? AND status = 'PUBLISHED'
			  AND NOT EXISTS (SELECT 1 FROM assessments WHERE version_id = ? AND status = 'DRAFT')`,
			formatTS(at), id, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM questionnaire_versions WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return services.ErrVersionStateChanged
		}
		if err != nil {
			return err
		}
		if status != string(services.VersionPublished) {
			return services.ErrVersionStateChanged
		}
		return services.ErrActiveDrafts
	})
}

func (s *SQLiteStore) DeleteVersion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questionnaire_versions WHERE id = ? AND status = 'DRAFT'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.ErrVersionNotDraft
	}
	return nil
}

func (s *SQLiteStore) CountAssessments(ctx context.Context, versionID string, statuses ...services.AssessmentStatus) (int, error) {
	query := `SELECT COUNT(*) FROM assessments WHERE version_id = ?`
	args := []any{versionID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		args = append(args, statusArgs(statuses)...)
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// treeWriteResult turns a zero-row tree update into ErrNotFound or
// ErrVersionNotDraft depending on the owning version.
func (s *SQLiteStore) treeWriteResult(ctx context.Context, tx *sql.Tx, res sql.Result, versionID string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		_, err := tx.ExecContext(ctx, `UPDATE questionnaire_versions SET updated_at = ? WHERE id = ?`, formatTS(time.Now()), versionID)
		return err
	}
	v, err := s.getVersionHeader(ctx, tx, versionID)
	if err != nil {
		return err
	}
	if v != nil && v.Status != services.VersionDraft {
		return services.ErrVersionNotDraft
	}
	return services.ErrNotFound
}

const draftGuard = `EXISTS (SELECT 1 FROM questionnaire_versions WHERE id = ? AND status = 'DRAFT')`

func (s *SQLiteStore) UpdateArea(ctx context.Context, versionID string, a *services.Area) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE areas SET name = ?, description = ?, weight = ?, sort_order = ?
			WHERE id = ? AND version_id = ? AND `+draftGuard,
			a.Name, a.Description, a.Weight, a.Order, a.ID, versionID, versionID)
		if err != nil {
			return err
		}
		return s.treeWriteResult(ctx, tx, res, versionID)
	})
}

func (s *SQLiteStore) UpdateElement(ctx context.Context, versionID string, e *services.Element) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE elements SET name = ?, description = ?, weight = ?, sort_order = ?
			WHERE id = ? AND area_id IN (SELECT id FROM areas WHERE version_id = ?) AND `+draftGuard,
			e.Name, e.Description, e.Weight, e.Order, e.ID, versionID, versionID)
		if err != nil {
			return err
		}
		return s.treeWriteResult(ctx, tx, res, versionID)
	})
}

func (s *SQLiteStore) UpdateQuestion(ctx context.Context, versionID string, q *services.Question) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE questions SET question_text = ?, levels_description = ?, scale_min = ?, scale_max = ?, sort_order = ?
			WHERE id = ? AND element_id IN (
				SELECT e.id FROM elements e JOIN areas a ON a.id = e.area_id WHERE a.version_id = ?
			) AND `+draftGuard,
			q.Text, q.LevelsDescription, q.ScaleMin, q.ScaleMax, q.Order, q.ID, versionID, versionID)
		if err != nil {
			return err
		}
		return s.treeWriteResult(ctx, tx, res, versionID)
	})
}

// ---- assessments ----

const assessmentColumns = `id, version_id, user_email, user_name, consent_given, access_token, status, answers,
	calculated_scores, locale, created_at, updated_at, submitted_at, pdf_generated_at, email_sent_at, data_retention_until`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (*services.Assessment, error) {
	var (
		a                           services.Assessment
		consent                     int64
		status, answers             string
		scores                      sql.NullString
		created, updated, retention string
		submitted, pdfAt, emailAt   sql.NullString
	)
	if err := row.Scan(&a.ID, &a.VersionID, &a.Email, &a.Name, &consent, &a.AccessToken, &status, &answers,
		&scores, &a.Locale, &created, &updated, &submitted, &pdfAt, &emailAt, &retention); err != nil {
		return nil, err
	}
	a.ConsentGiven = consent != 0
	a.Status = services.AssessmentStatus(status)
	a.Answers = map[string]int{}
	if err := json.Unmarshal([]byte(answers), &a.Answers); err != nil {
		return nil, fmt.Errorf("decode answers of %s: %w", a.ID, err)
	}
	if scores.Valid && scores.String != "" {
		var ts scoring.TotalScore
		if err := json.Unmarshal([]byte(scores.String), &ts); err != nil {
			return nil, fmt.Errorf("decode scores of %s: %w", a.ID, err)
		}
		a.Scores = &ts
	}
	a.CreatedAt, a.UpdatedAt, a.RetentionUntil = parseTS(created), parseTS(updated), parseTS(retention)
	a.SubmittedAt, a.PDFGeneratedAt, a.EmailSentAt = parseNullTS(submitted), parseNullTS(pdfAt), parseNullTS(emailAt)
	return &a, nil
}

func encodeScores(ts *scoring.TotalScore) (sql.NullString, error) {
	if ts == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func assessmentArgs(a *services.Assessment) ([]any, error) {
	answers := a.Answers
	if answers == nil {
		answers = map[string]int{}
	}
	ab, err := json.Marshal(answers)
	if err != nil {
		return nil, err
	}
	scores, err := encodeScores(a.Scores)
	if err != nil {
		return nil, err
	}
	consent := 0
	if a.ConsentGiven {
		consent = 1
	}
	return []any{a.ID, a.VersionID, a.Email, a.Name, consent, a.AccessToken, string(a.Status), string(ab),
		scores, a.Locale, formatTS(a.CreatedAt), formatTS(a.UpdatedAt), nullTS(a.SubmittedAt), nullTS(a.PDFGeneratedAt),
		nullTS(a.EmailSentAt), formatTS(a.RetentionUntil)}, nil
}

func (s *SQLiteStore) InsertAssessment(ctx context.Context, a *services.Assessment) error {
	args, err := assessmentArgs(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO assessments (`+assessmentColumns+`) VALUES (`+placeholders(16)+`)`, args...)
	return err
}

func (s *SQLiteStore) InsertDraft(ctx context.Context, a *services.Assessment) error {
	args, err := assessmentArgs(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO assessments (`+assessmentColumns+`) SELECT `+placeholders(16)+`
		WHERE EXISTS (SELECT 1 FROM questionnaire_versions WHERE id = ? AND status = 'PUBLISHED')`,
		append(args, a.VersionID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.ErrVersionNotPublished
	}
	return nil
}

func (s *SQLiteStore) GetAssessment(ctx context.Context, id string) (*services.Assessment, error) {
	a, err := scanAssessment(s.db.QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// MergeAnswers patches the stored JSON map with json_patch while the row is
// still a draft.
func (s *SQLiteStore) MergeAnswers(ctx context.Context, id string, answers map[string]int, at time.Time) (int, error) {
	patch, err := json.Marshal(answers)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE assessments SET answers = json_patch(answers, ?), updated_at = ? WHERE id = ? AND status = 'DRAFT'`,
			string(patch), formatTS(at), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM assessments WHERE id = ?`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return services.ErrNotFound
			}
			if err != nil {
				return err
			}
			return services.ErrAssessmentNotDraft
		}
		return tx.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM json_each(answers)) FROM assessments WHERE id = ?`, id).Scan(&count)
	})
	return count, err
}

func (s *SQLiteStore) SaveSubmission(ctx context.Context, id string, scores *scoring.TotalScore, at time.Time) error {
	enc, err := encodeScores(scores)
	if err != nil {
		return err
	}
	ts := formatTS(at)
	res, err := s.db.ExecContext(ctx, `UPDATE assessments SET status = 'SUBMITTED', calculated_scores = ?, submitted_at = ?, updated_at = ? WHERE id = ? AND status = 'DRAFT'`,
		enc, ts, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.ErrAssessmentNotDraft
	}
	return nil
}

func (s *SQLiteStore) TransitionReportStatus(ctx context.Context, id string, t services.ReportTransition) (bool, error) {
	query := `UPDATE assessments SET status = ?, pdf_generated_at = COALESCE(?, pdf_generated_at),
		email_sent_at = COALESCE(?, email_sent_at), updated_at = ? WHERE id = ?`
	args := []any{string(t.To), nullTS(t.PDFGeneratedAt), nullTS(t.EmailSentAt), formatTS(t.At), id}
	if len(t.From) > 0 {
		query += ` AND status IN (` + placeholders(len(t.From)) + `)`
		args = append(args, statusArgs(t.From)...)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListAssessments(ctx context.Context, f services.AssessmentFilter) ([]*services.Assessment, error) {
	var (
		where []string
		args  []any
	)
	if f.VersionID != "" {
		where = append(where, "version_id = ?")
		args = append(args, f.VersionID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	query := `SELECT ` + assessmentColumns + ` FROM assessments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*services.Assessment{}
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredAssessments(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assessments WHERE data_retention_until < ?`, formatTS(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
