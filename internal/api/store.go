package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/soaringjerry/aimaturity/internal/scoring"
	"github.com/soaringjerry/aimaturity/internal/services"
)

// Snapshot is the on-disk form of a memory store.
type Snapshot struct {
	Versions    []*services.QuestionnaireVersion `json:"versions"`
	Assessments []*services.Assessment           `json:"assessments"`
	SavedAt     time.Time                        `json:"savedAt"`
}

type memoryStore struct {
	mu          sync.RWMutex
	versions    map[string]*services.QuestionnaireVersion
	assessments map[string]*services.Assessment
	path        string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		versions:    map[string]*services.QuestionnaireVersion{},
		assessments: map[string]*services.Assessment{},
	}
}

// NewMemoryStore returns a volatile in-process store.
func NewMemoryStore() Store { return newMemoryStore() }

// NewMemoryStoreFromPath loads the snapshot at path, if any, and rewrites it
// after every mutation.
func NewMemoryStoreFromPath(path string) (Store, error) {
	s := newMemoryStore()
	s.path = path
	snap, err := LoadSnapshot(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if snap != nil {
		for _, v := range snap.Versions {
			s.versions[v.ID] = v
		}
		for _, a := range snap.Assessments {
			s.assessments[a.ID] = a
		}
	}
	return s, nil
}

// LoadSnapshot reads a snapshot written by a path-backed memory store.
func LoadSnapshot(path string) (*Snapshot, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// CopySnapshot inserts every version and assessment of snap into dst.
func CopySnapshot(ctx context.Context, snap *Snapshot, dst Store) error {
	sort.Slice(snap.Versions, func(i, j int) bool { return snap.Versions[i].VersionNumber < snap.Versions[j].VersionNumber })
	for _, v := range snap.Versions {
		if err := dst.InsertVersion(ctx, v); err != nil {
			return fmt.Errorf("copy version %d: %w", v.VersionNumber, err)
		}
	}
	for _, a := range snap.Assessments {
		if err := dst.InsertAssessment(ctx, a); err != nil {
			return fmt.Errorf("copy assessment %s: %w", a.ID, err)
		}
	}
	return nil
}

// saveLocked writes the snapshot through a temp file so a crash never
// leaves a truncated file behind. Callers hold the write lock.
func (s *memoryStore) saveLocked() {
	if s.path == "" {
		return
	}
	snap := Snapshot{SavedAt: time.Now().UTC()}
	for _, v := range s.versions {
		snap.Versions = append(snap.Versions, v)
	}
	for _, a := range s.assessments {
		snap.Assessments = append(snap.Assessments, a)
	}
	b, err := json.Marshal(snap)
	if err != nil {
		log.Printf("memory store: encode snapshot: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		log.Printf("memory store: create snapshot dir: %v", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		log.Printf("memory store: write snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		log.Printf("memory store: replace snapshot: %v", err)
	}
}

func cloneVersion(v *services.QuestionnaireVersion) *services.QuestionnaireVersion {
	out := *v
	out.Areas = make([]*services.Area, 0, len(v.Areas))
	for _, a := range v.Areas {
		na := *a
		na.Elements = make([]*services.Element, 0, len(a.Elements))
		for _, e := range a.Elements {
			ne := *e
			ne.Questions = make([]*services.Question, 0, len(e.Questions))
			for _, q := range e.Questions {
				nq := *q
				ne.Questions = append(ne.Questions, &nq)
			}
			sort.SliceStable(ne.Questions, func(i, j int) bool {
				return orderLess(ne.Questions[i].Order, ne.Questions[j].Order, ne.Questions[i].Code, ne.Questions[j].Code)
			})
			na.Elements = append(na.Elements, &ne)
		}
		sort.SliceStable(na.Elements, func(i, j int) bool {
			return orderLess(na.Elements[i].Order, na.Elements[j].Order, na.Elements[i].Code, na.Elements[j].Code)
		})
		out.Areas = append(out.Areas, &na)
	}
	sort.SliceStable(out.Areas, func(i, j int) bool {
		return orderLess(out.Areas[i].Order, out.Areas[j].Order, out.Areas[i].Code, out.Areas[j].Code)
	})
	return &out
}

// orderLess matches the SQL stores' ORDER BY sort_order, code.
func orderLess(oi, oj int, ci, cj string) bool {
	if oi != oj {
		return oi < oj
	}
	return ci < cj
}

func cloneAssessment(a *services.Assessment) *services.Assessment {
	out := *a
	out.Answers = make(map[string]int, len(a.Answers))
	for k, v := range a.Answers {
		out.Answers[k] = v
	}
	if a.Scores != nil {
		b, _ := json.Marshal(a.Scores)
		var sc scoring.TotalScore
		_ = json.Unmarshal(b, &sc)
		out.Scores = &sc
	}
	return &out
}

func (s *memoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked()
	return nil
}

func (s *memoryStore) ListVersions(ctx context.Context) ([]*services.VersionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	for _, a := range s.assessments {
		counts[a.VersionID]++
	}
	out := make([]*services.VersionSummary, 0, len(s.versions))
	for _, v := range s.versions {
		out = append(out, &services.VersionSummary{
			ID:              v.ID,
			VersionNumber:   v.VersionNumber,
			Status:          v.Status,
			PublishedAt:     v.PublishedAt,
			CreatedAt:       v.CreatedAt,
			UpdatedAt:       v.UpdatedAt,
			AreaCount:       len(v.Areas),
			AssessmentCount: counts[v.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (s *memoryStore) GetVersion(ctx context.Context, id string) (*services.QuestionnaireVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.versions[id]; ok {
		return cloneVersion(v), nil
	}
	return nil, nil
}

func (s *memoryStore) GetLatestPublished(ctx context.Context) (*services.QuestionnaireVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *services.QuestionnaireVersion
	for _, v := range s.versions {
		if v.Status == services.VersionPublished && (best == nil || v.VersionNumber > best.VersionNumber) {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneVersion(best), nil
}

func (s *memoryStore) MaxVersionNumber(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, v := range s.versions {
		if v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (s *memoryStore) InsertVersion(ctx context.Context, v *services.QuestionnaireVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.versions {
		if existing.VersionNumber == v.VersionNumber {
			return services.ErrVersionNumberTaken
		}
		if v.Status == services.VersionPublished && existing.Status == services.VersionPublished {
			return fmt.Errorf("memory store: version %d is already published", existing.VersionNumber)
		}
	}
	if _, ok := s.versions[v.ID]; ok {
		return fmt.Errorf("memory store: duplicate version id %s", v.ID)
	}
	s.versions[v.ID] = cloneVersion(v)
	s.saveLocked()
	return nil
}

func (s *memoryStore) PublishVersion(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.versions[id]
	if !ok || target.Status != services.VersionDraft {
		return services.ErrVersionNotDraft
	}
	for _, v := range s.versions {
		if v.Status == services.VersionPublished {
			v.Status = services.VersionArchived
			v.UpdatedAt = at
		}
	}
	target.Status = services.VersionPublished
	target.PublishedAt = &at
	target.UpdatedAt = at
	s.saveLocked()
	return nil
}

func (s *memoryStore) ArchiveVersion(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok || v.Status != services.VersionPublished {
		return services.ErrVersionStateChanged
	}
	for _, a := range s.assessments {
		if a.VersionID == id && a.Status == services.AssessmentDraft {
			return services.ErrActiveDrafts
		}
	}
	v.Status = services.VersionArchived
	v.UpdatedAt = at
	s.saveLocked()
	return nil
}

func (s *memoryStore) DeleteVersion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok || v.Status != services.VersionDraft {
		return services.ErrVersionNotDraft
	}
	delete(s.versions, id)
	s.saveLocked()
	return nil
}

func statusIn(st services.AssessmentStatus, list []services.AssessmentStatus) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

func (s *memoryStore) CountAssessments(ctx context.Context, versionID string, statuses ...services.AssessmentStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.assessments {
		if a.VersionID == versionID && statusIn(a.Status, statuses) {
			n++
		}
	}
	return n, nil
}

// draftLocked returns the stored version when it may still be edited.
func (s *memoryStore) draftLocked(versionID string) (*services.QuestionnaireVersion, error) {
	v, ok := s.versions[versionID]
	if !ok {
		return nil, services.ErrNotFound
	}
	if v.Status != services.VersionDraft {
		return nil, services.ErrVersionNotDraft
	}
	return v, nil
}

func (s *memoryStore) UpdateArea(ctx context.Context, versionID string, area *services.Area) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.draftLocked(versionID)
	if err != nil {
		return err
	}
	for _, a := range v.Areas {
		if a.ID == area.ID {
			a.Name, a.Description, a.Weight, a.Order = area.Name, area.Description, area.Weight, area.Order
			v.UpdatedAt = time.Now().UTC()
			s.saveLocked()
			return nil
		}
	}
	return services.ErrNotFound
}

func (s *memoryStore) UpdateElement(ctx context.Context, versionID string, el *services.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.draftLocked(versionID)
	if err != nil {
		return err
	}
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			if e.ID == el.ID {
				e.Name, e.Description, e.Weight, e.Order = el.Name, el.Description, el.Weight, el.Order
				v.UpdatedAt = time.Now().UTC()
				s.saveLocked()
				return nil
			}
		}
	}
	return services.ErrNotFound
}

func (s *memoryStore) UpdateQuestion(ctx context.Context, versionID string, q *services.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.draftLocked(versionID)
	if err != nil {
		return err
	}
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			for _, existing := range e.Questions {
				if existing.ID == q.ID {
					existing.Text, existing.LevelsDescription = q.Text, q.LevelsDescription
					existing.ScaleMin, existing.ScaleMax, existing.Order = q.ScaleMin, q.ScaleMax, q.Order
					v.UpdatedAt = time.Now().UTC()
					s.saveLocked()
					return nil
				}
			}
		}
	}
	return services.ErrNotFound
}

func (s *memoryStore) InsertAssessment(ctx context.Context, a *services.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(a, false)
}

func (s *memoryStore) InsertDraft(ctx context.Context, a *services.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(a, true)
}

func (s *memoryStore) insertLocked(a *services.Assessment, published bool) error {
	if _, ok := s.assessments[a.ID]; ok {
		return fmt.Errorf("memory store: duplicate assessment id %s", a.ID)
	}
	v, ok := s.versions[a.VersionID]
	if !ok {
		return fmt.Errorf("memory store: unknown version %s", a.VersionID)
	}
	if published && v.Status != services.VersionPublished {
		return services.ErrVersionNotPublished
	}
	s.assessments[a.ID] = cloneAssessment(a)
	s.saveLocked()
	return nil
}

func (s *memoryStore) GetAssessment(ctx context.Context, id string) (*services.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.assessments[id]; ok {
		return cloneAssessment(a), nil
	}
	return nil, nil
}

func (s *memoryStore) MergeAnswers(ctx context.Context, id string, answers map[string]int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assessments[id]
	if !ok {
		return 0, services.ErrNotFound
	}
	if a.Status != services.AssessmentDraft {
		return 0, services.ErrAssessmentNotDraft
	}
	if a.Answers == nil {
		a.Answers = map[string]int{}
	}
	for k, v := range answers {
		a.Answers[k] = v
	}
	a.UpdatedAt = at
	s.saveLocked()
	return len(a.Answers), nil
}

func (s *memoryStore) SaveSubmission(ctx context.Context, id string, scores *scoring.TotalScore, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assessments[id]
	if !ok || a.Status != services.AssessmentDraft {
		return services.ErrAssessmentNotDraft
	}
	a.Status = services.AssessmentSubmitted
	a.Scores = scores
	a.SubmittedAt = &at
	a.UpdatedAt = at
	s.saveLocked()
	return nil
}

func (s *memoryStore) TransitionReportStatus(ctx context.Context, id string, t services.ReportTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assessments[id]
	if !ok || !statusIn(a.Status, t.From) {
		return false, nil
	}
	a.Status = t.To
	if t.PDFGeneratedAt != nil {
		a.PDFGeneratedAt = t.PDFGeneratedAt
	}
	if t.EmailSentAt != nil {
		a.EmailSentAt = t.EmailSentAt
	}
	a.UpdatedAt = t.At
	s.saveLocked()
	return true, nil
}

func (s *memoryStore) ListAssessments(ctx context.Context, filter services.AssessmentFilter) ([]*services.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*services.Assessment{}
	for _, a := range s.assessments {
		if filter.VersionID != "" && a.VersionID != filter.VersionID {
			continue
		}
		if !statusIn(a.Status, filter.Statuses) {
			continue
		}
		out = append(out, cloneAssessment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*services.Assessment{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteExpiredAssessments removes assessments whose retention ends before
// the cutoff and returns how many were dropped.
func (s *memoryStore) DeleteExpiredAssessments(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, a := range s.assessments {
		if a.RetentionUntil.Before(before) {
			delete(s.assessments, id)
			removed++
		}
	}
	if removed > 0 {
		s.saveLocked()
	}
	return removed, nil
}
