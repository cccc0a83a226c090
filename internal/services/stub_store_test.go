package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/soaringjerry/aimaturity/internal/scoring"
)

// stubStore is a small in-memory store covering every service interface.
type stubStore struct {
	mu          sync.Mutex
	versions    map[string]*QuestionnaireVersion
	assessments map[string]*Assessment
	failInsert  int
	// beforeMerge runs under the lock at the start of MergeAnswers.
	beforeMerge func(id string)
	// beforeInsert runs under the lock at the start of InsertDraft.
	beforeInsert func(a *Assessment)
}

func newStubStore() *stubStore {
	return &stubStore{versions: map[string]*QuestionnaireVersion{}, assessments: map[string]*Assessment{}}
}

func cloneVersion(v *QuestionnaireVersion) *QuestionnaireVersion {
	b, _ := json.Marshal(v)
	var out QuestionnaireVersion
	_ = json.Unmarshal(b, &out)
	return &out
}

func cloneAssessment(a *Assessment) *Assessment {
	b, _ := json.Marshal(a)
	var out Assessment
	_ = json.Unmarshal(b, &out)
	return &out
}

func (s *stubStore) ListVersions(ctx context.Context) ([]*VersionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*VersionSummary{}
	for _, v := range s.versions {
		n := 0
		for _, a := range s.assessments {
			if a.VersionID == v.ID {
				n++
			}
		}
		out = append(out, &VersionSummary{ID: v.ID, VersionNumber: v.VersionNumber, Status: v.Status, AreaCount: len(v.Areas), AssessmentCount: n})
	}
	return out, nil
}

func (s *stubStore) GetVersion(ctx context.Context, id string) (*QuestionnaireVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.versions[id]; ok {
		return cloneVersion(v), nil
	}
	return nil, nil
}

func (s *stubStore) GetLatestPublished(ctx context.Context) (*QuestionnaireVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *QuestionnaireVersion
	for _, v := range s.versions {
		if v.Status == VersionPublished && (best == nil || v.VersionNumber > best.VersionNumber) {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneVersion(best), nil
}

func (s *stubStore) MaxVersionNumber(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, v := range s.versions {
		if v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (s *stubStore) InsertVersion(ctx context.Context, v *QuestionnaireVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert > 0 {
		s.failInsert--
		return ErrVersionNumberTaken
	}
	for _, existing := range s.versions {
		if existing.VersionNumber == v.VersionNumber {
			return ErrVersionNumberTaken
		}
	}
	s.versions[v.ID] = cloneVersion(v)
	return nil
}

func (s *stubStore) PublishVersion(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.versions[id]
	if !ok || target.Status != VersionDraft {
		return ErrVersionNotDraft
	}
	for _, v := range s.versions {
		if v.Status == VersionPublished {
			v.Status = VersionArchived
		}
	}
	target.Status = VersionPublished
	target.PublishedAt = &at
	return nil
}

func (s *stubStore) ArchiveVersion(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok || v.Status != VersionPublished {
		return ErrVersionStateChanged
	}
	for _, a := range s.assessments {
		if a.VersionID == id && a.Status == AssessmentDraft {
			return ErrActiveDrafts
		}
	}
	v.Status = VersionArchived
	v.UpdatedAt = at
	return nil
}

func (s *stubStore) DeleteVersion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok || v.Status != VersionDraft {
		return ErrVersionNotDraft
	}
	delete(s.versions, id)
	return nil
}

func (s *stubStore) CountAssessments(ctx context.Context, versionID string, statuses ...AssessmentStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.assessments {
		if a.VersionID == versionID && statusIn(a.Status, statuses) {
			n++
		}
	}
	return n, nil
}

func statusIn(st AssessmentStatus, list []AssessmentStatus) bool {
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

func (s *stubStore) draft(versionID string) (*QuestionnaireVersion, error) {
	v, ok := s.versions[versionID]
	if !ok {
		return nil, ErrNotFound
	}
	if v.Status != VersionDraft {
		return nil, ErrVersionNotDraft
	}
	return v, nil
}

func (s *stubStore) UpdateArea(ctx context.Context, versionID string, area *Area) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.draft(versionID)
	if err != nil {
		return err
	}
	for i, a := range v.Areas {
		if a.ID == area.ID {
			cp := *area
			cp.Elements = a.Elements
			v.Areas[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (s *stubStore) UpdateElement(ctx context.Context, versionID string, el *Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.draft(versionID)
	if err != nil {
		return err
	}
	for _, a := range v.Areas {
		for i, e := range a.Elements {
			if e.ID == el.ID {
				cp := *el
				cp.Questions = e.Questions
				a.Elements[i] = &cp
				return nil
			}
		}
	}
	return ErrNotFound
}

func (s *stubStore) UpdateQuestion(ctx context.Context, versionID string, q *Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.draft(versionID)
	if err != nil {
		return err
	}
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			for i, existing := range e.Questions {
				if existing.ID == q.ID {
					cp := *q
					e.Questions[i] = &cp
					return nil
				}
			}
		}
	}
	return ErrNotFound
}

func (s *stubStore) InsertAssessment(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assessments[a.ID]; ok {
		return errors.New("duplicate assessment")
	}
	s.assessments[a.ID] = cloneAssessment(a)
	return nil
}

func (s *stubStore) InsertDraft(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeInsert != nil {
		s.beforeInsert(a)
	}
	if _, ok := s.assessments[a.ID]; ok {
		return errors.New("duplicate assessment")
	}
	if v, ok := s.versions[a.VersionID]; !ok || v.Status != VersionPublished {
		return ErrVersionNotPublished
	}
	s.assessments[a.ID] = cloneAssessment(a)
	return nil
}

func (s *stubStore) GetAssessment(ctx context.Context, id string) (*Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assessments[id]; ok {
		return cloneAssessment(a), nil
	}
	return nil, nil
}

func (s *stubStore) MergeAnswers(ctx context.Context, id string, answers map[string]int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeMerge != nil {
		s.beforeMerge(id)
	}
	a, ok := s.assessments[id]
	if !ok {
		return 0, ErrNotFound
	}
	if a.Status != AssessmentDraft {
		return 0, ErrAssessmentNotDraft
	}
	if a.Answers == nil {
		a.Answers = map[string]int{}
	}
	for k, v := range answers {
		a.Answers[k] = v
	}
	a.UpdatedAt = at
	return len(a.Answers), nil
}

func (s *stubStore) SaveSubmission(ctx context.Context, id string, scores *scoring.TotalScore, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assessments[id]
	if !ok || a.Status != AssessmentDraft {
		return ErrAssessmentNotDraft
	}
	a.Status = AssessmentSubmitted
	a.Scores = scores
	a.SubmittedAt = &at
	return nil
}

func (s *stubStore) TransitionReportStatus(ctx context.Context, id string, t ReportTransition) (bool, error) {
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
	return true, nil
}

func (s *stubStore) ListAssessments(ctx context.Context, filter AssessmentFilter) ([]*Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*Assessment{}
	for _, a := range s.assessments {
		if filter.VersionID != "" && a.VersionID != filter.VersionID {
			continue
		}
		if !statusIn(a.Status, filter.Statuses) {
			continue
		}
		out = append(out, cloneAssessment(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *stubStore) DeleteExpiredAssessments(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.assessments {
		if a.RetentionUntil.Before(before) {
			delete(s.assessments, id)
			n++
		}
	}
	return n, nil
}

// seedVersion stores a two-area version (weights 0.5/0.5) with questions
// Q1..Q4 and returns its id.
func (s *stubStore) seedVersion(id string, number int, status VersionStatus) string {
	q := func(qid, code string, order int) *Question {
		return &Question{ID: qid, ElementID: "el-" + id, Code: code, Text: code, ScaleMin: 0, ScaleMax: 5, Order: order}
	}
	v := &QuestionnaireVersion{
		ID: id, VersionNumber: number, Status: status,
		Areas: []*Area{
			{ID: id + "-a1", VersionID: id, Code: "A1", Name: "Area 1", Weight: 0.5, Order: 1, Elements: []*Element{
				{ID: id + "-e1", AreaID: id + "-a1", Code: "E1", Name: "Element 1", Weight: 1, Order: 1, Questions: []*Question{q(id+"-q1", "Q1", 1), q(id+"-q2", "Q2", 2)}},
			}},
			{ID: id + "-a2", VersionID: id, Code: "A2", Name: "Area 2", Weight: 0.5, Order: 2, Elements: []*Element{
				{ID: id + "-e2", AreaID: id + "-a2", Code: "E2", Name: "Element 2", Weight: 1, Order: 1, Questions: []*Question{q(id+"-q3", "Q3", 1), q(id+"-q4", "Q4", 2)}},
			}},
		},
	}
	s.versions[id] = v
	return id
}

func (s *stubStore) seedAssessment(id, versionID string, status AssessmentStatus) {
	s.assessments[id] = &Assessment{ID: id, VersionID: versionID, Email: id + "@example.com", Status: status, Answers: map[string]int{}}
}

// recordingDispatcher captures dispatch calls.
type recordingDispatcher struct {
	mu     sync.Mutex
	pdfs   []string
	emails []string
	err    error
}

func (d *recordingDispatcher) DispatchPDF(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pdfs = append(d.pdfs, id)
	return d.err
}

func (d *recordingDispatcher) DispatchEmail(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emails = append(d.emails, id)
	return d.err
}
