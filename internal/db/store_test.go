package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormLogger "gorm.io/gorm/logger"

	"github.com/soaringjerry/aimaturity/internal/api"
	"github.com/soaringjerry/aimaturity/internal/scoring"
	"github.com/soaringjerry/aimaturity/internal/services"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) api.Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) api.Store { return api.NewMemoryStore() },
		"sqlite": func(t *testing.T) api.Store {
			conn, err := OpenSQLite(filepath.Join(t.TempDir(), "maturity.db"))
			require.NoError(t, err)
			require.NoError(t, RunMigrations(conn, ""))
			s, err := NewSQLiteStore(conn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"gorm": func(t *testing.T) api.Store {
			conn, err := OpenGormSQLite(filepath.Join(t.TempDir(), "gorm.db"), NewGormLogger(gormLogger.Silent))
			require.NoError(t, err)
			s, err := NewGormStore(conn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s api.Store)) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) { fn(t, factory(t)) })
	}
}

func fixtureVersion(id string, number int, status services.VersionStatus) *services.QuestionnaireVersion {
	v := &services.QuestionnaireVersion{
		ID: id, VersionNumber: number, Status: status,
		CreatedAt: base, UpdatedAt: base,
	}
	if status == services.VersionPublished {
		at := base
		v.PublishedAt = &at
	}
	for ai, code := range []string{"2", "1"} {
		a := &services.Area{ID: id + "-a" + code, VersionID: id, Code: code, Name: "Area " + code, Weight: 0.5, Order: 1 - ai}
		e := &services.Element{ID: a.ID + "-e", AreaID: a.ID, Code: code + ".1", Name: "Element", Weight: 1}
		for qi, suffix := range []string{"a", "b"} {
			e.Questions = append(e.Questions, &services.Question{
				ID: e.ID + "-" + suffix, ElementID: e.ID, Code: code + ".1." + suffix,
				Text: "Question " + suffix, ScaleMin: 0, ScaleMax: 5, Order: qi,
			})
		}
		a.Elements = []*services.Element{e}
		v.Areas = append(v.Areas, a)
	}
	return v
}

func fixtureAssessment(id, versionID string, created time.Time) *services.Assessment {
	return &services.Assessment{
		ID: id, VersionID: versionID, Email: id + "@example.com", Name: "Ada",
		ConsentGiven: true, AccessToken: "token-" + id, Status: services.AssessmentDraft,
		Answers: map[string]int{}, Locale: "it",
		CreatedAt: created, UpdatedAt: created, RetentionUntil: created.Add(24 * time.Hour),
	}
}

func TestVersionRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s api.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("v1", 1, services.VersionDraft)))

		got, err := s.GetVersion(ctx, "v1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, services.VersionDraft, got.Status)
		require.Len(t, got.Areas, 2)
		assert.Equal(t, "1", got.Areas[0].Code, "areas follow sort order")
		require.Len(t, got.Areas[0].Elements, 1)
		require.Len(t, got.Areas[0].Elements[0].Questions, 2)
		assert.Equal(t, "1.1.a", got.Areas[0].Elements[0].Questions[0].Code)
		assert.Equal(t, 5, got.Areas[0].Elements[0].Questions[0].ScaleMax)
		assert.True(t, got.CreatedAt.Equal(base))

		missing, err := s.GetVersion(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		n, err := s.MaxVersionNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		err = s.InsertVersion(ctx, fixtureVersion("v1b", 1, services.VersionDraft))
		assert.ErrorIs(t, err, services.ErrVersionNumberTaken)

		list, err := s.ListVersions(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 2, list[0].AreaCount)
	})
}

func TestPublishArchivesPrevious(t *testing.T) {
	eachStore(t, func(t *testing.T, s api.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("v1", 1, services.VersionPublished)))
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("v2", 2, services.VersionDraft)))

		latest, err := s.GetLatestPublished(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "v1", latest.ID)

		require.NoError(t, s.PublishVersion(ctx, "v2", base.Add(time.Hour)))
		latest, err = s.GetLatestPublished(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v2", latest.ID)
		require.NotNil(t, latest.PublishedAt)
		assert.True(t, latest.PublishedAt.Equal(base.Add(time.Hour)))

		old, err := s.GetVersion(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, services.VersionArchived, old.Status)

		assert.ErrorIs(t, s.PublishVersion(ctx, "v2", base), services.ErrVersionNotDraft)
		latest, err = s.GetLatestPublished(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v2", latest.ID, "failed publish must not archive the live version")
	})
}

func TestArchiveVersionGuards(t *testing.T) {
	eachStore(t, func(t *testing.T, s api.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("v1", 1, services.VersionPublished)))
		require.NoError(t, s.InsertDraft(ctx, fixtureAssessment("a", "v1", base)))
		assert.ErrorIs(t, s.ArchiveVersion(ctx, "v1", base), services.ErrActiveDrafts)
		got, err := s.GetVersion(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, services.VersionPublished, got.Status)

		require.NoError(t, s.SaveSubmission(ctx, "a", &scoring.TotalScore{}, base))
		require.NoError(t, s.ArchiveVersion(ctx, "v1", base.Add(time.Hour)))
		assert.ErrorIs(t, s.ArchiveVersion(ctx, "v1", base), services.ErrVersionStateChanged)
		assert.ErrorIs(t, s.ArchiveVersion(ctx, "missing", base), services.ErrVersionStateChanged)

		err = s.InsertDraft(ctx, fixtureAssessment("late", "v1", base))
		assert.ErrorIs(t, err, services.ErrVersionNotPublished)
		late, err := s.GetAssessment(ctx, "late")
		require.NoError(t, err)
		assert.Nil(t, late, "no draft may bind to an archived version")
		// Imports keep drafts that were bound before the version was retired.
		require.NoError(t, s.InsertAssessment(ctx, fixtureAssessment("legacy", "v1", base)))

		assert.ErrorIs(t, s.DeleteVersion(ctx, "v1"), services.ErrVersionNotDraft)
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("v2", 2, services.VersionDraft)))
		require.NoError(t, s.DeleteVersion(ctx, "v2"))
		gone, err := s.GetVersion(ctx, "v2")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestConcurrentPublishLeavesOnePublished(t *testing.T) {
	eachStore(t, func(t *testing.T, s api.Store) {
		ctx := context.Background()
		const n = 8
		for i := 1; i <= n; i++ {
			require.NoError(t, s.InsertVersion(ctx, fixtureVersion(fmt.Sprintf("v%d", i), i, services.VersionDraft)))
		}

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 1; i <= n; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				errs <- s.PublishVersion(ctx, id, base)
			}(fmt.Sprintf("v%d", i))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		versions, err := s.ListVersions(ctx)
		require.NoError(t, err)
		require.Len(t, versions, n)
		published := 0
		for _, v := range versions {
			switch v.Status {
			case services.VersionPublished:
				published++
			case services.VersionArchived:
			default:
				t.Errorf("version %s left in status %s", v.ID, v.Status)
			}
		}
		assert.Equal(t, 1, published)
	})
}

func TestConcurrentMergeKeepsEveryAnswer(t *testing.T) {
	eachStore(t, func(t *testing.T, s api.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("v", 1, services.VersionPublished)))
		require.NoError(t, s.InsertAssessment(ctx, fixtureAssessment("a", "v", base)))

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.MergeAnswers(ctx, "a", map[string]int{fmt.Sprintf("q%02d", i): i % 6}, base.Add(time.Duration(i)*time.Second))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		got, err := s.GetAssessment(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got.Answers, n)
		for i := 0; i < n; i++ {
			assert.Equal(t, i%6, got.Answers[fmt.Sprintf("q%02d", i)])
		}
	})
}

func TestTreeUpdatesOnlyOnDrafts(t *testing.T) {
	eachStore(t, func(t *testing.T, s api.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("d", 1, services.VersionDraft)))
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("p", 2, services.VersionPublished)))

		area := &services.Area{ID: "d-a1", Name: "Renamed", Description: "desc", Weight: 0.4, Order: 3}
		require.NoError(t, s.UpdateArea(ctx, "d", area))
		element := &services.Element{ID: "d-a1-e", Name: "Element X", Weight: 1, Order: 0}
		require.NoError(t, s.UpdateElement(ctx, "d", element))
		question := &services.Question{ID: "d-a1-e-a", Text: "New text", ScaleMin: 0, ScaleMax: 10}
		require.NoError(t, s.UpdateQuestion(ctx, "d", question))

		got, err := s.GetVersion(ctx, "d")
		require.NoError(t, err)
		var renamed *services.Area
		for _, a := range got.Areas {
			if a.ID == "d-a1" {
				renamed = a
			}
		}
		require.NotNil(t, renamed)
		assert.Equal(t, "Renamed", renamed.Name)
		assert.InDelta(t, 0.4, renamed.Weight, 1e-9)
		assert.Equal(t, "Element X", renamed.Elements[0].Name)
		q := got.QuestionByCode("1.1.a")
		require.NotNil(t, q)
		assert.Equal(t, "New text", q.Text)
		assert.Equal(t, 10, q.ScaleMax)

		assert.ErrorIs(t, s.UpdateArea(ctx, "p", &services.Area{ID: "p-a1", Name: "x"}), services.ErrVersionNotDraft)
		assert.ErrorIs(t, s.UpdateArea(ctx, "d", &services.Area{ID: "p-a1", Name: "x"}), services.ErrNotFound)
		assert.ErrorIs(t, s.UpdateQuestion(ctx, "d", &services.Question{ID: "p-a1-e-a", Text: "x"}), services.ErrNotFound)
		assert.ErrorIs(t, s.UpdateElement(ctx, "missing", element), services.ErrNotFound)
	})
}

func TestAssessmentLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s api.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("v", 1, services.VersionPublished)))
		require.NoError(t, s.InsertAssessment(ctx, fixtureAssessment("a", "v", base)))

		n, err := s.MergeAnswers(ctx, "a", map[string]int{"1.1.a": 3, "1.1.b": 4}, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = s.MergeAnswers(ctx, "a", map[string]int{"1.1.b": 1, "2.1.a": 5}, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := s.GetAssessment(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"1.1.a": 3, "1.1.b": 1, "2.1.a": 5}, got.Answers)
		assert.Nil(t, got.Scores)

		scores := &scoring.TotalScore{TotalScore: 42.5, MaturityLevel: scoring.LevelInSviluppo}
		require.NoError(t, s.SaveSubmission(ctx, "a", scores, base.Add(time.Hour)))
		assert.ErrorIs(t, s.SaveSubmission(ctx, "a", scores, base), services.ErrAssessmentNotDraft)
		_, err = s.MergeAnswers(ctx, "a", map[string]int{"1.1.a": 1}, base)
		assert.ErrorIs(t, err, services.ErrAssessmentNotDraft)
		_, err = s.MergeAnswers(ctx, "missing", map[string]int{"1.1.a": 1}, base)
		assert.ErrorIs(t, err, services.ErrNotFound)

		got, err = s.GetAssessment(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, services.AssessmentSubmitted, got.Status)
		require.NotNil(t, got.Scores)
		assert.InDelta(t, 42.5, got.Scores.TotalScore, 1e-9)
		require.NotNil(t, got.SubmittedAt)
		assert.True(t, got.SubmittedAt.Equal(base.Add(time.Hour)))

		pdfAt := base.Add(2 * time.Hour)
		ok, err := s.TransitionReportStatus(ctx, "a", services.ReportTransition{
			From: []services.AssessmentStatus{services.AssessmentSubmitted, services.AssessmentFailed},
			To:   services.AssessmentPDFGenerated, PDFGeneratedAt: &pdfAt, At: pdfAt,
		})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.TransitionReportStatus(ctx, "a", services.ReportTransition{
			From: []services.AssessmentStatus{services.AssessmentSubmitted},
			To:   services.AssessmentFailed, At: pdfAt,
		})
		require.NoError(t, err)
		assert.False(t, ok, "transition must only apply from the listed statuses")

		got, err = s.GetAssessment(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, services.AssessmentPDFGenerated, got.Status)
		require.NotNil(t, got.PDFGeneratedAt)
		assert.Nil(t, got.EmailSentAt)

		count, err := s.CountAssessments(ctx, "v", services.SubmittedStatuses...)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		count, err = s.CountAssessments(ctx, "v", services.AssessmentDraft)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestListAndPurgeAssessments(t *testing.T) {
	eachStore(t, func(t *testing.T, s api.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertVersion(ctx, fixtureVersion("v", 1, services.VersionPublished)))
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.InsertAssessment(ctx, fixtureAssessment(id, "v", base.Add(time.Duration(i)*time.Hour))))
		}
		require.NoError(t, s.SaveSubmission(ctx, "b", &scoring.TotalScore{}, base))

		all, err := s.ListAssessments(ctx, services.AssessmentFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

		page, err := s.ListAssessments(ctx, services.AssessmentFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "b", page[0].ID)

		drafts, err := s.ListAssessments(ctx, services.AssessmentFilter{VersionID: "v", Statuses: []services.AssessmentStatus{services.AssessmentDraft}})
		require.NoError(t, err)
		assert.Len(t, drafts, 2)

		// retention: a expires at base+24h, b at +25h, c at +26h
		removed, err := s.DeleteExpiredAssessments(ctx, base.Add(25*time.Hour+time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		left, err := s.ListAssessments(ctx, services.AssessmentFilter{})
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "c", left[0].ID)
	})
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	conn, err := OpenSQLite(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, RunMigrations(conn, ""))
	require.NoError(t, RunMigrations(conn, filepath.Join(t.TempDir(), "does-not-exist")))

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCopySnapshotIntoSQLite(t *testing.T) {
	ctx := context.Background()
	mem := api.NewMemoryStore()
	require.NoError(t, mem.InsertVersion(ctx, fixtureVersion("v1", 1, services.VersionArchived)))
	require.NoError(t, mem.InsertVersion(ctx, fixtureVersion("v2", 2, services.VersionPublished)))
	require.NoError(t, mem.InsertAssessment(ctx, fixtureAssessment("a", "v2", base)))

	versions, err := mem.ListVersions(ctx)
	require.NoError(t, err)
	snap := &api.Snapshot{}
	for _, vs := range versions {
		v, err := mem.GetVersion(ctx, vs.ID)
		require.NoError(t, err)
		snap.Versions = append(snap.Versions, v)
	}
	all, err := mem.ListAssessments(ctx, services.AssessmentFilter{})
	require.NoError(t, err)
	snap.Assessments = all

	dst := stores()["sqlite"](t)
	require.NoError(t, api.CopySnapshot(ctx, snap, dst))
	latest, err := dst.GetLatestPublished(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "v2", latest.ID)
	a, err := dst.GetAssessment(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "token-a", a.AccessToken)
}
