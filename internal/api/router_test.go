package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/aimaturity/internal/jobs"
	"github.com/soaringjerry/aimaturity/internal/middleware"
	"github.com/soaringjerry/aimaturity/internal/report"
	"github.com/soaringjerry/aimaturity/internal/seed"
	"github.com/soaringjerry/aimaturity/internal/services"
)

const (
	testAdminSecret = "admin-secret"
	testJWTSecret   = "jwt-secret-0123456789"
)

type testServer struct {
	handler http.Handler
	store   Store
	queue   *jobs.MemoryQueue
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	store := NewMemoryStore()
	queue := jobs.NewMemoryQueue(16)
	svc := NewServices(store, jobs.NewDispatcher(queue), report.NewPDFRenderer(), report.LogMailer{})
	auth, err := services.NewAdminAuthService(testAdminSecret, "", middleware.AdminSigner([]byte(testJWTSecret)), time.Hour)
	require.NoError(t, err)
	svc.AdminAuth = auth
	require.NoError(t, seed.Apply(context.Background(), svc.Questionnaires))

	opts = append([]Option{WithQueue(queue), WithJWTSecret([]byte(testJWTSecret))}, opts...)
	mux := http.NewServeMux()
	NewRouter(svc, opts...).Register(mux)
	return &testServer{handler: middleware.LocaleMiddleware(mux), store: store, queue: queue}
}

func (s *testServer) do(t *testing.T, method, path string, body any, setup ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	for _, fn := range setup {
		fn(req)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func asAdmin(r *http.Request) { r.SetBasicAuth("admin", testAdminSecret) }

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func questionCodes(v *services.QuestionnaireVersion) []string {
	var codes []string
	for _, a := range v.Areas {
		for _, e := range a.Elements {
			for _, q := range e.Questions {
				codes = append(codes, q.Code)
			}
		}
	}
	return codes
}

func TestAssessmentFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/questionnaire/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	version := decode[services.QuestionnaireVersion](t, rec)
	assert.Equal(t, services.VersionPublished, version.Status)
	require.Len(t, version.Areas, 5)
	codes := questionCodes(&version)
	require.Len(t, codes, 30)

	rec = s.do(t, http.MethodPost, "/api/assessment", map[string]any{"email": "ada@example.com", "name": "Ada", "consent": true},
		func(r *http.Request) { r.Header.Set("Accept-Language", "en") })
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[services.CreateAssessmentResult](t, rec)
	assert.Equal(t, version.ID, created.VersionID)
	assert.Len(t, created.AccessToken, 64)

	stored, err := s.store.GetAssessment(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "en", stored.Locale)

	answers := map[string]int{}
	for _, c := range codes {
		if strings.HasSuffix(c, ".a") {
			answers[c] = 3
		} else {
			answers[c] = 4
		}
	}
	rec = s.do(t, http.MethodPatch, "/api/assessment/"+created.ID, map[string]any{"answers": answers})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 30, decode[services.PatchAnswersResult](t, rec).AnswersCount)

	rec = s.do(t, http.MethodGet, "/api/assessment/"+created.ID+"/results", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/assessment/"+created.ID+"/pdf", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/assessment/"+created.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	submitted := decode[struct {
		Status services.AssessmentStatus `json:"status"`
		Scores struct {
			TotalScore    float64 `json:"totalScore"`
			MaturityLevel string  `json:"maturityLevel"`
		} `json:"scores"`
	}](t, rec)
	assert.Equal(t, services.AssessmentSubmitted, submitted.Status)
	assert.InDelta(t, 70, submitted.Scores.TotalScore, 1e-6)
	assert.Equal(t, "Avanzato", submitted.Scores.MaturityLevel)

	rec = s.do(t, http.MethodPost, "/api/assessment/"+created.ID+"/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodPatch, "/api/assessment/"+created.ID, map[string]any{"answers": map[string]int{codes[0]: 1}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/assessment/"+created.ID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Avanzato")

	st, err := s.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Waiting, "submit queues the pdf job")

	rec = s.do(t, http.MethodGet, "/api/assessment/"+created.ID+"/pdf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), created.ID)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))
}

func TestAssessmentValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/assessment", map[string]any{"email": "ada@example.com", "consent": false})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "invalid", body["code"])
	assert.Contains(t, body["fields"], "consent")

	rec = s.do(t, http.MethodPost, "/api/assessment", `{"email":"ada@example.com","consent":true,"extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/assessment", map[string]any{"email": "ada@example.com", "consent": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[services.CreateAssessmentResult](t, rec).ID

	rec = s.do(t, http.MethodPatch, "/api/assessment/"+id, map[string]any{"answers": map[string]int{"1.1.a": 9}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "answers.1.1.a")

	rec = s.do(t, http.MethodPatch, "/api/assessment/"+id, `{"answers":{"1.1.a":2.5}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/assessment/"+id+"/submit", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/assessment/missing/submit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateIsRateLimited(t *testing.T) {
	s := newTestServer(t, WithRateLimiter(middleware.NewRateLimiter(1, 1)))
	body := map[string]any{"email": "ada@example.com", "consent": true}
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/assessment", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, "/api/assessment", body).Code)
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/admin/questionnaire/versions", nil).Code)

	rec := s.do(t, http.MethodPost, "/api/admin/login", map[string]string{"secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/login", map[string]string{"secret": testAdminSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[services.AdminToken](t, rec)
	require.NotEmpty(t, tok.Token)

	rec = s.do(t, http.MethodGet, "/api/admin/questionnaire/versions", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+tok.Token)
	})
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Versions []services.VersionSummary `json:"versions"`
	}](t, rec)
	require.Len(t, list.Versions, 1)
	assert.Equal(t, 5, list.Versions[0].AreaCount)

	rec = s.do(t, http.MethodGet, "/api/admin/queue/status", nil, asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminVersionLifecycle(t *testing.T) {
	s := newTestServer(t)
	current := decode[services.QuestionnaireVersion](t, s.do(t, http.MethodGet, "/api/questionnaire/latest", nil))

	rec := s.do(t, http.MethodPost, "/api/admin/questionnaire/"+current.ID+"/clone", nil, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draft := decode[services.QuestionnaireVersion](t, rec)
	assert.Equal(t, 2, draft.VersionNumber)
	assert.Equal(t, services.VersionDraft, draft.Status)

	area := draft.Areas[0]
	rec = s.do(t, http.MethodPatch, "/api/admin/questionnaire/"+draft.ID+"/areas/"+area.ID, map[string]any{"weight": 0.5}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/admin/questionnaire/"+draft.ID+"/validate", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)

	rec = s.do(t, http.MethodPost, "/api/admin/questionnaire/"+draft.ID+"/publish", nil, asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPatch, "/api/admin/questionnaire/"+draft.ID+"/areas/"+area.ID, map[string]any{"weight": 0.25}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/admin/questionnaire/"+draft.ID+"/publish", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	prev, err := s.store.GetVersion(context.Background(), current.ID)
	require.NoError(t, err)
	assert.Equal(t, services.VersionArchived, prev.Status)

	rec = s.do(t, http.MethodPatch, "/api/admin/questionnaire/"+draft.ID+"/areas/"+area.ID, map[string]any{"weight": 0.3}, asAdmin)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/admin/questionnaire/"+draft.ID, nil, asAdmin)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/questionnaire/"+draft.ID+"/definition", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	yamlDef := rec.Body.String()
	assert.Contains(t, yamlDef, "1.1.a")

	rec = s.do(t, http.MethodPost, "/api/admin/questionnaire/import", yamlDef, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	imported := decode[services.QuestionnaireVersion](t, rec)
	assert.Equal(t, 3, imported.VersionNumber)

	rec = s.do(t, http.MethodDelete, "/api/admin/questionnaire/"+imported.ID, nil, asAdmin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/admin/questionnaire/"+imported.ID, nil, asAdmin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/questionnaire/import", "areas: [", asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAssessmentsExportAndAnalytics(t *testing.T) {
	s := newTestServer(t)
	version := decode[services.QuestionnaireVersion](t, s.do(t, http.MethodGet, "/api/questionnaire/latest", nil))
	answers := map[string]int{}
	for _, c := range questionCodes(&version) {
		answers[c] = 5
	}
	for _, email := range []string{"a@example.com", "b@example.com"} {
		rec := s.do(t, http.MethodPost, "/api/assessment", map[string]any{"email": email, "consent": true})
		require.Equal(t, http.StatusCreated, rec.Code)
		id := decode[services.CreateAssessmentResult](t, rec).ID
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPatch, "/api/assessment/"+id, map[string]any{"answers": answers}).Code)
		if email == "a@example.com" {
			require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/assessment/"+id+"/submit", nil).Code)
		}
	}

	rec := s.do(t, http.MethodGet, "/api/admin/assessments?status=submitted", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[struct {
		Assessments []services.Assessment `json:"assessments"`
	}](t, rec)
	require.Len(t, list.Assessments, 1)
	assert.Equal(t, "a@example.com", list.Assessments[0].Email)
	assert.Empty(t, list.Assessments[0].AccessToken)

	rec = s.do(t, http.MethodGet, "/api/admin/assessments/"+list.Assessments[0].ID, nil, asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/admin/assessments?limit=x", nil, asAdmin).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/admin/assessments?status=bogus", nil, asAdmin).Code)

	rec = s.do(t, http.MethodGet, "/api/admin/assessments/export?version_id="+version.ID+"&format=score", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "v1-score.csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 2)

	rec = s.do(t, http.MethodGet, "/api/admin/assessments/export?version_id="+version.ID+"&format=xml", nil, asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/questionnaire/"+version.ID+"/analytics", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[services.AnalyticsSummary](t, rec)
	assert.Equal(t, 1, sum.Submitted)
	assert.InDelta(t, 100, sum.MeanTotal, 1e-6)

	rec = s.do(t, http.MethodPost, "/api/admin/reports/retry", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pdfs":1,"emails":0}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/admin/maintenance/purge", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":0}`, rec.Body.String())
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.NewInvalidError("bad"), http.StatusBadRequest},
		{services.NewUnauthorizedError("no"), http.StatusUnauthorized},
		{services.NewNotFoundError("missing"), http.StatusNotFound},
		{services.NewConflictError("state"), http.StatusConflict},
		{services.NewComputationError("nothing scored"), http.StatusUnprocessableEntity},
		{services.NewTooManyRequestsError("slow down"), http.StatusTooManyRequests},
		{services.NewBadGatewayError("renderer"), http.StatusBadGateway},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("secret dsn leaked"))
	assert.NotContains(t, rec.Body.String(), "dsn")
}
