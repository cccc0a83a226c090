package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/soaringjerry/aimaturity/internal/jobs"
	"github.com/soaringjerry/aimaturity/internal/middleware"
	"github.com/soaringjerry/aimaturity/internal/report"
	"github.com/soaringjerry/aimaturity/internal/services"
)

const maxBodyBytes = 1 << 20

// Services bundles the domain services the router exposes.
type Services struct {
	Questionnaires *services.QuestionnaireService
	Assessments    *services.AssessmentService
	Reports        *services.ReportService
	Analytics      *services.AnalyticsService
	Exports        *services.ExportService
	AdminAuth      *services.AdminAuthService
}

// NewServices builds every service over one store. AdminAuth is left for
// the caller since it depends on secrets, not on the store.
func NewServices(store Store, dispatcher services.ReportDispatcher, renderer services.Renderer, mailer services.Mailer) Services {
	return Services{
		Questionnaires: services.NewQuestionnaireService(store),
		Assessments:    services.NewAssessmentService(store, dispatcher),
		Reports:        services.NewReportService(store, renderer, mailer, dispatcher),
		Analytics:      services.NewAnalyticsService(store),
		Exports:        services.NewExportService(store),
	}
}

// QueueStats reports job counts for the admin queue endpoint.
type QueueStats interface {
	Stats(ctx context.Context) (jobs.Stats, error)
}

type Router struct {
	svc       Services
	queue     QueueStats
	jwtSecret []byte
	limiter   *middleware.RateLimiter
}

type Option func(*Router)

func WithQueue(q QueueStats) Option { return func(rt *Router) { rt.queue = q } }

func WithJWTSecret(secret []byte) Option { return func(rt *Router) { rt.jwtSecret = secret } }

// WithRateLimiter guards assessment creation and admin login.
func WithRateLimiter(l *middleware.RateLimiter) Option { return func(rt *Router) { rt.limiter = l } }

func NewRouter(svc Services, opts ...Option) *Router {
	rt := &Router{svc: svc}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

func (rt *Router) limited(h http.HandlerFunc) http.Handler {
	if rt.limiter == nil {
		return h
	}
	return rt.limiter.Middleware(h)
}

func (rt *Router) admin(h http.HandlerFunc) http.Handler {
	check := func(string) bool { return false }
	if rt.svc.AdminAuth != nil {
		check = rt.svc.AdminAuth.CheckSecret
	}
	return middleware.RequireAdmin(rt.jwtSecret, check)(h)
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/questionnaire/latest", rt.handleLatestQuestionnaire)
	mux.Handle("POST /api/assessment", rt.limited(rt.handleCreateAssessment))
	mux.HandleFunc("PATCH /api/assessment/{id}", rt.handlePatchAnswers)
	mux.HandleFunc("POST /api/assessment/{id}/submit", rt.handleSubmit)
	mux.HandleFunc("GET /api/assessment/{id}/results", rt.handleResults)
	mux.HandleFunc("GET /api/assessment/{id}/pdf", rt.handlePDF)

	mux.Handle("POST /api/admin/login", rt.limited(rt.handleAdminLogin))
	mux.Handle("GET /api/admin/questionnaire/versions", rt.admin(rt.handleListVersions))
	mux.Handle("POST /api/admin/questionnaire/import", rt.admin(rt.handleImport))
	mux.Handle("GET /api/admin/questionnaire/{id}", rt.admin(rt.handleGetVersion))
	mux.Handle("DELETE /api/admin/questionnaire/{id}", rt.admin(rt.handleDeleteVersion))
	mux.Handle("POST /api/admin/questionnaire/{id}/clone", rt.admin(rt.handleClone))
	mux.Handle("POST /api/admin/questionnaire/{id}/publish", rt.admin(rt.handlePublish))
	mux.Handle("POST /api/admin/questionnaire/{id}/archive", rt.admin(rt.handleArchive))
	mux.Handle("GET /api/admin/questionnaire/{id}/validate", rt.admin(rt.handleValidate))
	mux.Handle("GET /api/admin/questionnaire/{id}/definition", rt.admin(rt.handleDefinition))
	mux.Handle("GET /api/admin/questionnaire/{id}/analytics", rt.admin(rt.handleAnalytics))
	mux.Handle("PATCH /api/admin/questionnaire/{id}/areas/{itemID}", rt.admin(rt.handleUpdateArea))
	mux.Handle("PATCH /api/admin/questionnaire/{id}/elements/{itemID}", rt.admin(rt.handleUpdateElement))
	mux.Handle("PATCH /api/admin/questionnaire/{id}/questions/{itemID}", rt.admin(rt.handleUpdateQuestion))
	mux.Handle("GET /api/admin/assessments", rt.admin(rt.handleListAssessments))
	mux.Handle("GET /api/admin/assessments/export", rt.admin(rt.handleExport))
	mux.Handle("GET /api/admin/assessments/{id}", rt.admin(rt.handleGetAssessment))
	mux.Handle("POST /api/admin/reports/retry", rt.admin(rt.handleRetryReports))
	mux.Handle("GET /api/admin/queue/status", rt.admin(rt.handleQueueStatus))
	mux.Handle("POST /api/admin/maintenance/purge", rt.admin(rt.handlePurge))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		log.Printf("api: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error", "code": "internal"})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case services.ErrorInvalid:
		status = http.StatusBadRequest
	case services.ErrorUnauthorized:
		status = http.StatusUnauthorized
	case services.ErrorNotFound:
		status = http.StatusNotFound
	case services.ErrorConflict:
		status = http.StatusConflict
	case services.ErrorComputation:
		status = http.StatusUnprocessableEntity
	case services.ErrorTooManyRequests:
		status = http.StatusTooManyRequests
	case services.ErrorBadGateway:
		status = http.StatusBadGateway
	}
	body := map[string]any{"error": se.Message, "code": se.Code}
	if len(se.Fields) > 0 {
		body["fields"] = se.Fields
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return services.NewInvalidError("invalid request body: " + err.Error())
	}
	return nil
}

func (rt *Router) handleLatestQuestionnaire(w http.ResponseWriter, r *http.Request) {
	v, err := rt.svc.Questionnaires.GetLatestPublished(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (rt *Router) handleCreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req services.CreateAssessmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Locale == "" {
		req.Locale = middleware.LocaleFromContext(r.Context())
	}
	res, err := rt.svc.Assessments.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (rt *Router) handlePatchAnswers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers map[string]int `json:"answers"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := rt.svc.Assessments.PatchAnswers(r.Context(), r.PathValue("id"), req.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (rt *Router) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scores, err := rt.svc.Assessments.Submit(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": services.AssessmentSubmitted, "scores": scores})
}

func (rt *Router) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := rt.svc.Assessments.GetResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (rt *Router) handlePDF(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pdf, err := rt.svc.Reports.RenderOnDemand(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	name := report.AttachmentName(services.ReportInput{AssessmentID: id})
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	_, _ = w.Write(pdf)
}

func (rt *Router) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if rt.svc.AdminAuth == nil {
		writeError(w, services.NewUnauthorizedError("admin login disabled"))
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	tok, err := rt.svc.AdminAuth.Login(req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (rt *Router) handleListVersions(w http.ResponseWriter, r *http.Request) {
	list, err := rt.svc.Questionnaires.ListVersions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": list})
}

func (rt *Router) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := rt.svc.Questionnaires.GetVersion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if v == nil {
		writeError(w, services.NewNotFoundError("questionnaire version not found"))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (rt *Router) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Questionnaires.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleClone(w http.ResponseWriter, r *http.Request) {
	v, err := rt.svc.Questionnaires.Clone(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (rt *Router) handlePublish(w http.ResponseWriter, r *http.Request) {
	v, err := rt.svc.Questionnaires.Publish(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (rt *Router) handleArchive(w http.ResponseWriter, r *http.Request) {
	v, err := rt.svc.Questionnaires.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (rt *Router) handleValidate(w http.ResponseWriter, r *http.Request) {
	check, err := rt.svc.Questionnaires.ValidateWeights(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (rt *Router) handleDefinition(w http.ResponseWriter, r *http.Request) {
	b, err := rt.svc.Questionnaires.ExportVersion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(b)
}

func (rt *Router) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, services.NewInvalidError("read definition: "+err.Error()))
		return
	}
	def, err := services.ParseDefinition(body)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := rt.svc.Questionnaires.Import(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (rt *Router) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	sum, err := rt.svc.Analytics.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (rt *Router) handleUpdateArea(w http.ResponseWriter, r *http.Request) {
	var patch services.AreaPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	a, err := rt.svc.Questionnaires.UpdateArea(r.Context(), r.PathValue("id"), r.PathValue("itemID"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (rt *Router) handleUpdateElement(w http.ResponseWriter, r *http.Request) {
	var patch services.ElementPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	e, err := rt.svc.Questionnaires.UpdateElement(r.Context(), r.PathValue("id"), r.PathValue("itemID"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (rt *Router) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var patch services.QuestionPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	q, err := rt.svc.Questionnaires.UpdateQuestion(r.Context(), r.PathValue("id"), r.PathValue("itemID"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// parseFilter reads ?status=A,B&version_id=&limit=&offset=.
func parseFilter(r *http.Request) (services.AssessmentFilter, error) {
	q := r.URL.Query()
	f := services.AssessmentFilter{VersionID: q.Get("version_id")}
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			f.Statuses = append(f.Statuses, services.AssessmentStatus(strings.ToUpper(s)))
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, services.NewFieldError("validation failed", map[string]string{name: "must be a non-negative integer"})
		}
		*dst = n
	}
	return f, nil
}

func (rt *Router) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := rt.svc.Assessments.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, a := range list {
		a.AccessToken = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"assessments": list, "limit": f.Limit, "offset": f.Offset})
}

func (rt *Router) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := rt.svc.Assessments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	a.AccessToken = ""
	writeJSON(w, http.StatusOK, a)
}

func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	res, err := rt.svc.Exports.ExportCSV(r.Context(), services.ExportParams{
		VersionID: r.URL.Query().Get("version_id"),
		Format:    r.URL.Query().Get("format"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	_, _ = w.Write(res.Data)
}

func (rt *Router) handleRetryReports(w http.ResponseWriter, r *http.Request) {
	pdfs, emails, err := rt.svc.Reports.RetryPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pdfs": pdfs, "emails": emails})
}

func (rt *Router) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if rt.queue == nil {
		writeError(w, errors.New("queue not configured"))
		return
	}
	st, err := rt.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (rt *Router) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := rt.svc.Assessments.PurgeExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
