package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/sobershift/api"
	"github.com/garnizeh/sobershift/internal/ai"
	"github.com/garnizeh/sobershift/internal/config"
	"github.com/garnizeh/sobershift/internal/dispatch"
	"github.com/garnizeh/sobershift/internal/events"
	"github.com/garnizeh/sobershift/internal/models"
	"github.com/garnizeh/sobershift/internal/sobriety"
	"github.com/garnizeh/sobershift/internal/storage"
	"github.com/garnizeh/sobershift/pkg/repository/mock"
)

const testSecret = "route-secret"

type stack struct {
	router http.Handler
	events *events.Recorder
}

type fakeReloader struct{ calls int }

func (f *fakeReloader) Reload(ctx context.Context) error {
	f.calls++
	return nil
}

func newStack(t *testing.T, analyzer ai.Analyzer, reloader api.Reloader) *stack {
	t.Helper()
	store := mock.New()
	repo := store.Repository()
	rec := &events.Recorder{}

	engine, err := dispatch.NewEngine(repo, rec, nil, config.DispatchConfig{})
	require.NoError(t, err)
	recordings, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	svc, err := sobriety.NewService(repo, recordings, analyzer, rec, nil, config.EngineConfig{Timeout: time.Second})
	require.NoError(t, err)

	cfg := &config.Config{JWTSecret: testSecret, APITimeout: 5 * time.Second,
		RateLimit: config.RateLimitConfig{SubmissionsPerMinute: 60, Burst: 10}}
	r := api.SetupRoutes(cfg, "test", "now", api.Services{
		Dispatch: engine, Sobriety: svc, Schemas: repo.Schema, Templates: repo.Template, Reloader: reloader,
	})

	require.NoError(t, repo.Worker.CreateWorker(context.Background(), &models.Worker{
		ID: "w1", Name: "Ana", Skills: []string{"plumber"}, AverageRating: 4.5,
	}))
	return &stack{router: r, events: rec}
}

func (s *stack) do(t *testing.T, method, path, subject, role string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if role != "" {
		tok, err := api.IssueToken(testSecret, subject, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type postJobResult struct {
	Job             models.JobRequest     `json:"job"`
	Assignment      *models.JobAssignment `json:"assignment"`
	AssignmentError string                `json:"assignment_error"`
}

func postJob(t *testing.T, s *stack, autoAssign bool) postJobResult {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/jobs", "b1", api.RoleBuyer, jsonBody(t, map[string]any{
		"title": "fix sink", "required_skills": []string{"plumber"}, "budget_max": 120, "auto_assign": autoAssign,
	}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[postJobResult](t, w)
}

func TestRoutes_JobLifecycle(t *testing.T) {
	s := newStack(t, ai.NewSequenceAnalyzer(ai.Step{Result: &ai.Analysis{
		Verdict: models.VerdictPass, Confidence: 0.92, DetectedSigns: []string{}, Recommendation: models.RecommendApprove,
	}}), nil)

	res := postJob(t, s, true)
	assert.Equal(t, "b1", res.Job.BuyerID)
	assert.Equal(t, models.JobStatusAssigned, res.Job.Status)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, "w1", res.Assignment.WorkerID)
	assignmentPath := "/v1/assignments/" + res.Assignment.ID

	// work cannot start before the sobriety check passes
	w := s.do(t, http.MethodPost, assignmentPath+"/start", "w1", api.RoleWorker, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode[map[string]string](t, w)["code"])

	w = s.do(t, http.MethodPost, assignmentPath+"/sobriety-checks", "w1", api.RoleWorker, strings.NewReader("video-bytes"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	check := decode[models.SobrietyCheck](t, w)
	assert.Equal(t, models.CheckPassed, check.Status)
	assert.InDelta(t, 0.92, check.Confidence, 1e-9)

	w = s.do(t, http.MethodGet, assignmentPath, "b1", api.RoleBuyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.AssignmentWorkApproved, decode[models.JobAssignment](t, w).Status)

	w = s.do(t, http.MethodPost, assignmentPath+"/start", "w1", api.RoleWorker, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.AssignmentInProgress, decode[models.JobAssignment](t, w).Status)

	w = s.do(t, http.MethodPost, assignmentPath+"/complete", "b1", api.RoleBuyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.AssignmentCompleted, decode[models.JobAssignment](t, w).Status)

	w = s.do(t, http.MethodGet, "/v1/workers/w1/assignments", "w1", api.RoleWorker, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.JobAssignment](t, w), 1)

	w = s.do(t, http.MethodGet, "/v1/workers/w1/sobriety-checks", "w1", api.RoleWorker, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.SobrietyCheck](t, w), 1)

	w = s.do(t, http.MethodGet, "/v1/sobriety-checks/"+check.ID, "w1", api.RoleWorker, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	types := s.events.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeAssignmentCreated, types[0])
	assert.Contains(t, types, events.TypeSobrietyVerdict)
}

func TestRoutes_Authorization(t *testing.T) {
	s := newStack(t, ai.MockAnalyzer{}, nil)
	res := postJob(t, s, true)
	require.NotNil(t, res.Assignment)

	cases := []struct {
		name    string
		method  string
		path    string
		subject string
		role    string
		want    int
	}{
		{"NoToken", http.MethodGet, "/v1/assignments/" + res.Assignment.ID, "", "", http.StatusUnauthorized},
		{"WorkerCannotPostJobs", http.MethodPost, "/v1/jobs", "w1", api.RoleWorker, http.StatusForbidden},
		{"BuyerCannotSubmitRecordings", http.MethodPost, "/v1/assignments/" + res.Assignment.ID + "/sobriety-checks", "b1", api.RoleBuyer, http.StatusForbidden},
		{"WorkerCannotReview", http.MethodPost, "/v1/sobriety-checks/x/review", "w1", api.RoleWorker, http.StatusForbidden},
		{"WorkerCannotListReviews", http.MethodGet, "/v1/sobriety-checks/pending-review", "w1", api.RoleWorker, http.StatusForbidden},
		{"OtherWorkersHistoryHidden", http.MethodGet, "/v1/workers/w1/sobriety-checks", "w2", api.RoleWorker, http.StatusForbidden},
		{"ReviewerCannotAdminister", http.MethodGet, "/v1/ai/schemas", "r1", api.RoleReviewer, http.StatusForbidden},
		{"AdminPassesEveryGuard", http.MethodGet, "/v1/sobriety-checks/pending-review", "root", api.RoleAdmin, http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := s.do(t, c.method, c.path, c.subject, c.role, strings.NewReader("{}"))
			assert.Equal(t, c.want, w.Code, w.Body.String())
		})
	}
}

func TestRoutes_Ownership(t *testing.T) {
	s := newStack(t, ai.StaticAnalyzer{Result: &ai.Analysis{
		Verdict: models.VerdictPass, Confidence: 0.9, DetectedSigns: []string{}, Recommendation: models.RecommendApprove,
	}}, nil)
	res := postJob(t, s, true)
	require.NotNil(t, res.Assignment)
	assignmentPath := "/v1/assignments/" + res.Assignment.ID

	w := s.do(t, http.MethodPost, assignmentPath+"/sobriety-checks", "w1", api.RoleWorker, strings.NewReader("clip"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, assignmentPath+"/start", "w1", api.RoleWorker, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	open := postJob(t, s, false)

	cases := []struct {
		name    string
		method  string
		path    string
		subject string
		role    string
		want    int
	}{
		{"OtherWorkerCannotRead", http.MethodGet, assignmentPath, "w2", api.RoleWorker, http.StatusForbidden},
		{"OtherWorkerCannotComplete", http.MethodPost, assignmentPath + "/complete", "w2", api.RoleWorker, http.StatusForbidden},
		{"OtherBuyerCannotRead", http.MethodGet, assignmentPath, "b2", api.RoleBuyer, http.StatusForbidden},
		{"OtherBuyerCannotComplete", http.MethodPost, assignmentPath + "/complete", "b2", api.RoleBuyer, http.StatusForbidden},
		{"OtherBuyerCannotCancel", http.MethodPost, assignmentPath + "/cancel", "b2", api.RoleBuyer, http.StatusForbidden},
		{"OtherBuyerCannotAssign", http.MethodPost, "/v1/jobs/" + open.Job.ID + "/assign", "b2", api.RoleBuyer, http.StatusForbidden},
		{"OtherBuyerCannotAssignManually", http.MethodPost, "/v1/jobs/" + open.Job.ID + "/assign/w1", "b2", api.RoleBuyer, http.StatusForbidden},
		{"AssignUnknownJob", http.MethodPost, "/v1/jobs/missing/assign", "b2", api.RoleBuyer, http.StatusNotFound},
		{"ReviewerCanRead", http.MethodGet, assignmentPath, "r1", api.RoleReviewer, http.StatusOK},
		{"AssignedWorkerCanRead", http.MethodGet, assignmentPath, "w1", api.RoleWorker, http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := s.do(t, c.method, c.path, c.subject, c.role, nil)
			assert.Equal(t, c.want, w.Code, w.Body.String())
		})
	}

	// the rejected calls changed nothing
	w = s.do(t, http.MethodGet, assignmentPath, "b1", api.RoleBuyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.AssignmentInProgress, decode[models.JobAssignment](t, w).Status)

	w = s.do(t, http.MethodPost, assignmentPath+"/complete", "w1", api.RoleWorker, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.AssignmentCompleted, decode[models.JobAssignment](t, w).Status)
}

func TestRoutes_ErrorMapping(t *testing.T) {
	s := newStack(t, ai.MockAnalyzer{}, nil)

	w := s.do(t, http.MethodGet, "/v1/assignments/missing", "b1", api.RoleBuyer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[map[string]string](t, w)["code"])

	w = s.do(t, http.MethodPost, "/v1/jobs", "b1", api.RoleBuyer, jsonBody(t, map[string]any{"title": "", "required_skills": []string{"x"}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", decode[map[string]string](t, w)["code"])

	w = s.do(t, http.MethodPost, "/v1/jobs", "b1", api.RoleBuyer, strings.NewReader("not json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// nobody has the skill: the job is stored and the outcome reported
	w = s.do(t, http.MethodPost, "/v1/jobs", "b1", api.RoleBuyer, jsonBody(t, map[string]any{
		"title": "wire house", "required_skills": []string{"electrician"}, "auto_assign": true,
	}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[postJobResult](t, w)
	assert.Nil(t, res.Assignment)
	assert.Contains(t, res.AssignmentError, "no eligible workers")
	assert.Equal(t, models.JobStatusOpen, res.Job.Status)

	w = s.do(t, http.MethodPost, "/v1/jobs/"+res.Job.ID+"/assign", "b1", api.RoleBuyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "no_eligible_workers", decode[map[string]string](t, w)["code"])

	w = s.do(t, http.MethodPost, "/v1/jobs/"+res.Job.ID+"/assign/w1", "b1", api.RoleBuyer, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, models.AssignmentManual, decode[models.JobAssignment](t, w).Type)

	// w1 is now assigned
	other := postJob(t, s, false)
	w = s.do(t, http.MethodPost, "/v1/jobs/"+other.Job.ID+"/assign/w1", "b1", api.RoleBuyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "concurrency_conflict", decode[map[string]string](t, w)["code"])
}

func TestRoutes_AnalysisUnavailable(t *testing.T) {
	s := newStack(t, ai.StaticAnalyzer{Err: ai.ErrMalformedResponse}, nil)
	res := postJob(t, s, true)
	require.NotNil(t, res.Assignment)

	w := s.do(t, http.MethodPost, "/v1/assignments/"+res.Assignment.ID+"/sobriety-checks", "w1", api.RoleWorker, strings.NewReader("clip"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())

	var body struct {
		Code  string               `json:"code"`
		Check models.SobrietyCheck `json:"check"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "analysis_unavailable", body.Code)
	assert.Equal(t, models.CheckPending, body.Check.Status)
	assert.NotEmpty(t, body.Check.FailureReason)

	w = s.do(t, http.MethodPost, "/v1/assignments/"+res.Assignment.ID+"/sobriety-checks", "w1", api.RoleWorker, http.NoBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes_ManualReview(t *testing.T) {
	s := newStack(t, ai.StaticAnalyzer{Result: &ai.Analysis{
		Verdict: models.VerdictUncertain, Confidence: 0.65, DetectedSigns: []string{"unclear_visibility"},
		Recommendation: models.RecommendRetest,
	}}, nil)
	res := postJob(t, s, true)
	require.NotNil(t, res.Assignment)

	w := s.do(t, http.MethodPost, "/v1/assignments/"+res.Assignment.ID+"/sobriety-checks", "w1", api.RoleWorker, strings.NewReader("clip"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	check := decode[models.SobrietyCheck](t, w)
	assert.Equal(t, models.CheckUncertain, check.Status)
	assert.True(t, check.ManualReviewRequired)

	w = s.do(t, http.MethodGet, "/v1/sobriety-checks/pending-review", "r1", api.RoleReviewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode[[]models.SobrietyCheck](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, check.ID, pending[0].ID)

	w = s.do(t, http.MethodGet, "/v1/sobriety-checks/"+check.ID+"/recording", "r1", api.RoleReviewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "clip", w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/sobriety-checks/"+check.ID+"/review", "r1", api.RoleReviewer,
		jsonBody(t, map[string]string{"decision": "UNCERTAIN"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sobriety-checks/"+check.ID+"/review", "r1", api.RoleReviewer,
		jsonBody(t, map[string]string{"decision": "PASS", "notes": "lighting was poor"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reviewed := decode[models.SobrietyCheck](t, w)
	assert.Equal(t, models.CheckPassed, reviewed.Status)
	assert.Equal(t, "r1", reviewed.ReviewedBy)

	w = s.do(t, http.MethodGet, "/v1/assignments/"+res.Assignment.ID, "b1", api.RoleBuyer, nil)
	assert.Equal(t, models.AssignmentWorkApproved, decode[models.JobAssignment](t, w).Status)

	w = s.do(t, http.MethodPost, "/v1/sobriety-checks/"+check.ID+"/review", "r1", api.RoleReviewer,
		jsonBody(t, map[string]string{"decision": "FAIL"}))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRoutes_SchemaAdmin(t *testing.T) {
	reloader := &fakeReloader{}
	s := newStack(t, ai.MockAnalyzer{}, reloader)

	w := s.do(t, http.MethodPost, "/v1/ai/schemas", "root", api.RoleAdmin, strings.NewReader(`{"version":"v2","schema_json":{not json}}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/ai/schemas", "root", api.RoleAdmin, strings.NewReader(`{"version":"","schema_json":{}}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/ai/schemas", "root", api.RoleAdmin,
		strings.NewReader(`{"version":"v2","description":"stricter","schema_json":{"type":"object","required":["sobriety_status"]}}`))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/ai/schemas", "root", api.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	schemas := decode[[]models.Schema](t, w)
	require.Len(t, schemas, 1)
	assert.Equal(t, "v2", schemas[0].Version)

	w = s.do(t, http.MethodGet, "/v1/ai/schema?version=v2", "root", api.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/v1/ai/schema?version=v9", "root", api.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/ai/templates", "root", api.RoleAdmin,
		strings.NewReader(`{"name":"sobriety","version":"v2","template_text":"Judge {{.Size}} bytes","schema_version":"v2"}`))
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/ai/reload", "root", api.RoleAdmin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, reloader.calls)
}

func TestRoutes_ReloadWithoutCache(t *testing.T) {
	s := newStack(t, ai.MockAnalyzer{}, nil)
	w := s.do(t, http.MethodPost, "/v1/ai/reload", "root", api.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRoutes_OpenEndpoints(t *testing.T) {
	s := newStack(t, ai.MockAnalyzer{}, nil)
	w := s.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/version", "", "", nil)
	assert.Contains(t, w.Body.String(), `"version":"test"`)
}
